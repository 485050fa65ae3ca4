package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/banstore"
	"github.com/mitander/lockframe/internal/config"
	"github.com/mitander/lockframe/internal/groupcap"
	"github.com/mitander/lockframe/internal/hub"
	"github.com/mitander/lockframe/internal/keystore"
	"github.com/mitander/lockframe/internal/logging"
	"github.com/mitander/lockframe/internal/logstore"
	"github.com/mitander/lockframe/internal/room"
	"github.com/mitander/lockframe/internal/server"
	"github.com/mitander/lockframe/internal/session"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("keystore passphrase unavailable", zap.Error(err))
	}

	ks := keystore.NewFileBackend(cfg.Keystore.Path)
	initOrUnlockKeystore(logger, ks, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bans, err := banstore.Open(ctx, ks)
	if err != nil {
		logger.Fatal("open ban ledger", zap.Error(err))
	}

	_, hubKey, err := groupcap.EnsureHubIdentity(ctx, ks)
	if err != nil {
		logger.Fatal("load hub identity", zap.Error(err))
	}
	suite := groupcap.NewSuite(hubKey)

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open log store", zap.Error(err))
	}
	defer store.Close()

	rooms := room.NewManager(logger, suite, bans, store)
	if err := rooms.Recover(ctx); err != nil {
		logger.Fatal("recover room state", zap.Error(err))
	}

	driver := hub.New(logger, hub.Config{
		MaxFrameSize:  cfg.MaxFrameSize,
		SyncPageLimit: cfg.SyncPageLimit,
	}, session.NewInMemory(cfg.MaxSessions), rooms, store)

	host := server.NewHost(cfg, logger, driver, bans)
	if err := host.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func openStore(cfg config.Config) (logstore.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return logstore.NewMemory(), nil
	default:
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		return logstore.OpenSQLite(cfg.Store.Path)
	}
}

func initOrUnlockKeystore(log *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if dir := filepath.Dir(backend.Path()); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					log.Fatal("create keystore directory", zap.Error(err))
				}
			}
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}
