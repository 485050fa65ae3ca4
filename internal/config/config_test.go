package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("expected default listen address %s, got %s", defaultListenAddress, cfg.ListenAddress)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.MaxFrameSize != defaultMaxFrameSize {
		t.Fatalf("expected default max frame size %d, got %d", defaultMaxFrameSize, cfg.MaxFrameSize)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != defaultStorePath {
		t.Fatalf("expected default sqlite store, got %+v", cfg.Store)
	}
	if cfg.Cleanup.SessionIdleTimeout != defaultSessionIdleTimeout {
		t.Fatalf("expected default idle timeout, got %s", cfg.Cleanup.SessionIdleTimeout)
	}
	if cfg.Keystore.Path != defaultKeystorePath {
		t.Fatalf("expected default keystore path %s, got %s", defaultKeystorePath, cfg.Keystore.Path)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
listen_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
max_frame_size: 65536
store:
  driver: "memory"
keystore:
  path: "/tmp/keystore.json"
  passphrase_env: "CUSTOM_ENV"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LOCKFRAME_LISTEN_ADDRESS", ":6000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != ":6000" {
		t.Fatalf("expected env override for listen address, got %s", cfg.ListenAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.MaxFrameSize != 65536 {
		t.Fatalf("expected max frame size 65536, got %d", cfg.MaxFrameSize)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store driver, got %s", cfg.Store.Driver)
	}
	if cfg.Keystore.Path != "/tmp/keystore.json" {
		t.Fatalf("expected keystore path from file, got %s", cfg.Keystore.Path)
	}
	if cfg.Keystore.PassphraseEnv != "CUSTOM_ENV" {
		t.Fatalf("expected passphrase env CUSTOM_ENV, got %s", cfg.Keystore.PassphraseEnv)
	}
}

func TestLoadRejectsUnknownStoreDriver(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("store:\n  driver: \"etcd\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestPassphraseFetch(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == "CUSTOM_ENV" {
			return "hunter2"
		}
		return ""
	}

	cfg := Config{Keystore: KeystoreConfig{PassphraseEnv: "CUSTOM_ENV"}}
	pass, err := cfg.Passphrase()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pass != "hunter2" {
		t.Fatalf("expected passphrase from env, got %s", pass)
	}

	cfg.Keystore.PassphraseEnv = "MISSING_ENV"
	if _, err := cfg.Passphrase(); err == nil {
		t.Fatal("expected error when passphrase env is missing")
	}
}
