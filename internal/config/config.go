package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the hub runtime parameters.
type Config struct {
	ListenAddress       string         `mapstructure:"listen_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	MaxFrameSize        uint32         `mapstructure:"max_frame_size"`
	SyncPageLimit       uint32         `mapstructure:"sync_page_limit"`
	MaxSessions         int            `mapstructure:"max_sessions"`
	Admin               AdminConfig    `mapstructure:"admin"`
	Cleanup             CleanupConfig  `mapstructure:"cleanup"`
	Store               StoreConfig    `mapstructure:"store"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
}

// AdminConfig describes the ops HTTP surface. An empty address disables it.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// CleanupConfig drives the idle-session housekeeping sweep.
type CleanupConfig struct {
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// StoreConfig selects the log backend. Driver is "sqlite" or "memory";
// the memory driver loses history on restart and exists for development.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// KeystoreConfig describes how the sealed secret store is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultListenAddress       = "0.0.0.0:7400"
	defaultAdminAddress        = "127.0.0.1:7401"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultMaxFrameSize        = 1 << 20
	defaultSyncPageLimit       = 128
	defaultMaxSessions         = 10_000
	defaultSessionIdleTimeout  = 5 * time.Minute
	defaultSweepInterval       = time.Minute
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultStoreDriver         = "sqlite"
	defaultStorePath           = "data/lockframe.db"
	defaultPassphraseEnv       = "LOCKFRAME_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with LOCKFRAME_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOCKFRAME")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("max_frame_size", defaultMaxFrameSize)
	v.SetDefault("sync_page_limit", defaultSyncPageLimit)
	v.SetDefault("max_sessions", defaultMaxSessions)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("cleanup.session_idle_timeout", defaultSessionIdleTimeout.String())
	v.SetDefault("cleanup.sweep_interval", defaultSweepInterval.String())
	v.SetDefault("store.driver", defaultStoreDriver)
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout, defaultReadHeaderTimeout},
		{"cleanup.session_idle_timeout", &cfg.Cleanup.SessionIdleTimeout, defaultSessionIdleTimeout},
		{"cleanup.sweep_interval", &cfg.Cleanup.SweepInterval, defaultSweepInterval},
	} {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.SyncPageLimit == 0 {
		cfg.SyncPageLimit = defaultSyncPageLimit
	}
	switch cfg.Store.Driver {
	case "", "sqlite":
		cfg.Store.Driver = "sqlite"
		if cfg.Store.Path == "" {
			cfg.Store.Path = defaultStorePath
		}
	case "memory":
	default:
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured
// environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
