// Package config loads the settings shared by the coresdk binaries
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/coresdk/events"
	"github.com/mesmerverse/coresdk/locker"
	"github.com/mesmerverse/coresdk/otp"
	"github.com/mesmerverse/coresdk/securestore"
)

// Config holds the configuration of a Locker process
type Config struct {
	// LogLevel is a zerolog level name
	LogLevel string `yaml:"log_level"`

	// StateDir holds the install marker and the default SQLite database
	StateDir string `yaml:"state_dir"`

	// PublicKeyFile is read into Locker.PublicKey when that is empty
	PublicKeyFile string `yaml:"public_key_file"`

	Locker locker.Attributes  `yaml:"locker"`
	OTP    otp.Config         `yaml:"otp"`
	Store  securestore.Config `yaml:"store"`
	Events EventsConfig       `yaml:"events"`
}

// EventsConfig holds the status-change forwarding settings
type EventsConfig struct {
	NATS events.NATSConfig `yaml:"nats"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		StateDir: defaultStateDir(),
		Locker: locker.Attributes{
			EnvironmentName: "local",
			BasePath:        "http://127.0.0.1:8090",
			RedirectURL:     "coresdk://localhost" + locker.CallbackPath,
			Scope:           []string{"locker"},
		},
		OTP: otp.DefaultConfig(),
		Store: securestore.Config{
			Driver:    securestore.DriverSQLite,
			Service:   securestore.DefaultService,
			CacheSize: 16,
		},
		Events: EventsConfig{
			NATS: events.NATSConfig{
				Subject:       "coresdk.locker.status",
				MaxReconnects: -1, // Unlimited
			},
		},
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".coresdk"
	}
	return filepath.Join(dir, "coresdk")
}

// Environment variables read by ApplyEnv
const (
	EnvLogLevel      = "CORESDK_LOG_LEVEL"
	EnvStateDir      = "CORESDK_STATE_DIR"
	EnvBasePath      = "CORESDK_BASE_PATH"
	EnvClientID      = "CORESDK_CLIENT_ID"
	EnvClientSecret  = "CORESDK_CLIENT_SECRET"
	EnvRedirectURL   = "CORESDK_REDIRECT_URL"
	EnvPublicKeyFile = "CORESDK_PUBLIC_KEY_FILE"
	EnvStoreDriver   = "CORESDK_STORE_DRIVER"
	EnvSQLitePath    = "CORESDK_SQLITE_PATH"
	EnvSealingKey    = "CORESDK_SEALING_KEY"
	EnvRedisAddr     = "CORESDK_REDIS_ADDR"
	EnvRedisDB       = "CORESDK_REDIS_DB"
	EnvNATSURL       = "CORESDK_NATS_URL"
)

// ApplyEnv overrides cfg with the CORESDK_* variables lookup reports.
// Pass os.LookupEnv in production
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{EnvLogLevel, &cfg.LogLevel},
		{EnvStateDir, &cfg.StateDir},
		{EnvBasePath, &cfg.Locker.BasePath},
		{EnvClientID, &cfg.Locker.ClientID},
		{EnvClientSecret, &cfg.Locker.ClientSecret},
		{EnvRedirectURL, &cfg.Locker.RedirectURL},
		{EnvPublicKeyFile, &cfg.PublicKeyFile},
		{EnvStoreDriver, &cfg.Store.Driver},
		{EnvSQLitePath, &cfg.Store.SQLite.Path},
		{EnvSealingKey, &cfg.Store.SQLite.SealingKey},
		{EnvRedisAddr, &cfg.Store.Redis.Addr},
		{EnvNATSURL, &cfg.Events.NATS.URL},
	}
	for _, s := range strs {
		if v, ok := lookup(s.name); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup(EnvRedisDB); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRedisDB, err)
		}
		cfg.Store.Redis.DB = db
	}
	return nil
}

// Resolve fills values derived from other settings: the public key from
// PublicKeyFile and the SQLite path from StateDir
func (cfg *Config) Resolve() error {
	if cfg.Locker.PublicKey == "" && cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read public key file: %w", err)
		}
		cfg.Locker.PublicKey = string(pem)
	}
	if cfg.Store.Driver == securestore.DriverSQLite && cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = filepath.Join(cfg.StateDir, "secure.db")
	}
	return nil
}

// Level parses LogLevel, defaulting to info
func (cfg *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}
