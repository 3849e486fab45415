// Package securestore persists the SDK's protected records in a
// device-scoped key/value store.
//
// Every driver scopes its keys under a service name so several SDK
// instances can share one backend. A store may become temporarily
// unavailable (the device is locked and protected data cannot be read);
// callers see ErrUnavailable and are expected to retry later
package securestore

import (
	"context"
	"errors"
)

// DefaultService is the credential service name records are scoped under
const DefaultService = "coresdk"

var (
	// ErrNotFound is returned by Get when no record exists for the key
	ErrNotFound = errors.New("securestore: record not found")

	// ErrUnavailable is returned while protected data cannot be accessed
	ErrUnavailable = errors.New("securestore: protected data not available")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("securestore: store closed")
)

// Store is a key/value store for secret records
type Store interface {
	// Get returns the record stored under key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces the record stored under key
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the record. Deleting a missing record is not an error
	Delete(ctx context.Context, key string) error

	// Available reports whether protected data can currently be accessed
	Available() bool

	Close() error
}

// Config selects and tunes a driver
type Config struct {
	Driver    string       `yaml:"driver"`
	Service   string       `yaml:"service"`
	CacheSize int          `yaml:"cache_size"`
	SQLite    SQLiteConfig `yaml:"sqlite"`
	Redis     RedisConfig  `yaml:"redis"`
}

// SQLiteConfig configures the sqlite driver
type SQLiteConfig struct {
	// Path of the database file; ":memory:" keeps everything in memory
	Path string `yaml:"path"`

	// SealingKey is an optional hex-encoded 32-byte key. When set, values are
	// sealed with XChaCha20-Poly1305 before they reach the database
	SealingKey string `yaml:"sealing_key"`
}

// RedisConfig captures connection options for the redis driver
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func serviceOrDefault(service string) string {
	if service == "" {
		return DefaultService
	}
	return service
}
