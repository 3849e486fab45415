package securestore

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Driver identifiers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// New creates a store based on the provided configuration. A positive
// CacheSize puts a read-through cache in front of the driver
func New(cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}
	service := serviceOrDefault(cfg.Service)

	var (
		s   Store
		err error
	)
	switch driver {
	case DriverMemory:
		s = NewMemory(service)
	case DriverSQLite:
		s, err = NewSQLite(service, cfg.SQLite)
	case DriverRedis:
		s, err = NewRedis(service, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported secure store driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("driver", driver).
		Str("service", service).
		Int("cache_size", cfg.CacheSize).
		Msg("Secure store opened")

	if cfg.CacheSize > 0 {
		return Cached(s, cfg.CacheSize), nil
	}
	return s, nil
}
