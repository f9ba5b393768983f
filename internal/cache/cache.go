// Package cache provides result stores for the compressor.
package cache

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/internal/config"
	"github.com/snapthumb/snapthumb/pkg/compress"
)

// Store is a compress.Cache that owns resources.
type Store interface {
	compress.Cache
	Len() int
	Flush() error
	Close() error
}

// Open builds the store named by cfg.Driver. It returns a nil Store for the
// "none" driver.
func Open(cfg config.CacheConfig, log logrus.FieldLogger) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(cfg.MaxEntries), nil
	case "sqlite":
		s, err := OpenSQLite(cfg.Path, cfg.MaxEntries, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
