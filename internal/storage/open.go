package storage

import (
	"context"
	"fmt"
	"strings"

	logx "taskd/pkg/logx"
)

// Store is the persistence API used by the data service.
type Store interface {
	// Get returns the value bound to name or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// NextName returns the smallest bound name strictly greater than
	// after ("" starts from the beginning), or ErrNotFound.
	NextName(ctx context.Context, after string) (string, error)
	// Apply writes ops atomically, in order.
	Apply(ctx context.Context, ops []Op) error
	// NextObjectID returns a new id, unique for the lifetime of the store.
	NextObjectID(ctx context.Context) (uint64, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
