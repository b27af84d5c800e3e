package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "starloop/pkg/logx"
)

// Store is the minimal persistence API used by the dispatcher and task
// manager.
type Store interface {
	AppendRecord(ctx context.Context, r Record) error
	RecentRecords(ctx context.Context, kind string, limit int) ([]Record, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
