package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "clusterjobs/pkg/logx"
)

// Store is the run history API used by the scheduler and diagnostics.
type Store interface {
	RecordRun(ctx context.Context, r Run) error
	// RecentRuns returns matching runs, newest first.
	RecentRuns(ctx context.Context, q Query) ([]Run, error)
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
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
