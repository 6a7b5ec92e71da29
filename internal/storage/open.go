package storage

import (
	"context"
	"fmt"
	"strings"

	"marketpulse/pkg/logx"
)

type Store interface {
	SaveSchedulerState(ctx context.Context, st SchedulerState) error
	// LoadSchedulerState returns ErrNoState when nothing was saved yet.
	LoadSchedulerState(ctx context.Context) (SchedulerState, error)
	AppendEvent(ctx context.Context, e EventRecord) error
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
