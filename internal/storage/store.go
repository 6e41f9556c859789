package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "scand/pkg/logx"
)

// Store is the persistence API used by the quota service and the schedule registry.
//
// Every write is all-or-nothing: a failed write leaves the previous row intact.
type Store interface {
	GetSubscription(ctx context.Context, subscriberID string) (Subscription, error)
	// InsertSubscription creates the row with Version 1; ErrConflict if it already exists.
	InsertSubscription(ctx context.Context, s Subscription) error
	// CompareAndSwapSubscription stores next with Version expectVersion+1 if the
	// persisted version still equals expectVersion.
	CompareAndSwapSubscription(ctx context.Context, next Subscription, expectVersion int64) error

	GetSchedule(ctx context.Context, documentID string) (Schedule, error)
	// PutSchedule replaces (or creates) the row unconditionally and returns what was stored.
	PutSchedule(ctx context.Context, s Schedule) (Schedule, error)
	CompareAndSwapSchedule(ctx context.Context, next Schedule, expectVersion int64) error
	DeleteSchedule(ctx context.Context, documentID string) (bool, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	// ListDueSchedules returns rows with NextRun <= now ordered by NextRun, then DocumentID.
	ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)

	Close() error
}

// Open initializes the configured store. An empty driver selects "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
