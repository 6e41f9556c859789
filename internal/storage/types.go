package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrNotFound    = errors.New("storage: not found")
	ErrConflict    = errors.New("storage: version conflict")
	ErrUnavailable = errors.New("storage: unavailable")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "file": JSON snapshot + append-only journal under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
	CompactEvery int           // file only; journal records between snapshots
}

// Subscription is the persisted plan state of one subscriber.
type Subscription struct {
	SubscriberID string    `json:"subscriber_id"`
	Plan         string    `json:"plan"`
	Active       bool      `json:"active"`
	ScansUsed    int64     `json:"scans_used"`
	ScansLimit   int64     `json:"scans_limit"`
	IsLifetime   bool      `json:"is_lifetime"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Schedule is the persisted definition of one recurring document scan.
type Schedule struct {
	DocumentID   string    `json:"document_id"`
	SubscriberID string    `json:"subscriber_id"`
	DocumentName string    `json:"document_name"`
	Industry     string    `json:"industry"`
	Hour         int       `json:"hour"`
	Minute       int       `json:"minute"`
	Frequency    string    `json:"frequency"`
	AnchorDay    int       `json:"anchor_day,omitempty"` // monthly day of month, 0 when unset
	NextRun      time.Time `json:"next_run"`
	LastRun      time.Time `json:"last_run"` // zero until first firing
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}
