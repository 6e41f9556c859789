package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"scand/internal/recurrence"
	"scand/internal/storage"
)

var (
	ErrNotFound               = errors.New("schedule: not found")
	ErrStoreUnavailable       = errors.New("schedule: store unavailable")
	ErrConcurrentModification = errors.New("schedule: concurrent modification")
	ErrInvalidDefinition      = errors.New("schedule: invalid definition")
)

// Definition is one recurring document scan. DocumentID is the unique key.
type Definition struct {
	DocumentID   string               `json:"document_id"`
	SubscriberID string               `json:"subscriber_id"`
	DocumentName string               `json:"document_name"`
	Industry     string               `json:"industry"`
	Time         string               `json:"time"` // HH:MM, wall clock in the registry location
	Frequency    recurrence.Frequency `json:"frequency"`
	AnchorDay    int                  `json:"anchor_day,omitempty"` // day of month monthly runs return to
	NextRun      time.Time            `json:"next_run"`
	LastRun      time.Time            `json:"last_run"`
	UpdatedAt    time.Time            `json:"updated_at"`

	version int64
}

// Rule returns the recurrence rule of d.
func (d Definition) Rule() (recurrence.Rule, error) {
	h, m, err := recurrence.ParseTimeOfDay(d.Time)
	if err != nil {
		return recurrence.Rule{}, err
	}
	return recurrence.Rule{Hour: h, Minute: m, Frequency: d.Frequency, Day: d.AnchorDay}, nil
}

// Updated is the payload of schedule_updated events.
type Updated struct {
	DocumentID string      `json:"document_id"`
	Reason     string      `json:"reason"` // upsert | cancel | fired | skipped | recovered
	Removed    bool        `json:"removed"`
	Definition *Definition `json:"definition,omitempty"`
}

func (d *Definition) normalize() error {
	d.DocumentID = strings.TrimSpace(d.DocumentID)
	d.SubscriberID = strings.TrimSpace(d.SubscriberID)
	if d.DocumentID == "" {
		return fmt.Errorf("%w: document_id required", ErrInvalidDefinition)
	}
	if d.SubscriberID == "" {
		return fmt.Errorf("%w: subscriber_id required", ErrInvalidDefinition)
	}
	h, m, err := recurrence.ParseTimeOfDay(d.Time)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	d.Time = recurrence.FormatTimeOfDay(h, m)
	return nil
}

func fromRow(r storage.Schedule) Definition {
	return Definition{
		DocumentID:   r.DocumentID,
		SubscriberID: r.SubscriberID,
		DocumentName: r.DocumentName,
		Industry:     r.Industry,
		Time:         recurrence.FormatTimeOfDay(r.Hour, r.Minute),
		Frequency:    recurrence.Frequency(r.Frequency),
		AnchorDay:    r.AnchorDay,
		NextRun:      r.NextRun,
		LastRun:      r.LastRun,
		UpdatedAt:    r.UpdatedAt,
		version:      r.Version,
	}
}

func toRow(d Definition, rule recurrence.Rule) storage.Schedule {
	return storage.Schedule{
		DocumentID:   d.DocumentID,
		SubscriberID: d.SubscriberID,
		DocumentName: d.DocumentName,
		Industry:     d.Industry,
		Hour:         rule.Hour,
		Minute:       rule.Minute,
		Frequency:    string(d.Frequency),
		AnchorDay:    d.AnchorDay,
		NextRun:      d.NextRun,
		LastRun:      d.LastRun,
		Version:      d.version,
		UpdatedAt:    d.UpdatedAt,
	}
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	default:
		return err
	}
}

// LoadLocation resolves an IANA zone name. Empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
