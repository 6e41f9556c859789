// Package schedule persists recurring scan definitions and tracks when each
// one is next due.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"scand/internal/eventbus"
	"scand/internal/recurrence"
	"scand/internal/storage"
	logx "scand/pkg/logx"
)

type Options struct {
	Location    *time.Location
	Publisher   eventbus.Publisher
	Log         logx.Logger
	Now         func() time.Time
	MaxAttempts int
}

// Registry is the schedule store. It never keeps state of its own beyond
// configuration: every answer is re-read from storage, so a restart only
// needs Recover to repair rows that cannot be evaluated.
type Registry struct {
	store storage.Store
	pub   eventbus.Publisher
	log   logx.Logger
	now   func() time.Time
	loc   atomic.Pointer[time.Location]

	maxAttempts int
	warn        *logx.Throttle
}

func New(store storage.Store, opts Options) *Registry {
	r := &Registry{
		store:       store,
		pub:         opts.Publisher,
		log:         opts.Log,
		now:         opts.Now,
		maxAttempts: opts.MaxAttempts,
		warn:        logx.NewThrottle(5 * time.Second),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 8
	}
	r.SetLocation(opts.Location)
	return r
}

// SetLocation changes the zone used to interpret time-of-day values.
// Persisted next runs are absolute and are not rewritten.
func (r *Registry) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	r.loc.Store(loc)
}

func (r *Registry) Location() *time.Location { return r.loc.Load() }

func (r *Registry) opts(documentID string) recurrence.Options {
	return recurrence.Options{
		Location: r.Location(),
		OnInvalid: func(err error) {
			if r.warn.Allow("freq:"+documentID, r.now()) {
				r.log.Warn("invalid frequency, running daily", logx.String("document", documentID), logx.Err(err))
			}
		},
	}
}

// Upsert stores def, replacing any previous schedule for the same document,
// and computes its first run from the current time.
func (r *Registry) Upsert(ctx context.Context, def Definition) (Definition, error) {
	if err := def.normalize(); err != nil {
		return Definition{}, err
	}
	freq, err := recurrence.ParseFrequency(string(def.Frequency))
	if err != nil {
		r.log.Warn("invalid frequency, running daily", logx.String("document", def.DocumentID), logx.Err(err))
	}
	def.Frequency = freq
	now := r.now()
	def.AnchorDay = 0
	if freq == recurrence.Monthly {
		def.AnchorDay = now.In(r.Location()).Day()
	}
	rule, _ := def.Rule()

	def.LastRun = time.Time{}
	def.NextRun = recurrence.Next(rule, now, r.opts(def.DocumentID))

	row, err := r.store.PutSchedule(ctx, toRow(def, rule))
	if err != nil {
		return Definition{}, mapErr(err)
	}
	stored := fromRow(row)
	r.log.Debug("schedule stored",
		logx.String("document", stored.DocumentID),
		logx.String("rule", rule.String()),
		logx.Time("next_run", stored.NextRun),
	)
	r.publish(Updated{DocumentID: stored.DocumentID, Reason: "upsert", Definition: &stored})
	return stored, nil
}

// Cancel removes the schedule. Cancelling an absent schedule is a no-op.
func (r *Registry) Cancel(ctx context.Context, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	removed, err := r.store.DeleteSchedule(ctx, documentID)
	if err != nil {
		return mapErr(err)
	}
	if removed {
		r.log.Debug("schedule cancelled", logx.String("document", documentID))
		r.publish(Updated{DocumentID: documentID, Reason: "cancel", Removed: true})
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, documentID string) (Definition, error) {
	row, err := r.store.GetSchedule(ctx, strings.TrimSpace(documentID))
	if err != nil {
		return Definition{}, mapErr(err)
	}
	return fromRow(row), nil
}

// List returns every schedule ordered by next run.
func (r *Registry) List(ctx context.Context) ([]Definition, error) {
	rows, err := r.store.ListSchedules(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Definition, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Due yields every schedule with NextRun <= now, oldest first.
//
// The sequence is finite and re-reads storage on every iteration, so it can
// simply be called again on the next tick or after a restart. A storage
// failure is yielded once as the error and ends the sequence. Rows are read
// up front so the consumer may write to the store while iterating.
func (r *Registry) Due(ctx context.Context, now time.Time) iter.Seq2[Definition, error] {
	return func(yield func(Definition, error) bool) {
		rows, err := r.store.ListDueSchedules(ctx, now)
		if err != nil {
			yield(Definition{}, mapErr(err))
			return
		}
		for _, row := range rows {
			if ctx.Err() != nil {
				yield(Definition{}, ctx.Err())
				return
			}
			if !yield(fromRow(row), nil) {
				return
			}
		}
	}
}

// OnFired records a completed run at firedAt and moves NextRun strictly past
// it. Recurrence is relative to the completion, not to the tick that
// started the run. A schedule cancelled meanwhile stays cancelled
// (ErrNotFound).
func (r *Registry) OnFired(ctx context.Context, documentID string, firedAt time.Time) (Definition, error) {
	return r.advance(ctx, documentID, firedAt, "fired", true)
}

// Skip moves NextRun past at without recording a run. Used when a due
// schedule is not allowed to run (quota exhausted).
func (r *Registry) Skip(ctx context.Context, documentID string, at time.Time) (Definition, error) {
	return r.advance(ctx, documentID, at, "skipped", false)
}

func (r *Registry) advance(ctx context.Context, documentID string, ref time.Time, reason string, fired bool) (Definition, error) {
	documentID = strings.TrimSpace(documentID)
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		cur, err := r.Get(ctx, documentID)
		if err != nil {
			return Definition{}, err
		}
		rule, err := cur.Rule()
		if err != nil {
			return Definition{}, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, documentID, err)
		}
		next := cur
		next.NextRun = recurrence.NextAfter(rule, ref, r.opts(documentID))
		if fired {
			next.LastRun = ref
		}
		err = r.store.CompareAndSwapSchedule(ctx, toRow(next, rule), cur.version)
		switch {
		case err == nil:
			next.version = cur.version + 1
			next.UpdatedAt = r.now()
			r.publish(Updated{DocumentID: documentID, Reason: reason, Definition: &next})
			return next, nil
		case errors.Is(err, storage.ErrConflict):
			continue
		default:
			return Definition{}, mapErr(err)
		}
	}
	return Definition{}, fmt.Errorf("%w: %s after %d attempts", ErrConcurrentModification, documentID, r.maxAttempts)
}

// Recover repairs persisted schedules after a restart: rows without a next
// run get one computed from now, unknown frequencies are normalized to
// daily, and monthly rows without an anchor day are pinned to their next
// run's day. Overdue rows are left alone so the next tick fires them.
// It returns the number of rows rewritten.
func (r *Registry) Recover(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.store.ListSchedules(ctx)
	if err != nil {
		return 0, mapErr(err)
	}
	fixed := 0
	for _, row := range rows {
		cur := fromRow(row)
		needs := cur.NextRun.IsZero()
		if !cur.Frequency.Valid() {
			r.log.Warn("invalid frequency, running daily",
				logx.String("document", cur.DocumentID),
				logx.String("frequency", string(cur.Frequency)),
			)
			cur.Frequency = recurrence.Daily
			needs = true
		}
		if cur.Frequency == recurrence.Monthly && cur.AnchorDay == 0 {
			// rows written before the anchor was stored keep their current day
			ref := cur.NextRun
			if ref.IsZero() {
				ref = now
			}
			cur.AnchorDay = ref.In(r.Location()).Day()
			needs = true
		}
		if !needs {
			continue
		}
		rule, err := cur.Rule()
		if err != nil {
			r.log.Warn("unreadable schedule skipped", logx.String("document", cur.DocumentID), logx.Err(err))
			continue
		}
		next := cur
		if next.NextRun.IsZero() {
			next.NextRun = recurrence.Next(rule, now, r.opts(cur.DocumentID))
		}
		err = r.store.CompareAndSwapSchedule(ctx, toRow(next, rule), cur.version)
		switch {
		case err == nil:
			fixed++
			next.version = cur.version + 1
			r.publish(Updated{DocumentID: next.DocumentID, Reason: "recovered", Definition: &next})
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
			// changed or cancelled concurrently; that writer's version wins
		default:
			return fixed, mapErr(err)
		}
	}
	r.log.Info("schedules recovered", logx.Int("total", len(rows)), logx.Int("repaired", fixed))
	return fixed, nil
}

func (r *Registry) publish(u Updated) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(eventbus.Event{Kind: eventbus.ScheduleUpdated, Payload: u})
}
