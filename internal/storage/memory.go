package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// tables holds rows in plain maps. Callers serialize access.
//
// gone keeps the last version of every deleted schedule so a recreated
// document continues above it and a stale CAS cannot match the new row.
type tables struct {
	subs  map[string]Subscription
	sched map[string]Schedule
	gone  map[string]int64
}

func newTables() tables {
	return tables{
		subs:  map[string]Subscription{},
		sched: map[string]Schedule{},
		gone:  map[string]int64{},
	}
}

func (t *tables) insertSubscription(s Subscription, now time.Time) (Subscription, error) {
	if _, ok := t.subs[s.SubscriberID]; ok {
		return Subscription{}, ErrConflict
	}
	s.Version = 1
	s.UpdatedAt = now
	t.subs[s.SubscriberID] = s
	return s, nil
}

func (t *tables) casSubscription(next Subscription, expect int64, now time.Time) (Subscription, error) {
	cur, ok := t.subs[next.SubscriberID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if cur.Version != expect {
		return Subscription{}, ErrConflict
	}
	next.Version = expect + 1
	next.UpdatedAt = now
	t.subs[next.SubscriberID] = next
	return next, nil
}

func (t *tables) nextScheduleVersion(id string) int64 {
	if cur, ok := t.sched[id]; ok {
		return cur.Version + 1
	}
	return t.gone[id] + 1
}

func (t *tables) putSchedule(s Schedule, now time.Time) Schedule {
	s.Version = t.nextScheduleVersion(s.DocumentID)
	s.UpdatedAt = now
	t.sched[s.DocumentID] = s
	return s
}

func (t *tables) deleteSchedule(id string) bool {
	cur, ok := t.sched[id]
	if !ok {
		return false
	}
	t.gone[id] = max(t.gone[id], cur.Version)
	delete(t.sched, id)
	return true
}

func (t *tables) casSchedule(next Schedule, expect int64, now time.Time) (Schedule, error) {
	cur, ok := t.sched[next.DocumentID]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	if cur.Version != expect {
		return Schedule{}, ErrConflict
	}
	next.Version = expect + 1
	next.UpdatedAt = now
	t.sched[next.DocumentID] = next
	return next, nil
}

func (t *tables) listSchedules(filter func(Schedule) bool) []Schedule {
	out := make([]Schedule, 0, len(t.sched))
	for _, s := range t.sched {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	sortSchedules(out)
	return out
}

func sortSchedules(out []Schedule) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].DocumentID < out[j].DocumentID
	})
}

type memStore struct {
	mu sync.RWMutex
	t  tables
}

// NewMemory returns a process-local store. Used by tests and the "memory" driver.
func NewMemory() Store {
	return &memStore{t: newTables()}
}

func (s *memStore) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.t.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *memStore) InsertSubscription(ctx context.Context, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.t.insertSubscription(sub, time.Now())
	return err
}

func (s *memStore) CompareAndSwapSubscription(ctx context.Context, next Subscription, expect int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.t.casSubscription(next, expect, time.Now())
	return err
}

func (s *memStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.t.sched[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return sc, nil
}

func (s *memStore) PutSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.putSchedule(sc, time.Now()), nil
}

func (s *memStore) CompareAndSwapSchedule(ctx context.Context, next Schedule, expect int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.t.casSchedule(next, expect, time.Now())
	return err
}

func (s *memStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.deleteSchedule(id), nil
}

func (s *memStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.listSchedules(nil), nil
}

func (s *memStore) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.listSchedules(func(sc Schedule) bool { return !sc.NextRun.After(now) }), nil
}

func (s *memStore) Close() error { return nil }
