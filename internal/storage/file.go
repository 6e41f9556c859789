package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "scand/pkg/logx"
)

// fileStore keeps all rows in memory and makes them durable with two files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only mutation journal)
//
// The journal is compacted into the snapshot every CompactEvery writes.
// A mutation is applied in memory only after its journal record was written,
// and always before a compaction snapshots the tables.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex
	t  tables

	snapshotPath string
	journal      *os.File

	compactEvery int
	writes       int
}

const (
	opPutSubscription = "sub.put"
	opPutSchedule     = "sched.put"
	opDeleteSchedule  = "sched.del"
)

type journalRecord struct {
	Op      string        `json:"op"`
	Sub     *Subscription `json:"sub,omitempty"`
	Sched   *Schedule     `json:"sched,omitempty"`
	Key     string        `json:"key,omitempty"`
	Version int64         `json:"version,omitempty"` // deleted schedule version
}

type snapshotFile struct {
	Subscriptions []Subscription   `json:"subscriptions"`
	Schedules     []Schedule       `json:"schedules"`
	Tombstones    map[string]int64 `json:"tombstones,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	t := newTables()
	if err := loadSnapshot(snapPath, &t); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := replayJournal(journalPath, &t, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("subscriptions", len(t.subs)),
		logx.Int("schedules", len(t.sched)),
	)
	return &fileStore{
		log:          log,
		t:            t,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// appendLocked writes one journal record, then runs apply to update the
// tables. Call with s.mu held.
func (s *fileStore) appendLocked(r journalRecord, apply func()) error {
	if s.journal == nil {
		return fmt.Errorf("%w: journal closed", ErrUnavailable)
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	apply()
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort; the journal still holds everything if this fails.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetSubscription(ctx context.Context, id string) (Subscription, error) {
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

func (s *fileStore) InsertSubscription(ctx context.Context, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.t.subs[sub.SubscriberID]; ok {
		return ErrConflict
	}
	sub.Version = 1
	sub.UpdatedAt = time.Now()
	return s.appendLocked(journalRecord{Op: opPutSubscription, Sub: &sub}, func() {
		s.t.subs[sub.SubscriberID] = sub
	})
}

func (s *fileStore) CompareAndSwapSubscription(ctx context.Context, next Subscription, expect int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.t.subs[next.SubscriberID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expect {
		return ErrConflict
	}
	next.Version = expect + 1
	next.UpdatedAt = time.Now()
	return s.appendLocked(journalRecord{Op: opPutSubscription, Sub: &next}, func() {
		s.t.subs[next.SubscriberID] = next
	})
}

func (s *fileStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
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

func (s *fileStore) PutSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	if err := ctx.Err(); err != nil {
		return Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.Version = s.t.nextScheduleVersion(sc.DocumentID)
	sc.UpdatedAt = time.Now()
	err := s.appendLocked(journalRecord{Op: opPutSchedule, Sched: &sc}, func() {
		s.t.sched[sc.DocumentID] = sc
	})
	if err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func (s *fileStore) CompareAndSwapSchedule(ctx context.Context, next Schedule, expect int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.t.sched[next.DocumentID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expect {
		return ErrConflict
	}
	next.Version = expect + 1
	next.UpdatedAt = time.Now()
	return s.appendLocked(journalRecord{Op: opPutSchedule, Sched: &next}, func() {
		s.t.sched[next.DocumentID] = next
	})
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.t.sched[id]
	if !ok {
		return false, nil
	}
	err := s.appendLocked(journalRecord{Op: opDeleteSchedule, Key: id, Version: cur.Version}, func() {
		s.t.deleteSchedule(id)
	})
	return err == nil, err
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.listSchedules(nil), nil
}

func (s *fileStore) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.listSchedules(func(sc Schedule) bool { return !sc.NextRun.After(now) }), nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{
		Subscriptions: make([]Subscription, 0, len(s.t.subs)),
		Schedules:     s.t.listSchedules(nil),
		Tombstones:    s.t.gone,
	}
	for _, sub := range s.t.subs {
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, t *tables) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sub := range snap.Subscriptions {
		t.subs[sub.SubscriberID] = sub
	}
	for _, sc := range snap.Schedules {
		t.sched[sc.DocumentID] = sc
	}
	for id, v := range snap.Tombstones {
		t.gone[id] = v
	}
	return nil
}

func replayJournal(path string, t *tables, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	skipped := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected; anything else is logged.
			skipped++
			continue
		}
		switch r.Op {
		case opPutSubscription:
			if r.Sub != nil && r.Sub.SubscriberID != "" {
				t.subs[r.Sub.SubscriberID] = *r.Sub
			}
		case opPutSchedule:
			if r.Sched != nil && r.Sched.DocumentID != "" {
				t.sched[r.Sched.DocumentID] = *r.Sched
			}
		case opDeleteSchedule:
			t.deleteSchedule(r.Key)
			t.gone[r.Key] = max(t.gone[r.Key], r.Version)
		default:
			skipped++
		}
	}
	if skipped > 0 {
		log.Warn("journal records skipped", logx.String("path", path), logx.Int("skipped", skipped))
	}
	return sc.Err()
}
