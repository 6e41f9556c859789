package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "scand/pkg/logx"
)

type opener func(t *testing.T) Store

func backends() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "scand.db"), CompactEvery: 3}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "scand.sqlite")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("SCAND_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("SCAND_TEST_POSTGRES_DSN not set")
			}
			st, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("open postgres store: %v", err)
			}
			return st
		},
	}
}

// uniq keeps keys distinct across backends that share a database (postgres).
func uniq(t *testing.T, key string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), key, time.Now().UnixNano())
}

func TestStoreSubscriptionCAS(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			id := uniq(t, "sub")

			if _, err := st.GetSubscription(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
			}
			if err := st.InsertSubscription(ctx, Subscription{SubscriberID: id, Plan: "free", Active: true, ScansLimit: 5}); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			if err := st.InsertSubscription(ctx, Subscription{SubscriberID: id, Plan: "pro"}); !errors.Is(err, ErrConflict) {
				t.Fatalf("second Insert: err = %v, want ErrConflict", err)
			}

			got, err := st.GetSubscription(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Plan != "free" || got.Version != 1 || !got.Active || got.ScansLimit != 5 {
				t.Fatalf("unexpected row: %+v", got)
			}

			next := got
			next.ScansUsed = 1
			if err := st.CompareAndSwapSubscription(ctx, next, got.Version); err != nil {
				t.Fatalf("CAS: %v", err)
			}
			// stale version must be rejected and leave the row untouched
			next.ScansUsed = 99
			if err := st.CompareAndSwapSubscription(ctx, next, got.Version); !errors.Is(err, ErrConflict) {
				t.Fatalf("stale CAS: err = %v, want ErrConflict", err)
			}
			got, _ = st.GetSubscription(ctx, id)
			if got.ScansUsed != 1 || got.Version != 2 {
				t.Fatalf("after CAS: %+v", got)
			}

			missing := Subscription{SubscriberID: uniq(t, "missing")}
			if err := st.CompareAndSwapSubscription(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("CAS on missing row: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreSchedules(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

			a := Schedule{DocumentID: uniq(t, "a"), SubscriberID: "u1", DocumentName: "A", Industry: "finance", Hour: 9, Frequency: "daily", NextRun: base}
			b := Schedule{DocumentID: uniq(t, "b"), SubscriberID: "u1", DocumentName: "B", Industry: "health", Hour: 10, Frequency: "weekly", NextRun: base.Add(time.Hour)}
			c := Schedule{DocumentID: uniq(t, "c"), SubscriberID: "u2", DocumentName: "C", Industry: "retail", Hour: 9, Frequency: "monthly", NextRun: base.Add(48 * time.Hour)}
			for _, sc := range []Schedule{c, b, a} {
				if _, err := st.PutSchedule(ctx, sc); err != nil {
					t.Fatalf("Put %s: %v", sc.DocumentID, err)
				}
			}

			due, err := st.ListDueSchedules(ctx, base.Add(time.Hour))
			if err != nil {
				t.Fatalf("ListDue: %v", err)
			}
			var dueIDs []string
			for _, sc := range due {
				if sc.DocumentID == a.DocumentID || sc.DocumentID == b.DocumentID || sc.DocumentID == c.DocumentID {
					dueIDs = append(dueIDs, sc.DocumentID)
				}
			}
			if len(dueIDs) != 2 || dueIDs[0] != a.DocumentID || dueIDs[1] != b.DocumentID {
				t.Fatalf("due = %v, want [%s %s]", dueIDs, a.DocumentID, b.DocumentID)
			}

			// replace keeps a single row and bumps the version
			a2 := a
			a2.DocumentName = "A2"
			stored, err := st.PutSchedule(ctx, a2)
			if err != nil {
				t.Fatalf("replace: %v", err)
			}
			if stored.Version != 2 {
				t.Fatalf("replace version = %d, want 2", stored.Version)
			}
			got, err := st.GetSchedule(ctx, a.DocumentID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.DocumentName != "A2" || !got.NextRun.Equal(base) {
				t.Fatalf("unexpected row: %+v", got)
			}

			fired := got
			fired.LastRun = base.Add(time.Minute)
			fired.NextRun = base.Add(24 * time.Hour)
			if err := st.CompareAndSwapSchedule(ctx, fired, got.Version); err != nil {
				t.Fatalf("CAS schedule: %v", err)
			}
			if err := st.CompareAndSwapSchedule(ctx, fired, got.Version); !errors.Is(err, ErrConflict) {
				t.Fatalf("stale CAS schedule: err = %v, want ErrConflict", err)
			}
			got, _ = st.GetSchedule(ctx, a.DocumentID)
			if !got.LastRun.Equal(base.Add(time.Minute)) || !got.NextRun.Equal(base.Add(24*time.Hour)) {
				t.Fatalf("after CAS: %+v", got)
			}

			removed, err := st.DeleteSchedule(ctx, a.DocumentID)
			if err != nil || !removed {
				t.Fatalf("Delete: removed=%v err=%v", removed, err)
			}
			removed, err = st.DeleteSchedule(ctx, a.DocumentID)
			if err != nil || removed {
				t.Fatalf("second Delete: removed=%v err=%v", removed, err)
			}
			if _, err := st.GetSchedule(ctx, a.DocumentID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get deleted: err = %v, want ErrNotFound", err)
			}
			if err := st.CompareAndSwapSchedule(ctx, fired, 3); !errors.Is(err, ErrNotFound) {
				t.Fatalf("CAS deleted: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreScheduleVersionSurvivesDelete(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			next := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
			old := Schedule{DocumentID: uniq(t, "doc"), SubscriberID: "old", Hour: 9, Frequency: "daily", NextRun: next}

			first, err := st.PutSchedule(ctx, old)
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := st.DeleteSchedule(ctx, old.DocumentID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			fresh := Schedule{DocumentID: old.DocumentID, SubscriberID: "new", Hour: 17, Minute: 30, Frequency: "monthly", AnchorDay: 31, NextRun: next}
			again, err := st.PutSchedule(ctx, fresh)
			if err != nil {
				t.Fatalf("Put again: %v", err)
			}
			if again.Version <= first.Version {
				t.Fatalf("recreated version = %d, want > %d", again.Version, first.Version)
			}

			stale := old
			stale.LastRun = next
			if err := st.CompareAndSwapSchedule(ctx, stale, first.Version); !errors.Is(err, ErrConflict) {
				t.Fatalf("stale CAS on recreated row: err = %v, want ErrConflict", err)
			}

			moved := again
			moved.NextRun = next.AddDate(0, 1, 0)
			if err := st.CompareAndSwapSchedule(ctx, moved, again.Version); err != nil {
				t.Fatalf("CAS: %v", err)
			}
			got, err := st.GetSchedule(ctx, old.DocumentID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.SubscriberID != "new" || got.AnchorDay != 31 || got.Version != again.Version+1 {
				t.Fatalf("recreated row = %+v", got)
			}
		})
	}
}

func TestStoreConcurrentCAS(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			id := uniq(t, "race")
			if err := st.InsertSubscription(ctx, Subscription{SubscriberID: id, Plan: "free", Active: true}); err != nil {
				t.Fatalf("Insert: %v", err)
			}

			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						cur, err := st.GetSubscription(ctx, id)
						if err != nil {
							t.Errorf("Get: %v", err)
							return
						}
						cur.ScansUsed++
						err = st.CompareAndSwapSubscription(ctx, cur, cur.Version)
						if err == nil {
							return
						}
						if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrUnavailable) {
							t.Errorf("CAS: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			got, _ := st.GetSubscription(ctx, id)
			if got.ScansUsed != n {
				t.Fatalf("ScansUsed = %d, want %d", got.ScansUsed, n)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	next := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := st.InsertSubscription(ctx, Subscription{SubscriberID: "u1", Plan: "pro", Active: true, ScansLimit: 500}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		if _, err := st.PutSchedule(ctx, Schedule{DocumentID: id, SubscriberID: "u1", Frequency: "daily", Hour: 9, NextRun: next}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := st.DeleteSchedule(ctx, "d2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	sub, err := st.GetSubscription(ctx, "u1")
	if err != nil || sub.Plan != "pro" || sub.ScansLimit != 500 {
		t.Fatalf("subscription after reopen: %+v err=%v", sub, err)
	}
	all, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].DocumentID != "d1" || all[1].DocumentID != "d3" {
		t.Fatalf("schedules after reopen: %+v", all)
	}
	if !all[0].NextRun.Equal(next) {
		t.Fatalf("NextRun after reopen = %v, want %v", all[0].NextRun, next)
	}
}

func TestFileStoreKeepsWriteOnCompactionBoundary(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 2}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.InsertSubscription(ctx, Subscription{SubscriberID: "u1", Plan: "free", Active: true, ScansLimit: 5}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i := range 3 {
		cur, err := st.GetSubscription(ctx, "u1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		cur.ScansUsed++
		if err := st.CompareAndSwapSubscription(ctx, cur, cur.Version); err != nil {
			t.Fatalf("CAS %d: %v", i, err)
		}
	}
	// put then delete: the delete is the compacting write
	next := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := st.PutSchedule(ctx, Schedule{DocumentID: "d1", SubscriberID: "u1", Frequency: "monthly", AnchorDay: 31, Hour: 9, NextRun: next}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if removed, err := st.DeleteSchedule(ctx, "d1"); err != nil || !removed {
		t.Fatalf("Delete: removed=%v err=%v", removed, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	sub, err := st.GetSubscription(ctx, "u1")
	if err != nil || sub.ScansUsed != 3 || sub.Version != 4 {
		t.Fatalf("subscription after reopen: %+v err=%v", sub, err)
	}
	if _, err := st.GetSchedule(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted schedule after reopen: err = %v", err)
	}
	again, err := st.PutSchedule(ctx, Schedule{DocumentID: "d1", SubscriberID: "u1", Frequency: "daily", Hour: 9, NextRun: next})
	if err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if again.Version != 2 {
		t.Fatalf("recreated version after reopen = %d, want 2", again.Version)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "nil", err: nil},
		{name: "busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), unavailable: true},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), unavailable: true},
		{name: "canceled", err: context.Canceled},
		{name: "syntax", err: errors.New("near \"SELEC\": syntax error")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if errors.Is(got, ErrUnavailable) != tt.unavailable {
				t.Fatalf("classify(%v) = %v, unavailable want %v", tt.err, got, tt.unavailable)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st == nil {
		t.Fatalf("empty driver should open memory store: st=%v err=%v", st, err)
	}
}
