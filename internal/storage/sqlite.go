package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "scand/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes CAS statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := st.addColumn(context.Background(), "schedules", "anchor_day", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// addColumn upgrades tables created before column existed.
func (s *sqliteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var (
		sub              Subscription
		active, lifetime int
		updated          int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT subscriber_id, plan, active, scans_used, scans_limit, is_lifetime, version, updated_at
		 FROM subscriptions WHERE subscriber_id = ?`, id,
	).Scan(&sub.SubscriberID, &sub.Plan, &active, &sub.ScansUsed, &sub.ScansLimit, &lifetime, &sub.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, classify(err)
	}
	sub.Active = active != 0
	sub.IsLifetime = lifetime != 0
	sub.UpdatedAt = fromNanos(updated)
	return sub, nil
}

func (s *sqliteStore) InsertSubscription(ctx context.Context, sub Subscription) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(subscriber_id, plan, active, scans_used, scans_limit, is_lifetime, version, updated_at)
		 VALUES(?,?,?,?,?,?,1,?)
		 ON CONFLICT(subscriber_id) DO NOTHING`,
		sub.SubscriberID, sub.Plan, boolInt(sub.Active), sub.ScansUsed, sub.ScansLimit, boolInt(sub.IsLifetime),
		time.Now().UnixNano(),
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) CompareAndSwapSubscription(ctx context.Context, next Subscription, expect int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET plan = ?, active = ?, scans_used = ?, scans_limit = ?, is_lifetime = ?, version = ?, updated_at = ?
		 WHERE subscriber_id = ? AND version = ?`,
		next.Plan, boolInt(next.Active), next.ScansUsed, next.ScansLimit, boolInt(next.IsLifetime),
		expect+1, time.Now().UnixNano(), next.SubscriberID, expect,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missOrConflict(ctx, `SELECT 1 FROM subscriptions WHERE subscriber_id = ?`, next.SubscriberID)
}

func (s *sqliteStore) missOrConflict(ctx context.Context, query, key string) error {
	var one int
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	return ErrConflict
}

const scheduleColumns = `document_id, subscriber_id, document_name, industry, hour, minute, frequency, anchor_day, next_run, last_run, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc        Schedule
		next, upd int64
		last      sql.NullInt64
	)
	if err := r.Scan(&sc.DocumentID, &sc.SubscriberID, &sc.DocumentName, &sc.Industry, &sc.Hour, &sc.Minute,
		&sc.Frequency, &sc.AnchorDay, &next, &last, &sc.Version, &upd); err != nil {
		return Schedule{}, err
	}
	sc.NextRun = fromNanos(next)
	if last.Valid {
		sc.LastRun = fromNanos(last.Int64)
	}
	sc.UpdatedAt = fromNanos(upd)
	return sc, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE document_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, classify(err)
	}
	return sc, nil
}

func (s *sqliteStore) PutSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	now := time.Now()
	var version int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,
			COALESCE((SELECT version FROM schedule_tombstones WHERE document_id = ?), 0) + 1, ?)
		 ON CONFLICT(document_id) DO UPDATE SET
			subscriber_id = excluded.subscriber_id,
			document_name = excluded.document_name,
			industry      = excluded.industry,
			hour          = excluded.hour,
			minute        = excluded.minute,
			frequency     = excluded.frequency,
			anchor_day    = excluded.anchor_day,
			next_run      = excluded.next_run,
			last_run      = excluded.last_run,
			version       = schedules.version + 1,
			updated_at    = excluded.updated_at
		 RETURNING version`,
		sc.DocumentID, sc.SubscriberID, sc.DocumentName, sc.Industry, sc.Hour, sc.Minute, sc.Frequency, sc.AnchorDay,
		sc.NextRun.UnixNano(), nullNanos(sc.LastRun), sc.DocumentID, now.UnixNano(),
	).Scan(&version)
	if err != nil {
		return Schedule{}, classify(err)
	}
	sc.Version = version
	sc.UpdatedAt = fromNanos(now.UnixNano())
	return sc, nil
}

func (s *sqliteStore) CompareAndSwapSchedule(ctx context.Context, next Schedule, expect int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET subscriber_id = ?, document_name = ?, industry = ?, hour = ?, minute = ?, frequency = ?,
		     anchor_day = ?, next_run = ?, last_run = ?, version = ?, updated_at = ?
		 WHERE document_id = ? AND version = ?`,
		next.SubscriberID, next.DocumentName, next.Industry, next.Hour, next.Minute, next.Frequency,
		next.AnchorDay, next.NextRun.UnixNano(), nullNanos(next.LastRun), expect+1, time.Now().UnixNano(),
		next.DocumentID, expect,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.missOrConflict(ctx, `SELECT 1 FROM schedules WHERE document_id = ?`, next.DocumentID)
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `DELETE FROM schedules WHERE document_id = ? RETURNING version`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schedule_tombstones(document_id, version) VALUES(?,?)
		 ON CONFLICT(document_id) DO UPDATE SET version = max(version, excluded.version)`,
		id, version,
	); err != nil {
		return false, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY next_run, document_id`)
}

func (s *sqliteStore) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE next_run <= ? ORDER BY next_run, document_id`,
		now.UnixNano())
}

func (s *sqliteStore) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, sc)
	}
	return out, classify(rows.Err())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
