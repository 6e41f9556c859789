package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "scand/pkg/logx"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type subscriptionRow struct {
	SubscriberID string `gorm:"primaryKey;type:varchar(191)"`
	Plan         string `gorm:"type:varchar(32);not null"`
	Active       bool   `gorm:"not null"`
	ScansUsed    int64  `gorm:"not null;default:0"`
	ScansLimit   int64  `gorm:"not null;default:0"`
	IsLifetime   bool   `gorm:"not null;default:false"`
	Version      int64  `gorm:"not null"`
	UpdatedAt    time.Time
}

func (subscriptionRow) TableName() string { return "subscriptions" }

type scheduleRow struct {
	DocumentID   string    `gorm:"primaryKey;type:varchar(191)"`
	SubscriberID string    `gorm:"type:varchar(191);not null;index"`
	DocumentName string    `gorm:"not null"`
	Industry     string    `gorm:"not null"`
	Hour         int       `gorm:"not null"`
	Minute       int       `gorm:"not null"`
	Frequency    string    `gorm:"type:varchar(16);not null"`
	AnchorDay    int       `gorm:"not null;default:0"`
	NextRun      time.Time `gorm:"not null;index:idx_schedules_next_run"`
	LastRun      *time.Time
	Version      int64 `gorm:"not null"`
	UpdatedAt    time.Time
}

func (scheduleRow) TableName() string { return "schedules" }

// scheduleTombstoneRow keeps the last version of a deleted schedule.
type scheduleTombstoneRow struct {
	DocumentID string `gorm:"primaryKey;type:varchar(191)"`
	Version    int64  `gorm:"not null"`
}

func (scheduleTombstoneRow) TableName() string { return "schedule_tombstones" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", classify(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.AutoMigrate(&subscriptionRow{}, &scheduleRow{}, &scheduleTombstoneRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).Where("subscriber_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, classify(err)
	}
	return Subscription(row), nil
}

func (s *postgresStore) InsertSubscription(ctx context.Context, sub Subscription) error {
	row := subscriptionRow(sub)
	row.Version = 1
	row.UpdatedAt = time.Now()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *postgresStore) CompareAndSwapSubscription(ctx context.Context, next Subscription, expect int64) error {
	res := s.db.WithContext(ctx).Model(&subscriptionRow{}).
		Where("subscriber_id = ? AND version = ?", next.SubscriberID, expect).
		Updates(map[string]any{
			"plan":        next.Plan,
			"active":      next.Active,
			"scans_used":  next.ScansUsed,
			"scans_limit": next.ScansLimit,
			"is_lifetime": next.IsLifetime,
			"version":     expect + 1,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.missOrConflict(ctx, &subscriptionRow{}, "subscriber_id = ?", next.SubscriberID)
}

func (s *postgresStore) missOrConflict(ctx context.Context, model any, where, key string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where(where, key).Count(&n).Error; err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *postgresStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var row scheduleRow
	err := s.db.WithContext(ctx).Where("document_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, classify(err)
	}
	return row.toSchedule(), nil
}

func (s *postgresStore) PutSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	row := scheduleRowFrom(sc)
	row.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tomb []int64
		err := tx.Model(&scheduleTombstoneRow{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", row.DocumentID).
			Pluck("version", &tomb).Error
		if err != nil {
			return err
		}
		row.Version = 1
		if len(tomb) > 0 {
			row.Version = tomb[0] + 1
		}
		return tx.Clauses(
			clause.OnConflict{
				Columns: []clause.Column{{Name: "document_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"subscriber_id": row.SubscriberID,
					"document_name": row.DocumentName,
					"industry":      row.Industry,
					"hour":          row.Hour,
					"minute":        row.Minute,
					"frequency":     row.Frequency,
					"anchor_day":    row.AnchorDay,
					"next_run":      row.NextRun,
					"last_run":      row.LastRun,
					"version":       gorm.Expr("schedules.version + 1"),
					"updated_at":    row.UpdatedAt,
				}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "version"}}},
		).Create(&row).Error
	})
	if err != nil {
		return Schedule{}, classify(err)
	}
	return row.toSchedule(), nil
}

func (s *postgresStore) CompareAndSwapSchedule(ctx context.Context, next Schedule, expect int64) error {
	row := scheduleRowFrom(next)
	res := s.db.WithContext(ctx).Model(&scheduleRow{}).
		Where("document_id = ? AND version = ?", next.DocumentID, expect).
		Updates(map[string]any{
			"subscriber_id": row.SubscriberID,
			"document_name": row.DocumentName,
			"industry":      row.Industry,
			"hour":          row.Hour,
			"minute":        row.Minute,
			"frequency":     row.Frequency,
			"anchor_day":    row.AnchorDay,
			"next_run":      row.NextRun,
			"last_run":      row.LastRun,
			"version":       expect + 1,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.missOrConflict(ctx, &scheduleRow{}, "document_id = ?", next.DocumentID)
}

func (s *postgresStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gone []scheduleRow
		res := tx.Clauses(clause.Returning{Columns: []clause.Column{{Name: "version"}}}).
			Where("document_id = ?", id).
			Delete(&gone)
		if res.Error != nil || res.RowsAffected == 0 || len(gone) == 0 {
			return res.Error
		}
		removed = true
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"version": gorm.Expr("GREATEST(schedule_tombstones.version, EXCLUDED.version)"),
			}),
		}).Create(&scheduleTombstoneRow{DocumentID: id, Version: gone[0].Version}).Error
	})
	if err != nil {
		return false, classify(err)
	}
	return removed, nil
}

func (s *postgresStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var rows []scheduleRow
	if err := s.db.WithContext(ctx).Order("next_run, document_id").Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	return toSchedules(rows), nil
}

func (s *postgresStore) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	var rows []scheduleRow
	err := s.db.WithContext(ctx).
		Where("next_run <= ?", now).
		Order("next_run, document_id").
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	return toSchedules(rows), nil
}

func scheduleRowFrom(sc Schedule) scheduleRow {
	row := scheduleRow{
		DocumentID:   sc.DocumentID,
		SubscriberID: sc.SubscriberID,
		DocumentName: sc.DocumentName,
		Industry:     sc.Industry,
		Hour:         sc.Hour,
		Minute:       sc.Minute,
		Frequency:    sc.Frequency,
		AnchorDay:    sc.AnchorDay,
		NextRun:      sc.NextRun,
		Version:      sc.Version,
		UpdatedAt:    sc.UpdatedAt,
	}
	if !sc.LastRun.IsZero() {
		last := sc.LastRun
		row.LastRun = &last
	}
	return row
}

func (r scheduleRow) toSchedule() Schedule {
	sc := Schedule{
		DocumentID:   r.DocumentID,
		SubscriberID: r.SubscriberID,
		DocumentName: r.DocumentName,
		Industry:     r.Industry,
		Hour:         r.Hour,
		Minute:       r.Minute,
		Frequency:    r.Frequency,
		AnchorDay:    r.AnchorDay,
		NextRun:      r.NextRun,
		Version:      r.Version,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastRun != nil {
		sc.LastRun = *r.LastRun
	}
	return sc
}

func toSchedules(rows []scheduleRow) []Schedule {
	out := make([]Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out
}
