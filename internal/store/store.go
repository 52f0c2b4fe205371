// Package store persists impact events in SQLite.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/doa"
	"github.com/teslashibe/floorwatch/internal/threshold"
)

// Record is the stored form of a detector.Event. Right channel columns are
// NULL for mono events.
type Record struct {
	ID           uint      `gorm:"primaryKey"`
	EventID      string    `gorm:"uniqueIndex;size:36;not null"`
	Timestamp    time.Time `gorm:"index;not null"`
	LevelDB      float64
	SNRDB        float64
	ThresholdDB  float64
	LeftDB       float64
	LeftSNR      float64
	RightDB      *float64
	RightSNR     *float64
	Direction    string `gorm:"size:8;index"`
	DelaySeconds float64
	Period       string `gorm:"size:8"`
	CreatedAt    time.Time
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "impact_events" }

// FromEvent converts ev to a Record.
func FromEvent(ev detector.Event) Record {
	r := Record{
		EventID:      ev.ID,
		Timestamp:    ev.Timestamp,
		LevelDB:      ev.LevelDB,
		SNRDB:        ev.SNRDB,
		ThresholdDB:  ev.ThresholdDB,
		Direction:    string(ev.Direction),
		DelaySeconds: ev.DelaySeconds,
		Period:       string(ev.Period),
	}
	if len(ev.Levels) > 0 {
		r.LeftDB = ev.Levels[0]
	}
	if len(ev.SNRs) > 0 {
		r.LeftSNR = ev.SNRs[0]
	}
	if len(ev.Levels) > 1 && len(ev.SNRs) > 1 {
		right, rightSNR := ev.Levels[1], ev.SNRs[1]
		r.RightDB, r.RightSNR = &right, &rightSNR
	}
	return r
}

// Event converts r back to a detector.Event.
func (r Record) Event() detector.Event {
	ev := detector.Event{
		ID:           r.EventID,
		Timestamp:    r.Timestamp,
		Levels:       []float64{r.LeftDB},
		SNRs:         []float64{r.LeftSNR},
		LevelDB:      r.LevelDB,
		SNRDB:        r.SNRDB,
		ThresholdDB:  r.ThresholdDB,
		Direction:    doa.Direction(r.Direction),
		DelaySeconds: r.DelaySeconds,
		Period:       threshold.Period(r.Period),
	}
	if r.RightDB != nil && r.RightSNR != nil {
		ev.Levels = append(ev.Levels, *r.RightDB)
		ev.SNRs = append(ev.SNRs, *r.RightSNR)
	}
	return ev
}

// Store is a pipeline sink backed by SQLite.
type Store struct {
	db   *gorm.DB
	path string
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Name implements pipeline.Sink.
func (s *Store) Name() string { return "sqlite" }

// Handle implements pipeline.Sink.
func (s *Store) Handle(ctx context.Context, ev detector.Event) error {
	rec := FromEvent(ev)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("store: insert event %s: %w", ev.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]detector.Event, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}

	out := make([]detector.Event, len(recs))
	for i, r := range recs {
		out[i] = r.Event()
	}
	return out, nil
}

// Count returns the number of events at or after since.
func (s *Store) Count(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Record{}).Where("timestamp >= ?", since).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// DirectionCount is one row of CountByDirection.
type DirectionCount struct {
	Direction string `json:"direction"`
	Count     int64  `json:"count"`
}

// CountByDirection groups events at or after since by direction.
func (s *Store) CountByDirection(ctx context.Context, since time.Time) ([]DirectionCount, error) {
	var rows []DirectionCount
	err := s.db.WithContext(ctx).Model(&Record{}).
		Select("direction, count(*) as count").
		Where("timestamp >= ?", since).
		Group("direction").
		Order("direction").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: count by direction: %w", err)
	}
	return rows, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
