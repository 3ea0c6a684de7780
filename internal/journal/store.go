// Package journal keeps a local, append-only record of every telemetry
// sample the publisher delivered to the broker. Records are indexed by
// device and publish time for range summaries and recent-history reads.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/telemetry-publisher/internal/telemetry"
)

// Record is one published sample.
type Record struct {
	ID          string
	DeviceID    int
	Topic       string
	Temp        float64
	Hum         float64
	Timestamp   int64     // sample timestamp, epoch seconds
	PublishedAt time.Time // when the broker acknowledged the publish
}

// Summary holds aggregate readings over a time range.
type Summary struct {
	Count   int     `json:"count"`
	MinTemp float64 `json:"min_temp"`
	MaxTemp float64 `json:"max_temp"`
	AvgTemp float64 `json:"avg_temp"`
	MinHum  float64 `json:"min_hum"`
	MaxHum  float64 `json:"max_hum"`
	AvgHum  float64 `json:"avg_hum"`
}

// Store is an append-only SQLite store of published samples. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a journal at dbPath. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id           TEXT PRIMARY KEY,
		device_id    INTEGER NOT NULL,
		topic        TEXT NOT NULL,
		temp         REAL NOT NULL,
		hum          REAL NOT NULL,
		timestamp    INTEGER NOT NULL,
		published_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_device_published ON samples(device_id, published_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. If rec.ID is empty, a UUIDv7 is generated; if
// rec.PublishedAt is zero, the current time is used.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate journal record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (id, device_id, topic, temp, hum, timestamp, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.DeviceID,
		rec.Topic,
		rec.Temp,
		rec.Hum,
		rec.Timestamp,
		rec.PublishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}
	return nil
}

// RecordSample stores a sample delivered to topic by deviceID at the
// given time.
func (s *Store) RecordSample(ctx context.Context, deviceID int, topic string, sample telemetry.Sample, at time.Time) error {
	return s.Record(ctx, Record{
		DeviceID:    deviceID,
		Topic:       topic,
		Temp:        sample.Temp,
		Hum:         sample.Hum,
		Timestamp:   sample.Timestamp,
		PublishedAt: at,
	})
}

// Summary returns aggregate readings for deviceID's samples published
// within [start, end). A range with no samples yields a zero Summary.
func (s *Store) Summary(ctx context.Context, deviceID int, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(MIN(temp), 0), COALESCE(MAX(temp), 0), COALESCE(AVG(temp), 0),
			COALESCE(MIN(hum), 0), COALESCE(MAX(hum), 0), COALESCE(AVG(hum), 0)
		 FROM samples
		 WHERE device_id = ? AND published_at >= ? AND published_at < ?`,
		deviceID,
		start.UnixMilli(),
		end.UnixMilli(),
	)

	var sum Summary
	if err := row.Scan(&sum.Count,
		&sum.MinTemp, &sum.MaxTemp, &sum.AvgTemp,
		&sum.MinHum, &sum.MaxHum, &sum.AvgHum,
	); err != nil {
		return nil, fmt.Errorf("query journal summary: %w", err)
	}
	return &sum, nil
}

// Recent returns up to limit of deviceID's most recently published
// samples, newest first.
func (s *Store) Recent(ctx context.Context, deviceID int, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, topic, temp, hum, timestamp, published_at
		 FROM samples
		 WHERE device_id = ?
		 ORDER BY published_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent samples: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var publishedMs int64
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Topic, &rec.Temp, &rec.Hum, &rec.Timestamp, &publishedMs); err != nil {
			return nil, fmt.Errorf("scan recent sample: %w", err)
		}
		rec.PublishedAt = time.UnixMilli(publishedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}
