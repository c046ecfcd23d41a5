// Package store persists the gateway's delivery history in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wagate/internal/domain"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// SQLiteStore records deliveries in a single-connection SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := ensureSchema(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare history schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Record inserts d and returns its row ID. A zero CreatedAt is set to now.
func (s *SQLiteStore) Record(ctx context.Context, d domain.Delivery) (int64, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (request_id, chat_id, kind, file_name, status, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.ChatID, string(d.Kind), d.FileName, string(d.Status), d.Error, d.DurationMs, d.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("record delivery: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit deliveries, newest first. limit <= 0 means
// DefaultRecentLimit; values above MaxRecentLimit are clamped.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, chat_id, kind, file_name, status, error, duration_ms, created_at
		 FROM deliveries ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Delivery, 0, limit)
	for rows.Next() {
		var (
			d            domain.Delivery
			kind, status string
		)
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ChatID, &kind, &d.FileName, &status, &d.Error, &d.DurationMs, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Kind = domain.DeliveryKind(kind)
		d.Status = domain.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes deliveries created before cutoff and reports how many went.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
