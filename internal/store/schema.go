package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is stored in SQLite's user_version header field.
const schemaVersion = 1

const deliveriesSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL DEFAULT '',
	chat_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	file_name   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries(created_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_request ON deliveries(request_id);
`

// ensureSchema creates the deliveries table on a fresh database. A database
// written by a newer wagate is refused rather than read with the wrong shape.
func ensureSchema(db *sql.DB, logger *slog.Logger) error {
	v, err := userVersion(db)
	if err != nil {
		return err
	}
	switch {
	case v == schemaVersion:
		return nil
	case v > schemaVersion:
		return fmt.Errorf("history database has schema v%d, this build supports v%d", v, schemaVersion)
	}

	logger.Info("creating history schema", "version", schemaVersion)
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(deliveriesSchema); err != nil {
		return fmt.Errorf("create deliveries: %w", err)
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
