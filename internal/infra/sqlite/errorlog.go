package sqlite

import (
	"context"
	"time"
)

// ErrorLogEntry is one persisted operational error.
type ErrorLogEntry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// ─── Error Log Operations ───────────────────────────────────────────────────

// InsertErrorLog saves an error entry.
func (db *DB) InsertErrorLog(ctx context.Context, at time.Time, message, details string) (int64, error) {
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO error_logs (created_at, message, details) VALUES (?, ?, ?)
	`, at.UnixMilli(), message, details)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentErrors returns the latest error entries, newest first.
func (db *DB) RecentErrors(ctx context.Context, limit int) ([]ErrorLogEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, created_at, message, details FROM error_logs
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ErrorLogEntry
	for rows.Next() {
		var e ErrorLogEntry
		var createdMs int64
		if err := rows.Scan(&e.ID, &createdMs, &e.Message, &e.Details); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}
