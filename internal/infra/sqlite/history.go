package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
)

// DefaultHistoryLimit is used when a history query passes limit <= 0.
const DefaultHistoryLimit = 10

// ─── Transfer Audit Log ─────────────────────────────────────────────────────

// AppendTransfer writes one transfer record. Records are never updated.
func (db *DB) AppendTransfer(ctx context.Context, rec domain.TransferRecord) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO transfers (id, from_account_id, to_account_id, amount, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.FromAccountID, rec.ToAccountID, rec.Amount, rec.Reason, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append transfer: %w", err)
	}
	return nil
}

// TransferHistory returns the most recent transfers sent or received by an
// account, newest first.
func (db *DB) TransferHistory(ctx context.Context, accountID string, limit int) ([]domain.TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, reason, timestamp
		FROM transfers
		WHERE from_account_id = ? OR to_account_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, accountID, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.TransferRecord, 0)
	for rows.Next() {
		var r domain.TransferRecord
		if err := rows.Scan(&r.ID, &r.FromAccountID, &r.ToAccountID, &r.Amount, &r.Reason, &r.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ─── Reconciliation Cycles ──────────────────────────────────────────────────

// RecordCycle stores a reconciliation cycle summary.
func (db *DB) RecordCycle(ctx context.Context, c domain.CycleRecord) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO reconciliation_cycles
		(id, started_at, as_of, elapsed_minutes, outcome, batched, caught_up, catch_up_failed, skipped, batches_committed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.StartedAt.UnixMilli(), c.AsOf, c.Elapsed, string(c.Outcome),
		c.Batched, c.CaughtUp, c.CatchUpFailed, c.Skipped, c.BatchesCommitted, c.Error)
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// RecentCycles returns the latest cycle summaries, newest first.
func (db *DB) RecentCycles(ctx context.Context, limit int) ([]domain.CycleRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, started_at, as_of, elapsed_minutes, outcome, batched, caught_up, catch_up_failed, skipped, batches_committed, error
		FROM reconciliation_cycles
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.CycleRecord, 0)
	for rows.Next() {
		var c domain.CycleRecord
		var startedMs int64
		var outcome string
		if err := rows.Scan(&c.ID, &startedMs, &c.AsOf, &c.Elapsed, &outcome,
			&c.Batched, &c.CaughtUp, &c.CatchUpFailed, &c.Skipped, &c.BatchesCommitted, &c.Error); err != nil {
			return nil, err
		}
		c.StartedAt = time.UnixMilli(startedMs).UTC()
		c.Outcome = domain.CycleOutcome(outcome)
		result = append(result, c)
	}
	return result, rows.Err()
}
