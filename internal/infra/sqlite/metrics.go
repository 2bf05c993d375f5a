package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/karmic-network/karmic/internal/domain"
)

// ─── Global Metrics Operations ──────────────────────────────────────────────

// GetMetrics reads the global metrics singleton.
func (db *DB) GetMetrics(ctx context.Context) (*domain.GlobalMetrics, error) {
	var m domain.GlobalMetrics
	err := db.db.QueryRowContext(ctx, `
		SELECT program_start, accrual_rate_per_minute, decay_rate_per_minute, last_global_reconciled_at, version
		FROM global_metrics WHERE id = 1
	`).Scan(&m.ProgramStart, &m.AccrualRatePerMinute, &m.DecayRatePerMinute, &m.LastGlobalReconciledAt, &m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMetricsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMetricsConfig sets the program start and rates, creating the
// singleton if needed. The global marker is never touched here.
func (db *DB) UpsertMetricsConfig(ctx context.Context, programStart int64, accrualRate, decayRate float64) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO global_metrics (id, program_start, accrual_rate_per_minute, decay_rate_per_minute)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			program_start           = excluded.program_start,
			accrual_rate_per_minute = excluded.accrual_rate_per_minute,
			decay_rate_per_minute   = excluded.decay_rate_per_minute,
			version                 = version + 1
	`, programStart, accrualRate, decayRate)
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// AdvanceGlobalMarker moves the marker forward from prev to next. The write
// only applies while the stored marker still equals prev, so two overlapping
// cycles can never both advance it.
func (db *DB) AdvanceGlobalMarker(ctx context.Context, prev, next int64) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE global_metrics SET last_global_reconciled_at = ?, version = version + 1
		WHERE id = 1 AND last_global_reconciled_at = ? AND last_global_reconciled_at < ?
	`, next, prev, next)
	if err != nil {
		return fmt.Errorf("advance marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := db.GetMetrics(ctx); err != nil {
		return err
	}
	return fmt.Errorf("global marker %d -> %d: %w", prev, next, domain.ErrConflictingUpdate)
}
