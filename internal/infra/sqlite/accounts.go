package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

const accountColumns = `id, accrual_balance, reputation_balance, last_reconciled_at, version, created_at`

// Every balance write is conditioned on the version it was computed from and
// on the marker not moving backwards.
const updateBalancesSQL = `
	UPDATE accounts SET
		accrual_balance    = ?,
		reputation_balance = ?,
		last_reconciled_at = ?,
		version            = version + 1
	WHERE id = ? AND version = ? AND last_reconciled_at <= ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var createdMs int64
	if err := row.Scan(&a.ID, &a.AccrualBalance, &a.ReputationBalance, &a.LastReconciledAt, &a.Version, &createdMs); err != nil {
		return nil, err
	}
	a.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &a, nil
}

func getAccount(ctx context.Context, q queryer, id string) (*domain.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrAccountNotFound)
	}
	return a, err
}

// GetAccount retrieves a single account.
func (db *DB) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return getAccount(ctx, db.db, id)
}

// ListAccounts returns all accounts ordered by ID.
func (db *DB) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// CreateAccount inserts a new account.
func (db *DB) CreateAccount(ctx context.Context, a domain.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO accounts (id, accrual_balance, reputation_balance, last_reconciled_at, version, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, a.ID, a.AccrualBalance, a.ReputationBalance, a.LastReconciledAt, a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", a.ID, domain.ErrAccountExists)
	}
	return nil
}

// UpdateBalances applies one conditional balance write.
func (db *DB) UpdateBalances(ctx context.Context, w domain.BalanceWrite) error {
	res, err := db.db.ExecContext(ctx, updateBalancesSQL,
		w.Balance.Accrual, w.Balance.Reputation, w.LastReconciledAt,
		w.AccountID, w.ExpectedVersion, w.LastReconciledAt)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}
	return checkApplied(ctx, db.db, res, w.AccountID)
}

// CommitBatch applies up to MaxTransactionItems conditional writes in one
// transaction. Any failed condition rolls the whole batch back.
func (db *DB) CommitBatch(ctx context.Context, writes []domain.BalanceWrite) error {
	if len(writes) > MaxTransactionItems {
		return fmt.Errorf("%d writes: %w", len(writes), domain.ErrBatchTooLarge)
	}
	if len(writes) == 0 {
		return nil
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, updateBalancesSQL)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, w := range writes {
		res, err := stmt.ExecContext(ctx,
			w.Balance.Accrual, w.Balance.Reputation, w.LastReconciledAt,
			w.AccountID, w.ExpectedVersion, w.LastReconciledAt)
		if err != nil {
			return fmt.Errorf("batch write %s: %w", w.AccountID, err)
		}
		if err := checkApplied(ctx, tx, res, w.AccountID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplyTransfer debits the sender's accrual and credits the receiver's
// reputation in one transaction. The sender row must still carry
// FromVersion and hold at least Amount; the receiver row must still carry
// ToVersion. Otherwise nothing is written and ErrConflictingUpdate returned.
func (db *DB) ApplyTransfer(ctx context.Context, w domain.TransferWrite) (*domain.Account, *domain.Account, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	from, err := getAccount(ctx, tx, w.FromID)
	if err != nil {
		return nil, nil, err
	}
	to, err := getAccount(ctx, tx, w.ToID)
	if err != nil {
		return nil, nil, err
	}

	newAccrual := domain.SubBalance(from.AccrualBalance, w.Amount)
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET accrual_balance = ?, version = version + 1
		WHERE id = ? AND version = ? AND accrual_balance >= ?
	`, newAccrual, w.FromID, w.FromVersion, w.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("debit %s: %w", w.FromID, err)
	}
	if err := checkApplied(ctx, tx, res, w.FromID); err != nil {
		return nil, nil, err
	}

	newReputation := domain.AddBalance(to.ReputationBalance, w.Amount)
	res, err = tx.ExecContext(ctx, `
		UPDATE accounts SET reputation_balance = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, newReputation, w.ToID, w.ToVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("credit %s: %w", w.ToID, err)
	}
	if err := checkApplied(ctx, tx, res, w.ToID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transfer: %w", err)
	}

	from.AccrualBalance = newAccrual
	from.Version++
	to.ReputationBalance = newReputation
	to.Version++
	return from, to, nil
}

// checkApplied turns a zero-row conditional update into ErrAccountNotFound or
// ErrConflictingUpdate.
func checkApplied(ctx context.Context, q queryer, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, domain.ErrAccountNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", id, domain.ErrConflictingUpdate)
}
