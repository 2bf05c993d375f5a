package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// AccountStore abstracts the transactional key-value store holding accounts.
type AccountStore interface {
	// GetAccount returns ErrAccountNotFound for unknown IDs.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// ListAccounts returns every account (projection: balances + marker).
	ListAccounts(ctx context.Context) ([]Account, error)

	// CreateAccount returns ErrAccountExists if the ID is taken.
	CreateAccount(ctx context.Context, acct Account) error

	// UpdateBalances is a single-key conditional update.
	// Returns ErrConflictingUpdate if the version moved or the marker would regress.
	UpdateBalances(ctx context.Context, w BalanceWrite) error

	// CommitBatch applies every write or none of them.
	CommitBatch(ctx context.Context, writes []BalanceWrite) error

	// ApplyTransfer atomically debits sender accrual and credits receiver
	// reputation, returning both accounts as committed.
	ApplyTransfer(ctx context.Context, w TransferWrite) (from, to *Account, err error)
}

// MetricsStore abstracts the singleton GlobalMetrics record.
type MetricsStore interface {
	GetMetrics(ctx context.Context) (*GlobalMetrics, error)

	// AdvanceGlobalMarker moves the marker from prev to next only if the stored
	// value still equals prev and next > prev. Otherwise ErrConflictingUpdate.
	AdvanceGlobalMarker(ctx context.Context, prev, next int64) error
}

// AuditLog abstracts the append-only transfer history.
type AuditLog interface {
	AppendTransfer(ctx context.Context, rec TransferRecord) error
	TransferHistory(ctx context.Context, accountID string, limit int) ([]TransferRecord, error)
}

// Publisher pushes balance updates to live subscribers.
type Publisher interface {
	// Publish sends the update once.
	Publish(update BalanceUpdate)

	// PublishCycle sends the update and keeps re-sending it until the next
	// PublishCycle call supersedes it.
	PublishCycle(update BalanceUpdate)
}

// ErrorReporter records operational failures out of band.
type ErrorReporter interface {
	Report(ctx context.Context, message string, err error)
}
