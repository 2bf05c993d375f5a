package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Reconciliation
	ErrConfigurationPending = errors.New("program start is in the future")
	ErrMetricsNotFound      = errors.New("global metrics not initialized")
	ErrBatchCommitFailure   = errors.New("reconciliation batch commit failed")
	ErrBatchTooLarge        = errors.New("batch exceeds store transaction item limit")

	// Accounts
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	// Optimistic concurrency, retryable with fresh reads
	ErrConflictingUpdate = errors.New("conflicting update: account changed concurrently")

	// Transfers
	ErrInsufficientBalance = errors.New("insufficient accrual balance")
	ErrSelfTransfer        = errors.New("cannot transfer to the same account")
	ErrInvalidAmount       = errors.New("transfer amount must be a positive number")
	ErrReasonTooLong       = errors.New("transfer reason too long")
	ErrAuditLogFailure     = errors.New("transfer audit log append failed")
)

// BatchError reports a failed reconciliation batch. It matches both
// ErrBatchCommitFailure and the underlying store error.
type BatchError struct {
	Index  int // zero-based batch number within the cycle
	Offset int // index of the first queued write in the batch
	Size   int
	Err    error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (writes %d..%d): %v", e.Index, e.Offset, e.Offset+e.Size-1, e.Err)
}

// Unwrap exposes the sentinel and the cause to errors.Is / errors.As.
func (e *BatchError) Unwrap() []error {
	return []error{ErrBatchCommitFailure, e.Err}
}

// IsRetryable reports whether an error is a transient concurrency conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictingUpdate)
}
