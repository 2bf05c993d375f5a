// Package domain contains the pure business types of the reputation network
// with ZERO infrastructure imports beyond value helpers.
package domain

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// MaxAccrual is the ceiling for an account's accrual balance.
	MaxAccrual = 10.0

	// MinReputation is the floor for an account's reputation balance.
	MinReputation = 0.0

	// BalancePrecision is the number of decimal places balances are stored with.
	BalancePrecision = 4

	// MaxReasonLength bounds the free-text reason on a transfer, in runes.
	MaxReasonLength = 280

	// MinuteMillis is one minute in unix milliseconds.
	MinuteMillis int64 = 60_000
)

// ─── Account ────────────────────────────────────────────────────────────────

// Account is a single holder's pair of balances plus its reconciliation marker.
type Account struct {
	ID                string  `json:"id"`
	AccrualBalance    float64 `json:"accrual_balance"`
	ReputationBalance float64 `json:"reputation_balance"`

	// LastReconciledAt is a minute-aligned unix-millisecond timestamp.
	// It never regresses.
	LastReconciledAt int64 `json:"last_reconciled_at"`

	// Version increments on every balance write. Writes are conditioned on it.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance returns the account's balance pair as a value.
func (a *Account) Balance() Balance {
	return Balance{Accrual: a.AccrualBalance, Reputation: a.ReputationBalance}
}

// Snapshot returns the notification view of the account.
func (a *Account) Snapshot() AccountBalance {
	return AccountBalance{
		ID:                a.ID,
		AccrualBalance:    a.AccrualBalance,
		ReputationBalance: a.ReputationBalance,
		LastReconciledAt:  a.LastReconciledAt,
	}
}

// Balance is the pair of balances the accrual formula operates on.
type Balance struct {
	Accrual    float64 `json:"accrual"`
	Reputation float64 `json:"reputation"`
}

// Valid reports whether both balances are inside their bounds.
func (b Balance) Valid() bool {
	return b.Accrual >= 0 && b.Accrual <= MaxAccrual && b.Reputation >= MinReputation
}

// BalanceWrite is a conditional balance update queued by reconciliation.
// It applies only if the stored account still carries ExpectedVersion.
type BalanceWrite struct {
	AccountID        string
	ExpectedVersion  int64
	Balance          Balance
	LastReconciledAt int64
}

// ─── Global Metrics ─────────────────────────────────────────────────────────

// GlobalMetrics is the singleton record driving reconciliation.
type GlobalMetrics struct {
	ProgramStart         int64   `json:"program_start"`
	AccrualRatePerMinute float64 `json:"accrual_rate_per_minute"`
	DecayRatePerMinute   float64 `json:"decay_rate_per_minute"`

	// LastGlobalReconciledAt is 0 until the first cycle commits.
	LastGlobalReconciledAt int64 `json:"last_global_reconciled_at"`
	Version                int64 `json:"version"`
}

// Marker returns the effective global reconciliation marker: the last
// global reconciliation time, or the program start if no cycle has run or
// the program start was moved past it. No window ever begins before the
// program start.
func (m *GlobalMetrics) Marker() int64 {
	return max(m.LastGlobalReconciledAt, m.ProgramStart)
}

// ─── Transfers ──────────────────────────────────────────────────────────────

// TransferRecord is an append-only audit entry for one successful transfer.
type TransferRecord struct {
	ID            string  `json:"id"`
	FromAccountID string  `json:"from_account_id"`
	ToAccountID   string  `json:"to_account_id"`
	Amount        float64 `json:"amount"`
	Reason        string  `json:"reason,omitempty"`
	Timestamp     int64   `json:"timestamp"`
}

// TransferWrite is the atomic two-account mutation of a transfer.
type TransferWrite struct {
	FromID      string
	FromVersion int64
	ToID        string
	ToVersion   int64
	Amount      float64
}

// ─── Notifications ──────────────────────────────────────────────────────────

// Update sources carried on a BalanceUpdate.
const (
	SourceReconcile = "reconcile"
	SourceCatchUp   = "catch_up"
	SourceTransfer  = "transfer"
)

// AccountBalance is the per-account payload of a balance notification.
type AccountBalance struct {
	ID                string  `json:"id"`
	AccrualBalance    float64 `json:"accrual_balance"`
	ReputationBalance float64 `json:"reputation_balance"`
	LastReconciledAt  int64   `json:"last_reconciled_at"`
}

// BalanceUpdate is a batch of balance changes as of a reconciliation time.
type BalanceUpdate struct {
	Source   string           `json:"source"`
	AsOf     int64            `json:"as_of"`
	Accounts []AccountBalance `json:"accounts"`
}

// ─── Value Helpers ──────────────────────────────────────────────────────────

// NormalizeAccountID trims and case-folds an account identifier so that
// "0xAbC" and "0xabc" address the same account.
// A Caser is stateful, so one is built per call.
func NormalizeAccountID(id string) string {
	return cases.Fold().String(strings.TrimSpace(id))
}

// RoundBalance rounds a balance to BalancePrecision decimal places.
func RoundBalance(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(BalancePrecision).InexactFloat64()
}

// SubBalance computes a - b exactly at BalancePrecision.
func SubBalance(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(BalancePrecision).InexactFloat64()
}

// AddBalance computes a + b exactly at BalancePrecision.
func AddBalance(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(BalancePrecision).InexactFloat64()
}

// ValidReason reports whether a transfer reason fits MaxReasonLength.
func ValidReason(reason string) bool {
	return utf8.RuneCountInString(reason) <= MaxReasonLength
}
