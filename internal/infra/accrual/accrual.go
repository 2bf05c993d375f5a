// Package accrual implements the time-based accrual/decay formula shared by
// the global reconciliation cycle and per-account catch-up.
//
// Per elapsed minute an account gains AccrualPerMinute of accrual and loses
// up to DecayPerMinute of reputation. Half of the reputation actually lost
// flows back into accrual:
//
//	gain        = accrualRate × minutes
//	decay       = min(reputation, decayRate × minutes)
//	accrual'    = clamp(accrual + gain + decay/2, 0, MaxAccrual)
//	reputation' = max(reputation − decay, 0)
//
// Elapsed time is always whole minutes. Partial minutes accrue nothing, so
// applying the formula twice inside the same minute is a no-op.
package accrual

import (
	"math"

	"github.com/karmic-network/karmic/internal/domain"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// ConversionFactor is the share of decayed reputation recycled into accrual.
	ConversionFactor = 0.5

	// halfMinuteMillis is the round-up threshold for RoundToMinute.
	halfMinuteMillis = domain.MinuteMillis / 2
)

// ─── Types ──────────────────────────────────────────────────────────────────

// Rates holds the per-minute accrual and decay rates.
type Rates struct {
	AccrualPerMinute float64 `json:"accrual_per_minute"`
	DecayPerMinute   float64 `json:"decay_per_minute"`
}

// RatesFrom extracts the rates from the global metrics record.
func RatesFrom(m *domain.GlobalMetrics) Rates {
	return Rates{
		AccrualPerMinute: m.AccrualRatePerMinute,
		DecayPerMinute:   m.DecayRatePerMinute,
	}
}

// ─── Formula ────────────────────────────────────────────────────────────────

// Reconcile applies elapsedMinutes of accrual and decay to a balance.
// Non-positive elapsed time returns the balance unchanged. Results are
// clamped to the domain bounds and rounded to domain.BalancePrecision.
func Reconcile(b domain.Balance, r Rates, elapsedMinutes int64) domain.Balance {
	if elapsedMinutes <= 0 {
		return b
	}
	minutes := float64(elapsedMinutes)

	accrualGain := math.Max(r.AccrualPerMinute, 0) * minutes
	decayAmount := math.Max(r.DecayPerMinute, 0) * minutes

	// Decay is capped by the current balance.
	actualDecay := math.Min(math.Max(b.Reputation, 0), decayAmount)
	converted := actualDecay * ConversionFactor

	return domain.Balance{
		Accrual:    clamp(domain.RoundBalance(b.Accrual+accrualGain+converted), 0, domain.MaxAccrual),
		Reputation: math.Max(domain.RoundBalance(b.Reputation-actualDecay), domain.MinReputation),
	}
}

// ─── Time Helpers ───────────────────────────────────────────────────────────

// RoundToMinute rounds a unix-millisecond timestamp to the nearest minute,
// rounding up at 30 seconds past the minute.
func RoundToMinute(ms int64) int64 {
	return floorDiv(ms+halfMinuteMillis, domain.MinuteMillis) * domain.MinuteMillis
}

// ElapsedMinutes returns the whole minutes between two unix-millisecond
// timestamps, floored. It is negative when to precedes from.
func ElapsedMinutes(from, to int64) int64 {
	return floorDiv(to-from, domain.MinuteMillis)
}

// ─── Pure Helper Functions ──────────────────────────────────────────────────

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// clamp restricts a value to [min, max].
func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
