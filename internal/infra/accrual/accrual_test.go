package accrual

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

var standardRates = Rates{AccrualPerMinute: 0.01, DecayPerMinute: 0.02}

// ─── Formula Scenarios ─────────────────────────────────────────────────────

func TestReconcile_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		balance domain.Balance
		rates   Rates
		elapsed int64
		want    domain.Balance
	}{
		{
			name:    "pure accrual",
			balance: domain.Balance{Accrual: 0, Reputation: 0},
			rates:   standardRates,
			elapsed: 10,
			want:    domain.Balance{Accrual: 0.1, Reputation: 0},
		},
		{
			// gain 0.05 + converted 0.05 on top of 5
			name:    "decay with conversion",
			balance: domain.Balance{Accrual: 5, Reputation: 1},
			rates:   standardRates,
			elapsed: 5,
			want:    domain.Balance{Accrual: 5.1, Reputation: 0.9},
		},
		{
			name:    "decay capped by balance",
			balance: domain.Balance{Accrual: 0, Reputation: 0.05},
			rates:   Rates{AccrualPerMinute: 0, DecayPerMinute: 0.02},
			elapsed: 10,
			want:    domain.Balance{Accrual: 0.025, Reputation: 0},
		},
		{
			name:    "accrual capped at max",
			balance: domain.Balance{Accrual: 9.95, Reputation: 0},
			rates:   Rates{AccrualPerMinute: 0.01, DecayPerMinute: 0.02},
			elapsed: 100,
			want:    domain.Balance{Accrual: 10, Reputation: 0},
		},
		{
			name:    "zero elapsed is a no-op",
			balance: domain.Balance{Accrual: 3, Reputation: 2},
			rates:   standardRates,
			elapsed: 0,
			want:    domain.Balance{Accrual: 3, Reputation: 2},
		},
		{
			name:    "negative elapsed is a no-op",
			balance: domain.Balance{Accrual: 3, Reputation: 2},
			rates:   standardRates,
			elapsed: -4,
			want:    domain.Balance{Accrual: 3, Reputation: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.balance, tt.rates, tt.elapsed)
			if !almostEqual(got.Accrual, tt.want.Accrual, 1e-9) {
				t.Errorf("accrual = %f, want %f", got.Accrual, tt.want.Accrual)
			}
			if !almostEqual(got.Reputation, tt.want.Reputation, 1e-9) {
				t.Errorf("reputation = %f, want %f", got.Reputation, tt.want.Reputation)
			}
		})
	}
}

func TestReconcile_BoundsHold(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		b := domain.Balance{
			Accrual:    rng.Float64() * domain.MaxAccrual,
			Reputation: rng.Float64() * 50,
		}
		r := Rates{AccrualPerMinute: rng.Float64() * 0.1, DecayPerMinute: rng.Float64() * 0.1}
		got := Reconcile(b, r, rng.Int63n(10_000))
		if !got.Valid() {
			t.Fatalf("Reconcile(%+v, %+v) = %+v violates bounds", b, r, got)
		}
	}
}

func TestReconcile_NegativeRatesIgnored(t *testing.T) {
	got := Reconcile(domain.Balance{Accrual: 1, Reputation: 1}, Rates{AccrualPerMinute: -1, DecayPerMinute: -1}, 10)
	if got.Accrual != 1 || got.Reputation != 1 {
		t.Errorf("negative rates changed balance: %+v", got)
	}
}

func TestReconcile_ReputationNeverIncreases(t *testing.T) {
	b := domain.Balance{Accrual: 2, Reputation: 4}
	for m := int64(1); m < 500; m++ {
		got := Reconcile(b, standardRates, m)
		if got.Reputation > b.Reputation {
			t.Fatalf("minutes=%d: reputation grew %f -> %f", m, b.Reputation, got.Reputation)
		}
	}
}

// ─── Time Helpers ──────────────────────────────────────────────────────────

func TestRoundToMinute(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	tests := []struct {
		name   string
		offset time.Duration
		want   time.Duration
	}{
		{"exact minute", 0, 0},
		{"29.999s rounds down", 29*time.Second + 999*time.Millisecond, 0},
		{"30s rounds up", 30 * time.Second, time.Minute},
		{"59s rounds up", 59 * time.Second, time.Minute},
		{"1m10s rounds down", time.Minute + 10*time.Second, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToMinute(base + tt.offset.Milliseconds())
			want := base + tt.want.Milliseconds()
			if got != want {
				t.Errorf("RoundToMinute(+%v) = %d, want %d", tt.offset, got, want)
			}
			if got%domain.MinuteMillis != 0 {
				t.Errorf("RoundToMinute(+%v) = %d is not minute-aligned", tt.offset, got)
			}
		})
	}
}

func TestElapsedMinutes(t *testing.T) {
	tests := []struct {
		from, to int64
		want     int64
	}{
		{0, 0, 0},
		{0, 59_999, 0},
		{0, 60_000, 1},
		{0, 150_000, 2},
		{60_000, 0, -1},
		{90_000, 0, -2},
	}
	for _, tt := range tests {
		if got := ElapsedMinutes(tt.from, tt.to); got != tt.want {
			t.Errorf("ElapsedMinutes(%d, %d) = %d, want %d", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRatesFrom(t *testing.T) {
	r := RatesFrom(&domain.GlobalMetrics{AccrualRatePerMinute: 0.3, DecayRatePerMinute: 0.7})
	if r.AccrualPerMinute != 0.3 || r.DecayPerMinute != 0.7 {
		t.Errorf("RatesFrom = %+v", r)
	}
}
