package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/karmic-network/karmic/internal/infra/accrual"
)

func newTestDaemon(t *testing.T, mutate func(*Config)) *Daemon {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Store.Dir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Dir = t.TempDir()
	cfg.Reconcile.BatchSize = 100
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New() should reject an invalid config")
	}
}

func TestSeedMetrics_FromConfig(t *testing.T) {
	d := newTestDaemon(t, func(c *Config) {
		c.Accrual.ProgramStart = "2025-01-01T00:00:30Z"
		c.Accrual.AccrualRatePerMinute = 0.1
		c.Accrual.DecayRatePerMinute = 0.05
	})

	m, err := d.SeedMetrics(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SeedMetrics() error = %v", err)
	}
	want := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC).UnixMilli()
	if m.ProgramStart != want {
		t.Errorf("ProgramStart = %d, want %d (rounded to the minute)", m.ProgramStart, want)
	}
	if m.AccrualRatePerMinute != 0.1 || m.DecayRatePerMinute != 0.05 {
		t.Errorf("rates = %v/%v, want 0.1/0.05", m.AccrualRatePerMinute, m.DecayRatePerMinute)
	}
	if m.LastGlobalReconciledAt != 0 {
		t.Errorf("LastGlobalReconciledAt = %d, want 0", m.LastGlobalReconciledAt)
	}
}

func TestSeedMetrics_DefaultsToNow(t *testing.T) {
	d := newTestDaemon(t, nil)
	now := time.Date(2025, 3, 10, 9, 15, 12, 0, time.UTC)

	m, err := d.SeedMetrics(context.Background(), now)
	if err != nil {
		t.Fatalf("SeedMetrics() error = %v", err)
	}
	if want := accrual.RoundToMinute(now.UnixMilli()); m.ProgramStart != want {
		t.Errorf("ProgramStart = %d, want %d", m.ProgramStart, want)
	}
}

func TestSeedMetrics_KeepsStoredRecord(t *testing.T) {
	d := newTestDaemon(t, func(c *Config) { c.Accrual.AccrualRatePerMinute = 0.3 })
	ctx := context.Background()

	start := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if err := d.DB.UpsertMetricsConfig(ctx, start, 0.2, 0.02); err != nil {
		t.Fatal(err)
	}

	m, err := d.SeedMetrics(ctx, time.Now())
	if err != nil {
		t.Fatalf("SeedMetrics() error = %v", err)
	}
	if m.ProgramStart != start || m.AccrualRatePerMinute != 0.2 {
		t.Errorf("stored metrics overwritten: %+v", m)
	}
}

func TestServe_HealthAndShutdown(t *testing.T) {
	d := newTestDaemon(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	if _, err := d.DB.GetMetrics(context.Background()); err != nil {
		t.Errorf("serve should have seeded metrics: %v", err)
	}
}
