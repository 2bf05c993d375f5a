package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAccount(t *testing.T, db *DB, id string, accrual, reputation float64, last int64) {
	t.Helper()
	err := db.CreateAccount(context.Background(), domain.Account{
		ID:                id,
		AccrualBalance:    accrual,
		ReputationBalance: reputation,
		LastReconciledAt:  last,
	})
	if err != nil {
		t.Fatalf("CreateAccount(%s) error: %v", id, err)
	}
}

// ─── Schema ─────────────────────────────────────────────────────────────────

func TestOpen_AppliesMigrations(t *testing.T) {
	db := newTestDB(t)
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != len(Migrations()) {
		t.Errorf("SchemaVersion() = %d, want %d", v, len(Migrations()))
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.CreateAccount(context.Background(), domain.Account{ID: "alice"})
	db.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db2.Close()
	if _, err := db2.GetAccount(context.Background(), "alice"); err != nil {
		t.Errorf("GetAccount after reopen: %v", err)
	}
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func TestCreateAccount_Duplicate(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "alice", 0, 0, 0)

	err := db.CreateAccount(context.Background(), domain.Account{ID: "alice"})
	if !errors.Is(err, domain.ErrAccountExists) {
		t.Errorf("err = %v, want ErrAccountExists", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetAccount(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestListAccounts_Ordered(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "carol", 0, 0, 0)
	seedAccount(t, db, "alice", 1, 2, 0)
	seedAccount(t, db, "bob", 0, 0, 0)

	accts, err := db.ListAccounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 3 {
		t.Fatalf("len = %d, want 3", len(accts))
	}
	want := []string{"alice", "bob", "carol"}
	for i, a := range accts {
		if a.ID != want[i] {
			t.Errorf("accts[%d].ID = %q, want %q", i, a.ID, want[i])
		}
	}
	if accts[0].AccrualBalance != 1 || accts[0].ReputationBalance != 2 {
		t.Errorf("alice balances = %v/%v, want 1/2", accts[0].AccrualBalance, accts[0].ReputationBalance)
	}
}

func TestUpdateBalances_VersionConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "alice", 1, 1, 0)

	w := domain.BalanceWrite{
		AccountID:        "alice",
		ExpectedVersion:  0,
		Balance:          domain.Balance{Accrual: 2, Reputation: 0.5},
		LastReconciledAt: 60_000,
	}
	if err := db.UpdateBalances(ctx, w); err != nil {
		t.Fatalf("first UpdateBalances() error: %v", err)
	}

	// Same expected version again: the row moved on.
	err := db.UpdateBalances(ctx, w)
	if !errors.Is(err, domain.ErrConflictingUpdate) {
		t.Errorf("err = %v, want ErrConflictingUpdate", err)
	}

	a, _ := db.GetAccount(ctx, "alice")
	if a.Version != 1 {
		t.Errorf("Version = %d, want 1", a.Version)
	}
	if a.AccrualBalance != 2 || a.LastReconciledAt != 60_000 {
		t.Errorf("account = %+v", a)
	}
}

func TestUpdateBalances_MarkerNeverRegresses(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "alice", 1, 1, 120_000)

	err := db.UpdateBalances(ctx, domain.BalanceWrite{
		AccountID:        "alice",
		ExpectedVersion:  0,
		Balance:          domain.Balance{Accrual: 2, Reputation: 1},
		LastReconciledAt: 60_000,
	})
	if !errors.Is(err, domain.ErrConflictingUpdate) {
		t.Errorf("err = %v, want ErrConflictingUpdate", err)
	}
}

func TestUpdateBalances_NotFound(t *testing.T) {
	db := newTestDB(t)
	err := db.UpdateBalances(context.Background(), domain.BalanceWrite{AccountID: "ghost"})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestCommitBatch_AllOrNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "alice", 0, 1, 0)
	seedAccount(t, db, "bob", 0, 1, 0)

	writes := []domain.BalanceWrite{
		{AccountID: "alice", ExpectedVersion: 0, Balance: domain.Balance{Accrual: 0.1, Reputation: 0.95}, LastReconciledAt: 60_000},
		{AccountID: "bob", ExpectedVersion: 7, Balance: domain.Balance{Accrual: 0.1, Reputation: 0.95}, LastReconciledAt: 60_000},
	}
	err := db.CommitBatch(ctx, writes)
	if !errors.Is(err, domain.ErrConflictingUpdate) {
		t.Fatalf("err = %v, want ErrConflictingUpdate", err)
	}

	a, _ := db.GetAccount(ctx, "alice")
	if a.AccrualBalance != 0 || a.Version != 0 {
		t.Errorf("alice was written despite rollback: %+v", a)
	}
}

func TestCommitBatch_TooLarge(t *testing.T) {
	db := newTestDB(t)
	writes := make([]domain.BalanceWrite, MaxTransactionItems+1)
	err := db.CommitBatch(context.Background(), writes)
	if !errors.Is(err, domain.ErrBatchTooLarge) {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

func TestCommitBatch_Empty(t *testing.T) {
	db := newTestDB(t)
	if err := db.CommitBatch(context.Background(), nil); err != nil {
		t.Errorf("CommitBatch(nil) error: %v", err)
	}
}

func TestApplyTransfer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "alice", 5, 0, 0)
	seedAccount(t, db, "bob", 0, 1, 0)

	from, to, err := db.ApplyTransfer(ctx, domain.TransferWrite{
		FromID: "alice", FromVersion: 0, ToID: "bob", ToVersion: 0, Amount: 3,
	})
	if err != nil {
		t.Fatalf("ApplyTransfer() error: %v", err)
	}
	if from.AccrualBalance != 2 {
		t.Errorf("from.AccrualBalance = %v, want 2", from.AccrualBalance)
	}
	if to.ReputationBalance != 4 {
		t.Errorf("to.ReputationBalance = %v, want 4", to.ReputationBalance)
	}

	stored, _ := db.GetAccount(ctx, "bob")
	if stored.ReputationBalance != 4 || stored.AccrualBalance != 0 {
		t.Errorf("stored bob = %+v", stored)
	}
	if stored.Version != 1 {
		t.Errorf("bob Version = %d, want 1", stored.Version)
	}
}

func TestApplyTransfer_StaleVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "alice", 5, 0, 0)
	seedAccount(t, db, "bob", 0, 1, 0)

	_, _, err := db.ApplyTransfer(ctx, domain.TransferWrite{
		FromID: "alice", FromVersion: 0, ToID: "bob", ToVersion: 3, Amount: 1,
	})
	if !errors.Is(err, domain.ErrConflictingUpdate) {
		t.Fatalf("err = %v, want ErrConflictingUpdate", err)
	}

	// The debit must have rolled back with the failed credit.
	a, _ := db.GetAccount(ctx, "alice")
	if a.AccrualBalance != 5 {
		t.Errorf("alice accrual = %v, want 5", a.AccrualBalance)
	}
}

func TestApplyTransfer_MissingReceiver(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "alice", 5, 0, 0)

	_, _, err := db.ApplyTransfer(context.Background(), domain.TransferWrite{
		FromID: "alice", ToID: "ghost", Amount: 1,
	})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestApplyTransfer_ConcurrentOnlyOneWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedAccount(t, db, "alice", 5, 0, 0)
	seedAccount(t, db, "bob", 0, 0, 0)
	seedAccount(t, db, "carol", 0, 0, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, to := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			_, _, errs[i] = db.ApplyTransfer(ctx, domain.TransferWrite{
				FromID: "alice", FromVersion: 0, ToID: to, ToVersion: 0, Amount: 4,
			})
		}(i, to)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, domain.ErrConflictingUpdate) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("successful transfers = %d, want 1", ok)
	}
	a, _ := db.GetAccount(ctx, "alice")
	if a.AccrualBalance != 1 {
		t.Errorf("alice accrual = %v, want 1", a.AccrualBalance)
	}
}

// ─── Global Metrics ─────────────────────────────────────────────────────────

func TestGetMetrics_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetMetrics(context.Background())
	if !errors.Is(err, domain.ErrMetricsNotFound) {
		t.Errorf("err = %v, want ErrMetricsNotFound", err)
	}
}

func TestUpsertMetricsConfig_KeepsMarker(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertMetricsConfig(ctx, 60_000, 0.1, 0.05); err != nil {
		t.Fatal(err)
	}
	if err := db.AdvanceGlobalMarker(ctx, 0, 180_000); err != nil {
		t.Fatalf("AdvanceGlobalMarker() error: %v", err)
	}
	if err := db.UpsertMetricsConfig(ctx, 60_000, 0.2, 0.01); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.AccrualRatePerMinute != 0.2 || m.DecayRatePerMinute != 0.01 {
		t.Errorf("rates = %v/%v, want 0.2/0.01", m.AccrualRatePerMinute, m.DecayRatePerMinute)
	}
	if m.LastGlobalReconciledAt != 180_000 {
		t.Errorf("marker = %d, want 180000", m.LastGlobalReconciledAt)
	}
}

func TestAdvanceGlobalMarker_Conditional(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.UpsertMetricsConfig(ctx, 0, 0.1, 0.05)

	if err := db.AdvanceGlobalMarker(ctx, 0, 120_000); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		prev, next int64
	}{
		{"stale prev", 0, 180_000},
		{"no movement", 120_000, 120_000},
		{"backwards", 120_000, 60_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.AdvanceGlobalMarker(ctx, tt.prev, tt.next)
			if !errors.Is(err, domain.ErrConflictingUpdate) {
				t.Errorf("err = %v, want ErrConflictingUpdate", err)
			}
		})
	}

	m, _ := db.GetMetrics(ctx)
	if m.LastGlobalReconciledAt != 120_000 {
		t.Errorf("marker = %d, want 120000", m.LastGlobalReconciledAt)
	}
}

func TestAdvanceGlobalMarker_NoMetrics(t *testing.T) {
	db := newTestDB(t)
	err := db.AdvanceGlobalMarker(context.Background(), 0, 60_000)
	if !errors.Is(err, domain.ErrMetricsNotFound) {
		t.Errorf("err = %v, want ErrMetricsNotFound", err)
	}
}

// ─── History ────────────────────────────────────────────────────────────────

func TestTransferHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	recs := []domain.TransferRecord{
		{ID: "t1", FromAccountID: "alice", ToAccountID: "bob", Amount: 1, Timestamp: 1000},
		{ID: "t2", FromAccountID: "bob", ToAccountID: "alice", Amount: 2, Reason: "thanks", Timestamp: 2000},
		{ID: "t3", FromAccountID: "carol", ToAccountID: "bob", Amount: 3, Timestamp: 3000},
	}
	for _, r := range recs {
		if err := db.AppendTransfer(ctx, r); err != nil {
			t.Fatalf("AppendTransfer(%s) error: %v", r.ID, err)
		}
	}

	got, err := db.TransferHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "t2" || got[1].ID != "t1" {
		t.Errorf("order = [%s %s], want [t2 t1]", got[0].ID, got[1].ID)
	}
	if got[0].Reason != "thanks" {
		t.Errorf("Reason = %q, want thanks", got[0].Reason)
	}

	limited, _ := db.TransferHistory(ctx, "bob", 1)
	if len(limited) != 1 || limited[0].ID != "t3" {
		t.Errorf("limited = %+v, want [t3]", limited)
	}
}

func TestTransferHistory_Empty(t *testing.T) {
	db := newTestDB(t)
	got, err := db.TransferHistory(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got = %#v, want empty non-nil slice", got)
	}
}

// ─── Cycles & Error Log ─────────────────────────────────────────────────────

func TestRecordCycle_RecentCycles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i, outcome := range []domain.CycleOutcome{domain.CycleIdle, domain.CycleApplied, domain.CycleFailed} {
		err := db.RecordCycle(ctx, domain.CycleRecord{
			ID:        string(rune('a' + i)),
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			AsOf:      int64(i) * 60_000,
			Outcome:   outcome,
			Batched:   i,
			Error:     "",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.RecentCycles(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Outcome != domain.CycleFailed || got[1].Outcome != domain.CycleApplied {
		t.Errorf("outcomes = [%s %s], want [failed applied]", got[0].Outcome, got[1].Outcome)
	}
	if !got[0].StartedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("StartedAt = %v", got[0].StartedAt)
	}
}

func TestErrorLog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	id, err := db.InsertErrorLog(ctx, now, "cycle failed", "batch 0: conflict")
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Errorf("id = %d, want > 0", id)
	}
	db.InsertErrorLog(ctx, now, "second", "")

	got, err := db.RecentErrors(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Message != "second" || got[1].Details != "batch 0: conflict" {
		t.Errorf("entries = %+v", got)
	}
}
