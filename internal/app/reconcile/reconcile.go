// Package reconcile applies accrual and decay to every account.
//
// A cycle runs against the global marker (the last time a full cycle
// committed). Accounts whose own marker lags behind the global one missed an
// earlier cycle and are recomputed individually from their own marker
// (catch-up). Everyone else is batched with the cycle's elapsed window.
//
// The cycle:
//  1. Reads the global metrics; a future program start is a no-op
//  2. Computes the elapsed window since the marker; under a minute is a no-op
//  3. Classifies each account as behind, in sync or current
//  4. Runs catch-ups for behind accounts with bounded concurrency
//  5. Commits in-sync writes in all-or-nothing batches
//  6. Advances the global marker once every batch has committed
//  7. Publishes the touched accounts
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/accrual"
	"github.com/karmic-network/karmic/internal/infra/observability"
)

// MaxBatchSize is the store's transaction item limit.
const MaxBatchSize = 25

// CycleLog persists cycle summaries.
type CycleLog interface {
	RecordCycle(ctx context.Context, c domain.CycleRecord) error
}

// Config controls cycle behavior.
type Config struct {
	Interval           time.Duration
	BatchSize          int
	CatchUpConcurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		BatchSize:          MaxBatchSize,
		CatchUpConcurrency: 4,
	}
}

// Deps are the collaborators a Reconciler needs. Accounts and Metrics are
// required; the rest may be nil.
type Deps struct {
	Accounts  domain.AccountStore
	Metrics   domain.MetricsStore
	Publisher domain.Publisher
	Cycles    CycleLog
	Reporter  domain.ErrorReporter
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Reconciler runs reconciliation cycles and single-account catch-ups.
type Reconciler struct {
	accounts  domain.AccountStore
	metrics   domain.MetricsStore
	publisher domain.Publisher
	cycles    CycleLog
	reporter  domain.ErrorReporter
	tracer    *observability.Tracer
	logger    *slog.Logger

	cfg Config
	now func() time.Time
	ids *idSource
}

// New creates a reconciler.
func New(cfg Config, deps Deps) *Reconciler {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.CatchUpConcurrency <= 0 {
		cfg.CatchUpConcurrency = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		accounts:  deps.Accounts,
		metrics:   deps.Metrics,
		publisher: deps.Publisher,
		cycles:    deps.Cycles,
		reporter:  deps.Reporter,
		tracer:    deps.Tracer,
		logger:    logger.With("component", "reconcile"),
		cfg:       cfg,
		now:       time.Now,
		ids:       newIDSource(),
	}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// ─── Classification ─────────────────────────────────────────────────────────

// State is an account's reconciliation state relative to a cycle.
type State int

const (
	// InSync accounts sit on the global marker and take the batch path.
	InSync State = iota
	// Behind accounts missed an earlier cycle and take the catch-up path.
	Behind
	// Current accounts were already reconciled past the marker (a partial
	// cycle, a direct catch-up, or created after it) and are skipped.
	Current
)

func (s State) String() string {
	switch s {
	case Behind:
		return "behind"
	case Current:
		return "current"
	default:
		return "in_sync"
	}
}

// Classify decides the path for one account. For InSync accounts it also
// returns the window in minutes the batch write applies.
func Classify(lastReconciledAt int64, m *domain.GlobalMetrics, asOf int64) (State, int64) {
	marker := m.Marker()
	base := max(lastReconciledAt, m.ProgramStart)
	if accrual.ElapsedMinutes(base, marker) >= 1 {
		return Behind, 0
	}
	window := accrual.ElapsedMinutes(max(lastReconciledAt, marker), asOf)
	if window < 1 {
		return Current, 0
	}
	return InSync, window
}

// ─── Cycle ──────────────────────────────────────────────────────────────────

// RunCycle executes one reconciliation cycle. A pending or idle cycle returns
// a record and a nil error. A batch failure returns a *domain.BatchError;
// batches committed before it stay committed and the marker is not advanced.
func (r *Reconciler) RunCycle(ctx context.Context) (rec *domain.CycleRecord, err error) {
	wall := time.Now()
	started := r.now()
	ctx, span := r.tracer.Start(ctx, "reconcile.cycle")
	rec = &domain.CycleRecord{ID: r.ids.next(started), StartedAt: started.UTC()}

	defer func() {
		observability.CycleDuration.Observe(time.Since(wall).Seconds())
		observability.CyclesTotal.WithLabelValues(string(rec.Outcome)).Inc()
		span.SetAttr("outcome", string(rec.Outcome))
		r.tracer.End(span, err)
	}()

	m, err := r.metrics.GetMetrics(ctx)
	if err != nil {
		rec.Outcome = domain.CycleFailed
		rec.Error = err.Error()
		r.record(ctx, rec)
		r.report(ctx, "read global metrics failed", err)
		return rec, fmt.Errorf("read global metrics: %w", err)
	}

	asOf := accrual.RoundToMinute(started.UnixMilli())
	rec.AsOf = asOf
	span.SetAttr("as_of", strconv.FormatInt(asOf, 10))

	if asOf < m.ProgramStart {
		rec.Outcome = domain.CyclePending
		rec.Error = domain.ErrConfigurationPending.Error()
		r.logger.Debug("program start in the future", "program_start", m.ProgramStart, "as_of", asOf)
		return rec, nil
	}

	marker := m.Marker()
	rec.Elapsed = accrual.ElapsedMinutes(marker, asOf)
	if rec.Elapsed < 1 {
		rec.Outcome = domain.CycleIdle
		return rec, nil
	}

	accounts, err := r.accounts.ListAccounts(ctx)
	if err != nil {
		rec.Outcome = domain.CycleFailed
		rec.Error = err.Error()
		r.record(ctx, rec)
		r.report(ctx, "list accounts failed", err)
		return rec, fmt.Errorf("list accounts: %w", err)
	}

	rates := accrual.RatesFrom(m)
	var writes []domain.BalanceWrite
	var batched []domain.AccountBalance
	var behind []domain.Account

	for _, a := range accounts {
		state, window := Classify(a.LastReconciledAt, m, asOf)
		switch state {
		case Behind:
			behind = append(behind, a)
		case Current:
			rec.Skipped++
		case InSync:
			next := accrual.Reconcile(a.Balance(), rates, window)
			writes = append(writes, domain.BalanceWrite{
				AccountID:        a.ID,
				ExpectedVersion:  a.Version,
				Balance:          next,
				LastReconciledAt: asOf,
			})
			batched = append(batched, domain.AccountBalance{
				ID:                a.ID,
				AccrualBalance:    next.Accrual,
				ReputationBalance: next.Reputation,
				LastReconciledAt:  asOf,
			})
		}
	}
	observability.AccountsReconciled.WithLabelValues("skipped").Add(float64(rec.Skipped))

	caughtUp := r.catchUpAll(ctx, behind, m, asOf, rec)

	committed, err := r.commit(ctx, writes)
	rec.BatchesCommitted = committed
	rec.Batched = min(committed*r.cfg.BatchSize, len(writes))
	observability.AccountsReconciled.WithLabelValues("batched").Add(float64(rec.Batched))
	touched := append(caughtUp, batched[:rec.Batched]...)

	if err != nil {
		rec.Outcome = domain.CycleFailed
		rec.Error = err.Error()
		r.record(ctx, rec)
		r.report(ctx, "reconciliation batch commit failed", err)
		if len(touched) > 0 && r.publisher != nil {
			r.publisher.Publish(domain.BalanceUpdate{Source: domain.SourceReconcile, AsOf: asOf, Accounts: touched})
		}
		return rec, err
	}

	if err := r.metrics.AdvanceGlobalMarker(ctx, m.LastGlobalReconciledAt, asOf); err != nil {
		if !errors.Is(err, domain.ErrConflictingUpdate) {
			rec.Outcome = domain.CycleFailed
			rec.Error = err.Error()
			r.record(ctx, rec)
			r.report(ctx, "advance global marker failed", err)
			return rec, fmt.Errorf("advance global marker: %w", err)
		}
		// An overlapping cycle already moved the marker.
		r.logger.Warn("global marker advanced concurrently", "prev", m.LastGlobalReconciledAt, "as_of", asOf)
	} else {
		observability.GlobalMarker.Set(float64(asOf))
	}

	rec.Outcome = domain.CycleApplied
	r.record(ctx, rec)
	r.logger.Info("cycle applied",
		"as_of", asOf,
		"elapsed_minutes", rec.Elapsed,
		"batched", rec.Batched,
		"caught_up", rec.CaughtUp,
		"catch_up_failed", rec.CatchUpFailed,
		"skipped", rec.Skipped,
	)

	if r.publisher != nil {
		r.publisher.PublishCycle(domain.BalanceUpdate{Source: domain.SourceReconcile, AsOf: asOf, Accounts: touched})
	}
	return rec, nil
}

// commit writes the queued updates in groups of BatchSize and returns how
// many groups committed before the first failure.
func (r *Reconciler) commit(ctx context.Context, writes []domain.BalanceWrite) (int, error) {
	committed := 0
	for offset := 0; offset < len(writes); offset += r.cfg.BatchSize {
		end := min(offset+r.cfg.BatchSize, len(writes))
		group := writes[offset:end]

		bctx, span := r.tracer.Start(ctx, "reconcile.batch")
		span.SetAttr("size", strconv.Itoa(len(group)))
		err := r.accounts.CommitBatch(bctx, group)
		r.tracer.End(span, err)
		if err != nil {
			observability.BatchFailures.Inc()
			return committed, &domain.BatchError{Index: committed, Offset: offset, Size: len(group), Err: err}
		}
		committed++
	}
	return committed, nil
}

// catchUpAll recomputes behind accounts with bounded concurrency. Failures
// are counted on rec and reported; they never abort the cycle.
func (r *Reconciler) catchUpAll(ctx context.Context, behind []domain.Account, m *domain.GlobalMetrics, asOf int64, rec *domain.CycleRecord) []domain.AccountBalance {
	if len(behind) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		touched []domain.AccountBalance
		sem     = make(chan struct{}, r.cfg.CatchUpConcurrency)
	)
	for i := range behind {
		a := behind[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := r.catchUp(ctx, &a, m, asOf)
			if err != nil {
				mu.Lock()
				rec.CatchUpFailed++
				mu.Unlock()
				observability.CatchUpFailures.Inc()
				// Report outside the lock; it can block on the webhook.
				r.report(ctx, "catch-up failed for "+a.ID, err)
				return
			}
			if res.Applied {
				mu.Lock()
				rec.CaughtUp++
				touched = append(touched, res.Account.Snapshot())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	observability.AccountsReconciled.WithLabelValues("catch_up").Add(float64(rec.CaughtUp))
	return touched
}

func (r *Reconciler) record(ctx context.Context, rec *domain.CycleRecord) {
	if r.cycles == nil {
		return
	}
	if err := r.cycles.RecordCycle(context.WithoutCancel(ctx), *rec); err != nil {
		r.logger.Warn("record cycle", "id", rec.ID, "err", err)
	}
}

func (r *Reconciler) report(ctx context.Context, message string, err error) {
	if r.reporter != nil {
		r.reporter.Report(ctx, message, err)
		return
	}
	r.logger.Error(message, "err", err)
}
