package reconcile

import (
	"context"
	"fmt"

	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/accrual"
)

// CatchUpResult describes one single-account catch-up.
type CatchUpResult struct {
	Account *domain.Account `json:"account"`
	Elapsed int64           `json:"elapsed_minutes"`
	Applied bool            `json:"applied"`
}

// CatchUp recomputes one account from its own marker up to now and publishes
// the result. An account at most one minute behind is left unchanged.
func (r *Reconciler) CatchUp(ctx context.Context, id string) (_ *CatchUpResult, err error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.catch_up")
	defer func() { r.tracer.End(span, err) }()

	id = domain.NormalizeAccountID(id)
	span.SetAttr("account", id)

	m, err := r.metrics.GetMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("read global metrics: %w", err)
	}
	a, err := r.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	asOf := accrual.RoundToMinute(r.now().UnixMilli())
	res, err := r.catchUp(ctx, a, m, asOf)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		r.logger.Info("account caught up", "account", id, "elapsed_minutes", res.Elapsed)
		if r.publisher != nil {
			r.publisher.Publish(domain.BalanceUpdate{
				Source:   domain.SourceCatchUp,
				AsOf:     asOf,
				Accounts: []domain.AccountBalance{res.Account.Snapshot()},
			})
		}
	}
	return res, nil
}

// catchUp applies the formula for the account-local window and writes it
// with one conditional update. It does not publish.
func (r *Reconciler) catchUp(ctx context.Context, a *domain.Account, m *domain.GlobalMetrics, asOf int64) (*CatchUpResult, error) {
	elapsed := accrual.ElapsedMinutes(max(a.LastReconciledAt, m.ProgramStart), asOf)
	if elapsed <= 1 {
		return &CatchUpResult{Account: a, Elapsed: elapsed}, nil
	}

	next := accrual.Reconcile(a.Balance(), accrual.RatesFrom(m), elapsed)
	err := r.accounts.UpdateBalances(ctx, domain.BalanceWrite{
		AccountID:        a.ID,
		ExpectedVersion:  a.Version,
		Balance:          next,
		LastReconciledAt: asOf,
	})
	if err != nil {
		return nil, fmt.Errorf("catch-up %s: %w", a.ID, err)
	}

	updated := *a
	updated.AccrualBalance = next.Accrual
	updated.ReputationBalance = next.Reputation
	updated.LastReconciledAt = asOf
	updated.Version++
	return &CatchUpResult{Account: &updated, Elapsed: elapsed, Applied: true}, nil
}
