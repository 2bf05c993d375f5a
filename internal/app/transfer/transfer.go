// Package transfer moves accrual from one account into another account's
// reputation.
//
// A transfer is validated, then applied as one conditional two-account
// write. Losing a race to a concurrent writer re-reads both accounts and
// tries again, up to MaxAttempts. After commit the transfer is appended to
// the audit log and both accounts are published. The audit append is
// best-effort: its failure is reported on the result and never undoes the
// balance change.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/observability"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// Request is one transfer instruction.
type Request struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

// Result is a committed transfer.
type Result struct {
	Record   domain.TransferRecord `json:"record"`
	From     domain.AccountBalance `json:"from"`
	To       domain.AccountBalance `json:"to"`
	Attempts int                   `json:"attempts"`

	// AuditErr is set when the audit record could not be appended. It wraps
	// domain.ErrAuditLogFailure. The transfer itself still stands.
	AuditErr error `json:"-"`
}

// Deps are the engine's collaborators. Accounts and Audit are required.
type Deps struct {
	Accounts  domain.AccountStore
	Audit     domain.AuditLog
	Publisher domain.Publisher
	Reporter  domain.ErrorReporter
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Engine executes transfers.
type Engine struct {
	accounts  domain.AccountStore
	audit     domain.AuditLog
	publisher domain.Publisher
	reporter  domain.ErrorReporter
	tracer    *observability.Tracer
	logger    *slog.Logger

	cfg   Config
	now   func() time.Time
	newID func() string
}

// New creates a transfer engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accounts:  deps.Accounts,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		reporter:  deps.Reporter,
		tracer:    deps.Tracer,
		logger:    logger.With("component", "transfer"),
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Transfer validates and applies req. Precondition failures return before
// any write. A conflict that persists across MaxAttempts returns
// domain.ErrConflictingUpdate.
func (e *Engine) Transfer(ctx context.Context, req Request) (_ *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "transfer")
	defer func() {
		observability.TransfersTotal.WithLabelValues(outcome(err)).Inc()
		e.tracer.End(span, err)
	}()

	req, err = normalize(req)
	if err != nil {
		return nil, err
	}
	span.SetAttr("from", req.From)
	span.SetAttr("to", req.To)
	span.SetAttr("amount", strconv.FormatFloat(req.Amount, 'f', -1, 64))

	var from, to *domain.Account
	attempt := 0
	for {
		attempt++
		from, to, err = e.attempt(ctx, req)
		if err == nil {
			break
		}
		if !domain.IsRetryable(err) || attempt >= e.cfg.MaxAttempts {
			return nil, err
		}
		observability.TransferRetries.Inc()
		e.logger.Debug("transfer conflict, retrying", "from", req.From, "to", req.To, "attempt", attempt)
	}
	observability.TransferAmount.Observe(req.Amount)

	res := &Result{
		Record: domain.TransferRecord{
			ID:            e.newID(),
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        req.Amount,
			Reason:        req.Reason,
			Timestamp:     e.now().UnixMilli(),
		},
		From:     from.Snapshot(),
		To:       to.Snapshot(),
		Attempts: attempt,
	}

	if aerr := e.audit.AppendTransfer(context.WithoutCancel(ctx), res.Record); aerr != nil {
		res.AuditErr = fmt.Errorf("%w: %w", domain.ErrAuditLogFailure, aerr)
		observability.AuditFailures.Inc()
		if e.reporter != nil {
			e.reporter.Report(ctx, "transfer audit append failed for "+res.Record.ID, res.AuditErr)
		} else {
			e.logger.Error("transfer audit append failed", "id", res.Record.ID, "err", aerr)
		}
	}

	e.logger.Info("transfer committed",
		"id", res.Record.ID,
		"from", from.ID,
		"to", to.ID,
		"amount", req.Amount,
		"attempts", attempt,
	)

	if e.publisher != nil {
		e.publisher.Publish(domain.BalanceUpdate{
			Source:   domain.SourceTransfer,
			AsOf:     res.Record.Timestamp,
			Accounts: []domain.AccountBalance{res.From, res.To},
		})
	}
	return res, nil
}

// attempt reads both accounts fresh, checks the balance and applies the
// conditional write.
func (e *Engine) attempt(ctx context.Context, req Request) (*domain.Account, *domain.Account, error) {
	from, err := e.accounts.GetAccount(ctx, req.From)
	if err != nil {
		return nil, nil, err
	}
	to, err := e.accounts.GetAccount(ctx, req.To)
	if err != nil {
		return nil, nil, err
	}
	if from.AccrualBalance < req.Amount {
		return nil, nil, fmt.Errorf("%s has %.4f, needs %.4f: %w",
			from.ID, from.AccrualBalance, req.Amount, domain.ErrInsufficientBalance)
	}
	return e.accounts.ApplyTransfer(ctx, domain.TransferWrite{
		FromID:      from.ID,
		FromVersion: from.Version,
		ToID:        to.ID,
		ToVersion:   to.Version,
		Amount:      req.Amount,
	})
}

// normalize checks the preconditions that need no store access.
func normalize(req Request) (Request, error) {
	req.From = domain.NormalizeAccountID(req.From)
	req.To = domain.NormalizeAccountID(req.To)

	if req.From == req.To {
		return req, domain.ErrSelfTransfer
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return req, domain.ErrInvalidAmount
	}
	req.Amount = domain.RoundBalance(req.Amount)
	if req.Amount <= 0 {
		return req, domain.ErrInvalidAmount
	}
	if !domain.ValidReason(req.Reason) {
		return req, fmt.Errorf("%d runes: %w", len([]rune(req.Reason)), domain.ErrReasonTooLong)
	}
	return req, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrConflictingUpdate):
		return "conflict"
	case errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrReasonTooLong),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrAccountNotFound):
		return "rejected"
	default:
		return "error"
	}
}
