// Package accounts creates and reads accounts.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/accrual"
)

// ErrInvalidID is returned for an empty account ID.
var ErrInvalidID = errors.New("account id must not be empty")

// Service wraps the account store and audit log.
type Service struct {
	store  domain.AccountStore
	audit  domain.AuditLog
	logger *slog.Logger
	now    func() time.Time
}

// New creates an account service.
func New(store domain.AccountStore, audit domain.AuditLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		audit:  audit,
		logger: logger.With("component", "accounts"),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create registers a new account with zero balances. Its marker starts at
// the current minute, so it accrues nothing for time before it existed.
func (s *Service) Create(ctx context.Context, id string) (*domain.Account, error) {
	id = domain.NormalizeAccountID(id)
	if id == "" {
		return nil, ErrInvalidID
	}
	now := s.now()
	a := domain.Account{
		ID:               id,
		LastReconciledAt: accrual.RoundToMinute(now.UnixMilli()),
		CreatedAt:        now.UTC(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("account created", "account", id)
	return &a, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (*domain.Account, error) {
	id = domain.NormalizeAccountID(id)
	if id == "" {
		return nil, ErrInvalidID
	}
	return s.store.GetAccount(ctx, id)
}

// List returns every account.
func (s *Service) List(ctx context.Context) ([]domain.Account, error) {
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if accts == nil {
		accts = []domain.Account{}
	}
	return accts, nil
}

// History returns the account's recent transfers, newest first. The account
// must exist.
func (s *Service) History(ctx context.Context, id string, limit int) ([]domain.TransferRecord, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.audit.TransferHistory(ctx, a.ID, limit)
}
