// Package api provides the HTTP server for karmic: account and transfer
// endpoints, manual reconciliation, the live balance feed and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karmic-network/karmic/internal/app/accounts"
	"github.com/karmic-network/karmic/internal/app/reconcile"
	"github.com/karmic-network/karmic/internal/app/transfer"
	"github.com/karmic-network/karmic/internal/domain"
	"github.com/karmic-network/karmic/internal/infra/notify"
	"github.com/karmic-network/karmic/internal/infra/observability"
)

// Version is reported by GET /api/version. Overridden at build time.
var Version = "0.1.0"

// CycleReader lists recorded reconciliation cycles.
type CycleReader interface {
	RecentCycles(ctx context.Context, limit int) ([]domain.CycleRecord, error)
}

// Server is the karmic HTTP API server.
type Server struct {
	accounts   *accounts.Service
	transfers  *transfer.Engine
	reconciler *reconcile.Reconciler
	metrics    domain.MetricsStore
	cycles     CycleReader
	hub        *notify.Hub
	tracer     *observability.Tracer
	logger     *slog.Logger

	metricsEnabled bool
}

// Deps are the services the server exposes.
type Deps struct {
	Accounts   *accounts.Service
	Transfers  *transfer.Engine
	Reconciler *reconcile.Reconciler
	Metrics    domain.MetricsStore
	Cycles     CycleReader
	Hub        *notify.Hub
	Tracer     *observability.Tracer
	Logger     *slog.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		accounts:   deps.Accounts,
		transfers:  deps.Transfers,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		cycles:     deps.Cycles,
		hub:        deps.Hub,
		tracer:     deps.Tracer,
		logger:     logger.With("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	// Request/response routes get a timeout; the live feed must not.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
			r.Get("/{id}", s.handleGetAccount)
			r.Post("/{id}/catch-up", s.handleCatchUp)
			r.Get("/{id}/transfers", s.handleHistory)
		})

		r.Post("/api/transfers", s.handleTransfer)
		r.Get("/api/stats/metrics", s.handleGetMetrics)

		r.Route("/api/reconcile", func(r chi.Router) {
			r.Post("/", s.handleReconcile)
			r.Get("/cycles", s.handleListCycles)
		})

		r.Get("/api/traces", s.handleTraces)
	})

	if s.hub != nil {
		r.Get("/api/balances/live", s.hub.HandleSSE)
	}

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    code,
		},
	})
}

// writeDomainError maps a service error to its HTTP status.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, domain.ErrMetricsNotFound):
		return http.StatusNotFound, "metrics_not_found"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, domain.ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, domain.ErrReasonTooLong):
		return http.StatusBadRequest, "reason_too_long"
	case errors.Is(err, accounts.ErrInvalidID):
		return http.StatusBadRequest, "invalid_id"
	case errors.Is(err, domain.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, domain.ErrConflictingUpdate):
		return http.StatusConflict, "conflicting_update"
	case errors.Is(err, domain.ErrBatchCommitFailure):
		return http.StatusInternalServerError, "batch_commit_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// corsMiddleware adds CORS headers for browser clients of the live feed.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
