package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/karmic-network/karmic/internal/app/transfer"
)

// ─── Accounts ───────────────────────────────────────────────────────────────
//
// GET  /api/accounts                  all accounts
// POST /api/accounts                  create {"id"}
// GET  /api/accounts/{id}             one account
// POST /api/accounts/{id}/catch-up    reconcile one account now
// GET  /api/accounts/{id}/transfers   recent transfers (?limit=, default 10)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.accounts.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accts,
		"count":    len(accts),
	})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := s.accounts.Create(r.Context(), body.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.CatchUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.accounts.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": recs,
	})
}

// ─── Transfers ──────────────────────────────────────────────────────────────

// POST /api/transfers {"from","to","amount","reason"}
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	res, err := s.transfers.Transfer(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"record":   res.Record,
		"from":     res.From,
		"to":       res.To,
		"attempts": res.Attempts,
	}
	if res.AuditErr != nil {
		resp["audit_warning"] = res.AuditErr.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

// GET /api/stats/metrics
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.metrics.GetMetrics(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// POST /api/reconcile runs one cycle now.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reconciler.RunCycle(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/reconcile/cycles?limit=
func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	cycles, err := s.cycles.RecentCycles(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycles": cycles,
	})
}

// GET /api/traces?limit=
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	spans := s.tracer.Spans(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"spans": spans,
		"count": len(spans),
	})
}

// queryLimit parses ?limit=. Missing means 0 (the store default).
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
