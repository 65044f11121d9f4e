// Package api exposes the daemon's small operational HTTP surface: session
// lifecycle, per-session actions, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mxi-app/mxi-core/internal/health"
	"github.com/mxi-app/mxi-core/internal/jobs"
	"github.com/mxi-app/mxi-core/internal/lifecycle"
	"github.com/mxi-app/mxi-core/internal/registry"
	"github.com/mxi-app/mxi-core/internal/session"
	"github.com/mxi-app/mxi-core/pkg/logger"
)

// SessionFactory builds and starts a session store for a principal.
type SessionFactory func(ctx context.Context, principalID string) (*session.Store, error)

// Server routes admin requests onto the session registry.
type Server struct {
	sessions *registry.Registry
	factory  SessionFactory
	checker  *health.Checker
	probes   lifecycle.HealthChecker
	queue    jobs.Manager
	log      *slog.Logger
}

// NewServer builds the API server. factory is called to open a session on
// POST /v1/sessions/{id}; queue may be nil, which disables forced polls.
func NewServer(
	sessions *registry.Registry,
	factory SessionFactory,
	checker *health.Checker,
	probes lifecycle.HealthChecker,
	queue jobs.Manager,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		sessions: sessions,
		factory:  factory,
		checker:  checker,
		probes:   probes,
		queue:    queue,
		log:      log,
	}
}

// Handler returns the fully wired mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, Instrument(pattern, s.log, h))
	}

	route("POST /v1/sessions/{id}", s.openSession)
	route("DELETE /v1/sessions/{id}", s.closeSession)
	route("GET /v1/sessions/{id}", s.sessionState)
	route("POST /v1/sessions/{id}/refresh", s.refreshSession)
	route("POST /v1/sessions/{id}/claim-yield", s.claimYield)
	route("POST /v1/sessions/{id}/withdrawals", s.requestWithdrawal)
	route("POST /v1/poll", s.forcePoll)

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.HandleFunc("GET /livez", s.livez)
	mux.Handle("GET /metrics", promhttp.Handler())

	return logger.Middleware(mux)
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("id")
	if principalID == "" {
		writeError(w, http.StatusBadRequest, "missing principal id")
		return
	}

	if existing := s.sessions.Get(principalID); existing != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_open"})
		return
	}

	store, err := s.factory(r.Context(), principalID)
	if err != nil {
		s.log.Error("failed to open session",
			slog.String("principal_id", principalID),
			slog.Any("error", err),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.sessions.Add(store)
	writeJSON(w, http.StatusCreated, map[string]any{"status": "open"})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}

	result := store.Logout(r.Context())
	s.sessions.Remove(store.PrincipalID())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}

	snapshot := store.Snapshot()
	if snapshot == nil {
		writeError(w, http.StatusConflict, "session has no snapshot yet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"principal":     snapshot,
		"live_yield":    store.LiveYield(),
		"total_balance": store.TotalBalance(),
		"connected":     store.Connected(),
		"stale":         store.Stale(),
		"last_update":   store.LastUpdate(),
		"epoch":         store.Epoch(),
	})
}

func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}

	writeResult(w, store.Refresh(r.Context()))
}

func (s *Server) claimYield(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}

	writeResult(w, store.ClaimYield(r.Context()))
}

type withdrawalRequest struct {
	Amount      float64 `json:"amount"`
	Destination string  `json:"destination"`
}

func (s *Server) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	writeResult(w, store.RequestWithdrawal(r.Context(), req.Amount, req.Destination))
}

// forcePoll enqueues an immediate reconciliation sweep across every live
// session, outside the scheduled cadence.
func (s *Server) forcePoll(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue not configured")
		return
	}

	if err := s.queue.EnqueueSessionPoll(r.Context(), nil); err != nil {
		s.log.Error("failed to enqueue poll", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "could not enqueue poll")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

// healthz returns per-component diagnostics; readyz and livez are the
// binary probes orchestrators poll.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	results := s.checker.Check(r.Context())

	status := http.StatusOK
	for _, state := range results {
		if state != "OK" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, results)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.probes.Readiness(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) livez(w http.ResponseWriter, r *http.Request) {
	if err := s.probes.Liveness(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Store, bool) {
	store := s.sessions.Get(r.PathValue("id"))
	if store == nil {
		writeError(w, http.StatusNotFound, "no session for principal")
		return nil, false
	}

	return store, true
}

func writeResult(w http.ResponseWriter, result session.ActionResult) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
