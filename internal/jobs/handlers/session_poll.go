package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/jobs"
	"github.com/mxi-app/mxi-core/internal/session"
)

// SessionSource yields the sessions a poll run should reconcile.
type SessionSource interface {
	All() []*session.Store
	Get(principalID string) *session.Store
}

// SessionPollHandler refreshes live sessions on the poll cadence. Refreshes
// go through the circuit breaker so a backend outage degrades to fast
// failures instead of piling up slow ones.
type SessionPollHandler struct {
	sessions SessionSource
	breaker  *apperrors.CircuitBreaker
	log      *slog.Logger
}

func NewSessionPollHandler(sessions SessionSource, log *slog.Logger) *SessionPollHandler {
	return &SessionPollHandler{
		sessions: sessions,
		breaker:  apperrors.NewCircuitBreaker(),
		log:      log,
	}
}

func (h *SessionPollHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.SessionPollPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		if h.log != nil {
			h.log.ErrorContext(ctx, "session poll: failed to decode payload",
				slog.Any("task_type", t.Type()),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	stores := h.resolve(payload)
	if len(stores) == 0 {
		return nil
	}

	if h.log != nil {
		h.log.InfoContext(ctx, "session poll: run started", slog.Int("sessions", len(stores)))
	}

	for _, store := range stores {
		store := store
		err := h.breaker.Call(func() error {
			result := store.BackgroundRefresh(ctx)
			if result.Success || result.Stale {
				return nil
			}
			return errors.New(result.Error)
		})

		if errors.Is(err, apperrors.ErrCircuitOpen) {
			if h.log != nil {
				h.log.WarnContext(ctx, "session poll: breaker open, run aborted")
			}
			return nil
		}
		if err != nil && h.log != nil {
			h.log.WarnContext(ctx, "session poll: refresh failed",
				slog.String("principal_id", store.PrincipalID()),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

func (h *SessionPollHandler) resolve(payload jobs.SessionPollPayload) []*session.Store {
	if h.sessions == nil {
		return nil
	}

	if len(payload.PrincipalIDs) == 0 {
		return h.sessions.All()
	}

	stores := make([]*session.Store, 0, len(payload.PrincipalIDs))
	for _, id := range payload.PrincipalIDs {
		if store := h.sessions.Get(id); store != nil {
			stores = append(stores, store)
		}
	}

	return stores
}
