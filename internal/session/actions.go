package session

import (
	"context"
	"errors"
	"log/slog"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/internal/gateway"
	"github.com/mxi-app/mxi-core/internal/idempotency"
	"github.com/mxi-app/mxi-core/internal/ratelimit"
	"github.com/mxi-app/mxi-core/internal/refresh"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ClaimYield invokes the yield-claim procedure. The claim is never retried;
// a success re-syncs the snapshot so the reset accumulated yield lands.
func (s *Store) ClaimYield(ctx context.Context) ActionResult {
	_, err := s.deps.Gateway.Invoke(ctx, gateway.ProcClaimYield, map[string]any{
		"user_id": s.principalID,
	})
	if err != nil {
		return s.failResult(ctx, err)
	}

	s.resyncAfter(ctx, "claim")
	return okResult()
}

// RequestWithdrawal submits a withdrawal. Client-side preflight rejects
// obviously ineligible requests before the backend sees them; the backend
// remains authoritative. The procedure is invoked at most once per identical
// request within the idempotency window, and a failure is surfaced verbatim
// with no automatic retry.
func (s *Store) RequestWithdrawal(ctx context.Context, amount float64, destination string) ActionResult {
	if amount <= 0 {
		return ActionResult{Success: false, Error: "el monto debe ser mayor que cero"}
	}
	if err := validate.Var(destination, "required,printascii,min=6"); err != nil {
		return ActionResult{Success: false, Error: "dirección de retiro inválida"}
	}

	if res := s.preflightWithdrawal(); !res.Success {
		return res
	}

	if res := s.checkLimit(ctx, ratelimit.ActionWithdrawal); !res.Success {
		return res
	}

	invoke := func(ctx context.Context) (interface{}, error) {
		return s.deps.Gateway.Invoke(ctx, gateway.ProcRequestWithdrawal, map[string]any{
			"user_id":     s.principalID,
			"amount":      amount,
			"destination": destination,
			"request_id":  uuid.NewString(),
		})
	}

	var err error
	if s.deps.Idempotency != nil {
		key := idempotency.WithdrawalKey(s.principalID, amount, destination)
		var res *idempotency.Result
		res, err = s.deps.Idempotency.Execute(ctx, key, s.cfg.WithdrawalRecordTTL, invoke)
		if err == nil && res != nil && res.FromCache {
			s.log.Info("duplicate withdrawal suppressed",
				slog.Float64("amount", amount),
			)
			return okResult()
		}
	} else {
		_, err = invoke(ctx)
	}

	if errors.Is(err, idempotency.ErrRequestInProgress) {
		return ActionResult{Success: false, Error: "ya hay un retiro idéntico en proceso"}
	}
	if err != nil {
		return s.failResult(ctx, err)
	}

	s.resyncAfter(ctx, "withdrawal")
	return okResult()
}

func (s *Store) preflightWithdrawal() ActionResult {
	snapshot := s.Snapshot()
	if snapshot == nil {
		return ActionResult{Success: false, Error: "sesión no iniciada"}
	}

	switch {
	case snapshot.Blocked:
		return ActionResult{Success: false, Error: "cuenta bloqueada"}
	case !snapshot.CanWithdraw:
		return ActionResult{Success: false, Error: "retiros no disponibles para esta cuenta"}
	case snapshot.KYCStatus != domain.KYCApproved:
		return ActionResult{Success: false, Error: "verificación KYC pendiente"}
	}

	return okResult()
}

// UpdateField changes one profile field server-side and re-syncs.
func (s *Store) UpdateField(ctx context.Context, field, value string) ActionResult {
	if field == "" {
		return ActionResult{Success: false, Error: "campo requerido"}
	}

	_, err := s.deps.Gateway.Invoke(ctx, gateway.ProcUpdateProfileField, map[string]any{
		"user_id": s.principalID,
		"field":   field,
		"value":   value,
	})
	if err != nil {
		return s.failResult(ctx, err)
	}

	s.resyncAfter(ctx, "profile_update")
	return okResult()
}

// LinkReferral attaches this principal to a referrer's chain.
func (s *Store) LinkReferral(ctx context.Context, referralCode string) ActionResult {
	if referralCode == "" {
		return ActionResult{Success: false, Error: "código de referido requerido"}
	}

	_, err := s.deps.Gateway.Invoke(ctx, gateway.ProcLinkReferral, map[string]any{
		"user_id": s.principalID,
		"code":    referralCode,
	})
	if err != nil {
		return s.failResult(ctx, err)
	}

	s.resyncAfter(ctx, "referral_link")
	return okResult()
}

// ProcessCommissions asks the backend to settle any pending referral
// commissions for this principal's chain.
func (s *Store) ProcessCommissions(ctx context.Context) ActionResult {
	_, err := s.deps.Gateway.Invoke(ctx, gateway.ProcProcessCommissions, map[string]any{
		"user_id": s.principalID,
	})
	if err != nil {
		return s.failResult(ctx, err)
	}

	s.resyncAfter(ctx, "commissions")
	return okResult()
}

// UnifyCommission converts the commission-derived balance into purchased
// balance via the backend procedure.
func (s *Store) UnifyCommission(ctx context.Context) ActionResult {
	_, err := s.deps.Gateway.Invoke(ctx, gateway.ProcUnifyCommission, map[string]any{
		"user_id": s.principalID,
	})
	if err != nil {
		return s.failResult(ctx, err)
	}

	s.resyncAfter(ctx, "unify_commission")
	return okResult()
}

// CheckWithdrawalEligibility asks the backend whether a withdrawal would be
// accepted right now. Read-only, so retried on transient failures.
func (s *Store) CheckWithdrawalEligibility(ctx context.Context) (gateway.Result, error) {
	return s.invokeQuery(ctx, gateway.ProcCheckEligibility, map[string]any{
		"user_id": s.principalID,
	})
}

// PhaseInfo returns the current token-sale phase and pricing. Read-only,
// retried on transient failures.
func (s *Store) PhaseInfo(ctx context.Context) (gateway.Result, error) {
	return s.invokeQuery(ctx, gateway.ProcGetPhaseInfo, nil)
}

// invokeQuery wraps idempotent read procedures in silent retry.
func (s *Store) invokeQuery(ctx context.Context, procedure string, args map[string]any) (gateway.Result, error) {
	var result gateway.Result
	err := apperrors.WithRetry(ctx, func() error {
		var invokeErr error
		result, invokeErr = s.deps.Gateway.Invoke(ctx, procedure, args)
		return invokeErr
	})

	return result, err
}

// resyncAfter refreshes the snapshot after a mutation. A refresh already in
// flight will pick the mutation up; anything else is logged, not surfaced,
// because the mutation itself succeeded.
func (s *Store) resyncAfter(ctx context.Context, trigger string) {
	outcome := s.coordinator.Refresh(ctx, trigger)
	if outcome.Err != nil && !errors.Is(outcome.Err, refresh.ErrRefreshInFlight) {
		s.log.Warn("post-action refresh failed",
			slog.String("trigger", trigger),
			slog.Any("error", outcome.Err),
		)
	}
}
