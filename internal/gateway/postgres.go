package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/mxi-app/mxi-core/internal/apperrors"
	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/pkg/metrics"
)

type postgresGateway struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgres creates a Gateway backed by the backend's Postgres database.
func NewPostgres(db *sql.DB, log *slog.Logger) Gateway {
	if log == nil {
		log = slog.Default()
	}

	return &postgresGateway{
		db:  db,
		log: log,
	}
}

// FetchSnapshot reads the full principal record plus referral aggregates in
// one round trip.
func (g *postgresGateway) FetchSnapshot(ctx context.Context, principalID string) (*domain.Principal, error) {
	const query = `
		SELECT u.id, u.name, u.email, u.verified,
		       u.purchased_balance, u.commission_balance, u.challenge_balance, u.vesting_locked,
		       u.yield_rate_per_minute, u.accumulated_yield, u.last_yield_update,
		       u.can_withdraw, u.kyc_status, u.blocked, u.referred_by,
		       COALESCE(r.level1, 0), COALESCE(r.level2, 0), COALESCE(r.level3, 0)
		FROM users u
		LEFT JOIN LATERAL (
			SELECT count(*) FILTER (WHERE level = 1) AS level1,
			       count(*) FILTER (WHERE level = 2) AS level2,
			       count(*) FILTER (WHERE level = 3) AS level3
			FROM referrals
			WHERE referrer_id = u.id AND active
		) r ON true
		WHERE u.id = $1
	`

	row := g.db.QueryRowContext(ctx, query, principalID)

	var p domain.Principal
	var referredBy sql.NullString
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Verified,
		&p.PurchasedBalance,
		&p.CommissionBalance,
		&p.ChallengeBalance,
		&p.VestingLocked,
		&p.YieldRatePerMinute,
		&p.AccumulatedYield,
		&p.LastYieldUpdate,
		&p.CanWithdraw,
		&p.KYCStatus,
		&p.Blocked,
		&referredBy,
		&p.ReferralCounts[0],
		&p.ReferralCounts[1],
		&p.ReferralCounts[2],
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError(principalID)
		}

		g.log.Error("failed to fetch principal snapshot",
			slog.String("principal_id", principalID),
			slog.Any("error", err),
		)
		return nil, mapSQLError(err)
	}

	if referredBy.Valid {
		ref := referredBy.String
		p.ReferredBy = &ref
	}

	return &p, nil
}

// Invoke calls a named stored procedure with a jsonb argument and decodes the
// jsonb result. Business rejections raised by the procedure come back as
// validation errors with the server's message verbatim.
func (g *postgresGateway) Invoke(ctx context.Context, procedure string, args map[string]any) (Result, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid arguments: %v", err))
	}

	query := fmt.Sprintf("SELECT %s($1::jsonb)", pq.QuoteIdentifier(procedure))

	var raw []byte
	if err := g.db.QueryRowContext(ctx, query, payload).Scan(&raw); err != nil {
		mapped := mapSQLError(err)
		metrics.RecordInvocation(procedure, "error")
		g.log.Error("remote procedure failed",
			slog.String("procedure", procedure),
			slog.Any("error", err),
		)
		return nil, mapped
	}

	result, err := decodeResult(raw)
	if err != nil {
		metrics.RecordInvocation(procedure, "error")
		return nil, apperrors.NewServerError(procedure, err)
	}

	if !result.Success() {
		metrics.RecordInvocation(procedure, "rejected")
		msg := result.ErrorMessage()
		if msg == "" {
			msg = "operation rejected"
		}
		return result, apperrors.NewValidationError(msg)
	}

	metrics.RecordInvocation(procedure, "ok")
	return result, nil
}

// decodeResult parses the procedure's jsonb response. Void procedures return
// SQL NULL; that is a success with no payload, not a rejection.
func decodeResult(raw []byte) (Result, error) {
	if len(raw) == 0 {
		return Result{}, nil
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return Result{}, nil
	}

	return result, nil
}

// mapSQLError translates driver errors into the client taxonomy. Raised
// business errors (P0001) keep their message so the UI can show it verbatim.
func mapSQLError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "P0001":
			return apperrors.NewValidationError(pqErr.Message)
		case strings.HasPrefix(string(pqErr.Code), "28"):
			return apperrors.NewAuthError(err)
		case strings.HasPrefix(string(pqErr.Code), "08"):
			return apperrors.NewNetworkError(err)
		default:
			return apperrors.NewServerError(string(pqErr.Code), err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.NewNetworkError(err)
	}

	return apperrors.NewNetworkError(err)
}
