// Package gateway abstracts the MXI backend of record: snapshot reads and
// named remote procedure invocations. It holds no state of its own.
package gateway

import (
	"context"

	"github.com/mxi-app/mxi-core/internal/domain"
)

// Stored procedures exposed by the backend. The gateway invokes them by name;
// their logic lives server-side.
const (
	ProcClaimYield         = "claim_yield"
	ProcRequestWithdrawal  = "request_mxi_withdrawal"
	ProcCheckEligibility   = "check_mxi_withdrawal_eligibility"
	ProcProcessCommissions = "process_referral_commissions"
	ProcUnifyCommission    = "unify_commission_to_mxi"
	ProcGetPhaseInfo       = "get_phase_info"
	ProcLinkReferral       = "link_referral"
	ProcUpdateProfileField = "update_profile_field"
)

// Result is the decoded response of a remote procedure, conventionally
// shaped {"success": bool, ...}.
type Result map[string]any

// Success reports the procedure's own success flag. Absent flag counts as
// success: query-style procedures return plain data.
func (r Result) Success() bool {
	if r == nil {
		return false
	}

	flag, ok := r["success"]
	if !ok {
		return true
	}

	b, _ := flag.(bool)
	return b
}

// ErrorMessage returns the procedure-reported error text, if any.
func (r Result) ErrorMessage() string {
	if r == nil {
		return ""
	}

	msg, _ := r["error"].(string)
	return msg
}

// Gateway performs full snapshot fetches and remote procedure invocations.
//
// FetchSnapshot is idempotent and may be retried by callers. Invoke must
// never be silently retried for mutating procedures; failures are surfaced
// verbatim.
type Gateway interface {
	FetchSnapshot(ctx context.Context, principalID string) (*domain.Principal, error)
	Invoke(ctx context.Context, procedure string, args map[string]any) (Result, error)
}
