package domain

import "time"

// KYCStatus reflects the verification stage of a principal's identity documents.
type KYCStatus string

const (
	KYCNotSubmitted KYCStatus = "not_submitted"
	KYCPending      KYCStatus = "pending"
	KYCApproved     KYCStatus = "approved"
	KYCRejected     KYCStatus = "rejected"
)

// ReferralLevels is the depth of the commission chain tracked per principal.
const ReferralLevels = 3

// Principal is the last server-confirmed snapshot of an authenticated user.
// It is replaced wholesale on every successful refresh; no component mutates
// individual fields in place.
type Principal struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`

	PurchasedBalance  float64 `json:"purchased_balance"`
	CommissionBalance float64 `json:"commission_balance"`
	ChallengeBalance  float64 `json:"challenge_balance"`
	VestingLocked     float64 `json:"vesting_locked"`

	YieldRatePerMinute float64   `json:"yield_rate_per_minute"`
	AccumulatedYield   float64   `json:"accumulated_yield"`
	LastYieldUpdate    time.Time `json:"last_yield_update"`

	CanWithdraw bool      `json:"can_withdraw"`
	KYCStatus   KYCStatus `json:"kyc_status"`
	Blocked     bool      `json:"blocked"`

	ReferredBy     *string             `json:"referred_by,omitempty"`
	ReferralCounts [ReferralLevels]int `json:"referral_counts"`
}

// TotalBalance sums the four balance components plus the supplied live yield
// estimate. Callers pass the estimator's current value so the displayed total
// keeps moving between syncs.
func (p *Principal) TotalBalance(liveYield float64) float64 {
	if p == nil {
		return 0
	}

	return p.PurchasedBalance + p.CommissionBalance + p.ChallengeBalance + p.VestingLocked + liveYield
}

// Clone returns a copy safe to hand to readers outside the session store.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}

	cp := *p
	if p.ReferredBy != nil {
		ref := *p.ReferredBy
		cp.ReferredBy = &ref
	}

	return &cp
}
