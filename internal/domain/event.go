package domain

import "time"

// EventKind enumerates the push events the backend emits on a principal's
// channel. The set is closed: anything else on the wire is dropped.
type EventKind string

const (
	EventUserUpdated             EventKind = "user_updated"
	EventBalanceUpdated          EventKind = "balance_updated"
	EventKYCStatusChanged        EventKind = "kyc_status_changed"
	EventWithdrawalStatusChanged EventKind = "withdrawal_status_changed"
	EventPaymentConfirmed        EventKind = "payment_confirmed"
	EventCommissionEarned        EventKind = "commission_earned"
	EventAmbassadorLevelUpdated  EventKind = "ambassador_level_updated"
	EventAdminMessage            EventKind = "admin_message"
)

var knownEventKinds = map[EventKind]struct{}{
	EventUserUpdated:             {},
	EventBalanceUpdated:          {},
	EventKYCStatusChanged:        {},
	EventWithdrawalStatusChanged: {},
	EventPaymentConfirmed:        {},
	EventCommissionEarned:        {},
	EventAmbassadorLevelUpdated:  {},
	EventAdminMessage:            {},
}

// IsKnown reports whether the kind belongs to the closed event set.
func (k EventKind) IsKnown() bool {
	_, ok := knownEventKinds[k]
	return ok
}

// PushEvent is one decoded message from a principal's push channel. The
// message is a display hint only; it is never applied to the snapshot.
type PushEvent struct {
	PrincipalID string    `json:"principal_id"`
	Kind        EventKind `json:"event"`
	Message     string    `json:"message"`
	ReceivedAt  time.Time `json:"received_at"`
}
