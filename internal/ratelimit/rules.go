package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/mxi-app/mxi-core/pkg/config"
)

// Action names the throttled operations.
type Action string

const (
	ActionManualRefresh Action = "manual_refresh"
	ActionWithdrawal    Action = "withdrawal"
)

// Rules resolves configured limits per action.
type Rules struct {
	config config.LimitsConfig
}

// NewRules constructs rate limiting rules from configuration settings.
func NewRules(cfg config.LimitsConfig) *Rules {
	return &Rules{config: cfg}
}

// Limit returns the budget and window for the given action.
func (r *Rules) Limit(action Action) (int, time.Duration, error) {
	switch action {
	case ActionManualRefresh:
		return parseRule(r.config.ManualRefresh)
	case ActionWithdrawal:
		return parseRule(r.config.Withdrawal)
	default:
		return 0, 0, errors.New("unsupported action")
	}
}

// Key builds the limiter bucket key for an action and principal.
func Key(action Action, principalID string) string {
	return fmt.Sprintf("%s:%s", action, principalID)
}

func parseRule(rule config.LimitRule) (int, time.Duration, error) {
	if rule.Window <= 0 {
		return rule.Limit, 0, errors.New("window duration is not set")
	}

	return rule.Limit, rule.Window, nil
}
