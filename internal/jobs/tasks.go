package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeSessionPoll re-syncs every live session against the backend.
	// It is the polling fallback that catches updates lost by the push
	// channel.
	TaskTypeSessionPoll = "session:poll"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// SessionPollPayload scopes a poll run. An empty PrincipalIDs slice means
// every live session.
type SessionPollPayload struct {
	PrincipalIDs []string `json:"principal_ids"`
}

func NewSessionPollTask(principalIDs []string) (*asynq.Task, error) {
	payload, err := json.Marshal(SessionPollPayload{PrincipalIDs: principalIDs})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskTypeSessionPoll, payload, asynq.Queue(QueueLow)), nil
}
