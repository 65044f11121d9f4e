package refresh

// State represents the coordinator's position in its refresh cycle.
type State string

const (
	// StateIdle means no fetch is in flight; a refresh request will start one.
	StateIdle State = "idle"
	// StateLoading means a fetch is in flight; further requests are dropped.
	StateLoading State = "loading"
)

// validTransitions contains the permitted coordinator transitions.
var validTransitions = map[State][]State{
	StateIdle:    {StateLoading},
	StateLoading: {StateIdle},
}

// IsTransitionAllowed reports whether moving from one state to another is valid.
func IsTransitionAllowed(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	for _, state := range allowed {
		if state == to {
			return true
		}
	}

	return false
}

var transitionRecorder = func(from, to string) {}

// RegisterTransitionRecorder allows external packages to observe coordinator transitions.
func RegisterTransitionRecorder(recorder func(from, to string)) {
	if recorder == nil {
		transitionRecorder = func(string, string) {}
		return
	}

	transitionRecorder = recorder
}
