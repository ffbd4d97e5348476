package agent

// State is a controller state.
type State string

const (
	StateUnregistered    State = "unregistered"
	StateRegistering     State = "registering"
	StateHeartbeatActive State = "heartbeat_active"
	StateBackoffWait     State = "backoff_wait"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateUnregistered: {
		StateRegistering: {},
	},
	StateRegistering: {
		StateHeartbeatActive: {},
		StateBackoffWait:     {},
	},
	StateHeartbeatActive: {
		StateHeartbeatActive: {},
		StateUnregistered:    {},
		StateBackoffWait:     {},
	},
	StateBackoffWait: {
		StateRegistering:     {},
		StateHeartbeatActive: {},
	},
}

// CanTransition reports whether a state transition is valid.
func CanTransition(from, to State) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
