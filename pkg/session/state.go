package session

// State is where the controller is in the life of a request
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateComplete
	StateError
	StateCancelled
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Active reports whether a request is in flight
func (s State) Active() bool {
	return s == StateStreaming
}
