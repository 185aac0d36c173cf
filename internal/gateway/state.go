package gateway

// State is where a connection is in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDraining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDraining:
		return "draining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
