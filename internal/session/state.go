package session

// State is the lifecycle state of a session.
type State uint8

const (
	_state_beg State = iota
	StateDisconnected
	StateAwaitingHandshake
	StateConnected
	StateRejected
	StateClosed
	_state_end
)

func (s State) IsAvailable() bool {
	return s > _state_beg && s < _state_end
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateClosed
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateAwaitingHandshake:
		return "AWAITING_HANDSHAKE"
	case StateConnected:
		return "CONNECTED"
	case StateRejected:
		return "REJECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
