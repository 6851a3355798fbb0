package stream

// State is the connection lifecycle state of the streaming transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
