package network

// ConnState is the lifecycle state of a TCP connection
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateConfirmed
	StateAuthenticating
	StateReady
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConfirmed:
		return "confirmed"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
