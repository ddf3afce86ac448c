package domain

// SessionState is the lifecycle state of a protocol session. States only move
// forward; Closed is terminal and a closed session is never reused.
type SessionState int32

const (
	SessionUninitialized SessionState = iota
	SessionHandshaking
	SessionReady
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionHandshaking:
		return "handshaking"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}
