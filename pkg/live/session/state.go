package session

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConfiguring
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// acceptsSends reports whether outbound frames may be queued. Frames queued
// before Open are held until setup completes.
func (s State) acceptsSends() bool {
	return s == StateConnecting || s == StateConfiguring || s == StateOpen
}
