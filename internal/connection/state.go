package connection

// State is the lifecycle state of a Connection.
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//	Disconnected -> Recovering -> Connected
//	any -> ShuttingDown (terminal)
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRecovering
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateShuttingDown:
		return "shutting-down"
	}
	return "unknown"
}
