package bridge

// ConnectionState is the lifecycle state of the device connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

var stateNames = map[ConnectionState]string{
	StateDisconnected:  "DISCONNECTED",
	StateConnecting:    "CONNECTING",
	StateConnected:     "CONNECTED",
	StateDisconnecting: "DISCONNECTING",
	StateError:         "ERROR",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// validTransitions is the allowed-edge table. Error is reachable from every
// state; the only way out of it is explicit teardown back to Disconnected.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
	StateError:         {StateDisconnected},
}

func canTransition(from, to ConnectionState) bool {
	if to == StateError {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
