package realtime

// ConnState is the user-visible connection state of one supervised
// subscription group.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	// StateFailed is terminal: backoff is exhausted and only a manual
	// full reload recovers.
	StateFailed ConnState = "FAILED"
)

// validTransitions defines allowed state transitions. Reconnect attempt
// failures do not transition (the state stays where it is between
// attempts); only exhaustion reaches FAILED.
var validTransitions = map[ConnState][]ConnState{
	StateDisconnected: {StateConnected, StateReconnecting, StateFailed},
	StateConnected:    {StateDisconnected},
	StateReconnecting: {StateConnected, StateFailed},
	StateFailed:       {},
}

// StateChange is the payload for connection.state_changed events.
type StateChange struct {
	Channel string
	From    ConnState
	To      ConnState
}
