package gateway

import "encoding/json"

// Frame is the single wire unit exchanged with the realtime gateway, in
// both directions. Channel scopes every frame; Event carries the row
// event kind ("insert"/"update") for OpEvent frames and the application
// event name for OpBroadcast frames.
type Frame struct {
	Op      string          `json:"op"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → gateway ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpBroadcast   = "broadcast"
	OpTrack       = "track"
	OpUntrack     = "untrack"
)

// Gateway → client ops. OpBroadcast flows both ways.
const (
	OpEvent         = "event"
	OpPresenceState = "presence_state"
)

// Row event kinds carried on OpEvent frames.
const (
	EventInsert = "insert"
	EventUpdate = "update"
)

// Encode encodes a frame to JSON bytes.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode decodes JSON bytes into a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
