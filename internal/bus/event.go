package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "message.*" comes from thread engines,
// "conversation.*" from the inbox index, "connection.*" from the
// connection supervisor, "typing.*" and "presence.*" from the ephemeral
// channels.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
