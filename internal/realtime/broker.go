// Package realtime defines the client's boundary with the event bus
// transport and the supervisor that keeps one subscription alive across
// drops. Delivery is at-least-once and unordered across rows; consumers
// must merge idempotently.
package realtime

import (
	"context"
	"encoding/json"
)

// PresenceSet is a full presence snapshot as delivered by the transport:
// tracking key to the states tracked under it.
type PresenceSet map[string][]json.RawMessage

// Handlers are the callbacks a subscriber registers for one channel.
// Any handler may be nil.
type Handlers struct {
	// OnInsert delivers a newly inserted row.
	OnInsert func(row json.RawMessage)
	// OnUpdate delivers an updated row (edit, soft delete).
	OnUpdate func(row json.RawMessage)
	// OnBroadcast delivers an ephemeral fire-and-forget payload.
	OnBroadcast func(event string, payload json.RawMessage)
	// OnPresenceSync delivers the full presence snapshot for the channel.
	OnPresenceSync func(state PresenceSet)
}

// Subscription is a live handle on one channel.
type Subscription interface {
	// Broadcast sends an ephemeral payload to the channel's peers.
	// No acknowledgment, no retry.
	Broadcast(event string, payload any) error
	// Track announces this client's state on the channel; peers receive
	// it in subsequent presence snapshots.
	Track(state any) error
	// Untrack withdraws the tracked state so peers see the departure
	// promptly instead of waiting for a passive timeout.
	Untrack() error
	// Close releases the subscription.
	Close() error
}

// Broker is the Event Bus boundary.
type Broker interface {
	Subscribe(ctx context.Context, channel string, h Handlers) (Subscription, error)
}

// Channel naming shared by the engines and the gateway.

// ThreadChannel carries insert/update events for one conversation.
func ThreadChannel(conversationID string) string {
	return "messages:" + conversationID
}

// InboxChannel carries insert events across every conversation the user
// participates in.
func InboxChannel(userID string) string {
	return "inbox:" + userID
}

// TypingChannel carries ephemeral typing broadcasts for one conversation.
func TypingChannel(conversationID string) string {
	return "typing:" + conversationID
}

// PresenceChannel is the single shared presence channel for a session.
const PresenceChannel = "presence:global"
