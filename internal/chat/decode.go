package chat

import (
	"encoding/json"
	"fmt"
)

// DecodeMessage narrows a raw gateway payload into a Message, validating the
// fields the reconciliation engines depend on. Unvalidated shapes must never
// reach the engines, so every inbound row goes through here first.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return Message{}, fmt.Errorf("decode message: missing id")
	}
	if m.ConversationID == "" {
		return Message{}, fmt.Errorf("decode message: missing conversation_id")
	}
	if m.SenderID == "" {
		return Message{}, fmt.Errorf("decode message: missing sender_id")
	}
	if m.Type == "" {
		m.Type = "text"
	}
	return m, nil
}

// DecodeTypingEvent narrows a broadcast payload into a TypingEvent.
func DecodeTypingEvent(raw json.RawMessage) (TypingEvent, error) {
	var ev TypingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return TypingEvent{}, fmt.Errorf("decode typing event: %w", err)
	}
	if ev.UserID == "" {
		return TypingEvent{}, fmt.Errorf("decode typing event: missing user_id")
	}
	return ev, nil
}

// DecodePresenceEntry narrows one tracked state from a presence snapshot.
func DecodePresenceEntry(raw json.RawMessage) (PresenceEntry, error) {
	var p PresenceEntry
	if err := json.Unmarshal(raw, &p); err != nil {
		return PresenceEntry{}, fmt.Errorf("decode presence entry: %w", err)
	}
	if p.UserID == "" {
		return PresenceEntry{}, fmt.Errorf("decode presence entry: missing user_id")
	}
	return p, nil
}
