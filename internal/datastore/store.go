// Package datastore is the client's boundary with the durable chat store.
// The engines consume it; they never see HTTP or SQL.
package datastore

import (
	"context"

	"github.com/telex-im/telex/internal/chat"
)

// InsertMessageRequest is the write-through payload for a new message.
type InsertMessageRequest struct {
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	ReplyToID      string         `json:"reply_to_id,omitempty"`
	ReplyTo        *chat.ReplyRef `json:"reply_to,omitempty"`
}

// InsertedMessage is the store's confirmation of a write-through.
type InsertedMessage struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Store is the Data Store boundary. All errors are returned as values;
// a failed call must never abort reconciliation of unrelated messages.
type Store interface {
	// FetchMessages returns up to limit messages for a conversation,
	// ascending by created_at. after > 0 restricts to strictly newer rows
	// (gap-fill); after == 0 returns the most recent window.
	FetchMessages(ctx context.Context, conversationID string, after int64, limit int) ([]chat.Message, error)

	// InsertMessage writes a message through to the store and returns its
	// durable identity.
	InsertMessage(ctx context.Context, req InsertMessageRequest) (InsertedMessage, error)

	// FetchConversationSummaries returns the initial conversation list for
	// a user, most recently active first.
	FetchConversationSummaries(ctx context.Context, userID string) ([]chat.ConversationSummary, error)

	// MarkRead records the read cursor for a conversation. Callers treat
	// it as best-effort.
	MarkRead(ctx context.Context, conversationID, messageID string) error
}
