// Package chat holds the domain types shared by the sync engines and the
// decoding of loosely-typed gateway payloads into them.
package chat

// Status is the delivery status of a message as seen by this client.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ConversationType distinguishes direct and group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ReplyRef is the snapshot of a replied-to message captured at creation
// time. When the parent lives inside the loaded window the snapshot is
// upgraded from the live entry; otherwise it is rendered as-is.
type ReplyRef struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
}

// Reaction is one emoji reaction by one user. Order is irrelevant.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// Attachment references an uploaded file on a message.
type Attachment struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Message is one message in a conversation. Identity is dual: ID is the
// durable server-assigned id; OptimisticID is set only while the message is
// in flight and is cleared the moment an ID is assigned — a message is never
// addressable by both after reconciliation.
type Message struct {
	ID             string       `json:"id"`
	OptimisticID   string       `json:"-"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	CreatedAt      int64        `json:"created_at"` // unix millis
	IsEdited       bool         `json:"is_edited"`
	IsDeleted      bool         `json:"is_deleted"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	ReplyTo        *ReplyRef    `json:"reply_to,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Status         Status       `json:"status,omitempty"`
}

// LastMessage is the denormalized last-message snapshot on a summary.
type LastMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
}

// ConversationSummary is the per-conversation projection shown in the
// sidebar list. The stored ordering key is UpdatedAt; pinned-first grouping
// is a read-time projection only.
type ConversationSummary struct {
	ConversationID string           `json:"conversation_id"`
	Name           string           `json:"name"`
	AvatarURL      string           `json:"avatar_url,omitempty"`
	Type           ConversationType `json:"type"`
	LastMessage    LastMessage      `json:"last_message"`
	UnreadCount    int              `json:"unread_count"`
	IsPinned       bool             `json:"is_pinned"`
	IsMuted        bool             `json:"is_muted"`
	UpdatedAt      int64            `json:"updated_at"`
}

// TypingEvent is the ephemeral broadcast payload on a typing channel.
type TypingEvent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// PresenceEntry is one user's presence state, derived entirely from the
// gateway's track/untrack snapshots.
type PresenceEntry struct {
	UserID     string `json:"user_id"`
	IsOnline   bool   `json:"is_online"`
	LastSeenAt int64  `json:"last_seen_at"`
}
