package rpc

import (
	"encoding/json"
	"time"
)

// Conversation is the wire form of a cached conversation.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Message is the wire form of a cached message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingOp is an outbox entry not yet confirmed by the remote store.
type PendingOp struct {
	OpID           string    `json:"op_id"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type SyncRequest struct{}

type SyncConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type SyncResponse struct {
	Mode          string    `json:"mode"`
	Conversations int       `json:"conversations"`
	Messages      int       `json:"messages"`
	Confirmed     int       `json:"confirmed"`
	Pages         int       `json:"pages"`
	Pruned        int       `json:"pruned"`
	Watermark     time.Time `json:"watermark"`
	Advanced      bool      `json:"advanced"`
}

type GetSyncStatusRequest struct{}

type GetSyncStatusResponse struct {
	Profile        string    `json:"profile"`
	StartedAt      time.Time `json:"started_at"`
	OwnerID        string    `json:"owner_id"`
	Tier           string    `json:"tier"`
	State          string    `json:"state"`
	InFlight       int       `json:"in_flight"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	LastError      string    `json:"last_error,omitempty"`
	Checkpoint     time.Time `json:"checkpoint"`
	CheckpointMode string    `json:"checkpoint_mode,omitempty"`
	Conversations  int64     `json:"conversations"`
	Messages       int64     `json:"messages"`
	PendingOps     int       `json:"pending_ops"`
	Live           bool      `json:"live"`
}

type ListConversationsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}

type GetConversationRequest struct {
	ID string `json:"id"`
}

type GetConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type RenameConversationRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type DeleteConversationRequest struct {
	ID string `json:"id"`
}

// WriteResponse acknowledges a queued write.
type WriteResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

type ListMessagesRequest struct {
	ConversationID string    `json:"conversation_id"`
	Before         time.Time `json:"before,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type SendMessageRequest struct {
	// ID is optional; the daemon generates one when empty.
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Role           string `json:"role,omitempty"`
	Capability     string `json:"capability,omitempty"`
}

// SendMessageResponse reports whether the message was accepted. A quota
// or capability rejection is a normal response, not an error.
type SendMessageResponse struct {
	Accepted    bool          `json:"accepted"`
	MessageID   string        `json:"message_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	SuggestTier string        `json:"suggest_tier,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	Degraded    bool          `json:"degraded,omitempty"`
}

type ListPendingRequest struct{}

type ListPendingResponse struct {
	Ops []PendingOp `json:"ops"`
}

type WatchEventsRequest struct {
	// Prefix filters event kinds, e.g. "sync." or "outbox.".
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event delivered to a watcher.
type Event struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	OwnerID    string          `json:"owner_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
