package store

import "time"

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation is a chat thread owned by one principal.
type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the conversation is a tombstone.
func (c *Conversation) Deleted() bool {
	return c.DeletedAt != nil
}

// Message is an immutable chat message. ID is generated by the producer.
type Message struct {
	ID             string
	ConversationID string
	OwnerID        string
	Role           Role
	Content        string
	CreatedAt      time.Time
	Synced         bool
}

// SyncMode selects how much of the remote store a pass fetches.
type SyncMode string

const (
	ModeFull  SyncMode = "full"
	ModeDelta SyncMode = "delta"
)

// Checkpoint is the per-owner sync watermark. Every remote row with a
// timestamp <= LastSyncedAt is already merged locally.
type Checkpoint struct {
	OwnerID      string
	LastSyncedAt time.Time
	Mode         SyncMode
	UpdatedAt    time.Time
}

// Page is one batch of remote rows merged in a single transaction.
type Page struct {
	Conversations []Conversation
	Messages      []Message
}

// Applied counts the rows a merge actually wrote.
type Applied struct {
	Conversations int
	Messages      int
	Confirmed     int
}

// OutboxKind is the remote operation an outbox entry carries.
type OutboxKind string

const (
	OutboxSendMessage        OutboxKind = "message.send"
	OutboxUpsertConversation OutboxKind = "conversation.upsert"
	OutboxDeleteConversation OutboxKind = "conversation.delete"
)

// Outbox entry statuses.
const (
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxSent      = "sent"
	OutboxFailed    = "failed"
	OutboxConfirmed = "confirmed"
)

// OutboxEntry is a pending write to the remote store. For message sends,
// OpID equals the message id so the confirmed row collapses the entry.
type OutboxEntry struct {
	ID             int64
	OpID           string
	OwnerID        string
	Kind           OutboxKind
	ConversationID string
	Payload        []byte
	Status         string
	Attempts       int
	ErrorMessage   string
	CreatedAt      time.Time
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
