package bus

import "time"

// Event kinds published by the daemon.
const (
	SyncStateChanged   = "sync.state_changed"
	SyncCompleted      = "sync.completed"
	SyncFailed         = "sync.failed"
	ConversationMerged = "conversation.merged"
	MessageMerged      = "message.merged"
	OutboxQueued       = "outbox.queued"
	OutboxSent         = "outbox.sent"
	OutboxFailed       = "outbox.failed"
	LiveChanged        = "live.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	OwnerID   string
	Timestamp time.Time
	Payload   any
}
