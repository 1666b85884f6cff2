// Package remote talks to the authoritative conversation store.
package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/atlas/internal/store"
)

// DefaultPageSize is the number of rows fetched per page.
const DefaultPageSize = 50

// Client is the read/write surface of the remote store used by the engine,
// the outbox sender and the quota gate. All reads are scoped to one owner.
type Client interface {
	// FetchConversationsSince returns conversations (tombstones included)
	// whose updated_at is after since, ascending by (updated_at, id).
	FetchConversationsSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (ConversationPage, error)
	// FetchMessagesSince returns messages created after since, ascending
	// by (created_at, id).
	FetchMessagesSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (MessagePage, error)
	// FetchConversation returns one conversation, or nil if it does not exist.
	FetchConversation(ctx context.Context, ownerID, conversationID string) (*store.Conversation, error)
	// FetchConversationMessages pages through every message of a conversation.
	FetchConversationMessages(ctx context.Context, ownerID, conversationID, cursor string, limit int) (MessagePage, error)

	UpsertConversation(ctx context.Context, c store.Conversation) (*store.Conversation, error)
	UpsertMessage(ctx context.Context, m store.Message) (*store.Message, error)
	SoftDeleteConversation(ctx context.Context, ownerID, conversationID string) error
	PurgeTombstones(ctx context.Context, ownerID string, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// ConversationPage is one page of conversations. NextCursor is empty when
// the page is the last one.
type ConversationPage struct {
	Rows       []store.Conversation
	NextCursor string
}

// MessagePage is one page of messages.
type MessagePage struct {
	Rows       []store.Message
	NextCursor string
}

// Cursor is the keyset position after the last row of a page.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns the opaque string form of c.
func (c Cursor) Encode() string {
	var at int64
	if !c.At.IsZero() {
		at = c.At.UnixMicro()
	}
	b, _ := json.Marshal(struct {
		At int64  `json:"t"`
		ID string `json:"id"`
	}{at, c.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor produced by Encode. An empty string yields
// a zero cursor. A cursor with an empty ID starts at every row of its time.
func DecodeCursor(s string) (Cursor, bool, error) {
	if s == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("decode cursor: %w", err)
	}
	var v struct {
		At int64  `json:"t"`
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Cursor{}, false, fmt.Errorf("decode cursor: %w", err)
	}
	if v.At == 0 && v.ID == "" {
		return Cursor{}, false, fmt.Errorf("decode cursor: empty position")
	}
	c := Cursor{ID: v.ID}
	if v.At != 0 {
		c.At = time.UnixMicro(v.At).UTC()
	}
	return c, true, nil
}

func nextCursor(n, limit int, at time.Time, id string) string {
	if n < limit {
		return ""
	}
	return Cursor{At: at, ID: id}.Encode()
}
