// Package remotetest provides an in-memory remote store for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/atlas/internal/remote"
	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/syncerr"
)

// Fake is an in-memory remote.Client with server-assigned timestamps.
// Each write advances the server clock by Step.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	Step  time.Duration
	convs map[string]store.Conversation
	msgs  map[string]store.Message
	usage map[string]int
	calls map[string]int

	// FailOn, when set, is consulted before every call with the method
	// name and its 1-based call count. A non-nil error fails the call.
	FailOn func(method string, n int) error
}

var _ remote.Client = (*Fake)(nil)

// New returns an empty fake whose clock starts at start.
func New(start time.Time) *Fake {
	return &Fake{
		now:   start.UTC(),
		Step:  time.Second,
		convs: make(map[string]store.Conversation),
		msgs:  make(map[string]store.Message),
		usage: make(map[string]int),
		calls: make(map[string]int),
	}
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	if f.FailOn != nil {
		return f.FailOn(method, f.calls[method])
	}
	return nil
}

func (f *Fake) tick() time.Time {
	f.now = f.now.Add(f.Step)
	return f.now
}

// PutConversation stores c as-is, bypassing server timestamp assignment.
func (f *Fake) PutConversation(c store.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[c.ID] = c
}

// PutMessage stores m as-is and bumps its conversation to m.CreatedAt when
// that is newer, as the server trigger does.
func (f *Fake) PutMessage(m store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.Synced = true
	f.msgs[m.ID] = m
	if c, ok := f.convs[m.ConversationID]; ok && m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
		f.convs[c.ID] = c
	}
}

// Conversation returns the stored conversation.
func (f *Fake) Conversation(id string) (store.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	return c, ok
}

// MessageCount returns the number of stored messages.
func (f *Fake) MessageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type key struct {
	at time.Time
	id string
}

func after(k key, cur remote.Cursor) bool {
	if k.at.Equal(cur.At) {
		return k.id > cur.ID
	}
	return k.at.After(cur.At)
}

func pageConversations(rows []store.Conversation, cursor string, limit int, keep func(store.Conversation) bool) (remote.ConversationPage, error) {
	cur, ok, err := remote.DecodeCursor(cursor)
	if err != nil {
		return remote.ConversationPage{}, syncerr.New(syncerr.Invalid, "fake.cursor", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].UpdatedAt.Before(rows[j].UpdatedAt)
	})
	var out []store.Conversation
	for _, c := range rows {
		if !keep(c) || (ok && !after(key{c.UpdatedAt, c.ID}, cur)) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	page := remote.ConversationPage{Rows: out}
	if len(out) == limit {
		last := out[len(out)-1]
		page.NextCursor = remote.Cursor{At: last.UpdatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

func pageMessages(rows []store.Message, cursor string, limit int, keep func(store.Message) bool) (remote.MessagePage, error) {
	cur, ok, err := remote.DecodeCursor(cursor)
	if err != nil {
		return remote.MessagePage{}, syncerr.New(syncerr.Invalid, "fake.cursor", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	var out []store.Message
	for _, m := range rows {
		if !keep(m) || (ok && !after(key{m.CreatedAt, m.ID}, cur)) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	page := remote.MessagePage{Rows: out}
	if len(out) == limit {
		last := out[len(out)-1]
		page.NextCursor = remote.Cursor{At: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

func (f *Fake) allConversations() []store.Conversation {
	out := make([]store.Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, c)
	}
	return out
}

func (f *Fake) allMessages() []store.Message {
	out := make([]store.Message, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m)
	}
	return out
}

func limitOr(limit int) int {
	if limit <= 0 {
		return remote.DefaultPageSize
	}
	return limit
}

func (f *Fake) FetchConversationsSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (remote.ConversationPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return remote.ConversationPage{}, err
	}
	if err := f.enter("FetchConversationsSince"); err != nil {
		return remote.ConversationPage{}, err
	}
	return pageConversations(f.allConversations(), cursor, limitOr(limit), func(c store.Conversation) bool {
		return c.OwnerID == ownerID && c.UpdatedAt.After(since)
	})
}

func (f *Fake) FetchMessagesSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (remote.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return remote.MessagePage{}, err
	}
	if err := f.enter("FetchMessagesSince"); err != nil {
		return remote.MessagePage{}, err
	}
	return pageMessages(f.allMessages(), cursor, limitOr(limit), func(m store.Message) bool {
		return m.OwnerID == ownerID && m.CreatedAt.After(since)
	})
}

func (f *Fake) FetchConversation(ctx context.Context, ownerID, conversationID string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.enter("FetchConversation"); err != nil {
		return nil, err
	}
	c, ok := f.convs[conversationID]
	if !ok || c.OwnerID != ownerID {
		return nil, nil
	}
	return &c, nil
}

func (f *Fake) FetchConversationMessages(ctx context.Context, ownerID, conversationID, cursor string, limit int) (remote.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return remote.MessagePage{}, err
	}
	if err := f.enter("FetchConversationMessages"); err != nil {
		return remote.MessagePage{}, err
	}
	return pageMessages(f.allMessages(), cursor, limitOr(limit), func(m store.Message) bool {
		return m.OwnerID == ownerID && m.ConversationID == conversationID
	})
}

func (f *Fake) UpsertConversation(ctx context.Context, c store.Conversation) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpsertConversation"); err != nil {
		return nil, err
	}
	now := f.tick()
	existing, ok := f.convs[c.ID]
	if ok {
		if existing.OwnerID != c.OwnerID || existing.DeletedAt != nil {
			return nil, syncerr.New(syncerr.Invalid, "fake.upsert_conversation", fmt.Errorf("conversation %s not writable", c.ID))
		}
		existing.Title = c.Title
		existing.UpdatedAt = now
		f.convs[c.ID] = existing
		return &existing, nil
	}
	stored := store.Conversation{ID: c.ID, OwnerID: c.OwnerID, Title: c.Title, CreatedAt: now, UpdatedAt: now}
	f.convs[c.ID] = stored
	return &stored, nil
}

func (f *Fake) UpsertMessage(ctx context.Context, m store.Message) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpsertMessage"); err != nil {
		return nil, err
	}
	if existing, ok := f.msgs[m.ID]; ok {
		return &existing, nil
	}
	c, ok := f.convs[m.ConversationID]
	if !ok || c.OwnerID != m.OwnerID || c.DeletedAt != nil {
		return nil, syncerr.New(syncerr.Invalid, "fake.upsert_message", errors.New("conversation not found"))
	}
	now := f.tick()
	m.CreatedAt = now
	m.Synced = true
	f.msgs[m.ID] = m
	c.UpdatedAt = now
	f.convs[c.ID] = c
	return &m, nil
}

func (f *Fake) SoftDeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SoftDeleteConversation"); err != nil {
		return err
	}
	c, ok := f.convs[conversationID]
	if !ok || c.OwnerID != ownerID {
		return syncerr.New(syncerr.Invalid, "fake.delete_conversation", errors.New("conversation not found"))
	}
	if c.DeletedAt != nil {
		return nil
	}
	now := f.tick()
	c.DeletedAt = &now
	c.UpdatedAt = now
	f.convs[c.ID] = c
	return nil
}

func (f *Fake) PurgeTombstones(ctx context.Context, ownerID string, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PurgeTombstones"); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range f.convs {
		if c.OwnerID == ownerID && c.DeletedAt != nil && c.DeletedAt.Before(olderThan) {
			delete(f.convs, id)
			for mid, m := range f.msgs {
				if m.ConversationID == id {
					delete(f.msgs, mid)
				}
			}
			n++
		}
	}
	return n, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enter("Ping")
}

// ReserveMessage implements the conditional usage increment.
func (f *Fake) ReserveMessage(ctx context.Context, ownerID string, periodStart time.Time, limit int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ReserveMessage"); err != nil {
		return 0, false, err
	}
	k := ownerID + "|" + periodStart.UTC().Format(time.RFC3339)
	if limit > 0 && f.usage[k] >= limit {
		return f.usage[k], false, nil
	}
	f.usage[k]++
	return f.usage[k], true, nil
}

// ReleaseMessage undoes one reservation.
func (f *Fake) ReleaseMessage(ctx context.Context, ownerID string, periodStart time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ReleaseMessage"); err != nil {
		return err
	}
	k := ownerID + "|" + periodStart.UTC().Format(time.RFC3339)
	if f.usage[k] > 0 {
		f.usage[k]--
	}
	return nil
}

// Usage returns the messages counted for an owner across all periods.
func (f *Fake) Usage(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, v := range f.usage {
		if strings.HasPrefix(k, ownerID+"|") {
			n += v
		}
	}
	return n
}
