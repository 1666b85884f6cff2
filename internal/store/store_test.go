package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func conv(id, owner, title string, updated time.Duration) Conversation {
	return Conversation{
		ID:        id,
		OwnerID:   owner,
		Title:     title,
		CreatedAt: base,
		UpdatedAt: base.Add(updated),
	}
}

func msg(id, convID, owner string, at time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		OwnerID:        owner,
		Role:           RoleUser,
		Content:        "content " + id,
		CreatedAt:      base.Add(at),
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already migrated, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + outbox)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (id, owner_id, title, created_at, updated_at, deleted_at, synced_at) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"c1", "o1", "t", 1, 2, nil, 3}},
		{"insert message", "INSERT INTO messages (id, conversation_id, owner_id, role, content, created_at, synced) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "o1", "user", "hi", 1, 1}},
		{"insert checkpoint", "INSERT INTO sync_checkpoints (owner_id, last_synced_at, mode, updated_at) VALUES (?, ?, ?, ?)", []any{"o1", 1, "delta", 1}},
		{"queue outbox", "INSERT INTO outbox (op_id, owner_id, kind, conversation_id, payload) VALUES (?, ?, ?, ?, ?)", []any{"op", "o1", "message.send", "c1", []byte("{}")}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s: %v", op.desc, err)
			}
		})
	}
}

func TestSchemaRejectsInvalidRows(t *testing.T) {
	db := testDB(t)

	if _, err := db.Exec(`INSERT INTO conversations (id, owner_id, created_at, updated_at) VALUES ('c', 'o', 10, 5)`); err == nil {
		t.Error("updated_at before created_at should be rejected")
	}
	if _, err := db.Exec(`INSERT INTO messages (id, conversation_id, owner_id, role, created_at) VALUES ('m', 'c', 'o', 'robot', 1)`); err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestApplyPageInsertsAndIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	page := Page{
		Conversations: []Conversation{conv("c1", "o1", "first", time.Minute)},
		Messages:      []Message{msg("m1", "c1", "o1", time.Second), msg("m2", "c1", "o1", 2*time.Second)},
	}

	applied, err := db.ApplyPage(ctx, page)
	if err != nil {
		t.Fatal(err)
	}
	if applied.Conversations != 1 || applied.Messages != 2 {
		t.Errorf("applied = %+v, want 1 conversation and 2 messages", applied)
	}

	applied, err = db.ApplyPage(ctx, page)
	if err != nil {
		t.Fatal(err)
	}
	if applied.Conversations != 0 || applied.Messages != 0 {
		t.Errorf("replayed page applied = %+v, want nothing", applied)
	}

	n, err := db.CountMessagesByID(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows for m1 = %d, want 1", n)
	}

	msgs, err := db.ListMessages(ctx, "c1", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m2" {
		t.Errorf("first message = %s, want m2 (newest first)", msgs[0].ID)
	}
	if !msgs[0].Synced {
		t.Error("merged message should be marked synced")
	}
	if !msgs[0].CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("created_at = %v, want %v", msgs[0].CreatedAt, base.Add(2*time.Second))
	}
}

func TestApplyPageLastWriteWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{conv("c1", "o1", "newer", 2*time.Minute)}}); err != nil {
		t.Fatal(err)
	}

	// An older version must not overwrite the cached row.
	applied, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{conv("c1", "o1", "older", time.Minute)}})
	if err != nil {
		t.Fatal(err)
	}
	if applied.Conversations != 0 {
		t.Errorf("stale row applied = %d, want 0", applied.Conversations)
	}
	c, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Title != "newer" {
		t.Errorf("title = %q, want %q", c.Title, "newer")
	}

	// Equal timestamps keep the cached row.
	if _, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{conv("c1", "o1", "same", 2*time.Minute)}}); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation(ctx, "c1")
	if c.Title != "newer" {
		t.Errorf("title after equal timestamp = %q, want %q", c.Title, "newer")
	}

	// A strictly newer tombstone replaces it.
	deleted := base.Add(3 * time.Minute)
	tomb := conv("c1", "o1", "newer", 3*time.Minute)
	tomb.DeletedAt = &deleted
	if _, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{tomb}}); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation(ctx, "c1")
	if !c.Deleted() {
		t.Error("conversation should be a tombstone")
	}
	list, err := db.ListConversations(ctx, "o1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("tombstones should not be listed, got %d", len(list))
	}
}

func TestApplyPageConfirmsOutbox(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	created, err := db.QueueOutbox(ctx, &OutboxEntry{
		OpID: "m1", OwnerID: "o1", Kind: OutboxSendMessage, ConversationID: "c1", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected new outbox entry")
	}

	applied, err := db.ApplyPage(ctx, Page{Messages: []Message{msg("m1", "c1", "o1", 0)}})
	if err != nil {
		t.Fatal(err)
	}
	if applied.Confirmed != 1 {
		t.Errorf("confirmed = %d, want 1", applied.Confirmed)
	}

	e, err := db.GetOutbox(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != OutboxConfirmed {
		t.Errorf("status = %q, want %q", e.Status, OutboxConfirmed)
	}

	// A late sent acknowledgement must not downgrade the entry.
	if err := db.MarkOutboxSent(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	e, _ = db.GetOutbox(ctx, "m1")
	if e.Status != OutboxConfirmed {
		t.Errorf("status after late ack = %q, want %q", e.Status, OutboxConfirmed)
	}
}

func TestApplyPageConfirmsSentConversationWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, e := range []*OutboxEntry{
		{OpID: "op-create", OwnerID: "o1", Kind: OutboxUpsertConversation, ConversationID: "c1"},
		{OpID: "op-rename", OwnerID: "o1", Kind: OutboxUpsertConversation, ConversationID: "c1"},
	} {
		if _, err := db.QueueOutbox(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.ClaimOutbox(ctx, "op-create"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent(ctx, "op-create"); err != nil {
		t.Fatal(err)
	}

	applied, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{conv("c1", "o1", "t", 0)}})
	if err != nil {
		t.Fatal(err)
	}
	if applied.Confirmed != 1 {
		t.Errorf("confirmed = %d, want 1", applied.Confirmed)
	}
	e, _ := db.GetOutbox(ctx, "op-create")
	if e.Status != OutboxConfirmed {
		t.Errorf("sent write status = %q, want %q", e.Status, OutboxConfirmed)
	}
	e, _ = db.GetOutbox(ctx, "op-rename")
	if e.Status != OutboxQueued {
		t.Errorf("unsent write status = %q, want %q", e.Status, OutboxQueued)
	}
}

func TestCheckpointAdvanceIsMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cp, err := db.GetCheckpoint(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Fatal("fresh owner should have no checkpoint")
	}

	changed, err := db.AdvanceCheckpoint(ctx, "o1", base.Add(time.Hour), base)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first advance should create the checkpoint")
	}

	changed, err = db.AdvanceCheckpoint(ctx, "o1", base, base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("older watermark must not move the checkpoint")
	}

	changed, err = db.AdvanceCheckpoint(ctx, "o1", base.Add(time.Hour), base)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("equal watermark should not report a change")
	}

	cp, err = db.GetCheckpoint(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.LastSyncedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("last_synced_at = %v, want %v", cp.LastSyncedAt, base.Add(time.Hour))
	}
	if !cp.UpdatedAt.Equal(base) {
		t.Errorf("updated_at = %v, want %v (last pass time)", cp.UpdatedAt, base)
	}
	if cp.Mode != ModeDelta {
		t.Errorf("mode = %q, want %q", cp.Mode, ModeDelta)
	}

	if err := db.ResetCheckpoint(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	cp, _ = db.GetCheckpoint(ctx, "o1")
	if cp != nil {
		t.Error("checkpoint should be gone after reset")
	}
}

func TestPruneOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	page := Page{
		Conversations: []Conversation{
			conv("keep", "o1", "k", time.Minute),
			conv("gone", "o1", "g", time.Minute),
			conv("other", "o2", "x", time.Minute),
		},
		Messages: []Message{msg("m1", "gone", "o1", 0), msg("m2", "keep", "o1", 0)},
	}
	if _, err := db.ApplyPage(ctx, page); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * time.Millisecond)
	passStart := time.Now()
	time.Sleep(2 * time.Millisecond)

	// merged after the pass started, so not known to be missing remotely
	if _, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{conv("late", "o1", "l", time.Hour)}}); err != nil {
		t.Fatal(err)
	}

	n, err := db.PruneOwner(ctx, "o1", map[string]struct{}{"keep": {}}, passStart)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if c, _ := db.GetConversation(ctx, "gone"); c != nil {
		t.Error("gone should be pruned")
	}
	if c, _ := db.GetConversation(ctx, "late"); c == nil {
		t.Error("a conversation merged after the pass started must survive")
	}
	if c, _ := db.GetConversation(ctx, "other"); c == nil {
		t.Error("other owner's conversation must survive")
	}
	if n, _ := db.CountMessagesByID(ctx, "m1"); n != 0 {
		t.Error("messages of pruned conversation should be deleted")
	}
	if n, _ := db.CountMessagesByID(ctx, "m2"); n != 1 {
		t.Error("messages of kept conversation should survive")
	}
}

func TestPurgeTombstones(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	oldDel := base.Add(time.Minute)
	newDel := base.Add(48 * time.Hour)
	old := conv("old", "o1", "", time.Minute)
	old.DeletedAt = &oldDel
	recent := conv("recent", "o1", "", 48*time.Hour)
	recent.DeletedAt = &newDel

	if _, err := db.ApplyPage(ctx, Page{Conversations: []Conversation{old, recent}}); err != nil {
		t.Fatal(err)
	}

	n, err := db.PurgeTombstones(ctx, "o1", base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if c, _ := db.GetConversation(ctx, "recent"); c == nil {
		t.Error("recent tombstone should be kept")
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	entry := &OutboxEntry{OpID: "op1", OwnerID: "o1", Kind: OutboxSendMessage, ConversationID: "c1", Payload: []byte(`{"content":"hi"}`)}
	if _, err := db.QueueOutbox(ctx, entry); err != nil {
		t.Fatal(err)
	}
	created, err := db.QueueOutbox(ctx, entry)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate op id should not create a second entry")
	}

	pending, err := db.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if string(pending[0].Payload) != `{"content":"hi"}` {
		t.Errorf("payload = %s", pending[0].Payload)
	}

	claimed, err := db.ClaimOutbox(ctx, "op1")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}
	if again, _ := db.ClaimOutbox(ctx, "op1"); again {
		t.Error("second claim should fail")
	}

	if err := db.RequeueOutbox(ctx, "op1", "timeout"); err != nil {
		t.Fatal(err)
	}
	e, _ := db.GetOutbox(ctx, "op1")
	if e.Status != OutboxQueued || e.Attempts != 1 || e.ErrorMessage != "timeout" {
		t.Errorf("after requeue = %+v", e)
	}

	if _, err := db.ClaimOutbox(ctx, "op1"); err != nil {
		t.Fatal(err)
	}
	n, err := db.RecoverOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	if err := db.MarkOutboxFailed(ctx, "op1", "rejected"); err != nil {
		t.Fatal(err)
	}
	failed, err := db.ListOutbox(ctx, "o1", OutboxFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "rejected" {
		t.Errorf("failed entries = %+v", failed)
	}
}
