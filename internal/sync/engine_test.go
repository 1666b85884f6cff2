package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/bus"
	"github.com/matheus3301/atlas/internal/remote"
	"github.com/matheus3301/atlas/internal/remote/remotetest"
	"github.com/matheus3301/atlas/internal/status"
	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/syncerr"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	db     *store.DB
	remote *remotetest.Fake
	clock  *clock.Mock
	bus    *bus.Bus
	engine *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		db:     testDB(t),
		remote: remotetest.New(jan1),
		clock:  clock.NewMock(),
		bus:    bus.New(),
	}
	f.clock.Set(jan2.Add(24 * time.Hour))
	if opts.Clock == nil {
		opts.Clock = f.clock
	}
	f.engine = NewEngine(f.db, f.remote, f.bus, status.NewRegistry(f.bus), zap.NewNop(), opts)
	return f
}

func (f *fixture) conversation(id, owner string, updated time.Time) {
	f.remote.PutConversation(store.Conversation{
		ID: id, OwnerID: owner, Title: "title " + id, CreatedAt: updated, UpdatedAt: updated,
	})
}

func (f *fixture) message(id, convID, owner string, created time.Time) {
	f.remote.PutMessage(store.Message{
		ID: id, ConversationID: convID, OwnerID: owner, Role: store.RoleUser, Content: "hello " + id, CreatedAt: created,
	})
}

func TestSyncExampleScenario(t *testing.T) {
	f := newFixture(t, Options{TombstoneRetention: 30 * 24 * time.Hour})
	ctx := context.Background()

	if _, err := f.db.AdvanceCheckpoint(ctx, "U1", jan1, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	f.conversation("C1", "U1", jan1.Add(6*time.Hour))
	f.message("M1", "C1", "U1", jan1.Add(12*time.Hour))
	f.message("M2", "C1", "U1", jan2)

	res, err := f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != store.ModeDelta {
		t.Errorf("mode = %s, want delta", res.Mode)
	}
	if res.Conversations != 1 || res.Messages != 2 {
		t.Errorf("merged %d conversations and %d messages, want 1 and 2", res.Conversations, res.Messages)
	}
	cp, err := f.db.GetCheckpoint(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if !cp.LastSyncedAt.Equal(jan2) {
		t.Errorf("checkpoint = %v, want %v", cp.LastSyncedAt, jan2)
	}
	if !res.Advanced {
		t.Error("result should report the checkpoint advanced")
	}

	res, err = f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Merged() != 0 {
		t.Errorf("second pass merged %d rows, want 0", res.Merged())
	}
	if res.Advanced {
		t.Error("second pass must not move the checkpoint")
	}
	cp, _ = f.db.GetCheckpoint(ctx, "U1")
	if !cp.LastSyncedAt.Equal(jan2) {
		t.Errorf("checkpoint after second pass = %v, want %v", cp.LastSyncedAt, jan2)
	}
}

func TestSyncFirstRunIsFullAndPaged(t *testing.T) {
	f := newFixture(t, Options{PageSize: 50})
	ctx := context.Background()

	f.conversation("C1", "U1", jan1)
	for i := 0; i < 120; i++ {
		f.message(fmt.Sprintf("M%03d", i), "C1", "U1", jan1.Add(time.Duration(i+1)*time.Minute))
	}
	// another owner's rows are never fetched
	f.conversation("X1", "U2", jan1)

	res, err := f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != store.ModeFull {
		t.Errorf("mode = %s, want full", res.Mode)
	}
	if res.Messages != 120 {
		t.Errorf("messages = %d, want 120", res.Messages)
	}
	// one conversation page plus three message pages (50, 50, 20)
	if res.Pages != 4 {
		t.Errorf("pages = %d, want 4", res.Pages)
	}
	if got := f.remote.Calls("FetchMessagesSince"); got != 3 {
		t.Errorf("message fetches = %d, want 3", got)
	}
	if c, _ := f.db.GetConversation(ctx, "X1"); c != nil {
		t.Error("another owner's conversation leaked into the cache")
	}

	res, err = f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != store.ModeDelta || res.Merged() != 0 {
		t.Errorf("second pass = %+v, want an empty delta", res)
	}
}

func TestSyncNeverDuplicatesMessages(t *testing.T) {
	// A wide overlap re-fetches every row on each pass.
	f := newFixture(t, Options{PageSize: 3, Overlap: 48 * time.Hour})
	ctx := context.Background()

	f.conversation("C1", "U1", jan1)
	for i := 0; i < 7; i++ {
		f.message(fmt.Sprintf("M%d", i), "C1", "U1", jan1.Add(time.Duration(i+1)*time.Hour))
	}

	for pass := 0; pass < 3; pass++ {
		if _, err := f.engine.Sync(ctx, "U1"); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}
	for i := 0; i < 7; i++ {
		n, err := f.db.CountMessagesByID(ctx, fmt.Sprintf("M%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("M%d stored %d times, want 1", i, n)
		}
	}
	total, _ := f.db.MessageCount(ctx, "U1")
	if total != 7 {
		t.Errorf("message count = %d, want 7", total)
	}
}

func TestSyncLastWriterWins(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	t0 := jan1
	t1 := jan1.Add(time.Hour)
	t2 := jan1.Add(2 * time.Hour)

	if _, err := f.db.ApplyPage(ctx, store.Page{Conversations: []store.Conversation{
		{ID: "C1", OwnerID: "U1", Title: "local", CreatedAt: t0, UpdatedAt: t1},
	}}); err != nil {
		t.Fatal(err)
	}

	f.remote.PutConversation(store.Conversation{ID: "C1", OwnerID: "U1", Title: "stale", CreatedAt: t0, UpdatedAt: t0})
	if _, err := f.engine.SyncConversation(ctx, "U1", "C1"); err != nil {
		t.Fatal(err)
	}
	c, _ := f.db.GetConversation(ctx, "C1")
	if c.Title != "local" || !c.UpdatedAt.Equal(t1) {
		t.Errorf("stale remote row overwrote local: %+v", c)
	}

	f.remote.PutConversation(store.Conversation{ID: "C1", OwnerID: "U1", Title: "newer", CreatedAt: t0, UpdatedAt: t2})
	if _, err := f.engine.Sync(ctx, "U1"); err != nil {
		t.Fatal(err)
	}
	c, _ = f.db.GetConversation(ctx, "C1")
	if c.Title != "newer" || !c.UpdatedAt.Equal(t2) {
		t.Errorf("newer remote row not applied: %+v", c)
	}
}

func TestSyncCheckpointSafeUnderInterruption(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2})
	ctx := context.Background()

	if _, err := f.db.AdvanceCheckpoint(ctx, "U1", jan1, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	f.conversation("C1", "U1", jan1.Add(1*time.Hour))
	f.conversation("C2", "U1", jan1.Add(2*time.Hour))
	f.conversation("C3", "U1", jan1.Add(3*time.Hour))

	failing := true
	f.remote.FailOn = func(method string, n int) error {
		if failing && method == "FetchConversationsSince" && n == 2 {
			return syncerr.New(syncerr.Network, "fetch", errors.New("connection reset"))
		}
		return nil
	}

	res, err := f.engine.Sync(ctx, "U1")
	if !errors.Is(err, syncerr.ErrNetwork) {
		t.Fatalf("err = %v, want a network error", err)
	}
	if res.Pages != 1 || res.Conversations != 2 {
		t.Errorf("partial result = %+v, want page 1 with 2 conversations", res)
	}
	cp, _ := f.db.GetCheckpoint(ctx, "U1")
	if !cp.LastSyncedAt.Equal(jan1) {
		t.Errorf("checkpoint = %v, want unchanged %v", cp.LastSyncedAt, jan1)
	}
	if c, _ := f.db.GetConversation(ctx, "C1"); c == nil {
		t.Error("page 1 should stay merged")
	}
	if f.engine.States().For("U1").Current() != status.Degraded {
		t.Errorf("state = %s, want DEGRADED", f.engine.States().For("U1").Current())
	}

	failing = false
	res, err = f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	// page 1 replays as a no-op, page 2 lands
	if res.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", res.Conversations)
	}
	cp, _ = f.db.GetCheckpoint(ctx, "U1")
	if !cp.LastSyncedAt.Equal(jan1.Add(3 * time.Hour)) {
		t.Errorf("checkpoint = %v, want %v", cp.LastSyncedAt, jan1.Add(3*time.Hour))
	}
	if f.engine.States().For("U1").Current() != status.Idle {
		t.Errorf("state = %s, want IDLE", f.engine.States().For("U1").Current())
	}
}

func TestSyncCancelled(t *testing.T) {
	f := newFixture(t, Options{})
	f.conversation("C1", "U1", jan1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Sync(ctx, "U1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Pages != 0 {
		t.Errorf("pages = %d, want 0", res.Pages)
	}
	if cp, _ := f.db.GetCheckpoint(context.Background(), "U1"); cp != nil {
		t.Error("cancelled pass must not create a checkpoint")
	}
}

func TestSyncAuthFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.remote.FailOn = func(method string, n int) error {
		return syncerr.New(syncerr.Auth, method, errors.New("jwt expired"))
	}

	_, err := f.engine.Sync(context.Background(), "U1")
	if !errors.Is(err, syncerr.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if got := f.engine.States().For("U1").Current(); got != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", got)
	}
}

// flakyCache fails ApplyPage a fixed number of times.
type flakyCache struct {
	*store.DB
	mu       gosync.Mutex
	failures int
}

func (c *flakyCache) ApplyPage(ctx context.Context, page store.Page) (store.Applied, error) {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return store.Applied{}, errors.New("disk I/O error")
	}
	c.mu.Unlock()
	return c.DB.ApplyPage(ctx, page)
}

func TestSyncRetriesLocalWriteOnce(t *testing.T) {
	db := testDB(t)
	rc := remotetest.New(jan1)
	rc.PutConversation(store.Conversation{ID: "C1", OwnerID: "U1", CreatedAt: jan1, UpdatedAt: jan1})

	cache := &flakyCache{DB: db, failures: 1}
	e := NewEngine(cache, rc, nil, nil, zap.NewNop(), Options{})
	res, err := e.Sync(context.Background(), "U1")
	if err != nil {
		t.Fatalf("one failure should be retried: %v", err)
	}
	if res.Conversations != 1 {
		t.Errorf("conversations = %d, want 1", res.Conversations)
	}

	db2 := testDB(t)
	cache = &flakyCache{DB: db2, failures: 2}
	e = NewEngine(cache, rc, nil, nil, zap.NewNop(), Options{})
	_, err = e.Sync(context.Background(), "U1")
	if !errors.Is(err, syncerr.ErrStoreWrite) {
		t.Fatalf("err = %v, want store write error", err)
	}
	if cp, _ := db2.GetCheckpoint(context.Background(), "U1"); cp != nil {
		t.Error("failed pass must not create a checkpoint")
	}
}

func TestSyncConversationLeavesCheckpoint(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2})
	ctx := context.Background()

	f.conversation("C1", "U1", jan1)
	f.conversation("C2", "U1", jan1)
	for i := 0; i < 5; i++ {
		f.message(fmt.Sprintf("M%d", i), "C1", "U1", jan1.Add(time.Duration(i+1)*time.Minute))
	}
	f.message("N1", "C2", "U1", jan1.Add(time.Minute))

	res, err := f.engine.SyncConversation(ctx, "U1", "C1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Conversations != 1 || res.Messages != 5 {
		t.Errorf("result = %+v, want 1 conversation and 5 messages", res)
	}
	if c, _ := f.db.GetConversation(ctx, "C2"); c != nil {
		t.Error("other conversations must not be merged")
	}
	if cp, _ := f.db.GetCheckpoint(ctx, "U1"); cp != nil {
		t.Error("SyncConversation must not write the checkpoint")
	}

	// a later message is picked up
	f.message("M5", "C1", "U1", jan1.Add(time.Hour))
	res, err = f.engine.SyncConversation(ctx, "U1", "C1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 {
		t.Errorf("messages = %d, want 1", res.Messages)
	}

	res, err = f.engine.SyncConversation(ctx, "U1", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if res.Merged() != 0 {
		t.Errorf("missing conversation merged %d rows", res.Merged())
	}
}

func TestFullSyncPrunesRowsMissingRemotely(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.db.ApplyPage(ctx, store.Page{
		Conversations: []store.Conversation{{ID: "ghost", OwnerID: "U1", CreatedAt: jan1, UpdatedAt: jan1}},
		Messages:      []store.Message{{ID: "g1", ConversationID: "ghost", OwnerID: "U1", Role: store.RoleUser, CreatedAt: jan1}},
	}); err != nil {
		t.Fatal(err)
	}
	f.conversation("C1", "U1", jan1)

	res, err := f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Pruned != 1 {
		t.Errorf("pruned = %d, want 1", res.Pruned)
	}
	if c, _ := f.db.GetConversation(ctx, "ghost"); c != nil {
		t.Error("ghost conversation should be pruned")
	}
	if n, _ := f.db.CountMessagesByID(ctx, "g1"); n != 0 {
		t.Error("ghost messages should be pruned")
	}
}

// midPassRemote runs beforeMessages once, between the conversation and
// message streams of a pass.
type midPassRemote struct {
	*remotetest.Fake
	once           gosync.Once
	beforeMessages func()
}

func (r *midPassRemote) FetchMessagesSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (remote.MessagePage, error) {
	r.once.Do(r.beforeMessages)
	return r.Fake.FetchMessagesSince(ctx, ownerID, since, cursor, limit)
}

func TestFullSyncKeepsConversationMergedMidPass(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.db.ApplyPage(ctx, store.Page{
		Conversations: []store.Conversation{{ID: "ghost", OwnerID: "U1", CreatedAt: jan1, UpdatedAt: jan1}},
	}); err != nil {
		t.Fatal(err)
	}
	f.conversation("C1", "U1", jan1)

	var e *Engine
	rc := &midPassRemote{Fake: f.remote}
	rc.beforeMessages = func() {
		f.conversation("C-new", "U1", jan1.Add(time.Hour))
		if _, err := e.SyncConversation(ctx, "U1", "C-new"); err != nil {
			t.Errorf("conversation pass: %v", err)
		}
	}
	e = NewEngine(f.db, rc, f.bus, status.NewRegistry(f.bus), zap.NewNop(), Options{Clock: f.clock})

	res, err := e.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Pruned != 1 {
		t.Errorf("pruned = %d, want 1", res.Pruned)
	}
	if c, _ := f.db.GetConversation(ctx, "ghost"); c != nil {
		t.Error("ghost conversation should be pruned")
	}
	if c, _ := f.db.GetConversation(ctx, "C-new"); c == nil {
		t.Error("conversation merged after the conversation stream must survive the prune")
	}
}

func TestSyncConversationCatchesLateCommittedMessages(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.conversation("C1", "U1", jan1)
	f.message("M2", "C1", "U1", jan1.Add(2*time.Minute))
	if _, err := f.engine.SyncConversation(ctx, "U1", "C1"); err != nil {
		t.Fatal(err)
	}

	// committed after M2 was cached, stamped before it
	f.message("M1", "C1", "U1", jan1.Add(time.Minute))
	res, err := f.engine.SyncConversation(ctx, "U1", "C1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Messages != 1 {
		t.Errorf("messages = %d, want 1", res.Messages)
	}
	for _, id := range []string{"M1", "M2"} {
		if n, _ := f.db.CountMessagesByID(ctx, id); n != 1 {
			t.Errorf("%s cached %d times, want 1", id, n)
		}
	}
}

func TestStaleCheckpointForcesFullSync(t *testing.T) {
	f := newFixture(t, Options{TombstoneRetention: 7 * 24 * time.Hour})
	ctx := context.Background()

	if _, err := f.db.AdvanceCheckpoint(ctx, "U1", jan1, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != store.ModeDelta {
		t.Errorf("fresh checkpoint mode = %s, want delta", res.Mode)
	}

	f.clock.Add(8 * 24 * time.Hour)
	res, err = f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != store.ModeFull {
		t.Errorf("stale checkpoint mode = %s, want full", res.Mode)
	}
}

func TestSyncConfirmsPendingOutbox(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.db.QueueOutbox(ctx, &store.OutboxEntry{
		OpID: "M1", OwnerID: "U1", Kind: store.OutboxSendMessage, ConversationID: "C1",
	}); err != nil {
		t.Fatal(err)
	}
	f.conversation("C1", "U1", jan1)
	f.message("M1", "C1", "U1", jan1.Add(time.Minute))

	res, err := f.engine.Sync(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Confirmed != 1 {
		t.Errorf("confirmed = %d, want 1", res.Confirmed)
	}
	pending, _ := f.db.ListOutbox(ctx, "U1", store.OutboxQueued, store.OutboxSending, store.OutboxSent)
	if len(pending) != 0 {
		t.Errorf("pending entries = %d, want 0 once the message is merged", len(pending))
	}
}

func TestConcurrentSyncsAreSafe(t *testing.T) {
	f := newFixture(t, Options{PageSize: 5})
	ctx := context.Background()

	for c := 0; c < 4; c++ {
		conv := fmt.Sprintf("C%d", c)
		f.conversation(conv, "U1", jan1)
		for m := 0; m < 10; m++ {
			f.message(fmt.Sprintf("%s-M%d", conv, m), conv, "U1", jan1.Add(time.Duration(c*10+m+1)*time.Minute))
		}
	}

	var wg gosync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Sync(ctx, "U1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent sync: %v", err)
	}

	total, _ := f.db.MessageCount(ctx, "U1")
	if total != 40 {
		t.Errorf("message count = %d, want 40", total)
	}
	cp, _ := f.db.GetCheckpoint(ctx, "U1")
	if cp == nil || !cp.LastSyncedAt.Equal(jan1.Add(40*time.Minute)) {
		t.Errorf("checkpoint = %+v, want %v", cp, jan1.Add(40*time.Minute))
	}
	if got := f.engine.States().For("U1").Current(); got != status.Idle {
		t.Errorf("state = %s, want IDLE", got)
	}
}

func TestSyncPublishesEvents(t *testing.T) {
	f := newFixture(t, Options{})
	ch, unsub := f.bus.Subscribe("", 32)
	defer unsub()

	f.conversation("C1", "U1", jan1)
	f.message("M1", "C1", "U1", jan1.Add(time.Minute))

	if _, err := f.engine.Sync(context.Background(), "U1"); err != nil {
		t.Fatal(err)
	}

	kinds := map[string]bool{}
	timeout := time.After(time.Second)
	for !kinds[bus.SyncCompleted] {
		select {
		case evt := <-ch:
			kinds[evt.Kind] = true
		case <-timeout:
			t.Fatalf("missing sync.completed, got %v", kinds)
		}
	}
	for _, k := range []string{bus.SyncStateChanged, bus.ConversationMerged, bus.MessageMerged} {
		if !kinds[k] {
			t.Errorf("missing %s event", k)
		}
	}
}
