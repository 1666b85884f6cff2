package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFeed struct {
	ch        chan Notification
	closeOnce sync.Once
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan Notification)}
}

func (f *fakeFeed) Notifications() <-chan Notification { return f.ch }

func (f *fakeFeed) Close() error { return nil }

// fail simulates the connection dropping.
func (f *fakeFeed) fail() { f.closeOnce.Do(func() { close(f.ch) }) }

type fakeSource struct {
	feeds    chan *fakeFeed
	failures atomic.Int32
	opens    atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{feeds: make(chan *fakeFeed, 4)}
}

func (s *fakeSource) Open(ctx context.Context, _ string) (Feed, error) {
	s.opens.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	select {
	case f := <-s.feeds:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCounter() *counter { return &counter{counts: make(map[string]int)} }

func (c *counter) inc(id string) {
	c.mu.Lock()
	c.counts[id]++
	c.mu.Unlock()
}

func (c *counter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func change(convID string) Notification {
	return Notification{Change: &Change{Table: "messages", ConversationID: convID, OwnerID: "o1", ChangeType: "INSERT"}}
}

func pendingLen(s *Subscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func TestDebounceCollapsesBurst(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource()
	feed := newFakeFeed()
	src.feeds <- feed

	l := New(src, nil, zap.NewNop(), Options{Window: 200 * time.Millisecond, Clock: mock})
	calls := newCounter()
	sub, err := l.Subscribe(context.Background(), "o1", calls.inc)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		feed.ch <- change("c1")
	}
	// c2 is only received once the tenth c1 change has been handled.
	feed.ch <- change("c2")
	require.Eventually(t, func() bool { return pendingLen(sub) == 2 }, time.Second, time.Millisecond)

	mock.Add(200 * time.Millisecond)

	require.Eventually(t, func() bool { return calls.get("c1") == 1 && calls.get("c2") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, calls.get("c1"))
	assert.Equal(t, 1, calls.get("c2"))
}

func TestDebounceFiresAgainInNextWindow(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource()
	feed := newFakeFeed()
	src.feeds <- feed

	l := New(src, nil, zap.NewNop(), Options{Window: time.Second, Clock: mock})
	calls := newCounter()
	sub, err := l.Subscribe(context.Background(), "o1", calls.inc)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	feed.ch <- change("c1")
	require.Eventually(t, func() bool { return pendingLen(sub) == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return calls.get("c1") == 1 && pendingLen(sub) == 0 }, time.Second, time.Millisecond)

	feed.ch <- change("c1")
	require.Eventually(t, func() bool { return pendingLen(sub) == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return calls.get("c1") == 2 }, time.Second, time.Millisecond)
}

func TestUnsubscribeCancelsPending(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource()
	feed := newFakeFeed()
	src.feeds <- feed

	l := New(src, nil, zap.NewNop(), Options{Window: time.Second, Clock: mock})
	calls := newCounter()
	sub, err := l.Subscribe(context.Background(), "o1", calls.inc)
	require.NoError(t, err)

	feed.ch <- change("c1")
	require.Eventually(t, func() bool { return pendingLen(sub) == 1 }, time.Second, time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()

	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, calls.get("c1"))
	assert.Equal(t, 0, pendingLen(sub))
}

func TestUnsubscribeWaitsForRunningCallback(t *testing.T) {
	mock := clock.NewMock()
	src := newFakeSource()
	feed := newFakeFeed()
	src.feeds <- feed

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	l := New(src, nil, zap.NewNop(), Options{Window: time.Second, Clock: mock})
	sub, err := l.Subscribe(context.Background(), "o1", func(string) {
		close(started)
		<-release
		finished.Store(true)
	})
	require.NoError(t, err)

	feed.ch <- change("c1")
	require.Eventually(t, func() bool { return pendingLen(sub) == 1 }, time.Second, time.Millisecond)
	mock.Add(time.Second)
	<-started

	done := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Unsubscribe returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not return")
	}
	assert.True(t, finished.Load())
}

func TestFeedLossTriggersOneResync(t *testing.T) {
	src := newFakeSource()
	first := newFakeFeed()
	second := newFakeFeed()
	src.feeds <- first
	src.feeds <- second

	var resyncs atomic.Int32
	resync := func(ctx context.Context, ownerID string) error {
		assert.Equal(t, "o1", ownerID)
		resyncs.Add(1)
		return nil
	}

	l := New(src, resync, zap.NewNop(), Options{
		Window:       time.Millisecond,
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
	})
	sub, err := l.Subscribe(context.Background(), "o1", func(string) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return src.opens.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), resyncs.Load(), "initial open must not resync")

	first.fail()
	require.Eventually(t, func() bool { return resyncs.Load() == 1 }, time.Second, time.Millisecond)

	// the second feed stays healthy, so no further resync happens
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), resyncs.Load())
	assert.Equal(t, int32(2), src.opens.Load())
}

func TestReconnectedSignalTriggersResync(t *testing.T) {
	src := newFakeSource()
	feed := newFakeFeed()
	src.feeds <- feed

	var resyncs atomic.Int32
	l := New(src, func(context.Context, string) error {
		resyncs.Add(1)
		return nil
	}, zap.NewNop(), Options{})
	sub, err := l.Subscribe(context.Background(), "o1", func(string) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	feed.ch <- Notification{Reconnected: true}
	require.Eventually(t, func() bool { return resyncs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestOpenFailureRetriesAndResyncs(t *testing.T) {
	src := newFakeSource()
	src.failures.Store(2)
	src.feeds <- newFakeFeed()

	var resyncs atomic.Int32
	l := New(src, func(context.Context, string) error {
		resyncs.Add(1)
		return nil
	}, zap.NewNop(), Options{ReconnectMin: time.Millisecond, ReconnectMax: 2 * time.Millisecond})
	sub, err := l.Subscribe(context.Background(), "o1", func(string) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return resyncs.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), src.opens.Load())
}

func TestSubscribeValidatesArguments(t *testing.T) {
	l := New(newFakeSource(), nil, nil, Options{})

	_, err := l.Subscribe(context.Background(), "", func(string) {})
	assert.Error(t, err)

	_, err = l.Subscribe(context.Background(), "o1", nil)
	assert.Error(t, err)
}
