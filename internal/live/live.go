// Package live turns remote change notifications into debounced
// per-conversation callbacks.
package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/metrics"
)

// DefaultWindow is the debounce window applied per conversation.
const DefaultWindow = 250 * time.Millisecond

// Change describes one row changed in the remote store.
type Change struct {
	Table          string `json:"table"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	ChangeType     string `json:"change_type"`
}

// Notification is either a change or a signal that the channel was
// re-established and changes may have been missed.
type Notification struct {
	Change      *Change
	Reconnected bool
}

// Feed is an open change channel. Notifications is closed when the feed
// fails or is closed.
type Feed interface {
	Notifications() <-chan Notification
	Close() error
}

// Source opens change feeds for an owner.
type Source interface {
	Open(ctx context.Context, ownerID string) (Feed, error)
}

// ResyncFunc runs a full reconciliation pass for an owner.
type ResyncFunc func(ctx context.Context, ownerID string) error

// Options tunes a Listener.
type Options struct {
	Window       time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Clock        clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Listener subscribes to remote changes.
type Listener struct {
	source Source
	resync ResyncFunc
	opts   Options
	logger *zap.Logger
}

// New creates a Listener. resync is called once after every reconnect.
func New(source Source, resync ResyncFunc, logger *zap.Logger, opts Options) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		source: source,
		resync: resync,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Subscribe starts watching an owner's changes. onChange is called at most
// once per window for each changed conversation, on its own goroutine.
// onChange must not call Unsubscribe.
//
// The feed is opened in the background, so Subscribe succeeds while the
// remote store is unreachable; the first successful open after a failure
// counts as a reconnect.
func (l *Listener) Subscribe(ctx context.Context, ownerID string, onChange func(conversationID string)) (*Subscription, error) {
	if ownerID == "" {
		return nil, errors.New("subscribe: empty owner id")
	}
	if onChange == nil {
		return nil, errors.New("subscribe: nil callback")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		l:        l,
		ownerID:  ownerID,
		onChange: onChange,
		cancel:   cancel,
		pending:  make(map[string]*clock.Timer),
		logger:   l.logger.With(zap.String("owner_id", ownerID)),
	}
	s.wg.Add(1)
	go s.run(runCtx)
	return s, nil
}

// Subscription is an active change watch for one owner.
type Subscription struct {
	l        *Listener
	ownerID  string
	onChange func(string)
	cancel   context.CancelFunc
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*clock.Timer
	closed  bool

	// held for the duration of each onChange call
	deliverMu sync.Mutex

	connected atomic.Bool

	wg   sync.WaitGroup
	once sync.Once
}

// OwnerID returns the owner this subscription watches.
func (s *Subscription) OwnerID() string { return s.ownerID }

// Connected reports whether a change feed is currently open.
func (s *Subscription) Connected() bool { return s.connected.Load() }

// Unsubscribe stops the subscription. It is safe to call more than once.
// When it returns, pending callbacks are cancelled, any callback already
// running has finished, and no further callback will run.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, t := range s.pending {
			t.Stop()
			delete(s.pending, id)
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		// wait out a callback that is already running
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	})
}

func (s *Subscription) run(ctx context.Context) {
	defer s.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.l.opts.ReconnectMin
	b.MaxInterval = s.l.opts.ReconnectMax
	b.MaxElapsedTime = 0

	missed := false
	for {
		feed, err := s.l.source.Open(ctx, s.ownerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			missed = true
			wait := b.NextBackOff()
			s.logger.Warn("open change feed failed", zap.Duration("retry_in", wait), zap.Error(err))
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()

		if missed {
			missed = false
			s.resync(ctx)
		}

		s.connected.Store(true)
		s.consume(ctx, feed)
		s.connected.Store(false)
		_ = feed.Close()
		if ctx.Err() != nil {
			return
		}

		missed = true
		wait := b.NextBackOff()
		s.logger.Warn("change feed closed, reconnecting", zap.Duration("retry_in", wait))
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

func (s *Subscription) consume(ctx context.Context, feed Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-feed.Notifications():
			if !ok {
				return
			}
			switch {
			case n.Reconnected:
				metrics.RecordLiveNotification("reconnected")
				s.resync(ctx)
			case n.Change != nil && n.Change.ConversationID != "":
				s.schedule(n.Change.ConversationID)
			}
		}
	}
}

func (s *Subscription) sleep(ctx context.Context, d time.Duration) bool {
	t := s.l.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Subscription) resync(ctx context.Context) {
	if s.l.resync == nil {
		return
	}
	s.logger.Info("change feed reconnected, running full sync")
	if err := s.l.resync(ctx, s.ownerID); err != nil && ctx.Err() == nil {
		s.logger.Warn("resync after reconnect failed", zap.Error(err))
	}
}

// schedule arms one delivery per conversation per window. Changes arriving
// while a delivery is armed are absorbed by it.
func (s *Subscription) schedule(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.pending[conversationID]; ok {
		metrics.RecordLiveNotification("debounced")
		return
	}
	metrics.RecordLiveNotification("scheduled")
	s.pending[conversationID] = s.l.opts.Clock.AfterFunc(s.l.opts.Window, func() {
		s.fire(conversationID)
	})
}

func (s *Subscription) fire(conversationID string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	delete(s.pending, conversationID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.onChange(conversationID)
}
