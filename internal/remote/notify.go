package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/live"
)

// ChannelPrefix prefixes every per-owner notification channel. The notify
// trigger installed by the remote migrations uses the same literal, so it
// is not configurable.
const ChannelPrefix = "atlas_"

// ChannelFor returns the LISTEN channel carrying an owner's changes. The
// owner id is hashed so arbitrary ids map to a valid identifier.
func ChannelFor(ownerID string) string {
	sum := md5.Sum([]byte(ownerID))
	return ChannelPrefix + hex.EncodeToString(sum[:])
}

// NotifySource opens LISTEN/NOTIFY feeds on the remote store.
type NotifySource struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

var _ live.Source = (*NotifySource)(nil)

// NewNotifySource returns a source that listens through its own connection.
func NewNotifySource(dsn string, minReconnect, maxReconnect time.Duration, logger *zap.Logger) *NotifySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minReconnect <= 0 {
		minReconnect = time.Second
	}
	if maxReconnect < minReconnect {
		maxReconnect = time.Minute
	}
	return &NotifySource{
		dsn:          dsn,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		pingInterval: 90 * time.Second,
		logger:       logger,
	}
}

// Open subscribes to the owner's channel. It waits for Listen to return or
// ctx to end. When the first connection attempt fails Listen still returns
// nil and the listener issues the LISTEN once it reconnects, so a nil error
// does not mean the server is already delivering notifications.
func (s *NotifySource) Open(ctx context.Context, ownerID string) (live.Feed, error) {
	log := s.logger.With(zap.String("owner_id", ownerID))
	l := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("notify connection attempt failed", zap.Error(err))
		case pq.ListenerEventDisconnected:
			log.Warn("notify connection lost", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("notify connection re-established")
		}
	})

	channel := ChannelFor(ownerID)
	listenErr := make(chan error, 1)
	go func() { listenErr <- l.Listen(channel) }()

	select {
	case err := <-listenErr:
		if err != nil {
			_ = l.Close()
			return nil, classify("remote.listen", fmt.Errorf("listen %s: %w", channel, err))
		}
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}

	f := &notifyFeed{
		listener: l,
		ownerID:  ownerID,
		out:      make(chan live.Notification, 64),
		done:     make(chan struct{}),
		logger:   log,
	}
	f.wg.Add(1)
	go f.run(s.pingInterval)
	return f, nil
}

type notifyFeed struct {
	listener *pq.Listener
	ownerID  string
	out      chan live.Notification
	done     chan struct{}
	logger   *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (f *notifyFeed) Notifications() <-chan live.Notification { return f.out }

func (f *notifyFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.listener.Close()
		f.wg.Wait()
	})
	return err
}

func (f *notifyFeed) run(pingInterval time.Duration) {
	defer f.wg.Done()
	defer close(f.out)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq delivers nil after re-establishing a lost connection;
				// anything sent while it was down is gone.
				f.send(live.Notification{Reconnected: true})
				continue
			}
			var ch live.Change
			if err := json.Unmarshal([]byte(n.Extra), &ch); err != nil {
				f.logger.Warn("malformed change notification", zap.String("payload", n.Extra), zap.Error(err))
				continue
			}
			if ch.OwnerID != f.ownerID {
				continue
			}
			f.send(live.Notification{Change: &ch})
		case <-ping.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Debug("notify ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (f *notifyFeed) send(n live.Notification) {
	select {
	case f.out <- n:
	case <-f.done:
	}
}
