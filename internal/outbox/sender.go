// Package outbox applies locally queued writes to the remote store.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/bus"
	"github.com/matheus3301/atlas/internal/metrics"
	"github.com/matheus3301/atlas/internal/remote"
	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/syncerr"
)

// Queue is the outbox table of the local cache.
type Queue interface {
	QueueOutbox(ctx context.Context, e *store.OutboxEntry) (bool, error)
	PendingOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error)
	ClaimOutbox(ctx context.Context, opID string) (bool, error)
	MarkOutboxSent(ctx context.Context, opID string) error
	MarkOutboxFailed(ctx context.Context, opID, errMsg string) error
	RequeueOutbox(ctx context.Context, opID, errMsg string) error
	RecoverOutbox(ctx context.Context) (int64, error)
}

// MessagePayload is the body of a message.send entry.
type MessagePayload struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// ConversationPayload is the body of a conversation.upsert entry.
type ConversationPayload struct {
	Title string `json:"title"`
}

// Update is the payload of outbox.* events.
type Update struct {
	OpID           string
	Kind           store.OutboxKind
	ConversationID string
	Attempts       int
	Error          string
}

// Options tunes the sender.
type Options struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Clock       clock.Clock
	// AfterSend runs once the remote store accepted an entry, so the caller
	// can pull the authoritative row back into the cache.
	AfterSend func(ctx context.Context, ownerID, conversationID string)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Sender drains the outbox and applies each entry to the remote store.
type Sender struct {
	queue  Queue
	remote remote.Client
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	kick   chan struct{}
	drain  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(queue Queue, rc remote.Client, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:  queue,
		remote: rc,
		bus:    b,
		logger: logger,
		opts:   opts.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// QueueMessage queues a message send. A message without an id gets one;
// the id doubles as the op id so the merged row confirms the entry.
func (s *Sender) QueueMessage(ctx context.Context, m store.Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.OwnerID == "" || m.ConversationID == "" {
		return "", syncerr.New(syncerr.Invalid, "outbox.queue_message", errors.New("owner and conversation are required"))
	}
	if m.Role == "" {
		m.Role = store.RoleUser
	}
	if !m.Role.Valid() {
		return "", syncerr.New(syncerr.Invalid, "outbox.queue_message", fmt.Errorf("unknown role %q", m.Role))
	}
	payload, err := json.Marshal(MessagePayload{Role: m.Role, Content: m.Content})
	if err != nil {
		return "", err
	}
	return m.ID, s.enqueue(ctx, &store.OutboxEntry{
		OpID:           m.ID,
		OwnerID:        m.OwnerID,
		Kind:           store.OutboxSendMessage,
		ConversationID: m.ConversationID,
		Payload:        payload,
	})
}

// QueueConversation queues a conversation create or rename.
func (s *Sender) QueueConversation(ctx context.Context, c store.Conversation) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.OwnerID == "" {
		return "", syncerr.New(syncerr.Invalid, "outbox.queue_conversation", errors.New("owner is required"))
	}
	payload, err := json.Marshal(ConversationPayload{Title: c.Title})
	if err != nil {
		return "", err
	}
	return c.ID, s.enqueue(ctx, &store.OutboxEntry{
		OpID:           uuid.NewString(),
		OwnerID:        c.OwnerID,
		Kind:           store.OutboxUpsertConversation,
		ConversationID: c.ID,
		Payload:        payload,
	})
}

// QueueDelete queues a soft delete of a conversation.
func (s *Sender) QueueDelete(ctx context.Context, ownerID, conversationID string) error {
	if ownerID == "" || conversationID == "" {
		return syncerr.New(syncerr.Invalid, "outbox.queue_delete", errors.New("owner and conversation are required"))
	}
	return s.enqueue(ctx, &store.OutboxEntry{
		OpID:           uuid.NewString(),
		OwnerID:        ownerID,
		Kind:           store.OutboxDeleteConversation,
		ConversationID: conversationID,
	})
}

func (s *Sender) enqueue(ctx context.Context, e *store.OutboxEntry) error {
	created, err := s.queue.QueueOutbox(ctx, e)
	if err != nil {
		return syncerr.New(syncerr.StoreWrite, "outbox.queue", err)
	}
	if !created {
		return nil
	}
	metrics.RecordOutboxOp(string(e.Kind), "queued")
	s.emit(bus.OutboxQueued, e.OwnerID, Update{OpID: e.OpID, Kind: e.Kind, ConversationID: e.ConversationID})
	s.Kick()
	return nil
}

// Kick wakes the loop without waiting for the next tick.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start requeues entries a previous process left mid-send, then begins
// polling the outbox.
func (s *Sender) Start(ctx context.Context) error {
	n, err := s.queue.RecoverOutbox(ctx)
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		s.logger.Info("requeued interrupted outbox entries", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop stops the sender loop and waits for the current batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := s.opts.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
		if _, err := s.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("failed to read outbox", zap.Error(err))
		}
	}
}

// Drain processes one batch of queued entries and reports how many the
// remote store accepted.
func (s *Sender) Drain(ctx context.Context) (int, error) {
	s.drain.Lock()
	defer s.drain.Unlock()

	pending, err := s.queue.PendingOutbox(ctx, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		claimed, err := s.queue.ClaimOutbox(ctx, entry.OpID)
		if err != nil {
			s.logger.Error("failed to claim outbox entry", zap.Error(err), zap.String("op_id", entry.OpID))
			continue
		}
		if !claimed {
			continue
		}
		entry.Attempts++
		if s.process(ctx, entry) {
			sent++
		}
	}
	return sent, nil
}

func (s *Sender) process(ctx context.Context, entry store.OutboxEntry) bool {
	log := s.logger.With(
		zap.String("op_id", entry.OpID),
		zap.String("kind", string(entry.Kind)),
		zap.String("owner_id", entry.OwnerID),
		zap.String("conversation_id", entry.ConversationID),
	)
	update := Update{OpID: entry.OpID, Kind: entry.Kind, ConversationID: entry.ConversationID, Attempts: entry.Attempts}

	err := s.apply(ctx, entry)
	if err == nil {
		if err := s.queue.MarkOutboxSent(ctx, entry.OpID); err != nil {
			log.Error("failed to mark sent", zap.Error(err))
		}
		metrics.RecordOutboxOp(string(entry.Kind), "sent")
		log.Info("outbox entry sent", zap.Int("attempts", entry.Attempts))
		s.emit(bus.OutboxSent, entry.OwnerID, update)
		if s.opts.AfterSend != nil {
			s.opts.AfterSend(ctx, entry.OwnerID, entry.ConversationID)
		}
		return true
	}

	update.Error = err.Error()
	// cancellation leaves the entry for the next process
	if errors.Is(err, context.Canceled) || (syncerr.Retryable(err) && entry.Attempts < s.opts.MaxAttempts) {
		// a fresh context: ctx may already be done
		if rerr := s.queue.RequeueOutbox(context.Background(), entry.OpID, err.Error()); rerr != nil {
			log.Error("failed to requeue", zap.Error(rerr))
		}
		metrics.RecordOutboxOp(string(entry.Kind), "retry")
		log.Warn("outbox entry will be retried", zap.Int("attempts", entry.Attempts), zap.Error(err))
		return false
	}

	if ferr := s.queue.MarkOutboxFailed(ctx, entry.OpID, err.Error()); ferr != nil {
		log.Error("failed to mark failed", zap.Error(ferr))
	}
	metrics.RecordOutboxOp(string(entry.Kind), "failed")
	log.Error("outbox entry failed", zap.Int("attempts", entry.Attempts), zap.Error(err))
	s.emit(bus.OutboxFailed, entry.OwnerID, update)
	return false
}

func (s *Sender) apply(ctx context.Context, entry store.OutboxEntry) error {
	switch entry.Kind {
	case store.OutboxSendMessage:
		var p MessagePayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return syncerr.New(syncerr.Invalid, "outbox.decode", err)
		}
		_, err := s.remote.UpsertMessage(ctx, store.Message{
			ID:             entry.OpID,
			ConversationID: entry.ConversationID,
			OwnerID:        entry.OwnerID,
			Role:           p.Role,
			Content:        p.Content,
		})
		return err
	case store.OutboxUpsertConversation:
		var p ConversationPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return syncerr.New(syncerr.Invalid, "outbox.decode", err)
		}
		_, err := s.remote.UpsertConversation(ctx, store.Conversation{
			ID:      entry.ConversationID,
			OwnerID: entry.OwnerID,
			Title:   p.Title,
		})
		return err
	case store.OutboxDeleteConversation:
		return s.remote.SoftDeleteConversation(ctx, entry.OwnerID, entry.ConversationID)
	}
	return syncerr.New(syncerr.Invalid, "outbox.apply", fmt.Errorf("unknown kind %q", entry.Kind))
}

func (s *Sender) emit(kind, ownerID string, u Update) {
	if s.bus != nil {
		s.bus.Emit(kind, ownerID, u)
	}
}
