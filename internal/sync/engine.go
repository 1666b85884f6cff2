package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/bus"
	"github.com/matheus3301/atlas/internal/metrics"
	"github.com/matheus3301/atlas/internal/remote"
	"github.com/matheus3301/atlas/internal/status"
	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/syncerr"
)

// Cache is the part of the local store the engine writes to. The engine is
// the only writer of conversations, messages and checkpoints.
type Cache interface {
	GetCheckpoint(ctx context.Context, ownerID string) (*store.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, ownerID string, watermark, at time.Time) (bool, error)
	ApplyPage(ctx context.Context, page store.Page) (store.Applied, error)
	PruneOwner(ctx context.Context, ownerID string, keep map[string]struct{}, syncedBefore time.Time) (int, error)
	PurgeTombstones(ctx context.Context, ownerID string, cutoff time.Time) (int64, error)
}

// Options tunes the engine.
type Options struct {
	PageSize int
	// Overlap re-fetches this much before the checkpoint to catch rows
	// committed out of timestamp order.
	Overlap            time.Duration
	TombstoneRetention time.Duration
	Clock              clock.Clock
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = remote.DefaultPageSize
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Result reports what a pass merged. On failure it still counts the pages
// merged before the error.
type Result struct {
	OwnerID        string
	ConversationID string
	Mode           store.SyncMode
	Conversations  int
	Messages       int
	Confirmed      int
	Pages          int
	Watermark      time.Time
	Advanced       bool
	Pruned         int
}

// Merged returns the number of rows the pass wrote.
func (r Result) Merged() int {
	return r.Conversations + r.Messages
}

// Engine reconciles the local cache with the remote store.
type Engine struct {
	cache  Cache
	remote remote.Client
	bus    *bus.Bus
	states *status.Registry
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEngine creates a new sync engine.
func NewEngine(cache Cache, rc remote.Client, b *bus.Bus, states *status.Registry, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if states == nil {
		states = status.NewRegistry(b)
	}
	return &Engine{
		cache:  cache,
		remote: rc,
		bus:    b,
		states: states,
		opts:   opts.withDefaults(),
		logger: logger,
		tracer: otel.Tracer("atlas/sync"),
	}
}

// States returns the per-owner state registry.
func (e *Engine) States() *status.Registry { return e.states }

// Sync runs one reconciliation pass for ownerID. Conversations are fetched
// and merged page by page, then messages. The checkpoint advances only
// after every page of the pass has been committed.
func (e *Engine) Sync(ctx context.Context, ownerID string) (res Result, err error) {
	res = Result{OwnerID: ownerID}
	if ownerID == "" {
		return res, syncerr.New(syncerr.Invalid, "sync", errors.New("empty owner id"))
	}

	ctx, span := e.tracer.Start(ctx, "sync.pass", trace.WithAttributes(attribute.String("owner_id", ownerID)))
	machine := e.states.For(ownerID)
	machine.Begin()
	start := time.Now()
	defer func() {
		machine.End(err)
		e.finish(span, "sync", res, err, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	p, err := e.planPass(ctx, ownerID)
	if err != nil {
		return res, err
	}
	res.Mode = p.mode
	res.Watermark = p.watermark
	span.SetAttributes(attribute.String("mode", string(p.mode)))

	var seen map[string]struct{}
	if p.mode == store.ModeFull {
		seen = make(map[string]struct{})
	}

	// Conversations first. Every message insert bumps its conversation, so
	// the highest conversation timestamp bounds the messages this pass covers.
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := e.remote.FetchConversationsSince(ctx, ownerID, p.since, cursor, e.opts.PageSize)
		if err != nil {
			return res, err
		}
		rows := e.ownedConversations(ownerID, page.Rows)
		if err := e.merge(ctx, ownerID, store.Page{Conversations: rows}, &res); err != nil {
			return res, err
		}
		for _, c := range rows {
			if seen != nil {
				seen[c.ID] = struct{}{}
			}
			if c.UpdatedAt.After(res.Watermark) {
				res.Watermark = c.UpdatedAt
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	cursor = ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := e.remote.FetchMessagesSince(ctx, ownerID, p.since, cursor, e.opts.PageSize)
		if err != nil {
			return res, err
		}
		if err := e.merge(ctx, ownerID, store.Page{Messages: e.ownedMessages(ownerID, page.Rows)}, &res); err != nil {
			return res, err
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := e.commit(ctx, ownerID, p, &res, seen, start); err != nil {
		return res, err
	}
	return res, nil
}

// SyncConversation merges one conversation and its messages. It applies
// the same rules as Sync but never touches the checkpoint.
func (e *Engine) SyncConversation(ctx context.Context, ownerID, conversationID string) (res Result, err error) {
	res = Result{OwnerID: ownerID, ConversationID: conversationID, Mode: store.ModeDelta}
	if ownerID == "" || conversationID == "" {
		return res, syncerr.New(syncerr.Invalid, "sync_conversation", errors.New("empty owner or conversation id"))
	}

	ctx, span := e.tracer.Start(ctx, "sync.conversation", trace.WithAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("conversation_id", conversationID),
	))
	machine := e.states.For(ownerID)
	machine.Begin()
	start := time.Now()
	defer func() {
		machine.End(err)
		e.finish(span, "conversation", res, err, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	conv, err := e.remote.FetchConversation(ctx, ownerID, conversationID)
	if err != nil {
		return res, err
	}
	if conv == nil {
		return res, nil
	}
	if err := e.merge(ctx, ownerID, store.Page{Conversations: e.ownedConversations(ownerID, []store.Conversation{*conv})}, &res); err != nil {
		return res, err
	}

	// Always page the whole conversation. A message can commit remotely
	// after a newer one was cached; the insert-once merge keeps this cheap.
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := e.remote.FetchConversationMessages(ctx, ownerID, conversationID, cursor, e.opts.PageSize)
		if err != nil {
			return res, err
		}
		if err := e.merge(ctx, ownerID, store.Page{Messages: e.ownedMessages(ownerID, page.Rows)}, &res); err != nil {
			return res, err
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return res, nil
}

// merge applies one page atomically, retrying once when the local write
// fails. The page either lands whole or not at all.
func (e *Engine) merge(ctx context.Context, ownerID string, page store.Page, res *Result) error {
	if len(page.Conversations) == 0 && len(page.Messages) == 0 {
		return nil
	}
	applied, err := e.cache.ApplyPage(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("page merge failed, retrying",
			zap.String("owner_id", ownerID),
			zap.Int("conversations", len(page.Conversations)),
			zap.Int("messages", len(page.Messages)),
			zap.Error(err),
		)
		applied, err = e.cache.ApplyPage(ctx, page)
		if err != nil {
			return syncerr.New(syncerr.StoreWrite, "sync.merge", err)
		}
	}

	res.Pages++
	res.Conversations += applied.Conversations
	res.Messages += applied.Messages
	res.Confirmed += applied.Confirmed
	metrics.RecordMerged("conversation", applied.Conversations)
	metrics.RecordMerged("message", applied.Messages)

	if e.bus != nil {
		if applied.Conversations > 0 {
			e.bus.Emit(bus.ConversationMerged, ownerID, conversationIDs(page.Conversations))
		}
		if applied.Messages > 0 {
			e.bus.Emit(bus.MessageMerged, ownerID, messageConversationIDs(page.Messages))
		}
	}
	return nil
}

func (e *Engine) ownedConversations(ownerID string, rows []store.Conversation) []store.Conversation {
	out := rows[:0:0]
	for _, c := range rows {
		if c.OwnerID != ownerID {
			e.logger.Warn("dropping conversation of another owner", zap.String("owner_id", ownerID), zap.String("conversation_id", c.ID))
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) ownedMessages(ownerID string, rows []store.Message) []store.Message {
	out := rows[:0:0]
	for _, m := range rows {
		if m.OwnerID != ownerID {
			e.logger.Warn("dropping message of another owner", zap.String("owner_id", ownerID), zap.String("message_id", m.ID))
			continue
		}
		out = append(out, m)
	}
	return out
}

func (e *Engine) finish(span trace.Span, kind string, res Result, err error, elapsed time.Duration) {
	defer span.End()
	span.SetAttributes(
		attribute.Int("pages", res.Pages),
		attribute.Int("conversations", res.Conversations),
		attribute.Int("messages", res.Messages),
	)

	outcome := "ok"
	if err != nil {
		outcome = string(syncerr.KindOf(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "canceled"
		}
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	mode := string(res.Mode)
	if kind == "conversation" {
		mode = kind
	}
	metrics.RecordSyncPass(mode, outcome, elapsed.Seconds())

	fields := []zap.Field{
		zap.String("owner_id", res.OwnerID),
		zap.String("mode", mode),
		zap.Int("pages", res.Pages),
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages),
		zap.Duration("elapsed", elapsed),
	}
	if res.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", res.ConversationID))
	}

	if err != nil {
		e.logger.Warn("sync pass failed", append(fields, zap.Error(err))...)
		if e.bus != nil {
			e.bus.Emit(bus.SyncFailed, res.OwnerID, Failure{Result: res, Err: err.Error(), Kind: syncerr.KindOf(err)})
		}
		return
	}
	if kind == "sync" {
		fields = append(fields, zap.Time("watermark", res.Watermark), zap.Bool("advanced", res.Advanced))
	}
	e.logger.Info("sync pass complete", fields...)
	if e.bus != nil {
		e.bus.Emit(bus.SyncCompleted, res.OwnerID, res)
	}
}

// Failure is the payload of a sync.failed event.
type Failure struct {
	Result Result
	Err    string
	Kind   syncerr.Kind
}

func (f Failure) String() string {
	return fmt.Sprintf("%s sync failed after %d pages: %s", f.Result.OwnerID, f.Result.Pages, f.Err)
}

func conversationIDs(rows []store.Conversation) []string {
	ids := make([]string, 0, len(rows))
	for _, c := range rows {
		ids = append(ids, c.ID)
	}
	return ids
}

func messageConversationIDs(rows []store.Message) []string {
	seen := make(map[string]struct{}, len(rows))
	var ids []string
	for _, m := range rows {
		if _, ok := seen[m.ConversationID]; ok {
			continue
		}
		seen[m.ConversationID] = struct{}{}
		ids = append(ids, m.ConversationID)
	}
	return ids
}
