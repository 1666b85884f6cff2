package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/bus"
	"github.com/matheus3301/atlas/internal/identity"
	"github.com/matheus3301/atlas/internal/outbox"
	"github.com/matheus3301/atlas/internal/quota"
	"github.com/matheus3301/atlas/internal/rpc"
	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/tier"
)

const maxContentLen = 32 * 1024

// MessageService implements the MessageService gRPC service.
type MessageService struct {
	db     *store.DB
	sender *outbox.Sender
	gate   *quota.Gate
	bus    *bus.Bus
	guard  principalGuard

	inflight singleflight.Group
}

var _ rpc.MessageServer = (*MessageService)(nil)

// NewMessageService creates a new message service backed by the store.
func NewMessageService(db *store.DB, sender *outbox.Sender, gate *quota.Gate, b *bus.Bus, p identity.Principal) *MessageService {
	return &MessageService{db: db, sender: sender, gate: gate, bus: b, guard: newGuard(p)}
}

func (s *MessageService) ListMessages(ctx context.Context, req *rpc.ListMessagesRequest) (*rpc.ListMessagesResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	c, err := s.db.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get conversation: %v", err)
	}
	if c == nil || c.OwnerID != p.OwnerID {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", req.ConversationID)
	}

	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	msgs, err := s.db.ListMessages(ctx, req.ConversationID, req.Before, limit+1)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	resp := &rpc.ListMessagesResponse{HasMore: len(msgs) > limit}
	if resp.HasMore {
		msgs = msgs[:limit]
	}
	resp.Messages = make([]rpc.Message, 0, len(msgs))
	for i := range msgs {
		resp.Messages = append(resp.Messages, messageToWire(&msgs[i]))
	}
	return resp, nil
}

// SendMessage gates the message on tier and quota, then queues it. The
// reservation happens before anything is written and is given back if the
// queue write fails. A resend of an id that is already queued is accepted
// without reserving again.
func (s *MessageService) SendMessage(ctx context.Context, req *rpc.SendMessageRequest) (*rpc.SendMessageResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content is required")
	}
	if len(content) > maxContentLen {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "content longer than %d bytes", maxContentLen)
	}
	role := store.RoleUser
	if req.Role != "" {
		role = store.Role(req.Role)
	}
	if !role.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown role %q", req.Role)
	}
	capability, err := tier.ParseCapability(req.Capability)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID != "" {
		if _, err := uuid.Parse(req.ID); err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "message id %q is not a uuid", req.ID)
		}
		// concurrent resends of one id share a single reservation
		v, err, _ := s.inflight.Do(req.ID, func() (any, error) {
			existing, err := s.db.GetOutbox(ctx, req.ID)
			if err != nil {
				return nil, grpcstatus.Errorf(codes.Internal, "get outbox: %v", err)
			}
			if existing != nil {
				return &rpc.SendMessageResponse{Accepted: true, MessageID: req.ID}, nil
			}
			return s.send(ctx, p, req, role, capability, content)
		})
		if err != nil {
			return nil, err
		}
		return v.(*rpc.SendMessageResponse), nil
	}
	return s.send(ctx, p, req, role, capability, content)
}

func (s *MessageService) send(ctx context.Context, p identity.Principal, req *rpc.SendMessageRequest, role store.Role, capability tier.Capability, content string) (*rpc.SendMessageResponse, error) {
	if err := s.writable(ctx, p.OwnerID, req.ConversationID); err != nil {
		return nil, err
	}

	if d := s.gate.CheckCapability(p.Tier, capability); !d.Allowed {
		return rejection(d), nil
	}
	d, err := s.gate.CheckAndReserve(ctx, p.OwnerID, p.Tier)
	if err != nil {
		return nil, toStatus("reserve quota", err)
	}
	if !d.Allowed {
		return rejection(d), nil
	}

	id, err := s.sender.QueueMessage(ctx, store.Message{
		ID:             req.ID,
		ConversationID: req.ConversationID,
		OwnerID:        p.OwnerID,
		Role:           role,
		Content:        content,
	})
	if err != nil {
		if rerr := s.gate.Release(context.WithoutCancel(ctx), p.OwnerID, d); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, toStatus("queue message", err)
	}
	return &rpc.SendMessageResponse{
		Accepted:  true,
		MessageID: id,
		Count:     d.Count,
		Limit:     d.Limit,
		Degraded:  d.Degraded,
	}, nil
}

// writable reports whether the owner may add messages to the conversation:
// it is cached and active, or its creation is still in the outbox.
func (s *MessageService) writable(ctx context.Context, ownerID, conversationID string) error {
	c, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "get conversation: %v", err)
	}
	if c != nil {
		if c.OwnerID != ownerID {
			return grpcstatus.Errorf(codes.NotFound, "conversation %q not found", conversationID)
		}
		if c.Deleted() {
			return grpcstatus.Errorf(codes.FailedPrecondition, "conversation %q is deleted", conversationID)
		}
		return nil
	}
	pending, err := s.db.ListOutbox(ctx, ownerID, store.OutboxQueued, store.OutboxSending, store.OutboxSent)
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "list outbox: %v", err)
	}
	for _, e := range pending {
		if e.Kind == store.OutboxUpsertConversation && e.ConversationID == conversationID {
			return nil
		}
	}
	return grpcstatus.Errorf(codes.NotFound, "conversation %q not found", conversationID)
}

func rejection(d quota.Decision) *rpc.SendMessageResponse {
	return &rpc.SendMessageResponse{
		Reason:      d.Reason,
		SuggestTier: string(d.SuggestTier),
		RetryAfter:  d.RetryAfter,
		Count:       d.Count,
		Limit:       d.Limit,
	}
}

func (s *MessageService) ListPending(ctx context.Context, _ *rpc.ListPendingRequest) (*rpc.ListPendingResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	entries, err := s.db.ListOutbox(ctx, p.OwnerID,
		store.OutboxQueued, store.OutboxSending, store.OutboxSent, store.OutboxFailed)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list outbox: %v", err)
	}
	resp := &rpc.ListPendingResponse{Ops: make([]rpc.PendingOp, 0, len(entries))}
	for i := range entries {
		resp.Ops = append(resp.Ops, pendingToWire(&entries[i]))
	}
	return resp, nil
}

func (s *MessageService) WatchEvents(req *rpc.WatchEventsRequest, stream rpc.EventStream) error {
	p, err := s.guard.current()
	if err != nil {
		return err
	}
	ch, unsub := s.bus.SubscribeOwner(req.Prefix, p.OwnerID, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				payload = nil
			}
			if err := stream.Send(&rpc.Event{
				ID:         uuid.NewString(),
				Kind:       evt.Kind,
				OwnerID:    evt.OwnerID,
				OccurredAt: evt.Timestamp,
				Payload:    payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
