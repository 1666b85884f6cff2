package api

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/identity"
	"github.com/matheus3301/atlas/internal/outbox"
	"github.com/matheus3301/atlas/internal/rpc"
	"github.com/matheus3301/atlas/internal/store"
)

const maxTitleLen = 200

// ConversationService implements the ConversationService gRPC service.
// Reads come from the cache; writes go through the outbox.
type ConversationService struct {
	db     *store.DB
	sender *outbox.Sender
	guard  principalGuard
}

var _ rpc.ConversationServer = (*ConversationService)(nil)

// NewConversationService creates a new conversation service backed by the store.
func NewConversationService(db *store.DB, sender *outbox.Sender, p identity.Principal) *ConversationService {
	return &ConversationService{db: db, sender: sender, guard: newGuard(p)}
}

func (s *ConversationService) ListConversations(ctx context.Context, req *rpc.ListConversationsRequest) (*rpc.ListConversationsResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	if req.Offset < 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "offset must not be negative")
	}

	convs, err := s.db.ListConversations(ctx, p.OwnerID, limit+1, req.Offset)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	resp := &rpc.ListConversationsResponse{HasMore: len(convs) > limit}
	if resp.HasMore {
		convs = convs[:limit]
	}
	resp.Conversations = make([]rpc.Conversation, 0, len(convs))
	for i := range convs {
		resp.Conversations = append(resp.Conversations, conversationToWire(&convs[i]))
	}
	return resp, nil
}

func (s *ConversationService) GetConversation(ctx context.Context, req *rpc.GetConversationRequest) (*rpc.GetConversationResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	c, err := s.lookup(ctx, p.OwnerID, req.ID)
	if err != nil {
		return nil, err
	}
	return &rpc.GetConversationResponse{Conversation: conversationToWire(c)}, nil
}

func (s *ConversationService) CreateConversation(ctx context.Context, req *rpc.CreateConversationRequest) (*rpc.WriteResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	title, err := cleanTitle(req.Title)
	if err != nil {
		return nil, err
	}
	id, err := s.sender.QueueConversation(ctx, store.Conversation{OwnerID: p.OwnerID, Title: title})
	if err != nil {
		return nil, toStatus("create conversation", err)
	}
	return &rpc.WriteResponse{ID: id, Queued: true}, nil
}

func (s *ConversationService) RenameConversation(ctx context.Context, req *rpc.RenameConversationRequest) (*rpc.WriteResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, p.OwnerID, req.ID); err != nil {
		return nil, err
	}
	title, err := cleanTitle(req.Title)
	if err != nil {
		return nil, err
	}
	id, err := s.sender.QueueConversation(ctx, store.Conversation{ID: req.ID, OwnerID: p.OwnerID, Title: title})
	if err != nil {
		return nil, toStatus("rename conversation", err)
	}
	return &rpc.WriteResponse{ID: id, Queued: true}, nil
}

func (s *ConversationService) DeleteConversation(ctx context.Context, req *rpc.DeleteConversationRequest) (*rpc.WriteResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	if _, err := s.lookup(ctx, p.OwnerID, req.ID); err != nil {
		return nil, err
	}
	if err := s.sender.QueueDelete(ctx, p.OwnerID, req.ID); err != nil {
		return nil, toStatus("delete conversation", err)
	}
	return &rpc.WriteResponse{ID: req.ID, Queued: true}, nil
}

// lookup returns an active conversation of owner from the cache.
func (s *ConversationService) lookup(ctx context.Context, ownerID, id string) (*store.Conversation, error) {
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	c, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get conversation: %v", err)
	}
	if c == nil || c.OwnerID != ownerID || c.Deleted() {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", id)
	}
	return c, nil
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "title longer than %d bytes", maxTitleLen)
	}
	return title, nil
}
