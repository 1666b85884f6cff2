package api

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/identity"
	"github.com/matheus3301/atlas/internal/rpc"
	"github.com/matheus3301/atlas/internal/store"
	intsync "github.com/matheus3301/atlas/internal/sync"
)

// LiveStatus reports whether the remote change feed is open.
type LiveStatus interface {
	Connected() bool
}

// SyncService implements the SyncService gRPC service.
type SyncService struct {
	profile   string
	startedAt time.Time
	engine    *intsync.Engine
	db        *store.DB
	guard     principalGuard

	mu   sync.RWMutex
	live LiveStatus
}

var _ rpc.SyncServer = (*SyncService)(nil)

// NewSyncService creates a new sync service.
func NewSyncService(profile string, engine *intsync.Engine, db *store.DB, p identity.Principal) *SyncService {
	return &SyncService{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		db:        db,
		guard:     newGuard(p),
	}
}

// SetLive attaches the live subscription once it is running.
func (s *SyncService) SetLive(l LiveStatus) {
	s.mu.Lock()
	s.live = l
	s.mu.Unlock()
}

func (s *SyncService) Sync(ctx context.Context, _ *rpc.SyncRequest) (*rpc.SyncResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Sync(ctx, p.OwnerID)
	if err != nil {
		return nil, toStatus("sync", err)
	}
	return resultToWire(res), nil
}

func (s *SyncService) SyncConversation(ctx context.Context, req *rpc.SyncConversationRequest) (*rpc.SyncResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	res, err := s.engine.SyncConversation(ctx, p.OwnerID, req.ConversationID)
	if err != nil {
		return nil, toStatus("sync conversation", err)
	}
	return resultToWire(res), nil
}

func (s *SyncService) GetSyncStatus(ctx context.Context, _ *rpc.GetSyncStatusRequest) (*rpc.GetSyncStatusResponse, error) {
	p, err := s.guard.current()
	if err != nil {
		return nil, err
	}

	snap := s.engine.States().For(p.OwnerID).Snapshot()
	resp := &rpc.GetSyncStatusResponse{
		Profile:    s.profile,
		StartedAt:  s.startedAt,
		OwnerID:    p.OwnerID,
		Tier:       string(p.Tier),
		State:      string(snap.State),
		InFlight:   snap.InFlight,
		LastSyncAt: snap.LastSyncAt,
		LastError:  snap.LastError,
	}

	cp, err := s.db.GetCheckpoint(ctx, p.OwnerID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get checkpoint: %v", err)
	}
	if cp != nil {
		resp.Checkpoint = cp.LastSyncedAt
		resp.CheckpointMode = string(cp.Mode)
	}

	if n, err := s.db.ConversationCount(ctx, p.OwnerID); err == nil {
		resp.Conversations = n
	}
	if n, err := s.db.MessageCount(ctx, p.OwnerID); err == nil {
		resp.Messages = n
	}
	pending, err := s.db.ListOutbox(ctx, p.OwnerID, store.OutboxQueued, store.OutboxSending, store.OutboxSent)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list outbox: %v", err)
	}
	resp.PendingOps = len(pending)

	s.mu.RLock()
	if s.live != nil {
		resp.Live = s.live.Connected()
	}
	s.mu.RUnlock()
	return resp, nil
}
