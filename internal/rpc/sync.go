package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const SyncServiceName = "atlas.v1.SyncService"

// SyncServer triggers reconciliation and reports sync state.
type SyncServer interface {
	Sync(context.Context, *SyncRequest) (*SyncResponse, error)
	SyncConversation(context.Context, *SyncConversationRequest) (*SyncResponse, error)
	GetSyncStatus(context.Context, *GetSyncStatusRequest) (*GetSyncStatusResponse, error)
}

var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "Sync", SyncServer.Sync),
		unary(SyncServiceName, "SyncConversation", SyncServer.SyncConversation),
		unary(SyncServiceName, "GetSyncStatus", SyncServer.GetSyncStatus),
	},
	Metadata: "atlas/v1/sync",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

// SyncClient is the client API for SyncService.
type SyncClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncClient(cc grpc.ClientConnInterface) *SyncClient {
	return &SyncClient{cc: cc}
}

func (c *SyncClient) Sync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (*SyncResponse, error) {
	return invoke[SyncResponse](ctx, c.cc, "/"+SyncServiceName+"/Sync", in, opts)
}

func (c *SyncClient) SyncConversation(ctx context.Context, in *SyncConversationRequest, opts ...grpc.CallOption) (*SyncResponse, error) {
	return invoke[SyncResponse](ctx, c.cc, "/"+SyncServiceName+"/SyncConversation", in, opts)
}

func (c *SyncClient) GetSyncStatus(ctx context.Context, in *GetSyncStatusRequest, opts ...grpc.CallOption) (*GetSyncStatusResponse, error) {
	return invoke[GetSyncStatusResponse](ctx, c.cc, "/"+SyncServiceName+"/GetSyncStatus", in, opts)
}
