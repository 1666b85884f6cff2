package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const ConversationServiceName = "atlas.v1.ConversationService"

// ConversationServer reads conversations from the cache and queues writes.
type ConversationServer interface {
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	GetConversation(context.Context, *GetConversationRequest) (*GetConversationResponse, error)
	CreateConversation(context.Context, *CreateConversationRequest) (*WriteResponse, error)
	RenameConversation(context.Context, *RenameConversationRequest) (*WriteResponse, error)
	DeleteConversation(context.Context, *DeleteConversationRequest) (*WriteResponse, error)
}

var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConversationServiceName, "ListConversations", ConversationServer.ListConversations),
		unary(ConversationServiceName, "GetConversation", ConversationServer.GetConversation),
		unary(ConversationServiceName, "CreateConversation", ConversationServer.CreateConversation),
		unary(ConversationServiceName, "RenameConversation", ConversationServer.RenameConversation),
		unary(ConversationServiceName, "DeleteConversation", ConversationServer.DeleteConversation),
	},
	Metadata: "atlas/v1/conversation",
}

// RegisterConversationServer registers srv on s.
func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ConversationServiceDesc, srv)
}

// ConversationClient is the client API for ConversationService.
type ConversationClient struct {
	cc grpc.ClientConnInterface
}

func NewConversationClient(cc grpc.ClientConnInterface) *ConversationClient {
	return &ConversationClient{cc: cc}
}

func (c *ConversationClient) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c.cc, "/"+ConversationServiceName+"/ListConversations", in, opts)
}

func (c *ConversationClient) GetConversation(ctx context.Context, in *GetConversationRequest, opts ...grpc.CallOption) (*GetConversationResponse, error) {
	return invoke[GetConversationResponse](ctx, c.cc, "/"+ConversationServiceName+"/GetConversation", in, opts)
}

func (c *ConversationClient) CreateConversation(ctx context.Context, in *CreateConversationRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	return invoke[WriteResponse](ctx, c.cc, "/"+ConversationServiceName+"/CreateConversation", in, opts)
}

func (c *ConversationClient) RenameConversation(ctx context.Context, in *RenameConversationRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	return invoke[WriteResponse](ctx, c.cc, "/"+ConversationServiceName+"/RenameConversation", in, opts)
}

func (c *ConversationClient) DeleteConversation(ctx context.Context, in *DeleteConversationRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	return invoke[WriteResponse](ctx, c.cc, "/"+ConversationServiceName+"/DeleteConversation", in, opts)
}
