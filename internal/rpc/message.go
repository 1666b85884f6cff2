package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const MessageServiceName = "atlas.v1.MessageService"

// MessageServer reads messages, accepts sends and streams daemon events.
type MessageServer interface {
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s *eventServerStream) Send(e *Event) error {
	return s.ServerStream.SendMsg(e)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessageServer).WatchEvents(in, &eventServerStream{stream})
}

var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "ListMessages", MessageServer.ListMessages),
		unary(MessageServiceName, "SendMessage", MessageServer.SendMessage),
		unary(MessageServiceName, "ListPending", MessageServer.ListPending),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "atlas/v1/message",
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&MessageServiceDesc, srv)
}

// MessageClient is the client API for MessageService.
type MessageClient struct {
	cc grpc.ClientConnInterface
}

func NewMessageClient(cc grpc.ClientConnInterface) *MessageClient {
	return &MessageClient{cc: cc}
}

func (c *MessageClient) ListMessages(ctx context.Context, in *ListMessagesRequest, opts ...grpc.CallOption) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c.cc, "/"+MessageServiceName+"/ListMessages", in, opts)
}

func (c *MessageClient) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c.cc, "/"+MessageServiceName+"/SendMessage", in, opts)
}

func (c *MessageClient) ListPending(ctx context.Context, in *ListPendingRequest, opts ...grpc.CallOption) (*ListPendingResponse, error) {
	return invoke[ListPendingResponse](ctx, c.cc, "/"+MessageServiceName+"/ListPending", in, opts)
}

// EventReceiver is the client side of WatchEvents.
type EventReceiver interface {
	Recv() (*Event, error)
	grpc.ClientStream
}

type eventClientStream struct {
	grpc.ClientStream
}

func (s *eventClientStream) Recv() (*Event, error) {
	e := new(Event)
	if err := s.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *MessageClient) WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (EventReceiver, error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &MessageServiceDesc.Streams[0], "/"+MessageServiceName+"/WatchEvents", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &eventClientStream{stream}, nil
}
