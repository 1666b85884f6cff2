// Package client dials a running daemon.
package client

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/atlas/internal/rpc"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn         *grpc.ClientConn
	Sync         *rpc.SyncClient
	Conversation *rpc.ConversationClient
	Message      *rpc.MessageClient
}

// New dials the daemon's Unix domain socket and returns typed service clients.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return FromConn(conn), nil
}

// FromConn wraps an existing connection.
func FromConn(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:         conn,
		Sync:         rpc.NewSyncClient(conn),
		Conversation: rpc.NewConversationClient(conn),
		Message:      rpc.NewMessageClient(conn),
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
