package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/api"
	"github.com/matheus3301/atlas/internal/metrics"
	"github.com/matheus3301/atlas/internal/profile"
	"github.com/matheus3301/atlas/internal/rpc"
)

// Server serves the local RPC services on the profile's Unix socket.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the profile socket and registers the services. The
// caller must hold the profile lock, so any socket file left at the path
// belongs to a daemon that died.
func NewServer(
	p Params,
	logger *zap.Logger,
	syncSvc *api.SyncService,
	conversationSvc *api.ConversationService,
	messageSvc *api.MessageService,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}
	if err := removeStaleSocket(socketPath); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryLogging(logger)),
		grpc.ChainStreamInterceptor(streamLogging(logger)),
	)
	rpc.RegisterSyncServer(srv, syncSvc)
	rpc.RegisterConversationServer(srv, conversationSvc)
	rpc.RegisterMessageServer(srv, messageSvc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("rpc server listening", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends
// first (open WatchEvents streams never finish on their own).
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("rpc server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}

func unaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func streamLogging(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, start, err)
		return err
	}
}

func logCall(logger *zap.Logger, method string, start time.Time, err error) {
	code := status.Code(err)
	metrics.RecordRPC(method, code.String())
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("code", code.String()),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("rpc", fields...)
}
