// Package ops serves the daemon's metrics and health endpoints over HTTP.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/metrics"
	"github.com/matheus3301/atlas/internal/status"
)

// Pinger checks that the remote store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StateSource lists per-owner sync states.
type StateSource interface {
	Snapshots() []status.Snapshot
}

// Server is the ops HTTP listener. An empty address disables it.
type Server struct {
	addr   string
	engine *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

type ownerState struct {
	OwnerID    string    `json:"owner_id"`
	State      string    `json:"state"`
	InFlight   int       `json:"in_flight"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// New builds the server and its routes.
func New(addr string, remote Pinger, states StateSource, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		owners := make([]ownerState, 0)
		for _, s := range states.Snapshots() {
			owners = append(owners, ownerState{
				OwnerID:    s.OwnerID,
				State:      string(s.State),
				InFlight:   s.InFlight,
				LastSyncAt: s.LastSyncAt,
				LastError:  s.LastError,
			})
		}
		if err := remote.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "remote_unreachable", "error": err.Error(), "owners": owners})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "owners": owners})
	})

	return &Server{addr: addr, engine: engine, logger: logger}
}

// Handler exposes the routes, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	if s.addr == "" {
		s.logger.Info("ops server disabled")
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
