package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/atlas/internal/api"
	"github.com/matheus3301/atlas/internal/config"
	"github.com/matheus3301/atlas/internal/identity"
	"github.com/matheus3301/atlas/internal/live"
	"github.com/matheus3301/atlas/internal/lock"
	"github.com/matheus3301/atlas/internal/ops"
	"github.com/matheus3301/atlas/internal/outbox"
	"github.com/matheus3301/atlas/internal/remote"
	"github.com/matheus3301/atlas/internal/store"
	intsync "github.com/matheus3301/atlas/internal/sync"
)

const purgeInterval = 24 * time.Hour

// runner owns the daemon's background loops.
type runner struct {
	owner    string
	cfg      *config.Config
	engine   *intsync.Engine
	remote   remote.Client
	listener *live.Listener
	syncSvc  *api.SyncService
	logger   *zap.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
	sub    *live.Subscription
}

func (r *runner) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	sub, err := r.listener.Subscribe(ctx, r.owner, func(conversationID string) {
		if _, err := r.engine.SyncConversation(ctx, r.owner, conversationID); err != nil && ctx.Err() == nil {
			r.logger.Warn("conversation sync failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return err
	}
	r.sub = sub
	r.syncSvc.SetLive(sub)

	g, gctx := errgroup.WithContext(ctx)
	r.group = g
	g.Go(func() error { return r.syncLoop(gctx) })
	g.Go(func() error { return r.purgeLoop(gctx) })
	return nil
}

// syncLoop runs the startup pass, then one pass per interval.
func (r *runner) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Sync.Interval)
	defer ticker.Stop()
	for {
		r.syncOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *runner) syncOnce(ctx context.Context) {
	res, err := r.engine.Sync(ctx, r.owner)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("sync pass failed", zap.Int("pages", res.Pages), zap.Error(err))
		}
		return
	}
	r.logger.Debug("sync pass done",
		zap.String("mode", string(res.Mode)),
		zap.Int("merged", res.Merged()),
		zap.Bool("advanced", res.Advanced),
	)
}

// purgeLoop hard-deletes remote tombstones older than the retention window
// once a day.
func (r *runner) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-r.cfg.Sync.TombstoneRetention)
		n, err := r.remote.PurgeTombstones(ctx, r.owner, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("tombstone purge failed", zap.Error(err))
			}
			continue
		}
		if n > 0 {
			r.logger.Info("purged remote tombstones", zap.Int64("count", n))
		}
	}
}

func (r *runner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	principal identity.Principal,
	srv *Server,
	opsSrv *ops.Server,
	lk *lock.Lock,
	db *store.DB,
	rc *remote.PGClient,
	engine *intsync.Engine,
	listener *live.Listener,
	sender *outbox.Sender,
	syncSvc *api.SyncService,
	logger *zap.Logger,
) {
	r := &runner{
		owner:    principal.OwnerID,
		cfg:      cfg,
		engine:   engine,
		remote:   rc,
		listener: listener,
		syncSvc:  syncSvc,
		logger:   logger,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := opsSrv.Start(); err != nil {
				return err
			}
			if err := sender.Start(context.Background()); err != nil {
				return err
			}
			return r.start()
		},
		OnStop: func(ctx context.Context) error {
			r.stop()
			sender.Stop()
			srv.Stop(ctx)
			var errs []error
			if err := opsSrv.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := rc.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return errors.Join(errs...)
		},
	})
}
