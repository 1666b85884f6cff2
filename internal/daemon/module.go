package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/api"
	"github.com/matheus3301/atlas/internal/bus"
	"github.com/matheus3301/atlas/internal/config"
	"github.com/matheus3301/atlas/internal/identity"
	"github.com/matheus3301/atlas/internal/live"
	"github.com/matheus3301/atlas/internal/lock"
	"github.com/matheus3301/atlas/internal/logging"
	"github.com/matheus3301/atlas/internal/ops"
	"github.com/matheus3301/atlas/internal/outbox"
	"github.com/matheus3301/atlas/internal/profile"
	"github.com/matheus3301/atlas/internal/quota"
	"github.com/matheus3301/atlas/internal/remote"
	"github.com/matheus3301/atlas/internal/status"
	"github.com/matheus3301/atlas/internal/store"
	intsync "github.com/matheus3301/atlas/internal/sync"
	"github.com/matheus3301/atlas/internal/telemetry"
	"github.com/matheus3301/atlas/internal/tier"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // empty = profile.ConfigPath()
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStates,
			providePrincipal,
			provideLock,
			provideStore,
			provideRemote,
			provideEngine,
			provideGate,
			provideListener,
			provideSender,
			provideSyncService,
			provideConversationService,
			provideMessageService,
			provideOps,
			NewServer,
		),
		fx.Invoke(registerTelemetry, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStates(b *bus.Bus) *status.Registry {
	return status.NewRegistry(b)
}

func providePrincipal(cfg *config.Config, logger *zap.Logger) (identity.Principal, error) {
	id := cfg.Identity
	p, err := identity.Resolve(id.AccessToken, id.JWTSecret, id.OwnerID, id.Tier, time.Now())
	if err != nil {
		return identity.Principal{}, fmt.Errorf("resolve identity: %w", err)
	}
	logger.Info("principal resolved",
		zap.String("owner_id", p.OwnerID),
		zap.String("tier", string(p.Tier)),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return p, nil
}

func provideLock(p Params, principal identity.Principal, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), principal.OwnerID)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.PGClient, error) {
	rc, err := remote.Open(cfg.Remote.DSN, remote.Options{
		OpTimeout:  cfg.Remote.OpTimeout,
		MaxRetries: cfg.Remote.MaxRetries,
	}, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Remote.Migrate {
		return rc, nil
	}
	result, err := rc.Migrate()
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("migrate remote: %w", err)
	}
	logger.Info("remote schema ready", zap.Uint("version", result.Version), zap.Bool("changed", result.Changed))
	return rc, nil
}

func provideEngine(db *store.DB, rc *remote.PGClient, b *bus.Bus, states *status.Registry, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, rc, b, states, logger, intsync.Options{
		PageSize:           cfg.Sync.PageSize,
		Overlap:            cfg.Sync.Overlap,
		TombstoneRetention: cfg.Sync.TombstoneRetention,
	})
}

func provideGate(rc *remote.PGClient, cfg *config.Config, logger *zap.Logger) (*quota.Gate, error) {
	return quota.New(rc, logger, quota.Options{
		Table:      tier.DefaultTable(cfg.Quota.FreeDailyLimit),
		ConfirmTTL: cfg.Quota.TierCacheTTL,
	})
}

func provideListener(rc *remote.PGClient, engine *intsync.Engine, cfg *config.Config, logger *zap.Logger) *live.Listener {
	src := remote.NewNotifySource(rc.DSN(), cfg.Sync.ReconnectMin, cfg.Sync.ReconnectMax, logger)
	resync := func(ctx context.Context, ownerID string) error {
		_, err := engine.Sync(ctx, ownerID)
		return err
	}
	return live.New(src, resync, logger, live.Options{
		Window:       cfg.Sync.DebounceWindow,
		ReconnectMin: cfg.Sync.ReconnectMin,
		ReconnectMax: cfg.Sync.ReconnectMax,
	})
}

func provideSender(db *store.DB, rc *remote.PGClient, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rc, b, logger, outbox.Options{
		Interval: cfg.Sync.OutboxInterval,
		AfterSend: func(ctx context.Context, ownerID, conversationID string) {
			if _, err := engine.SyncConversation(ctx, ownerID, conversationID); err != nil {
				logger.Warn("pull after send failed",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
			}
		},
	})
}

func provideSyncService(p Params, engine *intsync.Engine, db *store.DB, principal identity.Principal) *api.SyncService {
	return api.NewSyncService(p.Profile, engine, db, principal)
}

func provideConversationService(db *store.DB, sender *outbox.Sender, principal identity.Principal) *api.ConversationService {
	return api.NewConversationService(db, sender, principal)
}

func provideMessageService(db *store.DB, sender *outbox.Sender, gate *quota.Gate, b *bus.Bus, principal identity.Principal) *api.MessageService {
	return api.NewMessageService(db, sender, gate, b, principal)
}

func provideOps(cfg *config.Config, rc *remote.PGClient, states *status.Registry, logger *zap.Logger) *ops.Server {
	return ops.New(cfg.Telemetry.MetricsAddr, rc, states, logger)
}

func registerTelemetry(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) {
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.Setup(ctx, telemetry.Config{
				ServiceName:  cfg.Telemetry.ServiceName,
				Profile:      p.Profile,
				OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			}, logger)
			return err
		},
		OnStop: func(ctx context.Context) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(ctx)
		},
	})
}
