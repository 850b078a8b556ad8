package daemon

import (
	"context"
	"os"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/bus"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/config"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/listener"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/lock"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/locks"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/logging"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/notify"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/presence"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/profile"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote/ws"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/resolver"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/status"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/store"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
// Flag values override the profile's settings.toml.
type Params struct {
	ProfileName string
	UserID      string // optional override; empty = use settings.toml
	RemoteURL   string // optional override; empty = use settings.toml
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideProfileSettings,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideLocks,
			provideResolver,
			provideOrchestrator,
			provideListener,
			provideNotifier,
			provideNotifyEngine,
			providePresence,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideProfileSettings(p Params, logger *zap.Logger) (*config.Profile, error) {
	settings, err := config.LoadProfile(profile.SettingsPath(p.ProfileName))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		settings = &config.Profile{}
	}
	if p.UserID != "" {
		settings.UserID = p.UserID
	}
	if p.RemoteURL != "" {
		settings.RemoteURL = p.RemoteURL
	}
	if settings.UserID == "" {
		logger.Warn("no user id configured; conversation resolution will be refused")
	}
	return settings, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideRemote(settings *config.Profile, logger *zap.Logger) (remote.Store, error) {
	if settings.RemoteURL == "" {
		logger.Info("no remote url configured, using in-memory store")
		return remote.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := ws.Dial(ctx, ws.Config{
		URL:   settings.RemoteURL,
		Token: settings.RemoteToken,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("remote store connected", zap.String("url", settings.RemoteURL))
	return client, nil
}

func provideLocks() *locks.Keyed {
	return locks.NewKeyed()
}

func provideResolver(db *store.DB, r remote.Store, settings *config.Profile, logger *zap.Logger) *resolver.Resolver {
	return resolver.New(db, r, settings.UserID, logger)
}

func provideOrchestrator(db *store.DB, r remote.Store, b *bus.Bus, kl *locks.Keyed, settings *config.Profile, logger *zap.Logger) *syncer.Orchestrator {
	return syncer.New(db, r, b, kl, settings.UserID, logger)
}

func provideListener(db *store.DB, r remote.Store, b *bus.Bus, kl *locks.Keyed, machine *status.Machine, orch *syncer.Orchestrator, logger *zap.Logger) *listener.Manager {
	return listener.NewManager(db, r, b, kl, machine, orch, listener.Backoff{}, logger)
}

func provideNotifier(logger *zap.Logger) notify.Notifier {
	return &notify.LogNotifier{Logger: logger}
}

func provideNotifyEngine(db *store.DB, b *bus.Bus, n notify.Notifier, settings *config.Profile, logger *zap.Logger) *notify.Engine {
	return notify.NewEngine(db, b, n, settings.UserID, logger)
}

func providePresence(b *bus.Bus, r remote.Store, settings *config.Profile, logger *zap.Logger) *presence.Tracker {
	ttl := time.Duration(settings.TypingTTLSeconds) * time.Second
	return presence.NewTracker(b, r, settings.UserID, ttl, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, r remote.Store, orch *syncer.Orchestrator, lm *listener.Manager, engine *notify.Engine, tracker *presence.Tracker, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			_ = machine.Transition(status.Connecting)

			orch.Start(context.Background())
			engine.Start(context.Background())
			tracker.Start(context.Background())

			// Resume monitoring everything the local store already knows.
			convs, err := db.ListConversations(10000, 0)
			if err != nil {
				return err
			}
			for _, c := range convs {
				engine.Track(c.ID)
				lm.StartMonitoring(c.ID)
			}

			// Re-dispatch whatever a previous run left in the outbox.
			if err := orch.DrainPending(); err != nil {
				logger.Error("outbox drain failed", zap.Error(err))
			}

			_ = machine.Transition(status.Ready)
			logger.Info("engine ready", zap.Int("conversations", len(convs)))
			return nil
		},
		OnStop: func(context.Context) error {
			tracker.Stop()
			engine.Stop()
			lm.StopAll()
			orch.Stop()
			if closer, ok := r.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			_ = machine.Transition(status.Stopped)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
