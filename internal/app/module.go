// Package app composes the client: config, logging, session lock,
// gateway connection, supervisor and the sync engines, wired as an fx
// module.
package app

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/bus"
	"github.com/telex-im/telex/internal/config"
	"github.com/telex-im/telex/internal/datastore"
	"github.com/telex-im/telex/internal/gateway"
	"github.com/telex-im/telex/internal/inbox"
	"github.com/telex-im/telex/internal/lock"
	"github.com/telex-im/telex/internal/logging"
	"github.com/telex-im/telex/internal/presence"
	"github.com/telex-im/telex/internal/realtime"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideGateway,
			provideSupervisor,
			provideInbox,
			providePresence,
			NewSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("load %s (run `telexd login` first): %w", config.Path(), err)
	}
	if cfg.UserID == "" || cfg.APIURL == "" || cfg.GatewayURL == "" {
		return nil, fmt.Errorf("%s is missing user_id, api_url or gateway_url", config.Path())
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(config.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureSessionDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(config.SessionDir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config) (*datastore.RestStore, error) {
	return datastore.NewRestStore(cfg.APIURL, datastore.WithToken(cfg.Token))
}

func provideGateway(cfg *config.Config, logger *zap.Logger) *gateway.Client {
	return gateway.New(cfg.GatewayURL, cfg.Token, logger)
}

func provideSupervisor(gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *realtime.Supervisor {
	sup := realtime.NewSupervisor("gateway", gw.Connect, realtime.SupervisorConfig{}, b, logger)
	gw.OnDrop(sup.OnDrop)
	return sup
}

func provideInbox(cfg *config.Config, store *datastore.RestStore, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *inbox.Index {
	return inbox.NewIndex(cfg.UserID, store, gw, b, logger)
}

func providePresence(cfg *config.Config, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(cfg.UserID, gw, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, sup *realtime.Supervisor, ix *inbox.Index, tracker *presence.Tracker, sess *Session, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runCtx := context.Background()

			if err := sup.Start(runCtx); err != nil {
				return err
			}
			if err := ix.Open(runCtx); err != nil {
				return err
			}
			if err := tracker.Open(runCtx); err != nil {
				return err
			}
			logger.Info("client started")
			return nil
		},
		OnStop: func(context.Context) error {
			sess.CloseAll()
			tracker.Close()
			ix.Close()
			sup.Close()
			if err := gw.Close(); err != nil {
				logger.Warn("error closing gateway", zap.Error(err))
			}
			b.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
