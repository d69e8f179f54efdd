package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxmarket/predictd/internal/market"
	"github.com/prxmarket/predictd/internal/notify"
	"github.com/prxmarket/predictd/internal/server"
	"github.com/prxmarket/predictd/internal/server/handler"
	"github.com/prxmarket/predictd/internal/server/ws"
)

// ServeMode runs the HTTP API and WebSocket hub.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the automated round driver and, when archival is enabled,
// the daily round-history export.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)

	keeper := market.NewKeeper(
		deps.Engine, deps.Oracle, deps.OracleCache, deps.LockManager,
		a.cfg.Keeper.Tick.Duration, a.logger,
	)
	g.Go(func() error {
		return keeper.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	return g.Wait()
}

// MonitorMode runs the alert relay only: it consumes round lifecycle events
// from the bus and forwards settlements and cancellations to the configured
// notification channels.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notify.NewRelay(deps.Notifier, deps.SignalBus, a.logger).Run(ctx)
	})
	return g.Wait()
}

// FullMode runs every subsystem in one process: the keeper, the HTTP API and
// WebSocket hub, the alert relay, and the archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	keeper := market.NewKeeper(
		deps.Engine, deps.Oracle, deps.OracleCache, deps.LockManager,
		a.cfg.Keeper.Tick.Duration, a.logger,
	)
	g.Go(func() error {
		return keeper.Run(ctx)
	})

	g.Go(func() error {
		return notify.NewRelay(deps.Notifier, deps.SignalBus, a.logger).Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// errgroup, with a graceful shutdown on context cancellation.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	engine := deps.Engine

	hub := ws.NewHub(deps.SignalBus, func() any {
		return engine.CurrentStatus()
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(func() any { return engine.CurrentStatus() }),
		Rounds:   handler.NewRoundHandler(engine, deps.Bets, a.logger),
		Bets:     handler.NewBetHandler(engine, deps.Bets, a.logger),
		Claims:   handler.NewClaimHandler(engine, a.logger),
		Balances: handler.NewBalanceHandler(deps.Ledger, a.logger),
		Oracle:   handler.NewOracleHandler(deps.OracleCache, a.logger),
		Admin:    handler.NewAdminHandler(engine, deps.Oracle, deps.Audit, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		AdminKey:    a.cfg.Server.AdminKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "http server scheduled",
		slog.Int("port", a.cfg.Server.Port),
	)
}
