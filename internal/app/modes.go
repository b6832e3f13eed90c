package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ibexd/internal/chain"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/eval"
	"github.com/alanyoungcy/ibexd/internal/executor"
	"github.com/alanyoungcy/ibexd/internal/monitor"
	"github.com/alanyoungcy/ibexd/internal/preflight"
	"github.com/alanyoungcy/ibexd/internal/server"
	"github.com/alanyoungcy/ibexd/internal/server/handler"
	"github.com/alanyoungcy/ibexd/internal/server/ws"
	"github.com/alanyoungcy/ibexd/internal/service"
)

// engineLeaderLock is the Redis lock name that keeps the engine loops
// singleton across replicas.
const engineLeaderLock = "engine-leader"

// services bundles the application services shared by the HTTP API and the
// engine loops.
type services struct {
	resolver  *service.Resolver
	checker   *preflight.Checker
	strategy  *service.StrategyService
	portfolio *service.PortfolioService
}

// buildServices constructs the service layer on top of the wired
// dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	resolver := service.NewResolver(deps.Gateway, deps.Calendar, deps.Cache)
	checker := preflight.New(deps.Gateway, deps.Calendar, preflight.Options{
		MinAvailableFunds: a.cfg.Verification.MinAvailableFunds,
	}, a.logger)

	strategySvc := service.NewStrategyService(
		deps.Strategies, deps.Events, deps.Trades, deps.Runs,
		checker, deps.Rules, resolver,
		service.Limits{
			MaxConditions:     a.cfg.Limits.MaxConditions,
			MaxSymbols:        a.cfg.Limits.MaxSymbols,
			MaxChainDepth:     a.cfg.Limits.MaxChainDepth,
			MaxOpenStrategies: a.cfg.Limits.MaxOpenPerUser,
		},
		a.logger,
	)
	portfolioSvc := service.NewPortfolioService(
		deps.Gateway, deps.Snapshots, a.cfg.Verification.AccountSnapshotTTL.Duration, a.logger)

	return &services{
		resolver:  resolver,
		checker:   checker,
		strategy:  strategySvc,
		portfolio: portfolioSvc,
	}
}

// ServeMode runs the HTTP + WebSocket API only. The engine loops are expected
// to run in a separate "engine" process sharing the same stores.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	svcs := a.buildServices(deps)
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, svcs)
	return g.Wait()
}

// EngineMode runs the monitoring, execution, expiry, and recovery loops
// without the HTTP API. Only one engine replica runs at a time; the rest
// block on the leader lock until the holder goes away.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	svcs := a.buildServices(deps)

	a.logger.InfoContext(ctx, "waiting for engine leadership")
	if err := deps.Locks.Hold(ctx, engineLeaderLock, a.cfg.Runtime.LeaseTTL.Duration); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "engine leadership acquired")

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, svcs)
	return g.Wait()
}

// FullMode runs the API and the engine loops in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs := a.buildServices(deps)

	if err := deps.Locks.Hold(ctx, engineLeaderLock, a.cfg.Runtime.LeaseTTL.Duration); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, svcs)
	a.startEngine(ctx, g, deps, svcs)
	return g.Wait()
}

// startServer registers the HTTP server and WebSocket hub goroutines.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		a.logger.Info("http server disabled by configuration")
		return
	}

	healthChecks := make(map[string]handler.HealthCheckFunc, len(deps.HealthChecks))
	for name, check := range deps.HealthChecks {
		healthChecks[name] = check
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:     a.cfg.Mode,
		Channels: []string{service.EventsChannel},
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(healthChecks, a.logger),
		Strategy:  handler.NewStrategyHandler(svcs.strategy, a.logger),
		Trades:    handler.NewTradeHandler(svcs.strategy, a.logger),
		Portfolio: handler.NewPortfolioHandler(svcs.portfolio, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startEngine registers the scheduler, expiry, recovery, order-update,
// maintenance, and notification goroutines.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	verifier := executor.NewVerifier(deps.Gateway, deps.Calendar, svcs.resolver, deps.Trades,
		executor.VerifyOptions{
			MaxOrderNotional:  a.cfg.Verification.MaxOrderNotional,
			AllowedOrderTypes: a.cfg.Verification.AllowedOrderTypes,
			MinAvailableFunds: a.cfg.Verification.MinAvailableFunds,
			MaxPositionPerSym: a.cfg.Verification.MaxPositionPerSym,
			RequireMarketOpen: a.cfg.Verification.RequireMarketOpen,
			RuleVersion:       a.cfg.Verification.RuleVersion,
		}, a.logger)
	exec := executor.New(deps.Strategies, deps.Trades, deps.Events, deps.Gateway,
		verifier, svcs.resolver, deps.Notifier, a.logger)

	evaluator := eval.New(deps.Cache, deps.Rules, a.logger)
	activator := chain.NewActivator(deps.Strategies, deps.Events, deps.Cache,
		svcs.checker, svcs.resolver, a.logger)
	runner := monitor.NewRunner(deps.Strategies, deps.Runs, deps.Events,
		evaluator, exec, activator, svcs.resolver, deps.Cache, deps.Calendar, a.logger)
	scheduler := monitor.NewScheduler(deps.Strategies, runner, monitor.SchedulerConfig{
		Interval:  a.cfg.Runtime.MonitorInterval.Duration,
		LeaseTTL:  a.cfg.Runtime.LeaseTTL.Duration,
		Threads:   a.cfg.Worker.Threads,
		QueueSize: a.cfg.Worker.QueueSize,
	}, a.logger)
	expiry := monitor.NewExpirySweeper(deps.Strategies, deps.Trades, deps.Events,
		deps.Gateway, a.cfg.Runtime.ExpirySweep.Duration, a.logger)
	recovery := monitor.NewRecovery(deps.Strategies, deps.Trades, exec, deps.Gateway,
		a.cfg.Runtime.RecoveryInterval.Duration, a.cfg.Runtime.LeaseTTL.Duration, a.logger)

	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return expiry.Run(ctx) })
	g.Go(func() error { return recovery.Run(ctx) })
	g.Go(func() error { return a.orderUpdateLoop(ctx, deps, svcs, exec) })
	g.Go(func() error { return a.pruneLoop(ctx, deps) })
	g.Go(func() error { return a.notifyLoop(ctx, deps) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}
}

// orderUpdateLoop consumes asynchronous order updates from the gateway and
// applies them through the executor. A dropped stream is re-subscribed after
// a short backoff.
func (a *App) orderUpdateLoop(ctx context.Context, deps *Dependencies, svcs *services, exec *executor.Executor) error {
	for {
		updates, err := deps.Gateway.Subscribe(ctx)
		if err != nil {
			a.logger.WarnContext(ctx, "order update subscribe failed, retrying",
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		open := true
		for open {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case upd, ok := <-updates:
				if !ok {
					a.logger.WarnContext(ctx, "order update stream closed, re-subscribing")
					open = false
					break
				}
				if err := exec.HandleOrderUpdate(ctx, upd); err != nil {
					a.logger.ErrorContext(ctx, "order update failed",
						slog.String("gateway_order_id", upd.GatewayOrderID),
						slog.Any("error", err))
				}
				if upd.Status.Terminal() {
					// Funds and positions changed; drop cached snapshots.
					svcs.portfolio.Invalidate(ctx)
				}
			}
		}
	}
}

// pruneLoop deletes cached bars older than the retention window.
func (a *App) pruneLoop(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.Runtime.BarRetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return nil
	}

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := deps.Cache.Prune(ctx, retention); err != nil {
				a.logger.ErrorContext(ctx, "bar prune failed", slog.Any("error", err))
			}
		}
	}
}

// notifyLoop forwards timeline events from the bus to the configured
// notification channels, filtered by event type.
func (a *App) notifyLoop(ctx context.Context, deps *Dependencies) error {
	msgs, closeSub, err := deps.SignalBus.Subscribe(ctx, service.EventsChannel)
	if err != nil {
		return fmt.Errorf("app: notify subscribe: %w", err)
	}
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev domain.StrategyEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			title := fmt.Sprintf("%s %s", ev.Type, ev.StrategyID)
			if err := deps.Notifier.NotifyEvent(ctx, string(ev.Type), title, ev.Message); err != nil {
				a.logger.WarnContext(ctx, "notification failed",
					slog.String("event_type", string(ev.Type)),
					slog.Any("error", err))
			}
		}
	}
}

// archiveLoop exports recent trade logs and timeline events to blob storage
// once a day.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	const batch = 10000

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			logs, err := deps.Trades.ListLogs(ctx, "", batch)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive: list trade logs failed", slog.Any("error", err))
			} else if path, err := deps.Archiver.ArchiveTradeLogs(ctx, logs); err != nil {
				a.logger.ErrorContext(ctx, "archive: trade logs upload failed", slog.Any("error", err))
			} else if path != "" {
				a.logger.InfoContext(ctx, "archived trade logs",
					slog.String("path", path), slog.Int("count", len(logs)))
			}

			events, err := deps.Events.ListRecent(ctx, batch)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive: list events failed", slog.Any("error", err))
			} else if path, err := deps.Archiver.ArchiveEvents(ctx, events); err != nil {
				a.logger.ErrorContext(ctx, "archive: events upload failed", slog.Any("error", err))
			} else if path != "" {
				a.logger.InfoContext(ctx, "archived events",
					slog.String("path", path), slog.Int("count", len(events)))
			}
		}
	}
}
