package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/executor"
)

const recoveryBatch = 256

// Recovery repairs state after crashes: stale execution leases are cleared,
// open orders are reconciled against the gateway, and TRIGGERED strategies
// whose execution never completed are re-driven.
type Recovery struct {
	strategies domain.StrategyStore
	trades     domain.TradeStore
	exec       *executor.Executor
	gateway    domain.Gateway
	interval   time.Duration
	leaseTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRecovery builds a Recovery loop.
func NewRecovery(strategies domain.StrategyStore, trades domain.TradeStore, exec *executor.Executor,
	gateway domain.Gateway, interval, leaseTTL time.Duration, logger *slog.Logger) *Recovery {
	return &Recovery{
		strategies: strategies,
		trades:     trades,
		exec:       exec,
		gateway:    gateway,
		interval:   interval,
		leaseTTL:   leaseTTL,
		logger:     logger.With(slog.String("component", "recovery")),
		now:        time.Now,
	}
}

// Run sweeps immediately on start, then on every interval until ctx is
// cancelled.
func (r *Recovery) Run(ctx context.Context) error {
	r.SweepOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one recovery pass.
func (r *Recovery) SweepOnce(ctx context.Context) {
	now := r.now().UTC()
	if n, err := r.strategies.ClearStaleLeases(ctx, now); err != nil {
		r.logger.Error("clear stale leases failed", slog.Any("error", err))
	} else if n > 0 {
		r.logger.Info("cleared stale leases", slog.Int64("count", n))
	}
	r.reconcileOrders(ctx)
	r.redriveTriggered(ctx)
}

// reconcileOrders polls the gateway for the authoritative status of every
// open order and applies any drift through the normal update path.
func (r *Recovery) reconcileOrders(ctx context.Context) {
	open, err := r.trades.ListOpenOrders(ctx)
	if err != nil {
		r.logger.Error("list open orders failed", slog.Any("error", err))
		return
	}
	for _, o := range open {
		upd, err := r.gateway.OrderStatus(ctx, o.GatewayOrderID)
		if err != nil {
			r.logger.Warn("order status poll failed",
				slog.String("gateway_order_id", o.GatewayOrderID),
				slog.Any("error", err))
			continue
		}
		if upd.Status == o.Status {
			continue
		}
		if err := r.exec.HandleOrderUpdate(ctx, upd); err != nil {
			r.logger.Error("reconcile order failed",
				slog.String("trade_id", o.TradeID),
				slog.Any("error", err))
		}
	}
}

// redriveTriggered re-runs execution for strategies stuck in TRIGGERED. The
// executor's own instruction check keeps this at-most-once.
func (r *Recovery) redriveTriggered(ctx context.Context) {
	stuck, err := r.strategies.List(ctx, domain.ListOpts{Status: domain.StatusTriggered, Limit: recoveryBatch})
	if err != nil {
		r.logger.Error("list triggered failed", slog.Any("error", err))
		return
	}
	for _, s := range stuck {
		leased, err := r.strategies.ClaimLease(ctx, s.ID, r.now().Add(r.leaseTTL))
		if err != nil {
			var locked *domain.LockedError
			if !errors.As(err, &locked) {
				r.logger.Error("claim lease failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
			}
			continue
		}
		if err := r.exec.Execute(ctx, leased); err != nil {
			r.logger.Error("re-drive failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		} else {
			r.logger.Info("re-drove triggered strategy", slog.String("strategy_id", s.ID))
		}
		if err := r.strategies.ReleaseLease(ctx, s.ID); err != nil {
			r.logger.Error("release lease failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		}
	}
}
