package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

const expiryBatch = 256

// ExpirySweeper periodically expires overdue strategies and cancels open
// orders whose instruction asked to be cancelled on expiry.
type ExpirySweeper struct {
	strategies domain.StrategyStore
	trades     domain.TradeStore
	events     domain.EventStore
	gateway    domain.Gateway
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewExpirySweeper builds an ExpirySweeper.
func NewExpirySweeper(strategies domain.StrategyStore, trades domain.TradeStore, events domain.EventStore,
	gateway domain.Gateway, interval time.Duration, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		strategies: strategies,
		trades:     trades,
		events:     events,
		gateway:    gateway,
		interval:   interval,
		logger:     logger.With(slog.String("component", "expiry")),
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (e *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one expiry pass.
func (e *ExpirySweeper) SweepOnce(ctx context.Context) {
	now := e.now().UTC()
	e.expireStrategies(ctx, now)
	e.cancelExpiredOrders(ctx, now)
}

func (e *ExpirySweeper) expireStrategies(ctx context.Context, now time.Time) {
	due, err := e.strategies.ListExpirable(ctx, now, expiryBatch)
	if err != nil {
		e.logger.Error("list expirable failed", slog.Any("error", err))
		return
	}
	for _, s := range due {
		if !s.Status.Expirable() {
			continue
		}
		if _, err := e.strategies.Transition(ctx, s.ID, s.Status, domain.StatusExpired, s.Version, "expired"); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			e.logger.Error("expire failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
			continue
		}
		if _, err := e.events.Insert(ctx, &domain.StrategyEvent{
			StrategyID: s.ID,
			Type:       domain.EventExpired,
			FromStatus: s.Status,
			ToStatus:   domain.StatusExpired,
			Message:    "expire_at reached",
			CreatedAt:  now,
		}); err != nil {
			e.logger.Error("insert expiry event failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		}
		e.logger.Info("strategy expired", slog.String("strategy_id", s.ID), slog.String("from", string(s.Status)))
	}
}

// cancelExpiredOrders asks the gateway to cancel open orders past their
// instruction's expire_at. The resulting order update closes the strategy.
func (e *ExpirySweeper) cancelExpiredOrders(ctx context.Context, now time.Time) {
	open, err := e.trades.ListOpenOrders(ctx)
	if err != nil {
		e.logger.Error("list open orders failed", slog.Any("error", err))
		return
	}
	for _, o := range open {
		ti, err := e.trades.GetInstruction(ctx, o.TradeID)
		if err != nil {
			continue
		}
		if ti.ExpireAt == nil || now.Before(*ti.ExpireAt) {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, o.GatewayOrderID); err != nil {
			e.logger.Error("cancel expired order failed",
				slog.String("trade_id", o.TradeID),
				slog.String("gateway_order_id", o.GatewayOrderID),
				slog.Any("error", err))
			continue
		}
		e.logger.Info("cancelled expired order",
			slog.String("trade_id", o.TradeID),
			slog.String("gateway_order_id", o.GatewayOrderID))
	}
}
