package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
)

// Preflight gates downstream activation the same way a manual activate does.
type Preflight interface {
	Check(ctx context.Context, s *domain.Strategy) error
}

// ContractResolver maps a strategy's product code to its gateway contract.
type ContractResolver interface {
	ContractFor(ctx context.Context, s *domain.Strategy, product string) (domain.Contract, error)
}

// Activator activates downstream strategies when an upstream triggers. The
// (trigger_event_id, downstream) activation row makes the whole operation
// at-most-once; a redelivered trigger is a no-op.
type Activator struct {
	store     domain.StrategyStore
	events    domain.EventStore
	cache     *marketdata.Cache
	preflight Preflight
	resolver  ContractResolver
	logger    *slog.Logger

	now func() time.Time
}

// NewActivator builds an Activator.
func NewActivator(store domain.StrategyStore, events domain.EventStore, cache *marketdata.Cache, preflight Preflight, resolver ContractResolver, logger *slog.Logger) *Activator {
	return &Activator{
		store:     store,
		events:    events,
		cache:     cache,
		preflight: preflight,
		resolver:  resolver,
		logger:    logger.With(slog.String("component", "chain")),
		now:       time.Now,
	}
}

// statuses a downstream may be activated from.
func activatable(s domain.Status) bool {
	switch s {
	case domain.StatusPendingActivation, domain.StatusVerifyFailed, domain.StatusPaused:
		return true
	}
	return false
}

// Activate runs the chain-activation protocol for upstream's downstream, if
// any. triggerEventID is the event minted when the upstream triggered;
// triggerTS becomes the downstream's logical activation time; anchor is the
// basis price observed at the trigger moment.
func (a *Activator) Activate(ctx context.Context, upstream *domain.Strategy, triggerEventID int64, triggerTS time.Time, anchor float64) error {
	downID := domain.NormalizeStrategyID(upstream.NextStrategyID)
	if downID == "" {
		return nil
	}
	log := a.logger.With(
		slog.String("from", upstream.ID),
		slog.String("to", downID),
		slog.Int64("trigger_event_id", triggerEventID))

	down, err := a.store.Get(ctx, downID)
	if err != nil {
		return fmt.Errorf("chain: load downstream %s: %w", downID, err)
	}

	if !activatable(down.Status) {
		err := a.events.InsertActivation(ctx, &domain.Activation{
			TriggerEventID: triggerEventID,
			FromStrategyID: upstream.ID,
			ToStrategyID:   downID,
			Outcome:        domain.ActivationSkipped,
			Note:           fmt.Sprintf("downstream status %s is not activatable", down.Status),
		})
		if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
		log.Warn("chain activation skipped", slog.String("status", string(down.Status)))
		return nil
	}

	effective := triggerTS.UTC()
	actCtx := map[string]any{"downstream_status": string(down.Status)}
	if upstream.NextStrategyNote != "" {
		actCtx["next_strategy_note"] = upstream.NextStrategyNote
	}
	err = a.events.InsertActivation(ctx, &domain.Activation{
		TriggerEventID:       triggerEventID,
		FromStrategyID:       upstream.ID,
		ToStrategyID:         downID,
		Outcome:              domain.ActivationApplied,
		EffectiveActivatedAt: &effective,
		MarketSnapshot:       map[string]any{"anchor_price": anchor},
		Context:              actCtx,
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		log.Debug("chain activation already applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("chain: record activation: %w", err)
	}

	// Paused downstream first returns to PENDING_ACTIVATION so the normal
	// activation path applies.
	if down.Status == domain.StatusPaused {
		down, err = a.store.Transition(ctx, down.ID, domain.StatusPaused, domain.StatusPendingActivation, down.Version, "chain activation")
		if err != nil {
			return err
		}
	}

	down, err = a.store.Transition(ctx, down.ID, down.Status, domain.StatusVerifying, down.Version, "chain activation")
	if err != nil {
		return err
	}

	if err := a.preflight.Check(ctx, down); err != nil {
		if _, terr := a.store.Transition(ctx, down.ID, domain.StatusVerifying, domain.StatusVerifyFailed, down.Version, err.Error()); terr != nil {
			return terr
		}
		a.appendEvent(ctx, down.ID, domain.EventVerificationFailed, domain.StatusVerifying, domain.StatusVerifyFailed, err.Error())
		log.Warn("chain activation preflight failed", slog.Any("error", err))
		return nil
	}

	now := a.now().UTC()
	down.ActivatedAt = &now
	logical := triggerTS.UTC()
	down.LogicalActivatedAt = &logical
	down.AnchorPrice = &anchor
	down.UpstreamStrategyID = upstream.ID
	if down.ExpireMode == domain.ExpireRelative && down.ExpireInSeconds != nil {
		at := now.Add(time.Duration(*down.ExpireInSeconds) * time.Second)
		down.ExpireAt = &at
	}
	if err := a.store.Update(ctx, down); err != nil {
		return err
	}
	down, err = a.store.Transition(ctx, down.ID, domain.StatusVerifying, domain.StatusActive, down.Version+1, "chain activation")
	if err != nil {
		return err
	}

	high, low := anchor, anchor
	if logical.Before(now) {
		if h, l, err := a.backfillExtrema(ctx, down, logical, now); err != nil {
			log.Warn("extrema backfill failed", slog.Any("error", err))
		} else {
			if h > high {
				high = h
			}
			// A zero anchor must not pin the low at 0; the rally metric
			// treats a non-positive low as uninitialized.
			if l > 0 && (low <= 0 || l < low) {
				low = l
			}
		}
	}
	rt := &domain.RuntimeState{
		StrategyID: down.ID,
		Values: map[string]float64{
			domain.RuntimeSinceActivationHigh: high,
			domain.RuntimeSinceActivationLow:  low,
			domain.RuntimeAnchorPrice:         anchor,
		},
		UpdatedAt: now,
	}
	if err := a.store.SetRuntimeState(ctx, rt); err != nil {
		return err
	}

	a.appendEvent(ctx, down.ID, domain.EventChainActivated, domain.StatusPendingActivation, domain.StatusActive,
		fmt.Sprintf("activated by %s, anchor %.6g", upstream.ID, anchor))
	log.Info("chain activated downstream",
		slog.Float64("anchor", anchor),
		slog.Time("logical_activated_at", logical))
	return nil
}

// backfillExtrema replays bars over the activation gap so the drawdown and
// rally metrics measure from the upstream trigger instant.
func (a *Activator) backfillExtrema(ctx context.Context, s *domain.Strategy, from, to time.Time) (high, low float64, err error) {
	if len(s.Symbols) == 0 {
		return 0, 0, fmt.Errorf("chain: strategy %s has no symbols", s.ID)
	}
	contract, err := a.resolver.ContractFor(ctx, s, s.Symbols[0].Code)
	if err != nil {
		return 0, 0, err
	}
	return a.cache.ExtremaBetween(ctx, contract, "1m", from, to)
}

func (a *Activator) appendEvent(ctx context.Context, strategyID string, typ domain.EventType, from, to domain.Status, msg string) {
	_, err := a.events.Insert(ctx, &domain.StrategyEvent{
		StrategyID: strategyID,
		Type:       typ,
		FromStatus: from,
		ToStatus:   to,
		Message:    msg,
	})
	if err != nil {
		a.logger.Error("append event", slog.String("strategy_id", strategyID), slog.Any("error", err))
	}
}
