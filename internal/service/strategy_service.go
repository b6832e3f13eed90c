package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/ibexd/internal/chain"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/rules"
)

// Preflight gates manual activation the same way chain activation is gated.
type Preflight interface {
	Check(ctx context.Context, s *domain.Strategy) error
}

// Limits bound user-supplied strategy shapes.
type Limits struct {
	MaxConditions     int
	MaxSymbols        int
	MaxChainDepth     int
	MaxOpenStrategies int
}

// StrategyView is the read model returned by Get and List: the strategy plus
// its currently available controls.
type StrategyView struct {
	*domain.Strategy
	Capabilities      domain.Capabilities      `json:"capabilities"`
	CapabilityReasons domain.CapabilityReasons `json:"capability_reasons"`
}

// StrategyService owns the strategy lifecycle: creation, edits, and the
// manual control surface (activate/pause/resume/cancel).
type StrategyService struct {
	strategies domain.StrategyStore
	events     domain.EventStore
	trades     domain.TradeStore
	runs       domain.RunStore
	preflight  Preflight
	rules      *rules.Set
	resolver   *Resolver
	limits     Limits
	logger     *slog.Logger
	now        func() time.Time
}

// NewStrategyService builds a StrategyService. resolver may be nil, in which
// case manual activation skips the anchor price snapshot.
func NewStrategyService(
	strategies domain.StrategyStore,
	events domain.EventStore,
	trades domain.TradeStore,
	runs domain.RunStore,
	preflight Preflight,
	ruleSet *rules.Set,
	resolver *Resolver,
	limits Limits,
	logger *slog.Logger,
) *StrategyService {
	return &StrategyService{
		strategies: strategies,
		events:     events,
		trades:     trades,
		runs:       runs,
		preflight:  preflight,
		rules:      ruleSet,
		resolver:   resolver,
		limits:     limits,
		logger:     logger.With(slog.String("component", "strategy_service")),
		now:        time.Now,
	}
}

// validate runs the full structural validation applied on create and after
// every edit.
func (svc *StrategyService) validate(ctx context.Context, s *domain.Strategy) error {
	if svc.limits.MaxSymbols > 0 && len(s.Symbols) > svc.limits.MaxSymbols {
		return domain.NewValidation(domain.CodeInvalidCombo,
			fmt.Sprintf("at most %d symbols allowed, got %d", svc.limits.MaxSymbols, len(s.Symbols)))
	}
	if err := domain.ValidateTradeSymbols(s.TradeType, s.Symbols); err != nil {
		return err
	}

	if svc.limits.MaxConditions > 0 && len(s.Conditions) > svc.limits.MaxConditions {
		return domain.NewValidation(domain.CodeTooManyConditions,
			fmt.Sprintf("at most %d conditions allowed, got %d", svc.limits.MaxConditions, len(s.Conditions)))
	}
	if s.ConditionLogic == "" {
		s.ConditionLogic = domain.LogicAnd
	}
	if s.ConditionLogic != domain.LogicAnd && s.ConditionLogic != domain.LogicOr {
		return domain.NewValidation(domain.CodeInvalidCondition,
			fmt.Sprintf("unsupported condition_logic %q", s.ConditionLogic))
	}
	known := make(map[string]bool, len(s.Symbols))
	for _, sym := range s.Symbols {
		known[strings.ToUpper(sym.Code)] = true
	}
	for i := range s.Conditions {
		c := &s.Conditions[i]
		c.Normalize(i + 1)
		if err := c.Validate(); err != nil {
			return err
		}
		if err := svc.rules.Validate(c); err != nil {
			return err
		}
		if c.Product != "" && !known[c.Product] {
			return domain.NewValidation(domain.CodeUnknownProduct,
				fmt.Sprintf("condition %s: product %s not in strategy symbols", c.ConditionID, c.Product))
		}
		if c.ProductB != "" && !known[c.ProductB] {
			return domain.NewValidation(domain.CodeUnknownProduct,
				fmt.Sprintf("condition %s: product_b %s not in strategy symbols", c.ConditionID, c.ProductB))
		}
	}

	if s.TradeAction != nil {
		if err := s.TradeAction.Validate(s.TradeType, s.Symbols); err != nil {
			return err
		}
	}

	switch s.ExpireMode {
	case domain.ExpireRelative:
		if s.ExpireInSeconds == nil || *s.ExpireInSeconds <= 0 {
			return domain.NewValidation(domain.CodeInvalidExpiry, "relative expiry requires positive expire_in_seconds")
		}
		if *s.ExpireInSeconds > domain.MaxExpireSeconds {
			return domain.NewValidation(domain.CodeInvalidExpiry,
				fmt.Sprintf("expire_in_seconds exceeds maximum %d", domain.MaxExpireSeconds))
		}
	case domain.ExpireAbsolute:
		if s.ExpireAt == nil {
			return domain.NewValidation(domain.CodeInvalidExpiry, "absolute expiry requires expire_at")
		}
		if !s.ExpireAt.After(svc.now().UTC()) {
			return domain.NewValidation(domain.CodeInvalidExpiry, "expire_at must be in the future")
		}
	default:
		return domain.NewValidation(domain.CodeInvalidExpiry, fmt.Sprintf("unsupported expire_mode %q", s.ExpireMode))
	}

	if s.NextStrategyID != "" {
		if err := chain.ValidateNoCycle(ctx, svc.strategies, s.ID, s.NextStrategyID, svc.limits.MaxChainDepth); err != nil {
			return err
		}
	}
	return nil
}

// Create validates and persists a new strategy in PENDING_ACTIVATION. An
// idempotency-key collision returns the previously created strategy.
func (svc *StrategyService) Create(ctx context.Context, s *domain.Strategy) (*domain.Strategy, error) {
	if s.IdempotencyKey != "" {
		existing, err := svc.strategies.GetByIdempotencyKey(ctx, s.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if strings.TrimSpace(s.ID) == "" {
		s.ID = domain.NewStrategyID()
	}
	s.ID = domain.NormalizeStrategyID(s.ID)
	for i := range s.Symbols {
		s.Symbols[i].Code = strings.ToUpper(strings.TrimSpace(s.Symbols[i].Code))
		s.Symbols[i].Position = i + 1
	}
	s.NextStrategyID = domain.NormalizeStrategyID(s.NextStrategyID)
	s.Status = domain.StatusPendingActivation
	s.Version = 1

	if err := svc.validate(ctx, s); err != nil {
		return nil, err
	}

	if svc.limits.MaxOpenStrategies > 0 {
		open, err := svc.strategies.List(ctx, domain.ListOpts{})
		if err != nil {
			return nil, err
		}
		active := 0
		for _, st := range open {
			if !st.Status.Terminal() {
				active++
			}
		}
		if active >= svc.limits.MaxOpenStrategies {
			return nil, domain.NewValidation(domain.CodeNotEligible,
				fmt.Sprintf("open strategy limit %d reached", svc.limits.MaxOpenStrategies))
		}
	}

	if err := svc.strategies.Create(ctx, s); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) && s.IdempotencyKey != "" {
			// Concurrent create with the same key; return the winner.
			return svc.strategies.GetByIdempotencyKey(ctx, s.IdempotencyKey)
		}
		return nil, err
	}
	svc.appendEvent(ctx, s.ID, domain.EventCreated, "", domain.StatusPendingActivation, "strategy created")
	svc.logger.Info("strategy created",
		slog.String("strategy_id", s.ID),
		slog.String("market", s.Market),
		slog.String("trade_type", string(s.TradeType)))
	return s, nil
}

// Get returns one strategy with its capability projection.
func (svc *StrategyService) Get(ctx context.Context, id string) (*StrategyView, error) {
	s, err := svc.strategies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caps, reasons := domain.ComputeCapabilities(s)
	return &StrategyView{Strategy: s, Capabilities: caps, CapabilityReasons: reasons}, nil
}

// List returns strategies matching opts with capability projections.
func (svc *StrategyService) List(ctx context.Context, opts domain.ListOpts) ([]*StrategyView, error) {
	ss, err := svc.strategies.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*StrategyView, 0, len(ss))
	for _, s := range ss {
		caps, reasons := domain.ComputeCapabilities(s)
		out = append(out, &StrategyView{Strategy: s, Capabilities: caps, CapabilityReasons: reasons})
	}
	return out, nil
}

// edit loads an editable strategy, applies the mutation, re-validates, resets
// it to PENDING_ACTIVATION, and clears its runtime state.
func (svc *StrategyService) edit(ctx context.Context, id string, apply func(*domain.Strategy), note string) (*domain.Strategy, error) {
	s, err := svc.strategies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Leased(svc.now()) {
		return nil, &domain.LockedError{StrategyID: s.ID, LockUntil: *s.LockUntil}
	}
	if !s.Status.Editable() {
		return nil, domain.NewValidation(domain.CodeNotEditable,
			fmt.Sprintf("status %s does not allow edits", s.Status))
	}

	from := s.Status
	apply(s)
	s.Status = domain.StatusPendingActivation
	s.ActivatedAt = nil
	s.LogicalActivatedAt = nil
	s.AnchorPrice = nil
	if s.ExpireMode == domain.ExpireRelative {
		s.ExpireAt = nil
	}

	if err := svc.validate(ctx, s); err != nil {
		return nil, err
	}
	if err := svc.strategies.Update(ctx, s); err != nil {
		return nil, err
	}
	s.Version++

	// Drop stale extrema so a later activation starts fresh.
	_ = svc.strategies.SetRuntimeState(ctx, &domain.RuntimeState{
		StrategyID: s.ID,
		Values:     map[string]float64{},
		UpdatedAt:  svc.now().UTC(),
	})

	svc.appendEvent(ctx, s.ID, domain.EventEdited, from, domain.StatusPendingActivation, note)
	return s, nil
}

// PatchBasic applies description/expiry/chain edits.
func (svc *StrategyService) PatchBasic(ctx context.Context, id string, p domain.StrategyPatch) (*domain.Strategy, error) {
	return svc.edit(ctx, id, func(s *domain.Strategy) {
		if p.Description != nil {
			s.Description = *p.Description
		}
		if p.ExpireMode != nil {
			s.ExpireMode = *p.ExpireMode
		}
		if p.ExpireInSeconds != nil {
			s.ExpireInSeconds = p.ExpireInSeconds
		}
		if p.ExpireAt != nil {
			s.ExpireAt = p.ExpireAt
		}
		if p.NextStrategyID != nil {
			s.NextStrategyID = domain.NormalizeStrategyID(*p.NextStrategyID)
		}
		if p.NextStrategyNote != nil {
			s.NextStrategyNote = *p.NextStrategyNote
		}
	}, "basic fields edited")
}

// PutConditions replaces the condition set and optionally the combining
// logic.
func (svc *StrategyService) PutConditions(ctx context.Context, id string, logic domain.ConditionLogic, conditions []domain.Condition) (*domain.Strategy, error) {
	return svc.edit(ctx, id, func(s *domain.Strategy) {
		if logic != "" {
			s.ConditionLogic = logic
		}
		s.Conditions = conditions
	}, "conditions replaced")
}

// PutActions replaces the trade action. A nil action clears it, leaving a
// chain-only strategy.
func (svc *StrategyService) PutActions(ctx context.Context, id string, action *domain.TradeAction) (*domain.Strategy, error) {
	return svc.edit(ctx, id, func(s *domain.Strategy) {
		s.TradeAction = action
	}, "trade action replaced")
}

// Activate runs the manual activation protocol: PENDING_ACTIVATION or
// VERIFY_FAILED through VERIFYING to ACTIVE, gated by preflight.
func (svc *StrategyService) Activate(ctx context.Context, id string) (*domain.Strategy, error) {
	s, err := svc.strategies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Leased(svc.now()) {
		return nil, &domain.LockedError{StrategyID: s.ID, LockUntil: *s.LockUntil}
	}
	if s.Status != domain.StatusPendingActivation && s.Status != domain.StatusVerifyFailed {
		return nil, &domain.TransitionError{StrategyID: s.ID, From: s.Status, To: domain.StatusVerifying}
	}
	if err := s.ActivationEligible(); err != nil {
		return nil, err
	}

	from := s.Status
	s, err = svc.strategies.Transition(ctx, s.ID, from, domain.StatusVerifying, s.Version, "activation requested")
	if err != nil {
		return nil, err
	}
	svc.appendEvent(ctx, s.ID, domain.EventActivateRequested, from, domain.StatusVerifying, "")

	if err := svc.preflight.Check(ctx, s); err != nil {
		if _, terr := svc.strategies.Transition(ctx, s.ID, domain.StatusVerifying, domain.StatusVerifyFailed, s.Version, err.Error()); terr != nil {
			return nil, terr
		}
		svc.appendEvent(ctx, s.ID, domain.EventVerificationFailed, domain.StatusVerifying, domain.StatusVerifyFailed, err.Error())
		svc.logger.Warn("activation preflight failed",
			slog.String("strategy_id", s.ID), slog.Any("error", err))
		return nil, err
	}

	now := svc.now().UTC()
	s.ActivatedAt = &now
	s.LogicalActivatedAt = &now
	if s.ExpireMode == domain.ExpireRelative && s.ExpireInSeconds != nil {
		at := now.Add(time.Duration(*s.ExpireInSeconds) * time.Second)
		s.ExpireAt = &at
	}

	var anchor *float64
	if svc.resolver != nil && len(s.Conditions) > 0 && s.Conditions[0].Product != "" {
		if price, err := svc.resolver.LastPrice(ctx, s, s.Conditions[0].Product); err != nil {
			svc.logger.Warn("anchor price unavailable",
				slog.String("strategy_id", s.ID), slog.Any("error", err))
		} else {
			anchor = &price
		}
	}
	s.AnchorPrice = anchor

	if err := svc.strategies.Update(ctx, s); err != nil {
		return nil, err
	}
	s, err = svc.strategies.Transition(ctx, s.ID, domain.StatusVerifying, domain.StatusActive, s.Version+1, "activation")
	if err != nil {
		return nil, err
	}

	rt := &domain.RuntimeState{StrategyID: s.ID, Values: map[string]float64{}, UpdatedAt: now}
	if anchor != nil {
		rt.Values[domain.RuntimeAnchorPrice] = *anchor
		rt.Values[domain.RuntimeSinceActivationHigh] = *anchor
		rt.Values[domain.RuntimeSinceActivationLow] = *anchor
	}
	if err := svc.strategies.SetRuntimeState(ctx, rt); err != nil {
		return nil, err
	}

	svc.appendEvent(ctx, s.ID, domain.EventActivated, domain.StatusVerifying, domain.StatusActive, "strategy activated")
	svc.logger.Info("strategy activated", slog.String("strategy_id", s.ID))
	return s, nil
}

// Pause moves an ACTIVE strategy to PAUSED.
func (svc *StrategyService) Pause(ctx context.Context, id string) (*domain.Strategy, error) {
	return svc.control(ctx, id, domain.StatusActive, domain.StatusPaused, domain.EventPaused, "paused by user")
}

// Resume moves a PAUSED strategy back to ACTIVE. Monitoring resumes with the
// preserved since-activation extrema.
func (svc *StrategyService) Resume(ctx context.Context, id string) (*domain.Strategy, error) {
	return svc.control(ctx, id, domain.StatusPaused, domain.StatusActive, domain.EventResumed, "resumed by user")
}

// Cancel terminates a strategy that has not traded yet.
func (svc *StrategyService) Cancel(ctx context.Context, id string) (*domain.Strategy, error) {
	s, err := svc.strategies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Leased(svc.now()) {
		return nil, &domain.LockedError{StrategyID: s.ID, LockUntil: *s.LockUntil}
	}
	switch s.Status {
	case domain.StatusPendingActivation, domain.StatusActive, domain.StatusPaused:
	default:
		return nil, &domain.TransitionError{StrategyID: s.ID, From: s.Status, To: domain.StatusCancelled}
	}

	from := s.Status
	s, err = svc.strategies.Transition(ctx, s.ID, from, domain.StatusCancelled, s.Version, "cancelled by user")
	if err != nil {
		return nil, err
	}
	svc.appendEvent(ctx, s.ID, domain.EventCancelled, from, domain.StatusCancelled, "cancelled by user")
	return s, nil
}

func (svc *StrategyService) control(ctx context.Context, id string, from, to domain.Status, ev domain.EventType, note string) (*domain.Strategy, error) {
	s, err := svc.strategies.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Leased(svc.now()) {
		return nil, &domain.LockedError{StrategyID: s.ID, LockUntil: *s.LockUntil}
	}
	if s.Status != from {
		return nil, &domain.TransitionError{StrategyID: s.ID, From: s.Status, To: to}
	}
	s, err = svc.strategies.Transition(ctx, s.ID, from, to, s.Version, note)
	if err != nil {
		return nil, err
	}
	svc.appendEvent(ctx, s.ID, ev, from, to, note)
	return s, nil
}

// Delete soft-deletes a strategy. Only terminal strategies and ones never
// activated can be deleted.
func (svc *StrategyService) Delete(ctx context.Context, id string) error {
	s, err := svc.strategies.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Status.Terminal() && s.Status != domain.StatusPendingActivation {
		return domain.NewValidation(domain.CodeNotEligible,
			fmt.Sprintf("status %s does not allow deletion", s.Status))
	}
	return svc.strategies.SoftDelete(ctx, s.ID)
}

// Events returns a strategy's timeline.
func (svc *StrategyService) Events(ctx context.Context, id string, limit int) ([]*domain.StrategyEvent, error) {
	if _, err := svc.strategies.Get(ctx, id); err != nil {
		return nil, err
	}
	return svc.events.ListByStrategy(ctx, domain.NormalizeStrategyID(id), limit)
}

// RecentEvents returns the newest events across all strategies.
func (svc *StrategyService) RecentEvents(ctx context.Context, limit int) ([]*domain.StrategyEvent, error) {
	return svc.events.ListRecent(ctx, limit)
}

// ActiveTrades returns trade instructions that are not yet terminal.
func (svc *StrategyService) ActiveTrades(ctx context.Context) ([]*domain.TradeInstruction, error) {
	all, err := svc.trades.ListInstructions(ctx, domain.ListOpts{})
	if err != nil {
		return nil, err
	}
	var out []*domain.TradeInstruction
	for _, ti := range all {
		if !ti.Status.Terminal() {
			out = append(out, ti)
		}
	}
	return out, nil
}

// TradeLogs returns trade logs, optionally scoped to one strategy.
func (svc *StrategyService) TradeLogs(ctx context.Context, strategyID string, limit int) ([]*domain.TradeLog, error) {
	return svc.trades.ListLogs(ctx, strategyID, limit)
}

// Runs returns the most recent monitoring passes for one strategy.
func (svc *StrategyService) Runs(ctx context.Context, strategyID string, limit int) ([]*domain.StrategyRun, error) {
	return svc.runs.ListByStrategy(ctx, domain.NormalizeStrategyID(strategyID), limit)
}

func (svc *StrategyService) appendEvent(ctx context.Context, strategyID string, typ domain.EventType, from, to domain.Status, msg string) {
	_, err := svc.events.Insert(ctx, &domain.StrategyEvent{
		StrategyID: strategyID,
		Type:       typ,
		FromStatus: from,
		ToStatus:   to,
		Message:    msg,
	})
	if err != nil {
		svc.logger.Error("append event failed",
			slog.String("strategy_id", strategyID), slog.Any("error", err))
	}
}
