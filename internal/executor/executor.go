package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// Resolver maps a strategy symbol onto a tradable gateway contract.
type Resolver interface {
	ContractFor(ctx context.Context, s *domain.Strategy, symbol string) (domain.Contract, error)
}

// Executor drives a TRIGGERED strategy through verification, order
// submission, and the asynchronous order updates that close it out.
type Executor struct {
	strategies domain.StrategyStore
	trades     domain.TradeStore
	events     domain.EventStore
	gateway    domain.Gateway
	verifier   *Verifier
	resolver   Resolver
	notifier   domain.Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an Executor. notifier may be nil.
func New(strategies domain.StrategyStore, trades domain.TradeStore, events domain.EventStore,
	gateway domain.Gateway, verifier *Verifier, resolver Resolver, notifier domain.Notifier, logger *slog.Logger) *Executor {
	return &Executor{
		strategies: strategies,
		trades:     trades,
		events:     events,
		gateway:    gateway,
		verifier:   verifier,
		resolver:   resolver,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "executor")),
		now:        time.Now,
	}
}

// Execute runs the trade side of a trigger. The caller holds the execution
// lease and s must be TRIGGERED. A strategy without a trade action closes
// out as FILLED immediately; otherwise verification runs and at most one
// submission is ever made per strategy.
func (e *Executor) Execute(ctx context.Context, s *domain.Strategy) error {
	if s.Status != domain.StatusTriggered {
		return &domain.TransitionError{StrategyID: s.ID, From: s.Status, To: domain.StatusOrderSubmitted}
	}

	if s.TradeAction == nil {
		if _, err := e.strategies.Transition(ctx, s.ID, domain.StatusTriggered, domain.StatusFilled, s.Version, "chain-only strategy, no trade action"); err != nil {
			return err
		}
		e.insertEvent(ctx, s.ID, domain.EventFilled, domain.StatusTriggered, domain.StatusFilled, "no trade action to execute", nil)
		return nil
	}

	if s.TradeAction.ActionType == domain.ActionFutRoll {
		done, err := e.rollAlreadyDone(ctx, s.ID)
		if err != nil {
			return err
		}
		if done {
			if _, err := e.strategies.Transition(ctx, s.ID, domain.StatusTriggered, domain.StatusFilled, s.Version, "roll already performed"); err != nil {
				return err
			}
			e.insertEvent(ctx, s.ID, domain.EventFilled, domain.StatusTriggered, domain.StatusFilled, "roll already performed", nil)
			return nil
		}
	}

	// At most one submission per strategy, even across crash recovery.
	existing, err := e.trades.ListInstructions(ctx, domain.ListOpts{StrategyID: s.ID, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return e.reconcileExisting(ctx, s, existing[0])
	}

	verdict, err := e.verifier.Verify(ctx, s)
	if err != nil {
		// The check itself failed; leave the strategy TRIGGERED for retry.
		return fmt.Errorf("verify strategy %s: %w", s.ID, err)
	}
	if !verdict.Passed {
		return e.failTrade(ctx, s, verdict.TradeID, domain.StageVerification,
			fmt.Sprintf("%s: %s", verdict.FailedRule, verdict.Reason))
	}
	e.insertEvent(ctx, s.ID, domain.EventVerificationPassed, "", "", "pre-trade verification passed",
		map[string]any{"trade_id": verdict.TradeID})
	e.insertLog(ctx, s.ID, verdict.TradeID, domain.StageVerification, "PASS", "")

	instruction := &domain.TradeInstruction{
		TradeID:            verdict.TradeID,
		StrategyID:         s.ID,
		InstructionSummary: s.TradeAction.Summary(),
		Status:             domain.OrderStatusPending,
		UpdatedAt:          e.now().UTC(),
	}
	if s.TradeAction.CancelOnExpiry {
		instruction.ExpireAt = s.ExpireAt
	}
	if err := e.trades.CreateInstruction(ctx, instruction); err != nil {
		return fmt.Errorf("create instruction: %w", err)
	}

	var req domain.OrderRequest
	if s.TradeAction.ActionType == domain.ActionFutRoll {
		req, err = e.buildRollCloseLeg(ctx, s, verdict.TradeID)
	} else {
		req, err = e.buildSingleLeg(ctx, s, verdict.TradeID)
	}
	if err != nil {
		return e.failTrade(ctx, s, verdict.TradeID, domain.StageExecution, err.Error())
	}

	return e.submit(ctx, s, req)
}

// reconcileExisting handles a TRIGGERED strategy that already has an
// instruction, which only happens when a previous run died mid-flight. An
// instruction with submitted orders just advances the status; one that never
// reached the gateway is failed rather than resubmitted.
func (e *Executor) reconcileExisting(ctx context.Context, s *domain.Strategy, ti *domain.TradeInstruction) error {
	orders, err := e.trades.GetOrders(ctx, ti.TradeID)
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		if _, err := e.strategies.Transition(ctx, s.ID, domain.StatusTriggered, domain.StatusOrderSubmitted, s.Version, "recovered submitted trade"); err != nil {
			return err
		}
		e.insertEvent(ctx, s.ID, domain.EventRecovered, domain.StatusTriggered, domain.StatusOrderSubmitted,
			"trade already submitted", map[string]any{"trade_id": ti.TradeID})
		return nil
	}
	return e.failTrade(ctx, s, ti.TradeID, domain.StageExecution, "trade interrupted before submission")
}

// HandleOrderUpdate applies an asynchronous gateway order update. Unknown
// gateway order ids are ignored; terminal updates close the instruction and
// the strategy, and for FUT_ROLL a filled close leg triggers the open leg.
func (e *Executor) HandleOrderUpdate(ctx context.Context, upd domain.OrderUpdate) error {
	o, err := e.trades.GetOrderByGatewayID(ctx, upd.GatewayOrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Debug("order update for unknown gateway order", slog.String("gateway_order_id", upd.GatewayOrderID))
			return nil
		}
		return err
	}
	if o.Status.Terminal() {
		return nil
	}

	o.Status = upd.Status
	o.FilledQty = upd.FilledQty
	o.AvgFillPrice = upd.AvgFillPrice
	o.UpdatedAt = e.now().UTC()
	if err := e.trades.UpdateOrder(ctx, o); err != nil {
		return err
	}
	e.insertEvent(ctx, o.StrategyID, domain.EventOrderUpdated, "", "", string(upd.Status),
		map[string]any{"trade_id": o.TradeID, "leg": o.Leg, "filled_qty": upd.FilledQty, "reason": upd.Reason})

	if !upd.Status.Terminal() {
		return nil
	}

	s, err := e.strategies.Get(ctx, o.StrategyID)
	if err != nil {
		return err
	}
	if s.TradeAction != nil && s.TradeAction.ActionType == domain.ActionFutRoll {
		return e.handleRollLeg(ctx, s, o, upd)
	}
	return e.closeOut(ctx, s, o.TradeID, upd.Status, upd.Reason)
}

// closeOut maps a terminal order status onto the instruction and strategy.
func (e *Executor) closeOut(ctx context.Context, s *domain.Strategy, tradeID string, status domain.OrderStatus, reason string) error {
	if err := e.trades.UpdateInstructionStatus(ctx, tradeID, status); err != nil {
		return err
	}
	to := domain.InstructionToStrategy[status]
	if s.Status != to {
		if _, err := e.strategies.Transition(ctx, s.ID, s.Status, to, s.Version, reason); err != nil {
			return err
		}
	}
	result := "OK"
	evType := domain.EventFilled
	switch status {
	case domain.OrderStatusFilled:
	case domain.OrderStatusCancelled:
		result, evType = string(status), domain.EventCancelled
	case domain.OrderStatusExpired:
		result, evType = string(status), domain.EventExpired
	default:
		result, evType = string(status), domain.EventFailed
	}
	e.insertEvent(ctx, s.ID, evType, s.Status, to, reason, map[string]any{"trade_id": tradeID})
	e.insertLog(ctx, s.ID, tradeID, domain.StageExecution, result, reason)
	return nil
}

// handleRollLeg handles a terminal update on one leg of a FUT_ROLL. The
// close leg filling submits the open leg; the open leg failing after the
// close filled leaves the account flat on the near contract, which is
// reported as a naked-risk alert.
func (e *Executor) handleRollLeg(ctx context.Context, s *domain.Strategy, o *domain.Order, upd domain.OrderUpdate) error {
	if o.Leg == 1 {
		if upd.Status != domain.OrderStatusFilled {
			return e.closeOut(ctx, s, o.TradeID, upd.Status, "close leg "+string(upd.Status))
		}
		e.insertLog(ctx, s.ID, o.TradeID, domain.StageRoll, "CLOSE_FILLED", o.Symbol)
		if err := e.markRolled(ctx, s.ID); err != nil {
			return err
		}
		openSide := domain.SideBuy
		if o.Side == domain.SideBuy {
			openSide = domain.SideSell
		}
		contract, err := e.resolver.ContractFor(ctx, s, s.TradeAction.FarSymbol)
		if err != nil {
			return e.abortRoll(ctx, s, o, err)
		}
		req := domain.OrderRequest{
			TradeID:   o.TradeID,
			Leg:       2,
			Contract:  contract,
			Side:      openSide,
			OrderType: s.TradeAction.OrderType,
			Quantity:  o.Quantity,
			TIF:       "DAY",
		}
		if s.TradeAction.OrderType == domain.OrderLimit {
			req.LimitPrice = s.TradeAction.LimitPrice
		}
		if err := e.submitLeg(ctx, s, req); err != nil {
			return e.abortRoll(ctx, s, o, err)
		}
		e.insertEvent(ctx, s.ID, domain.EventRolled, "", "",
			fmt.Sprintf("close %s filled, opening %s", o.Symbol, s.TradeAction.FarSymbol),
			map[string]any{"trade_id": o.TradeID})
		return nil
	}

	// Open leg.
	if upd.Status == domain.OrderStatusFilled {
		e.insertLog(ctx, s.ID, o.TradeID, domain.StageRoll, "OPEN_FILLED", o.Symbol)
		return e.closeOut(ctx, s, o.TradeID, domain.OrderStatusFilled, "roll complete")
	}
	return e.abortRoll(ctx, s, o, fmt.Errorf("open leg %s", upd.Status))
}

// abortRoll fails the trade after the close leg already filled.
func (e *Executor) abortRoll(ctx context.Context, s *domain.Strategy, o *domain.Order, cause error) error {
	msg := fmt.Sprintf("roll %s aborted after close fill: %v", o.TradeID, cause)
	e.logger.Error("naked futures exposure",
		slog.String("strategy_id", s.ID),
		slog.String("trade_id", o.TradeID),
		slog.Any("error", cause))
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, "NAKED POSITION: roll open leg failed", msg); err != nil {
			e.logger.Error("notify failed", slog.Any("error", err))
		}
	}
	return e.failTrade(ctx, s, o.TradeID, domain.StageRoll, msg)
}

// failTrade closes the instruction and the strategy as FAILED.
func (e *Executor) failTrade(ctx context.Context, s *domain.Strategy, tradeID, stage, reason string) error {
	if _, err := e.trades.GetInstruction(ctx, tradeID); err == nil {
		if err := e.trades.UpdateInstructionStatus(ctx, tradeID, domain.OrderStatusFailed); err != nil {
			return err
		}
	}
	e.insertLog(ctx, s.ID, tradeID, stage, "FAIL", reason)
	evType := domain.EventFailed
	if stage == domain.StageVerification {
		evType = domain.EventVerificationFailed
	}
	cur, err := e.strategies.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	e.insertEvent(ctx, s.ID, evType, cur.Status, domain.StatusFailed, reason, map[string]any{"trade_id": tradeID})
	if cur.Status == domain.StatusFailed {
		return nil
	}
	_, err = e.strategies.Transition(ctx, s.ID, cur.Status, domain.StatusFailed, cur.Version, reason)
	return err
}

// buildSingleLeg builds the one order of STOCK_TRADE and FUT_POSITION.
func (e *Executor) buildSingleLeg(ctx context.Context, s *domain.Strategy, tradeID string) (domain.OrderRequest, error) {
	action := s.TradeAction
	contract, err := e.resolver.ContractFor(ctx, s, action.Symbol)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("resolve %s: %w", action.Symbol, err)
	}
	req := domain.OrderRequest{
		TradeID:        tradeID,
		Leg:            1,
		Contract:       contract,
		Side:           action.Side,
		OrderType:      action.OrderType,
		Quantity:       action.Quantity,
		TIF:            "DAY",
		AllowOvernight: action.AllowOvernight,
	}
	if action.OrderType == domain.OrderLimit {
		req.LimitPrice = action.LimitPrice
	}
	return req, nil
}

// buildRollCloseLeg builds leg 1 of a FUT_ROLL: closing the near position.
// The closing quantity is capped at the held position so the roll never
// reverses direction.
func (e *Executor) buildRollCloseLeg(ctx context.Context, s *domain.Strategy, tradeID string) (domain.OrderRequest, error) {
	action := s.TradeAction
	positions, err := e.gateway.Positions(ctx)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("positions: %w", err)
	}
	var held float64
	for _, p := range positions {
		if p.Contract.Symbol == action.NearSymbol {
			held = p.Quantity
			break
		}
	}
	if held == 0 {
		return domain.OrderRequest{}, fmt.Errorf("no position in %s to roll", action.NearSymbol)
	}
	side := domain.SideSell
	if held < 0 {
		side = domain.SideBuy
	}
	qty := math.Min(action.Quantity, math.Abs(held))
	contract, err := e.resolver.ContractFor(ctx, s, action.NearSymbol)
	if err != nil {
		return domain.OrderRequest{}, fmt.Errorf("resolve %s: %w", action.NearSymbol, err)
	}
	req := domain.OrderRequest{
		TradeID:   tradeID,
		Leg:       1,
		Contract:  contract,
		Side:      side,
		OrderType: action.OrderType,
		Quantity:  qty,
		TIF:       "DAY",
	}
	if action.OrderType == domain.OrderLimit {
		req.LimitPrice = action.LimitPrice
	}
	return req, nil
}

// submit places the first order and moves the strategy to ORDER_SUBMITTED.
func (e *Executor) submit(ctx context.Context, s *domain.Strategy, req domain.OrderRequest) error {
	if err := e.submitLeg(ctx, s, req); err != nil {
		// At most one submission attempt per strategy.
		return e.failTrade(ctx, s, req.TradeID, domain.StageExecution, fmt.Sprintf("submit: %v", err))
	}
	if err := e.trades.UpdateInstructionStatus(ctx, req.TradeID, domain.OrderStatusSubmitted); err != nil {
		return err
	}
	if _, err := e.strategies.Transition(ctx, s.ID, domain.StatusTriggered, domain.StatusOrderSubmitted, s.Version, "order submitted"); err != nil {
		return err
	}
	e.insertEvent(ctx, s.ID, domain.EventOrderSubmitted, domain.StatusTriggered, domain.StatusOrderSubmitted,
		s.TradeAction.Summary(), map[string]any{"trade_id": req.TradeID})
	e.insertLog(ctx, s.ID, req.TradeID, domain.StageExecution, "SUBMITTED", s.TradeAction.Summary())
	return nil
}

// submitLeg submits one order and records its row.
func (e *Executor) submitLeg(ctx context.Context, s *domain.Strategy, req domain.OrderRequest) error {
	gatewayID, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	return e.trades.InsertOrder(ctx, &domain.Order{
		TradeID:        req.TradeID,
		Leg:            req.Leg,
		StrategyID:     s.ID,
		GatewayOrderID: gatewayID,
		Symbol:         req.Contract.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		TIF:            req.TIF,
		AllowOvernight: req.AllowOvernight,
		Status:         domain.OrderStatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

func (e *Executor) rollAlreadyDone(ctx context.Context, strategyID string) (bool, error) {
	rt, err := e.strategies.GetRuntimeState(ctx, strategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, done := rt.Times[domain.RuntimeRolledAt]
	return done, nil
}

func (e *Executor) markRolled(ctx context.Context, strategyID string) error {
	rt, err := e.strategies.GetRuntimeState(ctx, strategyID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		rt = &domain.RuntimeState{StrategyID: strategyID, Values: map[string]float64{}}
	}
	if rt.Times == nil {
		rt.Times = map[string]int64{}
	}
	rt.Times[domain.RuntimeRolledAt] = e.now().UTC().Unix()
	rt.UpdatedAt = e.now().UTC()
	return e.strategies.SetRuntimeState(ctx, rt)
}

func (e *Executor) insertEvent(ctx context.Context, strategyID string, typ domain.EventType, from, to domain.Status, msg string, detail map[string]any) {
	if _, err := e.events.Insert(ctx, &domain.StrategyEvent{
		StrategyID: strategyID,
		Type:       typ,
		FromStatus: from,
		ToStatus:   to,
		Message:    msg,
		Detail:     detail,
		CreatedAt:  e.now().UTC(),
	}); err != nil {
		e.logger.Error("insert event failed", slog.String("strategy_id", strategyID), slog.Any("error", err))
	}
}

func (e *Executor) insertLog(ctx context.Context, strategyID, tradeID, stage, result, detail string) {
	if err := e.trades.InsertLog(ctx, &domain.TradeLog{
		Timestamp:  e.now().UTC(),
		StrategyID: strategyID,
		TradeID:    tradeID,
		Stage:      stage,
		Result:     result,
		Detail:     detail,
	}); err != nil {
		e.logger.Error("insert trade log failed", slog.String("trade_id", tradeID), slog.Any("error", err))
	}
}
