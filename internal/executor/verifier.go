// Package executor turns TRIGGERED strategies into gateway orders: the
// pre-trade verifier gates the trade, the submitter places it and tracks
// order updates through to a terminal strategy status.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ibexd/internal/calendar"
	"github.com/alanyoungcy/ibexd/internal/domain"
)

// Quoter provides a last trade price for notional estimation of MKT orders.
type Quoter interface {
	LastPrice(ctx context.Context, s *domain.Strategy, symbol string) (float64, error)
}

// Verification rule ids, evaluated in this order. The first failure stops
// the chain.
const (
	RuleOrderType      = "R1_ORDER_TYPE"
	RuleMarketOpen     = "R2_MARKET_OPEN"
	RuleNotionalCap    = "R3_NOTIONAL_CAP"
	RuleAvailableFunds = "R4_AVAILABLE_FUNDS"
	RulePositionLimit  = "R5_POSITION_LIMIT"
)

// VerifyOptions carry the rule parameters. Zero MinAvailableFunds or
// MaxPositionPerSym disables the respective rule.
type VerifyOptions struct {
	MaxOrderNotional  float64
	AllowedOrderTypes []string
	MinAvailableFunds float64
	MaxPositionPerSym float64
	RequireMarketOpen bool
	RuleVersion       int
}

// Verdict is the outcome of a verification pass. TradeID is minted up front
// so the verification events and the eventual orders share it.
type Verdict struct {
	TradeID    string
	Passed     bool
	FailedRule string
	Reason     string
	EstPrice   float64
}

// Verifier runs the ordered pre-trade rule chain and records one
// VerificationEvent per rule evaluated.
type Verifier struct {
	gateway domain.Gateway
	cal     *calendar.Calendar
	quoter  Quoter
	trades  domain.TradeStore
	opts    VerifyOptions
	logger  *slog.Logger
	now     func() time.Time
}

// NewVerifier builds a Verifier.
func NewVerifier(gateway domain.Gateway, cal *calendar.Calendar, quoter Quoter, trades domain.TradeStore, opts VerifyOptions, logger *slog.Logger) *Verifier {
	return &Verifier{
		gateway: gateway,
		cal:     cal,
		quoter:  quoter,
		trades:  trades,
		opts:    opts,
		logger:  logger.With(slog.String("component", "verifier")),
		now:     time.Now,
	}
}

// Verify runs the rule chain against s.TradeAction. Rule failures are
// reported through the Verdict; an error return means the check itself could
// not run and the caller may retry.
func (v *Verifier) Verify(ctx context.Context, s *domain.Strategy) (*Verdict, error) {
	action := s.TradeAction
	if action == nil {
		return nil, fmt.Errorf("strategy %s has no trade action", s.ID)
	}
	verdict := &Verdict{TradeID: domain.NewTradeID(), Passed: true}

	price, err := v.estimatePrice(ctx, s, action)
	if err != nil {
		return nil, fmt.Errorf("estimate price: %w", err)
	}
	verdict.EstPrice = price

	type rule struct {
		id      string
		enabled bool
		run     func(ctx context.Context) (bool, string, map[string]any, error)
	}
	rules := []rule{
		{RuleOrderType, true, func(context.Context) (bool, string, map[string]any, error) {
			return v.checkOrderType(action)
		}},
		{RuleMarketOpen, v.opts.RequireMarketOpen, func(context.Context) (bool, string, map[string]any, error) {
			return v.checkMarketOpen(s)
		}},
		{RuleNotionalCap, true, func(context.Context) (bool, string, map[string]any, error) {
			return v.checkNotional(action, price)
		}},
		{RuleAvailableFunds, v.opts.MinAvailableFunds > 0, v.checkFunds},
		{RulePositionLimit, v.opts.MaxPositionPerSym > 0, func(ctx context.Context) (bool, string, map[string]any, error) {
			return v.checkPositionLimit(ctx, action)
		}},
	}

	for _, r := range rules {
		if !r.enabled {
			continue
		}
		passed, reason, snapshot, err := r.run(ctx)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.id, err)
		}
		if insErr := v.trades.InsertVerification(ctx, &domain.VerificationEvent{
			TradeID:     verdict.TradeID,
			RuleID:      r.id,
			RuleVersion: v.opts.RuleVersion,
			Passed:      passed,
			Reason:      reason,
			Snapshot:    snapshot,
			CreatedAt:   v.now().UTC(),
		}); insErr != nil {
			return nil, fmt.Errorf("record verification: %w", insErr)
		}
		if !passed {
			verdict.Passed = false
			verdict.FailedRule = r.id
			verdict.Reason = reason
			v.logger.Warn("verification rejected trade",
				slog.String("strategy_id", s.ID),
				slog.String("trade_id", verdict.TradeID),
				slog.String("rule", r.id),
				slog.String("reason", reason))
			return verdict, nil
		}
	}
	return verdict, nil
}

// estimatePrice returns the limit price for LMT orders and the last trade
// price for MKT orders. FUT_ROLL is priced off the near leg.
func (v *Verifier) estimatePrice(ctx context.Context, s *domain.Strategy, action *domain.TradeAction) (float64, error) {
	if action.OrderType == domain.OrderLimit && action.LimitPrice != nil {
		return *action.LimitPrice, nil
	}
	symbol := action.Symbol
	if action.ActionType == domain.ActionFutRoll {
		symbol = action.NearSymbol
	}
	return v.quoter.LastPrice(ctx, s, symbol)
}

func (v *Verifier) checkOrderType(action *domain.TradeAction) (bool, string, map[string]any, error) {
	for _, t := range v.opts.AllowedOrderTypes {
		if strings.EqualFold(t, string(action.OrderType)) {
			return true, "", map[string]any{"order_type": action.OrderType}, nil
		}
	}
	return false, fmt.Sprintf("order type %s is not allowed", action.OrderType),
		map[string]any{"order_type": action.OrderType, "allowed": v.opts.AllowedOrderTypes}, nil
}

func (v *Verifier) checkMarketOpen(s *domain.Strategy) (bool, string, map[string]any, error) {
	now := v.now()
	open, err := v.cal.IsOpen(s.Market, now)
	if err != nil {
		return false, "", nil, err
	}
	if !open {
		return false, fmt.Sprintf("market %s is closed", s.Market), map[string]any{"at": now.UTC()}, nil
	}
	return true, "", nil, nil
}

func (v *Verifier) checkNotional(action *domain.TradeAction, price float64) (bool, string, map[string]any, error) {
	notional := decimal.NewFromFloat(action.Quantity).Mul(decimal.NewFromFloat(price))
	limit := decimal.NewFromFloat(v.opts.MaxOrderNotional)
	snapshot := map[string]any{
		"quantity": action.Quantity,
		"price":    price,
		"notional": notional.String(),
		"cap":      limit.String(),
	}
	if notional.GreaterThan(limit) {
		return false, fmt.Sprintf("order notional %s exceeds cap %s", notional, limit), snapshot, nil
	}
	return true, "", snapshot, nil
}

func (v *Verifier) checkFunds(ctx context.Context) (bool, string, map[string]any, error) {
	summary, err := v.gateway.AccountSummary(ctx)
	if err != nil {
		return false, "", nil, err
	}
	snapshot := map[string]any{"available_funds": summary.AvailableFunds, "as_of": summary.AsOf}
	if summary.AvailableFunds < v.opts.MinAvailableFunds {
		return false, fmt.Sprintf("available funds %.2f below minimum %.2f", summary.AvailableFunds, v.opts.MinAvailableFunds), snapshot, nil
	}
	return true, "", snapshot, nil
}

func (v *Verifier) checkPositionLimit(ctx context.Context, action *domain.TradeAction) (bool, string, map[string]any, error) {
	if action.ActionType == domain.ActionFutRoll {
		// A roll never grows net exposure.
		return true, "", nil, nil
	}
	positions, err := v.gateway.Positions(ctx)
	if err != nil {
		return false, "", nil, err
	}
	var current float64
	for _, p := range positions {
		if strings.EqualFold(p.Contract.Symbol, action.Symbol) {
			current = p.Quantity
			break
		}
	}
	delta := action.Quantity
	if action.Side == domain.SideSell {
		delta = -delta
	}
	resulting := math.Abs(current + delta)
	snapshot := map[string]any{"current": current, "resulting": resulting, "cap": v.opts.MaxPositionPerSym}
	if resulting > v.opts.MaxPositionPerSym {
		return false, fmt.Sprintf("resulting position %.2f in %s exceeds cap %.2f", resulting, action.Symbol, v.opts.MaxPositionPerSym), snapshot, nil
	}
	return true, "", snapshot, nil
}
