// Package domain defines the core entities of the conditional-trading
// engine: strategies and their lifecycle state machine, conditions, trade
// actions, orders, events, and the store and gateway interfaces the rest of
// the system is written against.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a strategy.
type Status string

const (
	StatusPendingActivation Status = "PENDING_ACTIVATION"
	StatusVerifying         Status = "VERIFYING"
	StatusVerifyFailed      Status = "VERIFY_FAILED"
	StatusActive            Status = "ACTIVE"
	StatusPaused            Status = "PAUSED"
	StatusTriggered         Status = "TRIGGERED"
	StatusOrderSubmitted    Status = "ORDER_SUBMITTED"
	StatusFilled            Status = "FILLED"
	StatusExpired           Status = "EXPIRED"
	StatusCancelled         Status = "CANCELLED"
	StatusFailed            Status = "FAILED"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Editable reports whether configuration edits are accepted in this status.
// A successful edit always resets the strategy to PENDING_ACTIVATION.
func (s Status) Editable() bool {
	switch s {
	case StatusPendingActivation, StatusVerifyFailed, StatusPaused:
		return true
	}
	return false
}

// Expirable reports whether the expiry sweep may move this status to EXPIRED.
func (s Status) Expirable() bool {
	switch s {
	case StatusPendingActivation, StatusVerifyFailed, StatusActive, StatusPaused, StatusTriggered:
		return true
	}
	return false
}

// admissible enumerates the allowed status transitions. FAILED is reachable
// from any non-terminal status and is handled in CanTransition directly.
var admissible = map[Status][]Status{
	StatusPendingActivation: {StatusVerifying, StatusPendingActivation, StatusExpired, StatusCancelled},
	StatusVerifying:         {StatusActive, StatusVerifyFailed},
	StatusVerifyFailed:      {StatusPendingActivation, StatusVerifying, StatusExpired},
	StatusActive:            {StatusPaused, StatusTriggered, StatusExpired, StatusCancelled},
	StatusPaused:            {StatusActive, StatusPendingActivation, StatusExpired, StatusCancelled},
	StatusTriggered:         {StatusOrderSubmitted, StatusFilled, StatusExpired},
	StatusOrderSubmitted:    {StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from -> to is an admissible edge of the
// lifecycle state machine.
func (s Status) CanTransition(to Status) bool {
	if to == StatusFailed {
		return !s.Terminal()
	}
	for _, t := range admissible[s] {
		if t == to {
			return true
		}
	}
	return false
}

// TradeType classifies the intent of a strategy.
type TradeType string

const (
	TradeBuy    TradeType = "buy"
	TradeSell   TradeType = "sell"
	TradeSwitch TradeType = "switch"
	TradeOpen   TradeType = "open"
	TradeClose  TradeType = "close"
	TradeSpread TradeType = "spread"
)

// Stock reports whether the trade type targets stock legs.
func (t TradeType) Stock() bool {
	return t == TradeBuy || t == TradeSell || t == TradeSwitch
}

// Futures reports whether the trade type targets futures legs.
func (t TradeType) Futures() bool {
	return t == TradeOpen || t == TradeClose || t == TradeSpread
}

// SymbolTradeType is the role a symbol leg plays within a strategy.
type SymbolTradeType string

const (
	SymbolBuy   SymbolTradeType = "buy"
	SymbolSell  SymbolTradeType = "sell"
	SymbolOpen  SymbolTradeType = "open"
	SymbolClose SymbolTradeType = "close"
	SymbolRef   SymbolTradeType = "ref"
)

// ExpireMode selects how strategy expiry is specified.
type ExpireMode string

const (
	ExpireRelative ExpireMode = "relative"
	ExpireAbsolute ExpireMode = "absolute"
)

// MaxExpireSeconds caps relative expiry at seven days.
const MaxExpireSeconds = 7 * 24 * 3600

// ConditionLogic combines per-condition results.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// StrategySymbol is an ordered symbol leg owned by a strategy.
type StrategySymbol struct {
	Position   int             `json:"position"`
	Code       string          `json:"code"`
	TradeType  SymbolTradeType `json:"trade_type"`
	ContractID int64           `json:"contract_id,omitempty"`
}

// Strategy is the persistent aggregate root.
type Strategy struct {
	ID                     string           `json:"id"`
	IdempotencyKey         string           `json:"idempotency_key,omitempty"`
	Description            string           `json:"description"`
	Market                 string           `json:"market"`
	TradeType              TradeType        `json:"trade_type"`
	Currency               string           `json:"currency"`
	Symbols                []StrategySymbol `json:"symbols"`
	UpstreamOnlyActivation bool             `json:"upstream_only_activation"`
	ExpireMode             ExpireMode       `json:"expire_mode"`
	ExpireInSeconds        *int64           `json:"expire_in_seconds,omitempty"`
	ExpireAt               *time.Time       `json:"expire_at,omitempty"`
	Status                 Status           `json:"status"`
	ConditionLogic         ConditionLogic   `json:"condition_logic"`
	Conditions             []Condition      `json:"conditions"`
	TradeAction            *TradeAction     `json:"trade_action,omitempty"`
	NextStrategyID         string           `json:"next_strategy_id,omitempty"`
	NextStrategyNote       string           `json:"next_strategy_note,omitempty"`
	UpstreamStrategyID     string           `json:"upstream_strategy_id,omitempty"`
	AnchorPrice            *float64         `json:"anchor_price,omitempty"`
	ActivatedAt            *time.Time       `json:"activated_at,omitempty"`
	LogicalActivatedAt     *time.Time       `json:"logical_activated_at,omitempty"`
	LockUntil              *time.Time       `json:"-"`
	IsDeleted              bool             `json:"-"`
	DeletedAt              *time.Time       `json:"-"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
	Version                int64            `json:"version"`
}

// Leased reports whether an execution lease is currently held.
func (s *Strategy) Leased(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

// ActivationEligible returns nil when a manual activate() is permitted, or a
// reason describing why it is not. Status gating is checked separately.
func (s *Strategy) ActivationEligible() error {
	if s.UpstreamOnlyActivation {
		return NewValidation(CodeUpstreamOnly, "strategy is activated by its upstream only")
	}
	if len(s.Conditions) == 0 {
		return NewValidation(CodeNotEligible, "strategy has no conditions configured")
	}
	if s.TradeAction == nil && s.NextStrategyID == "" {
		return NewValidation(CodeNotEligible, "strategy has neither a trade action nor a next strategy")
	}
	return nil
}

// ValidateTradeSymbols checks the trade_type against the symbol legs.
func ValidateTradeSymbols(tt TradeType, symbols []StrategySymbol) error {
	if len(symbols) == 0 {
		return NewValidation(CodeInvalidCombo, "symbols cannot be empty")
	}
	var buys, sells, opens, closes int
	for _, sym := range symbols {
		if strings.TrimSpace(sym.Code) == "" {
			return NewValidation(CodeInvalidCombo, "symbol code cannot be empty")
		}
		switch sym.TradeType {
		case SymbolBuy:
			buys++
		case SymbolSell:
			sells++
		case SymbolOpen:
			opens++
		case SymbolClose:
			closes++
		case SymbolRef:
		default:
			return NewValidation(CodeInvalidCombo, fmt.Sprintf("unknown symbol trade_type %q", sym.TradeType))
		}
	}
	stockLegs := buys + sells
	futLegs := opens + closes

	switch tt {
	case TradeBuy, TradeSell:
		if futLegs > 0 {
			return NewValidation(CodeInvalidCombo, "stock trade_type only allows symbol trade_type buy/sell/ref")
		}
		same := buys
		if tt == TradeSell {
			same = sells
		}
		if same < 1 {
			return NewValidation(CodeInvalidCombo, fmt.Sprintf("trade_type=%s requires at least one same-type symbol", tt))
		}
	case TradeSwitch:
		if futLegs > 0 {
			return NewValidation(CodeInvalidCombo, "trade_type=switch only allows symbol trade_type buy/sell/ref")
		}
		if buys < 1 || sells < 1 {
			return NewValidation(CodeInvalidCombo, "trade_type=switch requires at least one buy and one sell symbol")
		}
	case TradeOpen:
		if stockLegs > 0 {
			return NewValidation(CodeInvalidCombo, "trade_type=open only allows symbol trade_type open/close/ref")
		}
		if opens < 1 {
			return NewValidation(CodeInvalidCombo, "trade_type=open requires at least one open symbol")
		}
	case TradeClose:
		if stockLegs > 0 {
			return NewValidation(CodeInvalidCombo, "trade_type=close only allows symbol trade_type open/close/ref")
		}
		if closes < 1 {
			return NewValidation(CodeInvalidCombo, "trade_type=close requires at least one close symbol")
		}
	case TradeSpread:
		if stockLegs > 0 {
			return NewValidation(CodeInvalidCombo, "trade_type=spread only allows symbol trade_type open/close/ref")
		}
		if opens < 1 || closes < 1 {
			return NewValidation(CodeInvalidCombo, "trade_type=spread requires at least one open and one close symbol")
		}
	default:
		return NewValidation(CodeInvalidCombo, fmt.Sprintf("unknown trade_type %q", tt))
	}
	return nil
}

// Capabilities describe which user controls are currently available.
type Capabilities struct {
	CanActivate bool `json:"can_activate"`
	CanPause    bool `json:"can_pause"`
	CanResume   bool `json:"can_resume"`
	CanCancel   bool `json:"can_cancel"`
}

// CapabilityReasons explain any capability that is unavailable.
type CapabilityReasons struct {
	CanActivate string `json:"can_activate,omitempty"`
	CanPause    string `json:"can_pause,omitempty"`
	CanResume   string `json:"can_resume,omitempty"`
	CanCancel   string `json:"can_cancel,omitempty"`
}

// ComputeCapabilities derives the control surface for a strategy snapshot.
func ComputeCapabilities(s *Strategy) (Capabilities, CapabilityReasons) {
	var caps Capabilities
	var reasons CapabilityReasons

	switch s.Status {
	case StatusPendingActivation, StatusVerifyFailed:
		if err := s.ActivationEligible(); err != nil {
			reasons.CanActivate = err.Error()
		} else {
			caps.CanActivate = true
		}
	default:
		reasons.CanActivate = fmt.Sprintf("status %s does not allow activation", s.Status)
	}

	if s.Status == StatusActive {
		caps.CanPause = true
	} else {
		reasons.CanPause = "only ACTIVE strategies can be paused"
	}
	if s.Status == StatusPaused {
		caps.CanResume = true
	} else {
		reasons.CanResume = "only PAUSED strategies can be resumed"
	}

	switch s.Status {
	case StatusPendingActivation, StatusActive, StatusPaused:
		caps.CanCancel = true
	default:
		reasons.CanCancel = fmt.Sprintf("status %s does not allow cancellation", s.Status)
	}
	return caps, reasons
}

// NormalizeStrategyID upper-cases and trims a strategy id.
func NormalizeStrategyID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
