package domain

import (
	"fmt"
	"strings"
	"time"
)

// ActionType classifies the trade action carried out on trigger.
type ActionType string

const (
	ActionStockTrade  ActionType = "STOCK_TRADE"
	ActionFutPosition ActionType = "FUT_POSITION"
	ActionFutRoll     ActionType = "FUT_ROLL"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the gateway order type.
type OrderType string

const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LMT"
)

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether the order status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired:
		return true
	}
	return false
}

// InstructionToStrategy maps a terminal trade-instruction status onto the
// strategy status it closes the lifecycle with.
var InstructionToStrategy = map[OrderStatus]Status{
	OrderStatusFilled:    StatusFilled,
	OrderStatusCancelled: StatusCancelled,
	OrderStatusFailed:    StatusFailed,
	OrderStatusExpired:   StatusExpired,
}

// TradeAction describes what to execute when a strategy triggers. For
// FUT_ROLL the near symbol is closed first and the far symbol opened on fill.
type TradeAction struct {
	ActionType     ActionType `json:"action_type"`
	Side           OrderSide  `json:"side,omitempty"`
	Symbol         string     `json:"symbol,omitempty"`
	Quantity       float64    `json:"quantity"`
	OrderType      OrderType  `json:"order_type"`
	LimitPrice     *float64   `json:"limit_price,omitempty"`
	AllowOvernight bool       `json:"allow_overnight,omitempty"`
	CancelOnExpiry bool       `json:"cancel_on_expiry,omitempty"`
	NearSymbol     string     `json:"near_symbol,omitempty"`
	FarSymbol      string     `json:"far_symbol,omitempty"`
}

// Validate checks the action against the strategy's trade type and symbols.
func (a *TradeAction) Validate(tt TradeType, symbols []StrategySymbol) error {
	known := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		known[strings.ToUpper(s.Code)] = true
	}

	switch a.ActionType {
	case ActionStockTrade:
		if !tt.Stock() {
			return NewValidation(CodeInvalidAction, fmt.Sprintf("trade_type=%s does not allow STOCK_TRADE", tt))
		}
	case ActionFutPosition, ActionFutRoll:
		if !tt.Futures() {
			return NewValidation(CodeInvalidAction, fmt.Sprintf("trade_type=%s does not allow %s", tt, a.ActionType))
		}
	default:
		return NewValidation(CodeInvalidAction, fmt.Sprintf("unsupported action_type %q", a.ActionType))
	}

	if a.Quantity <= 0 {
		return NewValidation(CodeInvalidAction, "quantity must be positive")
	}
	if a.OrderType != OrderMarket && a.OrderType != OrderLimit {
		return NewValidation(CodeInvalidAction, fmt.Sprintf("unsupported order_type %q", a.OrderType))
	}
	if a.OrderType == OrderLimit && (a.LimitPrice == nil || *a.LimitPrice <= 0) {
		return NewValidation(CodeInvalidAction, "LMT orders require a positive limit_price")
	}

	if a.ActionType == ActionFutRoll {
		near := strings.ToUpper(strings.TrimSpace(a.NearSymbol))
		far := strings.ToUpper(strings.TrimSpace(a.FarSymbol))
		if near == "" || far == "" {
			return NewValidation(CodeInvalidAction, "FUT_ROLL requires near_symbol and far_symbol")
		}
		if near == far {
			return NewValidation(CodeInvalidAction, "FUT_ROLL near_symbol and far_symbol must differ")
		}
		if !known[near] {
			return NewValidation(CodeUnknownProduct, fmt.Sprintf("near_symbol %s not in strategy symbols", near))
		}
		if !known[far] {
			return NewValidation(CodeUnknownProduct, fmt.Sprintf("far_symbol %s not in strategy symbols", far))
		}
		return nil
	}

	sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
	if sym == "" {
		return NewValidation(CodeInvalidAction, "trade action requires a symbol")
	}
	if !known[sym] {
		return NewValidation(CodeUnknownProduct, fmt.Sprintf("symbol %s not in strategy symbols", sym))
	}
	if a.Side != SideBuy && a.Side != SideSell {
		return NewValidation(CodeInvalidAction, fmt.Sprintf("unsupported side %q", a.Side))
	}
	return nil
}

// Summary renders the one-line instruction text shown to users.
func (a *TradeAction) Summary() string {
	if a.ActionType == ActionFutRoll {
		return fmt.Sprintf("FUT_ROLL %s->%s qty=%v", strings.ToUpper(a.NearSymbol), strings.ToUpper(a.FarSymbol), a.Quantity)
	}
	parts := []string{string(a.ActionType)}
	if a.Side != "" {
		parts = append(parts, string(a.Side))
	}
	if a.Symbol != "" {
		parts = append(parts, strings.ToUpper(a.Symbol))
	}
	if a.OrderType != "" {
		parts = append(parts, string(a.OrderType))
	}
	parts = append(parts, fmt.Sprintf("qty=%v", a.Quantity))
	return strings.Join(parts, " ")
}

// Order is one gateway order submitted for a trade. FUT_ROLL produces two
// legs under the same trade_id.
type Order struct {
	TradeID        string      `json:"trade_id"`
	Leg            int         `json:"leg"`
	StrategyID     string      `json:"strategy_id"`
	GatewayOrderID string      `json:"gateway_order_id,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Quantity       float64     `json:"quantity"`
	LimitPrice     *float64    `json:"limit_price,omitempty"`
	TIF            string      `json:"tif"`
	AllowOvernight bool        `json:"allow_overnight"`
	Status         OrderStatus `json:"status"`
	FilledQty      float64     `json:"filled_qty"`
	AvgFillPrice   *float64    `json:"avg_fill_price,omitempty"`
	Payload        []byte      `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TradeInstruction is the user-visible projection of a trade.
type TradeInstruction struct {
	TradeID            string      `json:"trade_id"`
	StrategyID         string      `json:"strategy_id"`
	InstructionSummary string      `json:"instruction_summary"`
	Status             OrderStatus `json:"status"`
	ExpireAt           *time.Time  `json:"expire_at,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TradeLog is one chronological record of a verification or execution stage.
type TradeLog struct {
	Timestamp  time.Time `json:"timestamp"`
	StrategyID string    `json:"strategy_id"`
	TradeID    string    `json:"trade_id"`
	Stage      string    `json:"stage"`
	Result     string    `json:"result"`
	Detail     string    `json:"detail"`
}

// Trade log stages.
const (
	StageVerification = "VERIFICATION"
	StageExecution    = "EXECUTION"
	StageRoll         = "ROLL"
)

// VerificationEvent records one pre-trade rule evaluation.
type VerificationEvent struct {
	TradeID     string         `json:"trade_id"`
	RuleID      string         `json:"rule_id"`
	RuleVersion int            `json:"rule_version"`
	Passed      bool           `json:"passed"`
	Reason      string         `json:"reason"`
	Snapshot    map[string]any `json:"snapshot,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
