package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPendingActivation, StatusVerifying},
		{StatusPendingActivation, StatusPendingActivation},
		{StatusPendingActivation, StatusExpired},
		{StatusPendingActivation, StatusCancelled},
		{StatusVerifying, StatusActive},
		{StatusVerifying, StatusVerifyFailed},
		{StatusVerifyFailed, StatusPendingActivation},
		{StatusVerifyFailed, StatusVerifying},
		{StatusVerifyFailed, StatusExpired},
		{StatusActive, StatusPaused},
		{StatusActive, StatusTriggered},
		{StatusActive, StatusExpired},
		{StatusActive, StatusCancelled},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusPendingActivation},
		{StatusPaused, StatusExpired},
		{StatusPaused, StatusCancelled},
		{StatusTriggered, StatusOrderSubmitted},
		{StatusTriggered, StatusFilled},
		{StatusTriggered, StatusExpired},
		{StatusOrderSubmitted, StatusFilled},
		{StatusOrderSubmitted, StatusCancelled},
		{StatusOrderSubmitted, StatusExpired},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be admissible", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPendingActivation, StatusActive},
		{StatusVerifying, StatusCancelled},
		{StatusVerifying, StatusExpired},
		{StatusActive, StatusOrderSubmitted},
		{StatusTriggered, StatusCancelled},
		{StatusTriggered, StatusActive},
		{StatusFilled, StatusActive},
		{StatusExpired, StatusPendingActivation},
		{StatusCancelled, StatusActive},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestStatusFailedReachableFromNonTerminalOnly(t *testing.T) {
	nonTerminal := []Status{
		StatusPendingActivation, StatusVerifying, StatusVerifyFailed,
		StatusActive, StatusPaused, StatusTriggered, StatusOrderSubmitted,
	}
	for _, s := range nonTerminal {
		assert.True(t, s.CanTransition(StatusFailed), "%s -> FAILED should be admissible", s)
	}
	terminal := []Status{StatusFilled, StatusExpired, StatusCancelled, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal())
		assert.False(t, s.CanTransition(StatusFailed), "%s is terminal", s)
	}
}

func TestStatusEditableAndExpirable(t *testing.T) {
	assert.True(t, StatusPendingActivation.Editable())
	assert.True(t, StatusVerifyFailed.Editable())
	assert.True(t, StatusPaused.Editable())
	assert.False(t, StatusActive.Editable())
	assert.False(t, StatusTriggered.Editable())

	assert.True(t, StatusTriggered.Expirable())
	assert.True(t, StatusActive.Expirable())
	assert.False(t, StatusOrderSubmitted.Expirable())
	assert.False(t, StatusFilled.Expirable())
}

func TestValidateTradeSymbols(t *testing.T) {
	cases := []struct {
		name    string
		tt      TradeType
		symbols []StrategySymbol
		wantErr bool
	}{
		{"buy with one buy leg", TradeBuy, []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}}, false},
		{"buy with ref leg", TradeBuy, []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}, {Code: "QQQ", TradeType: SymbolRef}}, false},
		{"buy without buy leg", TradeBuy, []StrategySymbol{{Code: "QQQ", TradeType: SymbolRef}}, true},
		{"buy with futures leg", TradeBuy, []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}, {Code: "MHI2509", TradeType: SymbolOpen}}, true},
		{"switch needs buy and sell", TradeSwitch, []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}, {Code: "MSFT", TradeType: SymbolSell}}, false},
		{"switch missing sell", TradeSwitch, []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}}, true},
		{"open with open leg", TradeOpen, []StrategySymbol{{Code: "MHI2509", TradeType: SymbolOpen}}, false},
		{"open with stock leg", TradeOpen, []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}}, true},
		{"close with close leg", TradeClose, []StrategySymbol{{Code: "MHI2509", TradeType: SymbolClose}}, false},
		{"spread needs open and close", TradeSpread, []StrategySymbol{{Code: "MHI2509", TradeType: SymbolClose}, {Code: "MHI2512", TradeType: SymbolOpen}}, false},
		{"spread missing open", TradeSpread, []StrategySymbol{{Code: "MHI2509", TradeType: SymbolClose}}, true},
		{"empty symbols", TradeBuy, nil, true},
		{"empty code", TradeBuy, []StrategySymbol{{Code: " ", TradeType: SymbolBuy}}, true},
		{"unknown symbol trade type", TradeBuy, []StrategySymbol{{Code: "AAPL", TradeType: "hold"}}, true},
		{"unknown trade type", TradeType("flip"), []StrategySymbol{{Code: "AAPL", TradeType: SymbolBuy}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTradeSymbols(tc.tt, tc.symbols)
			if tc.wantErr {
				require.Error(t, err)
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, CodeInvalidCombo, verr.Code)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestComputeCapabilities(t *testing.T) {
	s := &Strategy{
		ID:     "S-AAAAAA",
		Status: StatusPendingActivation,
		Conditions: []Condition{
			{ConditionID: "c1", Type: SingleProduct, Metric: MetricPrice, Product: "AAPL", Operator: OpLTE, Value: 180},
		},
		TradeAction: &TradeAction{ActionType: ActionStockTrade, Side: SideBuy, Symbol: "AAPL", Quantity: 100, OrderType: OrderMarket},
	}

	caps, reasons := ComputeCapabilities(s)
	assert.True(t, caps.CanActivate)
	assert.False(t, caps.CanPause)
	assert.True(t, caps.CanCancel)
	assert.Empty(t, reasons.CanActivate)

	s.UpstreamOnlyActivation = true
	caps, reasons = ComputeCapabilities(s)
	assert.False(t, caps.CanActivate)
	assert.NotEmpty(t, reasons.CanActivate)

	s.UpstreamOnlyActivation = false
	s.Status = StatusActive
	caps, _ = ComputeCapabilities(s)
	assert.False(t, caps.CanActivate)
	assert.True(t, caps.CanPause)
	assert.True(t, caps.CanCancel)

	s.Status = StatusTriggered
	caps, reasons = ComputeCapabilities(s)
	assert.False(t, caps.CanCancel)
	assert.NotEmpty(t, reasons.CanCancel)
}

func TestActivationEligible(t *testing.T) {
	s := &Strategy{ID: "S-BBBBBB", Status: StatusPendingActivation}
	err := s.ActivationEligible()
	require.Error(t, err)

	s.Conditions = []Condition{{ConditionID: "c1", Type: SingleProduct, Product: "AAPL", Operator: OpGTE, Value: 1}}
	err = s.ActivationEligible()
	require.Error(t, err, "needs a trade action or a next strategy")

	s.NextStrategyID = "S-CCCCCC"
	require.NoError(t, s.ActivationEligible())
}

func TestLeased(t *testing.T) {
	now := time.Now()
	s := &Strategy{}
	assert.False(t, s.Leased(now))

	until := now.Add(30 * time.Second)
	s.LockUntil = &until
	assert.True(t, s.Leased(now))
	assert.False(t, s.Leased(now.Add(time.Minute)))
}
