package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stockSymbols() []StrategySymbol {
	return []StrategySymbol{
		{Position: 1, Code: "AAPL", TradeType: SymbolBuy},
		{Position: 2, Code: "QQQ", TradeType: SymbolRef},
	}
}

func futSymbols() []StrategySymbol {
	return []StrategySymbol{
		{Position: 1, Code: "MHI2509", TradeType: SymbolClose},
		{Position: 2, Code: "MHI2512", TradeType: SymbolOpen},
	}
}

func TestTradeActionValidateStock(t *testing.T) {
	a := &TradeAction{ActionType: ActionStockTrade, Side: SideBuy, Symbol: "aapl", Quantity: 100, OrderType: OrderMarket}
	require.NoError(t, a.Validate(TradeBuy, stockSymbols()))

	a.Symbol = "TSLA"
	err := a.Validate(TradeBuy, stockSymbols())
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeUnknownProduct, verr.Code)

	a.Symbol = "AAPL"
	a.Quantity = 0
	require.Error(t, a.Validate(TradeBuy, stockSymbols()))

	a.Quantity = 100
	a.OrderType = OrderLimit
	require.Error(t, a.Validate(TradeBuy, stockSymbols()), "LMT without limit_price")
	px := 182.5
	a.LimitPrice = &px
	require.NoError(t, a.Validate(TradeBuy, stockSymbols()))

	require.Error(t, a.Validate(TradeOpen, futSymbols()), "stock action on futures trade_type")
}

func TestTradeActionValidateFutRoll(t *testing.T) {
	a := &TradeAction{ActionType: ActionFutRoll, Quantity: 2, OrderType: OrderMarket, NearSymbol: "mhi2509", FarSymbol: "MHI2512"}
	require.NoError(t, a.Validate(TradeSpread, futSymbols()))

	a.FarSymbol = "MHI2509"
	require.Error(t, a.Validate(TradeSpread, futSymbols()), "near and far must differ")

	a.FarSymbol = "MHI2603"
	err := a.Validate(TradeSpread, futSymbols())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeUnknownProduct, verr.Code)

	a.FarSymbol = ""
	require.Error(t, a.Validate(TradeSpread, futSymbols()))

	require.Error(t, a.Validate(TradeBuy, stockSymbols()), "roll on stock trade_type")
}

func TestTradeActionSummary(t *testing.T) {
	a := &TradeAction{ActionType: ActionStockTrade, Side: SideBuy, Symbol: "aapl", Quantity: 100, OrderType: OrderMarket}
	assert.Equal(t, "STOCK_TRADE BUY AAPL MKT qty=100", a.Summary())

	roll := &TradeAction{ActionType: ActionFutRoll, Quantity: 2, OrderType: OrderMarket, NearSymbol: "MHI2509", FarSymbol: "MHI2512"}
	assert.Equal(t, "FUT_ROLL MHI2509->MHI2512 qty=2", roll.Summary())
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderStatusPending.Terminal())
	assert.False(t, OrderStatusSubmitted.Terminal())
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed, OrderStatusExpired} {
		assert.True(t, s.Terminal())
	}
}

func TestInstructionToStrategyMap(t *testing.T) {
	assert.Equal(t, StatusFilled, InstructionToStrategy[OrderStatusFilled])
	assert.Equal(t, StatusCancelled, InstructionToStrategy[OrderStatusCancelled])
	assert.Equal(t, StatusFailed, InstructionToStrategy[OrderStatusFailed])
	assert.Equal(t, StatusExpired, InstructionToStrategy[OrderStatusExpired])
	_, ok := InstructionToStrategy[OrderStatusSubmitted]
	assert.False(t, ok)
}
