package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ibexd/internal/calendar"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/store/memory"
)

// Tuesday 14:00 New York, well inside the US session.
var tradingHour = time.Date(2026, 8, 25, 18, 0, 0, 0, time.UTC)

type fakeGateway struct {
	domain.Gateway

	mu        sync.Mutex
	nextID    int
	submitted []domain.OrderRequest
	submitErr error
	positions []domain.Position
	funds     float64
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.nextID++
	g.submitted = append(g.submitted, req)
	return fmt.Sprintf("GW-%d", g.nextID), nil
}

func (g *fakeGateway) Positions(context.Context) ([]domain.Position, error) {
	return g.positions, nil
}

func (g *fakeGateway) AccountSummary(context.Context) (domain.AccountSummary, error) {
	return domain.AccountSummary{Currency: "USD", AvailableFunds: g.funds, AsOf: tradingHour}, nil
}

type fixedQuoter struct{ price float64 }

func (q fixedQuoter) LastPrice(context.Context, *domain.Strategy, string) (float64, error) {
	return q.price, nil
}

type staticResolver struct{}

func (staticResolver) ContractFor(_ context.Context, s *domain.Strategy, symbol string) (domain.Contract, error) {
	secType := "STK"
	if s.TradeType.Futures() {
		secType = "FUT"
	}
	return domain.Contract{ContractID: 1, Symbol: symbol, SecType: secType, Currency: "USD"}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Notify(_ context.Context, subject, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

type fixture struct {
	exec       *Executor
	strategies *memory.StrategyStore
	trades     *memory.TradeStore
	events     *memory.EventStore
	gateway    *fakeGateway
	notifier   *recordingNotifier
}

func newFixture(t *testing.T, price float64, opts VerifyOptions) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cal, err := calendar.New([]domain.MarketProfile{
		{Market: "US", Timezone: "America/New_York", Currency: "USD", Sessions: []string{"09:30-16:00"}},
	})
	require.NoError(t, err)

	gw := &fakeGateway{funds: 100000}
	trades := memory.NewTradeStore()
	verifier := NewVerifier(gw, cal, fixedQuoter{price: price}, trades, opts, logger)
	verifier.now = func() time.Time { return tradingHour }

	strategies := memory.NewStrategyStore()
	events := memory.NewEventStore()
	notifier := &recordingNotifier{}
	exec := New(strategies, trades, events, gw, verifier, staticResolver{}, notifier, logger)
	exec.now = func() time.Time { return tradingHour }
	return &fixture{exec: exec, strategies: strategies, trades: trades, events: events, gateway: gw, notifier: notifier}
}

func defaultOpts() VerifyOptions {
	return VerifyOptions{
		MaxOrderNotional:  5000,
		AllowedOrderTypes: []string{"MKT", "LMT"},
		RequireMarketOpen: true,
		RuleVersion:       1,
	}
}

func seedTriggered(t *testing.T, store *memory.StrategyStore, id string, action *domain.TradeAction) *domain.Strategy {
	t.Helper()
	tt := domain.TradeBuy
	symbols := []domain.StrategySymbol{{Position: 1, Code: "AAPL", TradeType: domain.SymbolBuy}}
	if action != nil && action.ActionType == domain.ActionFutRoll {
		tt = domain.TradeSpread
		symbols = []domain.StrategySymbol{
			{Position: 1, Code: action.NearSymbol, TradeType: domain.SymbolClose},
			{Position: 2, Code: action.FarSymbol, TradeType: domain.SymbolOpen},
		}
	}
	s := &domain.Strategy{
		ID:             id,
		Market:         "US",
		TradeType:      tt,
		Currency:       "USD",
		Status:         domain.StatusTriggered,
		ConditionLogic: domain.LogicAnd,
		Symbols:        symbols,
		TradeAction:    action,
		ExpireMode:     domain.ExpireAbsolute,
	}
	require.NoError(t, store.Create(context.Background(), s))
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestExecuteStockTrade(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0001", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   10,
		OrderType:  domain.OrderMarket,
	})

	require.NoError(t, f.exec.Execute(ctx, s))

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrderSubmitted, got.Status)

	require.Len(t, f.gateway.submitted, 1)
	req := f.gateway.submitted[0]
	assert.Equal(t, domain.SideBuy, req.Side)
	assert.Equal(t, "DAY", req.TIF)
	assert.Equal(t, 10.0, req.Quantity)

	ti, err := f.trades.GetInstruction(ctx, req.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, ti.Status)
	assert.Equal(t, "STOCK_TRADE BUY AAPL MKT qty=10", ti.InstructionSummary)

	vs, err := f.trades.ListVerifications(ctx, req.TradeID)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	for _, v := range vs {
		assert.True(t, v.Passed, v.RuleID)
	}
}

func TestExecuteNotionalRejected(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0002", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   100, // 100 * 100 = 10000 > 5000
		OrderType:  domain.OrderMarket,
	})

	require.NoError(t, f.exec.Execute(ctx, s))

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, f.gateway.submitted)

	logs, err := f.trades.ListLogs(ctx, s.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, domain.StageVerification, logs[len(logs)-1].Stage)
	assert.Equal(t, "FAIL", logs[len(logs)-1].Result)
}

func TestExecuteOrderTypeRejected(t *testing.T) {
	opts := defaultOpts()
	opts.AllowedOrderTypes = []string{"LMT"}
	f := newFixture(t, 100, opts)
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0003", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   1,
		OrderType:  domain.OrderMarket,
	})

	require.NoError(t, f.exec.Execute(ctx, s))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestExecuteChainOnly(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0004", nil)

	require.NoError(t, f.exec.Execute(ctx, s))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.Empty(t, f.gateway.submitted)
}

func TestExecuteSubmitFailure(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	f.gateway.submitErr = errors.New("gateway rejected order")
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0005", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   10,
		OrderType:  domain.OrderMarket,
	})

	require.NoError(t, f.exec.Execute(ctx, s))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status, "no retry after a failed submission")
}

func TestOrderUpdateFill(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0006", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   10,
		OrderType:  domain.OrderMarket,
	})
	require.NoError(t, f.exec.Execute(ctx, s))
	tradeID := f.gateway.submitted[0].TradeID

	price := 100.5
	require.NoError(t, f.exec.HandleOrderUpdate(ctx, domain.OrderUpdate{
		GatewayOrderID: "GW-1",
		Status:         domain.OrderStatusFilled,
		FilledQty:      10,
		AvgFillPrice:   &price,
		At:             tradingHour,
	}))

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)

	ti, err := f.trades.GetInstruction(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, ti.Status)

	orders, err := f.trades.GetOrders(ctx, tradeID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 10.0, orders[0].FilledQty)
}

func TestOrderUpdateCancelled(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0007", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   10,
		OrderType:  domain.OrderMarket,
	})
	require.NoError(t, f.exec.Execute(ctx, s))

	require.NoError(t, f.exec.HandleOrderUpdate(ctx, domain.OrderUpdate{
		GatewayOrderID: "GW-1",
		Status:         domain.OrderStatusCancelled,
		Reason:         "cancelled at gateway",
		At:             tradingHour,
	}))

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestOrderUpdateUnknownGatewayID(t *testing.T) {
	f := newFixture(t, 100, defaultOpts())
	require.NoError(t, f.exec.HandleOrderUpdate(context.Background(), domain.OrderUpdate{
		GatewayOrderID: "GW-404",
		Status:         domain.OrderStatusFilled,
	}))
}

func rollAction() *domain.TradeAction {
	return &domain.TradeAction{
		ActionType: domain.ActionFutRoll,
		Quantity:   2,
		OrderType:  domain.OrderMarket,
		NearSymbol: "MHI2509",
		FarSymbol:  "MHI2512",
	}
}

func TestRollLifecycle(t *testing.T) {
	f := newFixture(t, 20000, VerifyOptions{
		MaxOrderNotional:  100000,
		AllowedOrderTypes: []string{"MKT"},
		RuleVersion:       1,
	})
	f.gateway.positions = []domain.Position{
		{Contract: domain.Contract{Symbol: "MHI2509", SecType: "FUT"}, Quantity: 2},
	}
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-RL0001", rollAction())

	require.NoError(t, f.exec.Execute(ctx, s))
	require.Len(t, f.gateway.submitted, 1)
	closeLeg := f.gateway.submitted[0]
	assert.Equal(t, domain.SideSell, closeLeg.Side, "long position closes with a sell")
	assert.Equal(t, "MHI2509", closeLeg.Contract.Symbol)
	assert.Equal(t, 1, closeLeg.Leg)

	// Close leg fills: the open leg is submitted and the roll is latched.
	require.NoError(t, f.exec.HandleOrderUpdate(ctx, domain.OrderUpdate{
		GatewayOrderID: "GW-1", Status: domain.OrderStatusFilled, FilledQty: 2, At: tradingHour,
	}))
	require.Len(t, f.gateway.submitted, 2)
	open := f.gateway.submitted[1]
	assert.Equal(t, domain.SideBuy, open.Side)
	assert.Equal(t, "MHI2512", open.Contract.Symbol)
	assert.Equal(t, 2, open.Leg)

	rt, err := f.strategies.GetRuntimeState(ctx, s.ID)
	require.NoError(t, err)
	_, rolled := rt.Times[domain.RuntimeRolledAt]
	assert.True(t, rolled)

	mid, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrderSubmitted, mid.Status)

	// Open leg fills: roll complete.
	require.NoError(t, f.exec.HandleOrderUpdate(ctx, domain.OrderUpdate{
		GatewayOrderID: "GW-2", Status: domain.OrderStatusFilled, FilledQty: 2, At: tradingHour,
	}))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
}

func TestRollIsOneShot(t *testing.T) {
	f := newFixture(t, 20000, VerifyOptions{
		MaxOrderNotional:  100000,
		AllowedOrderTypes: []string{"MKT"},
		RuleVersion:       1,
	})
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-RL0002", rollAction())
	require.NoError(t, f.strategies.SetRuntimeState(ctx, &domain.RuntimeState{
		StrategyID: s.ID,
		Values:     map[string]float64{},
		Times:      map[string]int64{domain.RuntimeRolledAt: tradingHour.Unix()},
		UpdatedAt:  tradingHour,
	}))

	require.NoError(t, f.exec.Execute(ctx, s))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.Empty(t, f.gateway.submitted, "already-rolled strategy never resubmits")
}

func TestRollNoPositionFails(t *testing.T) {
	f := newFixture(t, 20000, VerifyOptions{
		MaxOrderNotional:  100000,
		AllowedOrderTypes: []string{"MKT"},
		RuleVersion:       1,
	})
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-RL0003", rollAction())

	require.NoError(t, f.exec.Execute(ctx, s))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, f.gateway.submitted)
}

func TestRollOpenLegFailureAlertsNakedPosition(t *testing.T) {
	f := newFixture(t, 20000, VerifyOptions{
		MaxOrderNotional:  100000,
		AllowedOrderTypes: []string{"MKT"},
		RuleVersion:       1,
	})
	f.gateway.positions = []domain.Position{
		{Contract: domain.Contract{Symbol: "MHI2509", SecType: "FUT"}, Quantity: -2},
	}
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-RL0004", rollAction())

	require.NoError(t, f.exec.Execute(ctx, s))
	assert.Equal(t, domain.SideBuy, f.gateway.submitted[0].Side, "short position closes with a buy")

	require.NoError(t, f.exec.HandleOrderUpdate(ctx, domain.OrderUpdate{
		GatewayOrderID: "GW-1", Status: domain.OrderStatusFilled, FilledQty: 2, At: tradingHour,
	}))
	require.Len(t, f.gateway.submitted, 2)

	require.NoError(t, f.exec.HandleOrderUpdate(ctx, domain.OrderUpdate{
		GatewayOrderID: "GW-2", Status: domain.OrderStatusFailed, Reason: "margin", At: tradingHour,
	}))

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotEmpty(t, f.notifier.subjects)
	assert.Contains(t, f.notifier.subjects[0], "NAKED POSITION")
}

func TestPositionLimitRule(t *testing.T) {
	opts := defaultOpts()
	opts.MaxPositionPerSym = 50
	f := newFixture(t, 10, opts)
	f.gateway.positions = []domain.Position{
		{Contract: domain.Contract{Symbol: "AAPL", SecType: "STK"}, Quantity: 45},
	}
	ctx := context.Background()
	s := seedTriggered(t, f.strategies, "S-EX0008", &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "AAPL",
		Quantity:   10, // 45 + 10 = 55 > 50
		OrderType:  domain.OrderMarket,
	})

	require.NoError(t, f.exec.Execute(ctx, s))
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
