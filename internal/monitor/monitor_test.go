package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ibexd/internal/chain"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/eval"
	"github.com/alanyoungcy/ibexd/internal/executor"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
	"github.com/alanyoungcy/ibexd/internal/rules"
	"github.com/alanyoungcy/ibexd/internal/store/memory"
)

// fakeGateway serves a flat price series ending at the current minute and
// records order traffic.
type fakeGateway struct {
	domain.Gateway

	price float64

	mu        sync.Mutex
	nextID    int
	submitted []domain.OrderRequest
	cancelled []string
	statuses  map[string]domain.OrderUpdate
}

func (g *fakeGateway) FetchBars(_ context.Context, _ domain.Contract, barSize string, _ string, _ bool, start, end time.Time) ([]domain.Bar, error) {
	barDur, err := rules.WindowDuration(barSize)
	if err != nil {
		return nil, err
	}
	var out []domain.Bar
	for ts := start.Truncate(barDur); ts.Before(end); ts = ts.Add(barDur) {
		if ts.Before(start) {
			continue
		}
		v := g.price
		out = append(out, domain.Bar{TS: ts, Open: v, High: v + 0.5, Low: v - 0.5, Close: v, Volume: 100})
	}
	return out, nil
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.submitted = append(g.submitted, req)
	return fmt.Sprintf("GW-%d", g.nextID), nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, gatewayOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, gatewayOrderID)
	return nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, gatewayOrderID string) (domain.OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if upd, ok := g.statuses[gatewayOrderID]; ok {
		return upd, nil
	}
	return domain.OrderUpdate{GatewayOrderID: gatewayOrderID, Status: domain.OrderStatusSubmitted}, nil
}

func (g *fakeGateway) Positions(context.Context) ([]domain.Position, error) { return nil, nil }

func (g *fakeGateway) AccountSummary(context.Context) (domain.AccountSummary, error) {
	return domain.AccountSummary{Currency: "USD", AvailableFunds: 100000, AsOf: time.Now()}, nil
}

func (g *fakeGateway) submittedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

type memBarStore struct {
	mu       sync.Mutex
	bars     map[string][]domain.Bar
	coverage map[string][]domain.Segment
}

func newMemBarStore() *memBarStore {
	return &memBarStore{bars: map[string][]domain.Bar{}, coverage: map[string][]domain.Segment{}}
}

func (m *memBarStore) UpsertBars(_ context.Context, key string, bars []domain.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTS := map[int64]domain.Bar{}
	for _, b := range m.bars[key] {
		byTS[b.TS.Unix()] = b
	}
	for _, b := range bars {
		byTS[b.TS.Unix()] = b
	}
	out := make([]domain.Bar, 0, len(byTS))
	for _, b := range byTS {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	m.bars[key] = out
	return nil
}

func (m *memBarStore) GetBars(_ context.Context, key string, start, end time.Time) ([]domain.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bar
	for _, b := range m.bars[key] {
		if !b.TS.Before(start) && b.TS.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBarStore) GetCoverage(_ context.Context, key string) ([]domain.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coverage[key], nil
}

func (m *memBarStore) PutCoverage(_ context.Context, key string, segs []domain.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coverage[key] = segs
	return nil
}

func (m *memBarStore) PruneBefore(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

type staticResolver struct{}

func (staticResolver) ContractFor(_ context.Context, s *domain.Strategy, symbol string) (domain.Contract, error) {
	secType := "STK"
	if s != nil && s.TradeType.Futures() {
		secType = "FUT"
	}
	return domain.Contract{ContractID: 1, Symbol: symbol, SecType: secType, Currency: "USD"}, nil
}

type passPreflight struct{}

func (passPreflight) Check(context.Context, *domain.Strategy) error { return nil }

type fixture struct {
	strategies *memory.StrategyStore
	trades     *memory.TradeStore
	events     *memory.EventStore
	runs       *memory.RunStore
	gateway    *fakeGateway
	exec       *executor.Executor
	runner     *Runner
}

type fixedQuoter struct{ price float64 }

func (q fixedQuoter) LastPrice(context.Context, *domain.Strategy, string) (float64, error) {
	return q.price, nil
}

func newFixture(t *testing.T, price float64) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	gw := &fakeGateway{price: price, statuses: map[string]domain.OrderUpdate{}}

	strategies := memory.NewStrategyStore()
	trades := memory.NewTradeStore()
	events := memory.NewEventStore()
	runs := memory.NewRunStore()

	cache := marketdata.NewCache(newMemBarStore(), gw, 1000, logger)
	set, err := rules.Load("")
	require.NoError(t, err)
	evaluator := eval.New(cache, set, logger)

	verifier := executor.NewVerifier(gw, nil, fixedQuoter{price: price}, trades, executor.VerifyOptions{
		MaxOrderNotional:  1e9,
		AllowedOrderTypes: []string{"MKT", "LMT"},
		RuleVersion:       1,
	}, logger)
	exec := executor.New(strategies, trades, events, gw, verifier, staticResolver{}, nil, logger)
	activator := chain.NewActivator(strategies, events, cache, passPreflight{}, staticResolver{}, logger)

	runner := NewRunner(strategies, runs, events, evaluator, exec, activator, staticResolver{}, cache, nil, logger)
	return &fixture{strategies: strategies, trades: trades, events: events, runs: runs, gateway: gw, exec: exec, runner: runner}
}

func seedActive(t *testing.T, f *fixture, id string, threshold float64, action *domain.TradeAction, next string) *domain.Strategy {
	t.Helper()
	activated := time.Now().UTC().Add(-time.Hour)
	s := &domain.Strategy{
		ID:             id,
		Market:         "US",
		TradeType:      domain.TradeBuy,
		Currency:       "USD",
		Status:         domain.StatusActive,
		ConditionLogic: domain.LogicAnd,
		Symbols:        []domain.StrategySymbol{{Position: 1, Code: "SLV", TradeType: domain.SymbolBuy}},
		Conditions: []domain.Condition{{
			ConditionID: "c1", Type: domain.SingleProduct, Metric: domain.MetricPrice,
			TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1m",
			Operator: domain.OpGTE, Value: threshold, Product: "SLV",
		}},
		TradeAction:    action,
		NextStrategyID: next,
		ExpireMode:     domain.ExpireAbsolute,
		ActivatedAt:    &activated,
	}
	require.NoError(t, f.strategies.Create(context.Background(), s))
	got, err := f.strategies.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func buyAction() *domain.TradeAction {
	return &domain.TradeAction{
		ActionType: domain.ActionStockTrade,
		Side:       domain.SideBuy,
		Symbol:     "SLV",
		Quantity:   10,
		OrderType:  domain.OrderMarket,
	}
}

func TestRunnerTriggersAndSubmits(t *testing.T) {
	f := newFixture(t, 105)
	ctx := context.Background()
	s := seedActive(t, f, "S-MN0001", 100, buyAction(), "")

	run := f.runner.Process(ctx, s)
	assert.Equal(t, domain.RunTriggered, run.Outcome, run.Error)
	require.NotNil(t, run.ConditionMet)
	assert.True(t, *run.ConditionMet)
	assert.Equal(t, "conditions met", run.DecisionReason)

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrderSubmitted, got.Status)
	assert.Equal(t, 1, f.gateway.submittedCount())

	events, err := f.events.ListByStrategy(ctx, s.ID, 50)
	require.NoError(t, err)
	var sawTrigger bool
	for _, ev := range events {
		if ev.Type == domain.EventTriggered {
			sawTrigger = true
		}
	}
	assert.True(t, sawTrigger)
}

func TestRunnerConditionNotMet(t *testing.T) {
	f := newFixture(t, 95)
	ctx := context.Background()
	s := seedActive(t, f, "S-MN0002", 100, buyAction(), "")

	run := f.runner.Process(ctx, s)
	assert.Equal(t, domain.RunEvaluated, run.Outcome, run.Error)
	require.NotNil(t, run.ConditionMet)
	assert.False(t, *run.ConditionMet)
	assert.NotEmpty(t, run.DecisionReason)

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 0, f.gateway.submittedCount())

	runs, err := f.runs.ListByStrategy(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Len(t, runs[0].Conditions, 1)
	assert.Equal(t, domain.StateFalse, runs[0].Conditions[0].State)
}

func TestRunnerPassBookkeeping(t *testing.T) {
	f := newFixture(t, 95)
	ctx := context.Background()
	s := seedActive(t, f, "S-MN0011", 100, buyAction(), "")

	first := f.runner.Process(ctx, s)
	assert.Equal(t, domain.RunEvaluated, first.Outcome, first.Error)
	assert.Equal(t, int64(1), first.RunCount)
	require.NotNil(t, first.FirstEvaluatedAt)
	require.Contains(t, first.LastDataEndAt, "SLV")
	require.NotNil(t, first.SuggestedNextMonitorAt)
	assert.True(t, first.SuggestedNextMonitorAt.After(first.StartedAt))

	// Same bar horizon on the next pass: evaluation is skipped.
	second := f.runner.Process(ctx, s)
	assert.Equal(t, domain.RunNoNewData, second.Outcome)
	assert.Equal(t, int64(2), second.RunCount)
	require.NotNil(t, second.FirstEvaluatedAt)
	assert.Equal(t, *first.FirstEvaluatedAt, *second.FirstEvaluatedAt)
	assert.NotEmpty(t, second.DecisionReason)
	assert.Nil(t, second.ConditionMet)
}

func TestRunnerActivatesDownstreamChain(t *testing.T) {
	f := newFixture(t, 105)
	ctx := context.Background()
	up := seedActive(t, f, "S-MN0003", 100, nil, "S-MN0004")
	down := seedActive(t, f, "S-MN0004", 200, buyAction(), "")
	_, err := f.strategies.Transition(ctx, down.ID, domain.StatusActive, domain.StatusPaused, down.Version, "")
	require.NoError(t, err)
	paused, err := f.strategies.Get(ctx, down.ID)
	require.NoError(t, err)
	_, err = f.strategies.Transition(ctx, paused.ID, domain.StatusPaused, domain.StatusPendingActivation, paused.Version, "")
	require.NoError(t, err)

	run := f.runner.Process(ctx, up)
	assert.Equal(t, domain.RunTriggered, run.Outcome, run.Error)

	gotUp, err := f.strategies.Get(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, gotUp.Status, "chain-only upstream closes as FILLED")

	gotDown, err := f.strategies.Get(ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, gotDown.Status)
	require.NotNil(t, gotDown.LogicalActivatedAt)
	require.NotNil(t, gotDown.AnchorPrice)
	assert.InDelta(t, 105, *gotDown.AnchorPrice, 0.001)
}

func TestRunnerSkipsNonActive(t *testing.T) {
	f := newFixture(t, 105)
	s := seedActive(t, f, "S-MN0005", 100, buyAction(), "")
	s.Status = domain.StatusPaused

	run := f.runner.Process(context.Background(), s)
	assert.Equal(t, domain.RunSkipped, run.Outcome)
}

func TestSchedulerEndToEnd(t *testing.T) {
	f := newFixture(t, 105)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s := seedActive(t, f, "S-MN0006", 100, buyAction(), "")

	sch := NewScheduler(f.strategies, f.runner, SchedulerConfig{
		Interval:  20 * time.Millisecond,
		LeaseTTL:  time.Second,
		Threads:   2,
		QueueSize: 64,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, sch.Run(ctx))

	got, err := f.strategies.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrderSubmitted, got.Status)
	assert.Equal(t, 1, f.gateway.submittedCount(), "triggered exactly once")

	runs, err := f.runs.ListByStrategy(context.Background(), s.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
}

func TestExpirySweepExpiresStrategies(t *testing.T) {
	f := newFixture(t, 95)
	ctx := context.Background()
	s := seedActive(t, f, "S-MN0007", 100, buyAction(), "")
	past := time.Now().UTC().Add(-time.Minute)
	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	got.ExpireAt = &past
	require.NoError(t, f.strategies.Update(ctx, got))

	sweeper := NewExpirySweeper(f.strategies, f.trades, f.events, f.gateway, time.Minute, slog.New(slog.DiscardHandler))
	sweeper.SweepOnce(ctx)

	after, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, after.Status)

	events, err := f.events.ListByStrategy(ctx, s.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventExpired, events[len(events)-1].Type)
}

func TestExpirySweepCancelsExpiredOrders(t *testing.T) {
	f := newFixture(t, 95)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.trades.CreateInstruction(ctx, &domain.TradeInstruction{
		TradeID:    "T-EXPIRE0001",
		StrategyID: "S-MN0008",
		Status:     domain.OrderStatusSubmitted,
		ExpireAt:   &past,
	}))
	require.NoError(t, f.trades.InsertOrder(ctx, &domain.Order{
		TradeID:        "T-EXPIRE0001",
		Leg:            1,
		StrategyID:     "S-MN0008",
		GatewayOrderID: "GW-9",
		Symbol:         "SLV",
		Side:           domain.SideBuy,
		OrderType:      domain.OrderLimit,
		Quantity:       10,
		Status:         domain.OrderStatusSubmitted,
	}))

	sweeper := NewExpirySweeper(f.strategies, f.trades, f.events, f.gateway, time.Minute, slog.New(slog.DiscardHandler))
	sweeper.SweepOnce(ctx)

	assert.Equal(t, []string{"GW-9"}, f.gateway.cancelled)
}

func TestRecoveryClearsLeasesAndRedrives(t *testing.T) {
	f := newFixture(t, 105)
	ctx := context.Background()

	// A strategy stuck in TRIGGERED with a stale lease and no instruction.
	s := seedActive(t, f, "S-MN0009", 100, buyAction(), "")
	_, err := f.strategies.Transition(ctx, s.ID, domain.StatusActive, domain.StatusTriggered, s.Version, "")
	require.NoError(t, err)
	_, err = f.strategies.ClaimLease(ctx, s.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	rec := NewRecovery(f.strategies, f.trades, f.exec, f.gateway, time.Minute, time.Second, slog.New(slog.DiscardHandler))
	rec.SweepOnce(ctx)

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrderSubmitted, got.Status)
	assert.Equal(t, 1, f.gateway.submittedCount())
}

func TestRecoveryReconcilesOrderDrift(t *testing.T) {
	f := newFixture(t, 105)
	ctx := context.Background()
	s := seedActive(t, f, "S-MN0010", 100, buyAction(), "")

	run := f.runner.Process(ctx, s)
	require.Equal(t, domain.RunTriggered, run.Outcome, run.Error)

	// The gateway filled the order but the update stream was missed.
	f.gateway.mu.Lock()
	f.gateway.statuses["GW-1"] = domain.OrderUpdate{
		GatewayOrderID: "GW-1",
		Status:         domain.OrderStatusFilled,
		FilledQty:      10,
		At:             time.Now().UTC(),
	}
	f.gateway.mu.Unlock()

	rec := NewRecovery(f.strategies, f.trades, f.exec, f.gateway, time.Minute, time.Second, slog.New(slog.DiscardHandler))
	rec.SweepOnce(ctx)

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, got.Status)
}
