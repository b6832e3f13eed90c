package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/rules"
	"github.com/alanyoungcy/ibexd/internal/store/memory"
)

type stubPreflight struct{ err error }

func (p stubPreflight) Check(context.Context, *domain.Strategy) error { return p.err }

type serviceFixture struct {
	svc        *StrategyService
	strategies *memory.StrategyStore
	events     *memory.EventStore
	trades     *memory.TradeStore
}

func newServiceFixture(t *testing.T, preflightErr error) *serviceFixture {
	t.Helper()
	set, err := rules.Load("")
	require.NoError(t, err)

	strategies := memory.NewStrategyStore()
	events := memory.NewEventStore()
	trades := memory.NewTradeStore()
	runs := memory.NewRunStore()

	svc := NewStrategyService(
		strategies, events, trades, runs,
		stubPreflight{err: preflightErr}, set, nil,
		Limits{MaxConditions: 10, MaxSymbols: 4, MaxChainDepth: 5},
		slog.New(slog.DiscardHandler),
	)
	return &serviceFixture{svc: svc, strategies: strategies, events: events, trades: trades}
}

func draft(key string) *domain.Strategy {
	expire := int64(3600)
	return &domain.Strategy{
		IdempotencyKey: key,
		Description:    "sell SLV on drawdown",
		Market:         "US",
		TradeType:      domain.TradeSell,
		Currency:       "USD",
		Symbols:        []domain.StrategySymbol{{Code: "slv", TradeType: domain.SymbolSell}},
		ConditionLogic: domain.LogicAnd,
		Conditions: []domain.Condition{{
			Type: domain.SingleProduct, Metric: domain.MetricDrawdownPct,
			TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1h",
			Operator: domain.OpGTE, Value: 0.1, Product: "SLV",
		}},
		TradeAction: &domain.TradeAction{
			ActionType: domain.ActionStockTrade, Side: domain.SideSell,
			Symbol: "SLV", Quantity: 100, OrderType: domain.OrderMarket,
		},
		ExpireMode:      domain.ExpireRelative,
		ExpireInSeconds: &expire,
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, draft("key-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingActivation, first.Status)
	assert.Regexp(t, `^S-[0-9a-f]{6}$`, first.ID)
	assert.Equal(t, "SLV", first.Symbols[0].Code, "symbol codes are upper-cased")

	second, err := f.svc.Create(ctx, draft("key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same key returns the original strategy")

	all, err := f.strategies.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	events, err := f.events.ListByStrategy(ctx, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCreated, events[0].Type)
}

func TestCreateRejectsUnknownProduct(t *testing.T) {
	f := newServiceFixture(t, nil)

	s := draft("")
	s.Conditions[0].Product = "GLD"
	_, err := f.svc.Create(context.Background(), s)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeUnknownProduct, verr.Code)
}

func TestCreateRejectsExpiredAbsoluteExpiry(t *testing.T) {
	f := newServiceFixture(t, nil)

	s := draft("")
	past := time.Now().Add(-time.Hour)
	s.ExpireMode = domain.ExpireAbsolute
	s.ExpireInSeconds = nil
	s.ExpireAt = &past
	_, err := f.svc.Create(context.Background(), s)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeInvalidExpiry, verr.Code)
}

func TestActivatePauseResumeCancel(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)

	s, err = f.svc.Activate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
	require.NotNil(t, s.ActivatedAt)
	require.NotNil(t, s.ExpireAt, "relative expiry resolves at activation")

	s, err = f.svc.Pause(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, s.Status)

	s, err = f.svc.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)

	s, err = f.svc.Cancel(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)

	events, err := f.events.ListByStrategy(ctx, s.ID, 0)
	require.NoError(t, err)
	var types []domain.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventCreated, domain.EventActivateRequested, domain.EventActivated,
		domain.EventPaused, domain.EventResumed, domain.EventCancelled,
	}, types)
}

func TestActivatePreflightFailure(t *testing.T) {
	f := newServiceFixture(t, errors.New("available funds below minimum"))
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, s.ID)
	require.Error(t, err)

	got, err := f.strategies.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerifyFailed, got.Status)

	events, err := f.events.ListByStrategy(ctx, s.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventVerificationFailed, last.Type)
}

func TestActivateUpstreamOnlyRejected(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s := draft("")
	s.UpstreamOnlyActivation = true
	created, err := f.svc.Create(ctx, s)
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, created.ID)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeUpstreamOnly, verr.Code)
}

func TestActivateLeasedReturnsLockedError(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)
	_, err = f.strategies.ClaimLease(ctx, s.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, s.ID)
	var lerr *domain.LockedError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, s.ID, lerr.StrategyID)
}

func TestEditResetsToPendingActivation(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)
	s, err = f.svc.Activate(ctx, s.ID)
	require.NoError(t, err)
	s, err = f.svc.Pause(ctx, s.ID)
	require.NoError(t, err)

	desc := "updated description"
	edited, err := f.svc.PatchBasic(ctx, s.ID, domain.StrategyPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingActivation, edited.Status)
	assert.Equal(t, desc, edited.Description)
	assert.Nil(t, edited.ActivatedAt, "edits discard the previous activation")
	assert.Nil(t, edited.ExpireAt, "relative expiry re-resolves on next activation")
	assert.Greater(t, edited.Version, s.Version)
}

func TestEditRejectedWhileActive(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, s.ID)
	require.NoError(t, err)

	desc := "nope"
	_, err = f.svc.PatchBasic(ctx, s.ID, domain.StrategyPatch{Description: &desc})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeNotEditable, verr.Code)
}

func TestPutConditionsRevalidates(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)

	_, err = f.svc.PutConditions(ctx, s.ID, domain.LogicOr, []domain.Condition{{
		Type: domain.SingleProduct, Metric: domain.MetricDrawdownPct,
		TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1h",
		Operator: domain.OpGTE, Value: 0.2, Product: "GLD",
	}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeUnknownProduct, verr.Code)

	edited, err := f.svc.PutConditions(ctx, s.ID, domain.LogicOr, []domain.Condition{{
		Type: domain.SingleProduct, Metric: domain.MetricDrawdownPct,
		TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1h",
		Operator: domain.OpGTE, Value: 0.2, Product: "SLV",
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.LogicOr, edited.ConditionLogic)
	require.Len(t, edited.Conditions, 1)
	assert.NotEmpty(t, edited.Conditions[0].ConditionID, "conditions are normalized on edit")
}

func TestDeleteOnlyWhenTerminalOrPending(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	s, err := f.svc.Create(ctx, draft(""))
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, s.ID)
	require.NoError(t, err)

	err = f.svc.Delete(ctx, s.ID)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeNotEligible, verr.Code)

	_, err = f.svc.Cancel(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, s.ID))

	_, err = f.strategies.Get(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActiveTradesFiltersTerminal(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.trades.CreateInstruction(ctx, &domain.TradeInstruction{
		TradeID: "T-aaaaaaaaaa", StrategyID: "S-aaaaaa", Status: domain.OrderStatusSubmitted,
	}))
	require.NoError(t, f.trades.CreateInstruction(ctx, &domain.TradeInstruction{
		TradeID: "T-bbbbbbbbbb", StrategyID: "S-bbbbbb", Status: domain.OrderStatusFilled,
	}))

	active, err := f.svc.ActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "T-aaaaaaaaaa", active[0].TradeID)
}
