package chain

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
	"github.com/alanyoungcy/ibexd/internal/store/memory"
)

func seed(t *testing.T, store *memory.StrategyStore, id, next string, status domain.Status) *domain.Strategy {
	t.Helper()
	s := &domain.Strategy{
		ID:             id,
		Market:         "US",
		TradeType:      domain.TradeSell,
		Currency:       "USD",
		Status:         status,
		ConditionLogic: domain.LogicAnd,
		Symbols:        []domain.StrategySymbol{{Position: 1, Code: "SLV", TradeType: domain.SymbolSell}},
		Conditions: []domain.Condition{{
			ConditionID: "c1", Type: domain.SingleProduct, Metric: domain.MetricDrawdownPct,
			TriggerMode: domain.TriggerLevelInstant, EvaluationWindow: "1h",
			Operator: domain.OpGTE, Value: 0.1, Product: "SLV",
		}},
		NextStrategyID: next,
		ExpireMode:     domain.ExpireAbsolute,
	}
	require.NoError(t, store.Create(context.Background(), s))
	return s
}

func TestValidateNoCycle(t *testing.T) {
	store := memory.NewStrategyStore()
	ctx := context.Background()

	seed(t, store, "S-AAAAAA", "S-BBBBBB", domain.StatusPendingActivation)
	seed(t, store, "S-BBBBBB", "", domain.StatusPendingActivation)

	require.NoError(t, ValidateNoCycle(ctx, store, "S-CCCCCC", "S-AAAAAA", 0))

	// Closing the loop back to the head is rejected.
	err := ValidateNoCycle(ctx, store, "S-BBBBBB", "S-AAAAAA", 0)
	require.Error(t, err)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeCycleDetected, verr.Code)

	// Self-reference.
	err = ValidateNoCycle(ctx, store, "S-AAAAAA", "S-AAAAAA", 0)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeCycleDetected, verr.Code)

	// Unknown downstream.
	err = ValidateNoCycle(ctx, store, "S-AAAAAA", "S-ZZZZZZ", 0)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeCycleDetected, verr.Code)

	// Empty next clears the chain, always fine.
	require.NoError(t, ValidateNoCycle(ctx, store, "S-AAAAAA", "", 0))
}

type passPreflight struct{ err error }

func (p passPreflight) Check(context.Context, *domain.Strategy) error { return p.err }

type staticResolver struct{}

func (staticResolver) ContractFor(_ context.Context, _ *domain.Strategy, product string) (domain.Contract, error) {
	return domain.Contract{ContractID: 1, Symbol: product, SecType: "STK", Currency: "USD"}, nil
}

// gapGateway serves bars covering the activation gap with a known extremum.
type gapGateway struct {
	domain.Gateway
}

func (gapGateway) FetchBars(_ context.Context, _ domain.Contract, _ string, _ string, _ bool, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	v := 100.0
	for ts := start; ts.Before(end); ts = ts.Add(time.Minute) {
		out = append(out, domain.Bar{TS: ts, Open: v, High: 112, Low: 98, Close: v, Volume: 10})
	}
	return out, nil
}

type memBarStore struct {
	bars map[string][]domain.Bar
	cov  map[string][]domain.Segment
}

func (m *memBarStore) UpsertBars(_ context.Context, key string, bars []domain.Bar) error {
	m.bars[key] = append(m.bars[key], bars...)
	return nil
}

func (m *memBarStore) GetBars(_ context.Context, key string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m.bars[key] {
		if !b.TS.Before(start) && b.TS.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBarStore) GetCoverage(_ context.Context, key string) ([]domain.Segment, error) {
	return m.cov[key], nil
}

func (m *memBarStore) PutCoverage(_ context.Context, key string, segs []domain.Segment) error {
	m.cov[key] = segs
	return nil
}

func (m *memBarStore) PruneBefore(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func newActivatorFixture(t *testing.T, preflightErr error) (*Activator, *memory.StrategyStore, *memory.EventStore) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := memory.NewStrategyStore()
	events := memory.NewEventStore()
	cache := marketdata.NewCache(&memBarStore{bars: map[string][]domain.Bar{}, cov: map[string][]domain.Segment{}}, gapGateway{}, 1000, logger)
	a := NewActivator(store, events, cache, passPreflight{err: preflightErr}, staticResolver{}, logger)
	return a, store, events
}

func TestActivateDownstream(t *testing.T) {
	a, store, events := newActivatorFixture(t, nil)
	ctx := context.Background()

	up := seed(t, store, "S-UP0001", "S-DN0001", domain.StatusTriggered)
	down := seed(t, store, "S-DN0001", "", domain.StatusPendingActivation)
	exp := int64(3600)
	down.ExpireMode = domain.ExpireRelative
	down.ExpireInSeconds = &exp
	require.NoError(t, store.Update(ctx, down))

	triggerTS := time.Now().UTC().Add(-30 * time.Minute)
	require.NoError(t, a.Activate(ctx, up, 42, triggerTS, 101.0))

	got, err := store.Get(ctx, "S-DN0001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, "S-UP0001", got.UpstreamStrategyID, "provenance points at the triggering upstream")
	require.NotNil(t, got.LogicalActivatedAt)
	assert.Equal(t, triggerTS, *got.LogicalActivatedAt)
	require.NotNil(t, got.AnchorPrice)
	assert.Equal(t, 101.0, *got.AnchorPrice)
	require.NotNil(t, got.ExpireAt, "relative expiry resolves at activation")

	rt, err := store.GetRuntimeState(ctx, "S-DN0001")
	require.NoError(t, err)
	assert.Equal(t, 112.0, rt.Values[domain.RuntimeSinceActivationHigh], "extrema back-filled across the gap")
	assert.Equal(t, 98.0, rt.Values[domain.RuntimeSinceActivationLow])
	assert.Equal(t, 101.0, rt.Values[domain.RuntimeAnchorPrice])

	acts, err := events.ListActivations(ctx, "S-DN0001")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActivationApplied, acts[0].Outcome)
	require.NotNil(t, acts[0].EffectiveActivatedAt)
	assert.Equal(t, triggerTS, *acts[0].EffectiveActivatedAt)
	require.NotNil(t, acts[0].MarketSnapshot)
	assert.Equal(t, 101.0, acts[0].MarketSnapshot["anchor_price"])
	assert.Equal(t, string(domain.StatusPendingActivation), acts[0].Context["downstream_status"])
}

func TestActivateZeroAnchorSeedsExtremaFromBars(t *testing.T) {
	a, store, _ := newActivatorFixture(t, nil)
	ctx := context.Background()

	up := seed(t, store, "S-UP0005", "S-DN0005", domain.StatusTriggered)
	seed(t, store, "S-DN0005", "", domain.StatusPendingActivation)

	// No anchor was observable at the trigger moment; the back-filled bars
	// must still initialize both extrema.
	triggerTS := time.Now().UTC().Add(-30 * time.Minute)
	require.NoError(t, a.Activate(ctx, up, 55, triggerTS, 0))

	rt, err := store.GetRuntimeState(ctx, "S-DN0005")
	require.NoError(t, err)
	assert.Equal(t, 112.0, rt.Values[domain.RuntimeSinceActivationHigh])
	assert.Equal(t, 98.0, rt.Values[domain.RuntimeSinceActivationLow], "low seeds from the bars, not the missing anchor")
}

func TestActivateIsAtMostOncePerTrigger(t *testing.T) {
	a, store, events := newActivatorFixture(t, nil)
	ctx := context.Background()

	up := seed(t, store, "S-UP0002", "S-DN0002", domain.StatusTriggered)
	seed(t, store, "S-DN0002", "", domain.StatusPendingActivation)

	triggerTS := time.Now().UTC()
	require.NoError(t, a.Activate(ctx, up, 7, triggerTS, 50.0))
	require.NoError(t, a.Activate(ctx, up, 7, triggerTS, 50.0), "redelivery is a no-op")

	acts, err := events.ListActivations(ctx, "S-DN0002")
	require.NoError(t, err)
	assert.Len(t, acts, 1)

	// A fresh trigger event targets an already-ACTIVE downstream: skipped.
	require.NoError(t, a.Activate(ctx, up, 8, triggerTS, 50.0))
	acts, err = events.ListActivations(ctx, "S-DN0002")
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, domain.ActivationSkipped, acts[1].Outcome)
}

func TestActivatePreflightFailure(t *testing.T) {
	a, store, _ := newActivatorFixture(t, errors.New("funds below minimum"))
	ctx := context.Background()

	up := seed(t, store, "S-UP0003", "S-DN0003", domain.StatusTriggered)
	seed(t, store, "S-DN0003", "", domain.StatusPendingActivation)

	require.NoError(t, a.Activate(ctx, up, 9, time.Now().UTC(), 50.0))
	got, err := store.Get(ctx, "S-DN0003")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerifyFailed, got.Status)
}

func TestActivateWithoutDownstreamIsNoop(t *testing.T) {
	a, store, _ := newActivatorFixture(t, nil)
	up := seed(t, store, "S-UP0004", "", domain.StatusTriggered)
	require.NoError(t, a.Activate(context.Background(), up, 10, time.Now().UTC(), 50.0))
}
