// Package monitor runs the condition-monitoring loop: a scanner feeds ACTIVE
// strategies to a worker pool, each worker evaluates conditions under an
// execution lease, and companion sweeps handle expiry and crash recovery.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ibexd/internal/calendar"
	"github.com/alanyoungcy/ibexd/internal/chain"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/eval"
	"github.com/alanyoungcy/ibexd/internal/executor"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
)

// Resolver maps a product code onto its gateway contract.
type Resolver interface {
	ContractFor(ctx context.Context, s *domain.Strategy, symbol string) (domain.Contract, error)
}

// Runtime-state time keys the runner maintains across passes.
const (
	runtimeExtremaSyncedAt   = "extrema_synced_at"
	runtimeRunCount          = "run_count"
	runtimeFirstEvaluatedAt  = "first_evaluated_at"
	runtimeLastDataEndPrefix = "last_data_end:"
)

// Runner performs one full monitoring pass over a strategy: refresh
// since-activation extrema, evaluate every condition, combine, and on TRUE
// drive the trigger pipeline (trigger event, execution, chain activation).
type Runner struct {
	strategies domain.StrategyStore
	runs       domain.RunStore
	events     domain.EventStore
	evaluator  *eval.Evaluator
	exec       *executor.Executor
	activator  *chain.Activator
	resolver   Resolver
	cache      *marketdata.Cache
	cal        *calendar.Calendar
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner builds a Runner. cal may be nil; next-monitor suggestions then
// fall back to plain bar boundaries.
func NewRunner(strategies domain.StrategyStore, runs domain.RunStore, events domain.EventStore,
	evaluator *eval.Evaluator, exec *executor.Executor, activator *chain.Activator,
	resolver Resolver, cache *marketdata.Cache, cal *calendar.Calendar, logger *slog.Logger) *Runner {
	return &Runner{
		strategies: strategies,
		runs:       runs,
		events:     events,
		evaluator:  evaluator,
		exec:       exec,
		activator:  activator,
		resolver:   resolver,
		cache:      cache,
		cal:        cal,
		logger:     logger.With(slog.String("component", "runner")),
		now:        time.Now,
	}
}

// Process evaluates one strategy and records the pass as a StrategyRun. The
// caller holds the execution lease.
func (r *Runner) Process(ctx context.Context, s *domain.Strategy) *domain.StrategyRun {
	started := r.now().UTC()
	run := &domain.StrategyRun{StrategyID: s.ID, StartedAt: started}
	defer func() {
		run.Duration = r.now().UTC().Sub(started)
		if run.Outcome != domain.RunSkipped && run.SuggestedNextMonitorAt == nil {
			r.suggestNext(s, run)
		}
		if err := r.runs.Insert(ctx, run); err != nil {
			r.logger.Error("insert run failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		}
	}()

	if s.Status != domain.StatusActive {
		run.Outcome = domain.RunSkipped
		run.Error = fmt.Sprintf("status %s is not monitorable", s.Status)
		return run
	}
	if s.ExpireAt != nil && !started.Before(*s.ExpireAt) {
		run.Outcome = domain.RunSkipped
		run.Error = "expired, awaiting sweep"
		return run
	}

	contracts, err := r.resolveContracts(ctx, s)
	if err != nil {
		run.Outcome = domain.RunError
		run.Error = err.Error()
		return run
	}

	rt, err := r.strategies.GetRuntimeState(ctx, s.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			run.Outcome = domain.RunError
			run.Error = err.Error()
			return run
		}
		rt = &domain.RuntimeState{StrategyID: s.ID, Values: map[string]float64{}, Times: map[string]int64{}}
	}
	if rt.Times == nil {
		rt.Times = map[string]int64{}
	}

	rt.Times[runtimeRunCount]++
	run.RunCount = rt.Times[runtimeRunCount]

	dataEnds, fresh := r.scanDataEnds(ctx, rt, contracts)
	run.LastDataEndAt = dataEnds
	if !fresh {
		run.Outcome = domain.RunNoNewData
		run.DecisionReason = "no contract produced a bar newer than the last pass"
		if ts, ok := rt.Times[runtimeFirstEvaluatedAt]; ok {
			first := time.Unix(ts, 0).UTC()
			run.FirstEvaluatedAt = &first
		}
		r.persistRuntime(ctx, rt)
		return run
	}
	for product, ts := range dataEnds {
		rt.Times[runtimeLastDataEndPrefix+product] = ts.Unix()
	}

	if err := r.refreshExtrema(ctx, s, rt, contracts); err != nil {
		r.logger.Warn("extrema refresh failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
	}

	evalAt := r.now().UTC()
	if _, ok := rt.Times[runtimeFirstEvaluatedAt]; !ok {
		rt.Times[runtimeFirstEvaluatedAt] = evalAt.Unix()
	}
	first := time.Unix(rt.Times[runtimeFirstEvaluatedAt], 0).UTC()
	run.FirstEvaluatedAt = &first

	states := make([]domain.ConditionState, 0, len(s.Conditions))
	runtimes := make([]domain.ConditionRuntime, 0, len(s.Conditions))
	for i := range s.Conditions {
		cond := &s.Conditions[i]
		res, err := r.evaluator.Evaluate(ctx, cond, rt, contracts)
		if err != nil {
			run.Outcome = domain.RunError
			run.Error = fmt.Sprintf("condition %s: %v", cond.ConditionID, err)
			runtimes = append(runtimes, domain.ConditionRuntime{ConditionID: cond.ConditionID, State: domain.StateNotEvaluated})
			run.Conditions = runtimes
			r.persistRuntime(ctx, rt)
			return run
		}
		states = append(states, res.State)
		runtimes = append(runtimes, domain.ConditionRuntime{
			ConditionID:     cond.ConditionID,
			State:           res.State,
			LastValue:       res.Observed,
			Reason:          res.Reason,
			LastEvaluatedAt: &evalAt,
		})
	}
	run.Conditions = runtimes
	r.persistRuntime(ctx, rt)

	combined := eval.Combine(s.ConditionLogic, states)
	switch combined {
	case domain.StateTrue:
		truth := true
		run.ConditionMet = &truth
		run.Outcome = domain.RunTriggered
		run.DecisionReason = "conditions met"
		if err := r.trigger(ctx, s, runtimes, contracts); err != nil {
			run.Outcome = domain.RunError
			run.Error = err.Error()
		}
	case domain.StateWaiting:
		run.Outcome = domain.RunWaiting
		run.DecisionReason = firstReason(runtimes, domain.StateWaiting)
	default:
		falsehood := false
		run.ConditionMet = &falsehood
		run.Outcome = domain.RunEvaluated
		run.DecisionReason = firstReason(runtimes, domain.StateFalse)
	}
	return run
}

// scanDataEnds records the newest complete bar per product and reports
// whether any product moved past the horizon seen on the previous pass. A
// product with no readable bars counts as fresh so evaluation surfaces the
// real condition.
func (r *Runner) scanDataEnds(ctx context.Context, rt *domain.RuntimeState, contracts map[string]domain.Contract) (map[string]time.Time, bool) {
	dataEnds := make(map[string]time.Time, len(contracts))
	fresh := len(contracts) == 0
	for product, contract := range contracts {
		_, ts, err := r.cache.LatestBasis(ctx, contract, "1m", domain.BasisClose)
		if err != nil {
			fresh = true
			continue
		}
		dataEnds[product] = ts
		prev, ok := rt.Times[runtimeLastDataEndPrefix+product]
		if !ok || ts.Unix() > prev {
			fresh = true
		}
	}
	return dataEnds, fresh
}

// suggestNext proposes when the scanner should look at the strategy again:
// the next bar boundary, pushed out to the next session open when the market
// is closed.
func (r *Runner) suggestNext(s *domain.Strategy, run *domain.StrategyRun) {
	next := r.now().UTC().Truncate(time.Minute).Add(time.Minute)
	if r.cal != nil {
		if open, err := r.cal.IsOpen(s.Market, next); err == nil && !open {
			if at, err := r.cal.NextOpen(s.Market, next); err == nil {
				next = at
			}
		}
	}
	run.SuggestedNextMonitorAt = &next
}

// firstReason picks the first condition in the given state that explains
// itself, prefixed with its id.
func firstReason(runtimes []domain.ConditionRuntime, state domain.ConditionState) string {
	for _, cr := range runtimes {
		if cr.State == state && cr.Reason != "" {
			return fmt.Sprintf("%s: %s", cr.ConditionID, cr.Reason)
		}
	}
	return ""
}

// trigger moves the strategy to TRIGGERED and drives execution and chain
// activation off the minted trigger event.
func (r *Runner) trigger(ctx context.Context, s *domain.Strategy, runtimes []domain.ConditionRuntime, contracts map[string]domain.Contract) error {
	updated, err := r.strategies.Transition(ctx, s.ID, domain.StatusActive, domain.StatusTriggered, s.Version, "conditions met")
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another pass already triggered this strategy.
			return nil
		}
		return err
	}
	triggerTS := r.now().UTC()

	detail := map[string]any{"conditions": runtimes}
	anchor := r.anchorPrice(ctx, s, runtimes, contracts)
	if anchor != 0 {
		detail["anchor_price"] = anchor
	}
	eventID, err := r.events.Insert(ctx, &domain.StrategyEvent{
		StrategyID: s.ID,
		Type:       domain.EventTriggered,
		FromStatus: domain.StatusActive,
		ToStatus:   domain.StatusTriggered,
		Message:    "conditions met",
		Detail:     detail,
		CreatedAt:  triggerTS,
	})
	if err != nil {
		return fmt.Errorf("insert trigger event: %w", err)
	}

	if err := r.exec.Execute(ctx, updated); err != nil {
		r.logger.Error("execution failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		// Chain activation still runs; the trigger itself happened.
	}
	if updated.NextStrategyID != "" {
		if err := r.activator.Activate(ctx, updated, eventID, triggerTS, anchor); err != nil {
			return fmt.Errorf("chain activation: %w", err)
		}
	}
	return nil
}

// anchorPrice picks the price carried to a chained downstream: the latest 1m
// close of the first condition's product, falling back to the last observed
// condition value.
func (r *Runner) anchorPrice(ctx context.Context, s *domain.Strategy, runtimes []domain.ConditionRuntime, contracts map[string]domain.Contract) float64 {
	if len(s.Conditions) > 0 {
		if c, ok := contracts[s.Conditions[0].Product]; ok {
			if px, _, err := r.cache.LatestBasis(ctx, c, "1m", domain.BasisClose); err == nil {
				return px
			}
		}
	}
	for _, cr := range runtimes {
		if cr.LastValue != nil {
			return *cr.LastValue
		}
	}
	return 0
}

// refreshExtrema rolls the since-activation high/low forward using 1m bars
// of the first drawdown/rally product. logical_activated_at anchors the very
// first sync.
func (r *Runner) refreshExtrema(ctx context.Context, s *domain.Strategy, rt *domain.RuntimeState, contracts map[string]domain.Contract) error {
	var product string
	for i := range s.Conditions {
		m := s.Conditions[i].Metric
		if m == domain.MetricDrawdownPct || m == domain.MetricRallyPct {
			product = s.Conditions[i].Product
			break
		}
	}
	if product == "" {
		return nil
	}
	contract, ok := contracts[product]
	if !ok {
		return fmt.Errorf("no contract for %s", product)
	}

	now := r.now().UTC()
	var since time.Time
	if ts, ok := rt.Times[runtimeExtremaSyncedAt]; ok {
		since = time.Unix(ts, 0).UTC()
	} else if s.LogicalActivatedAt != nil {
		since = s.LogicalActivatedAt.UTC()
	} else if s.ActivatedAt != nil {
		since = s.ActivatedAt.UTC()
	} else {
		return nil
	}
	if !since.Before(now) {
		return nil
	}

	high, low, err := r.cache.ExtremaBetween(ctx, contract, "1m", since, now)
	if err != nil {
		return err
	}
	if cur, ok := rt.Values[domain.RuntimeSinceActivationHigh]; !ok || high > cur {
		rt.Values[domain.RuntimeSinceActivationHigh] = high
	}
	if cur, ok := rt.Values[domain.RuntimeSinceActivationLow]; !ok || low < cur {
		rt.Values[domain.RuntimeSinceActivationLow] = low
	}
	rt.Times[runtimeExtremaSyncedAt] = now.Unix()
	return nil
}

func (r *Runner) resolveContracts(ctx context.Context, s *domain.Strategy) (map[string]domain.Contract, error) {
	contracts := map[string]domain.Contract{}
	add := func(product string) error {
		if product == "" {
			return nil
		}
		if _, ok := contracts[product]; ok {
			return nil
		}
		c, err := r.resolver.ContractFor(ctx, s, product)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", product, err)
		}
		contracts[product] = c
		return nil
	}
	for i := range s.Conditions {
		if err := add(s.Conditions[i].Product); err != nil {
			return nil, err
		}
		if err := add(s.Conditions[i].ProductB); err != nil {
			return nil, err
		}
	}
	return contracts, nil
}

func (r *Runner) persistRuntime(ctx context.Context, rt *domain.RuntimeState) {
	rt.UpdatedAt = r.now().UTC()
	if err := r.strategies.SetRuntimeState(ctx, rt); err != nil {
		r.logger.Error("persist runtime state failed", slog.String("strategy_id", rt.StrategyID), slog.Any("error", err))
	}
}
