// Package eval implements single-condition evaluation: it derives the bar
// requirement from the rules tables, reads the window through the market-data
// cache, computes the metric series, and applies the trigger-mode semantics.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
	"github.com/alanyoungcy/ibexd/internal/rules"
)

// Result is the outcome of one condition evaluation. WAITING means data was
// insufficient under a best_effort policy; it never drives a trigger.
type Result struct {
	State    domain.ConditionState
	Observed *float64
	Reason   string
}

// Evaluator evaluates prepared conditions against cached bars and per-strategy
// runtime state.
type Evaluator struct {
	cache  *marketdata.Cache
	rules  *rules.Set
	logger *slog.Logger

	now func() time.Time
}

// New builds an Evaluator pinned to one rules snapshot.
func New(cache *marketdata.Cache, set *rules.Set, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cache:  cache,
		rules:  set,
		logger: logger.With(slog.String("component", "eval")),
		now:    time.Now,
	}
}

// Evaluate runs one condition. contracts maps product code to its resolved
// gateway contract; runtime carries since-activation extrema for the
// drawdown/rally metrics.
func (e *Evaluator) Evaluate(ctx context.Context, cond *domain.Condition, runtime *domain.RuntimeState, contracts map[string]domain.Contract) (Result, error) {
	spec, err := e.rules.Spec(cond.TriggerMode, cond.EvaluationWindow)
	if err != nil {
		return Result{}, err
	}
	required, err := e.rules.RequiredPoints(cond.TriggerMode, cond.EvaluationWindow)
	if err != nil {
		return Result{}, err
	}
	lookback, err := e.rules.LookbackPoints(cond.TriggerMode, cond.EvaluationWindow)
	if err != nil {
		return Result{}, err
	}

	series, observed, err := e.series(ctx, cond, spec, lookback, runtime, contracts)
	if err != nil {
		return Result{}, err
	}

	if len(series) < required {
		reason := fmt.Sprintf("need %d base bars, have %d", required, len(series))
		if spec.MissingDataPolicy == rules.PolicyBestEffort {
			return Result{State: domain.StateWaiting, Observed: observed, Reason: reason}, nil
		}
		return Result{}, fmt.Errorf("eval: condition %s: %s", cond.ConditionID, reason)
	}

	met, reason := applyTriggerMode(cond, spec, series)
	if observed == nil && len(series) > 0 {
		last := series[len(series)-1]
		observed = &last
	}
	state := domain.StateFalse
	if met {
		state = domain.StateTrue
	}
	return Result{State: state, Observed: observed, Reason: reason}, nil
}

// series computes the per-base-bar metric series, oldest first. For the
// aggregate ratio metrics the returned observed value is the whole-window
// aggregate even though confirm modes walk the per-bar series.
func (e *Evaluator) series(ctx context.Context, cond *domain.Condition, spec rules.WindowSpec, lookback int, runtime *domain.RuntimeState, contracts map[string]domain.Contract) ([]float64, *float64, error) {
	barDur, err := rules.WindowDuration(spec.BaseBar)
	if err != nil {
		return nil, nil, err
	}
	end := e.now().UTC()
	start := end.Add(-time.Duration(lookback) * barDur)

	fetch := func(product string) ([]domain.Bar, error) {
		contract, ok := contracts[product]
		if !ok {
			return nil, fmt.Errorf("eval: condition %s: no contract for product %s", cond.ConditionID, product)
		}
		res, err := e.cache.GetBars(ctx, domain.BarsRequest{
			Contract:       contract,
			BarSize:        spec.BaseBar,
			WhatToShow:     "TRADES",
			RTH:            true,
			Start:          start,
			End:            end,
			MaxBars:        lookback,
			IncludePartial: spec.IncludePartialBar,
		})
		if err != nil {
			return nil, err
		}
		return res.Bars, nil
	}

	basis := cond.Basis()

	switch cond.Metric {
	case domain.MetricPrice:
		bars, err := fetch(cond.Product)
		if err != nil {
			return nil, nil, err
		}
		return basisSeries(bars, basis), nil, nil

	case domain.MetricSpread:
		barsA, err := fetch(cond.Product)
		if err != nil {
			return nil, nil, err
		}
		barsB, err := fetch(cond.ProductB)
		if err != nil {
			return nil, nil, err
		}
		series := alignedSeries(barsA, barsB, func(a, b domain.Bar) float64 {
			return a.Value(basis) - b.Value(basis)
		})
		return series, nil, nil

	case domain.MetricDrawdownPct:
		high, ok := runtimeValue(runtime, domain.RuntimeSinceActivationHigh)
		if !ok || high <= 0 {
			return nil, nil, fmt.Errorf("eval: condition %s: since_activation_high not initialized", cond.ConditionID)
		}
		bars, err := fetch(cond.Product)
		if err != nil {
			return nil, nil, err
		}
		series := make([]float64, 0, len(bars))
		for _, b := range bars {
			series = append(series, math.Max(0, (high-b.Value(basis))/high))
		}
		return series, nil, nil

	case domain.MetricRallyPct:
		low, ok := runtimeValue(runtime, domain.RuntimeSinceActivationLow)
		if !ok || low <= 0 {
			return nil, nil, fmt.Errorf("eval: condition %s: since_activation_low not initialized", cond.ConditionID)
		}
		bars, err := fetch(cond.Product)
		if err != nil {
			return nil, nil, err
		}
		series := make([]float64, 0, len(bars))
		for _, b := range bars {
			series = append(series, math.Max(0, (b.Value(basis)-low)/low))
		}
		return series, nil, nil

	case domain.MetricVolumeRatio, domain.MetricAmountRatio:
		barsA, err := fetch(cond.Product)
		if err != nil {
			return nil, nil, err
		}
		barsB, err := fetch(cond.ProductB)
		if err != nil {
			return nil, nil, err
		}
		field := func(b domain.Bar) float64 {
			if cond.Metric == domain.MetricVolumeRatio {
				return b.Volume
			}
			return b.Amount
		}
		series := alignedSeries(barsA, barsB, func(a, b domain.Bar) float64 {
			den := field(b)
			if den == 0 {
				return 0
			}
			return field(a) / den
		})
		var sumA, sumB float64
		for _, b := range barsA {
			sumA += field(b)
		}
		for _, b := range barsB {
			sumB += field(b)
		}
		var observed *float64
		if sumB > 0 {
			agg := sumA / sumB
			observed = &agg
		}
		return series, observed, nil
	}
	return nil, nil, fmt.Errorf("eval: condition %s: unsupported metric %s", cond.ConditionID, cond.Metric)
}

// applyTriggerMode decides the trigger over the metric series, oldest first.
func applyTriggerMode(cond *domain.Condition, spec rules.WindowSpec, series []float64) (bool, string) {
	op := cond.Operator
	value := cond.Value
	last := series[len(series)-1]

	switch cond.TriggerMode {
	case domain.TriggerLevelInstant:
		if op.Apply(last, value) {
			return true, fmt.Sprintf("latest %.6g %s %.6g", last, op, value)
		}
		return false, fmt.Sprintf("latest %.6g not %s %.6g", last, op, value)

	case domain.TriggerCrossUpInstant, domain.TriggerCrossDownInstant:
		prior := series[len(series)-2]
		up := cond.TriggerMode == domain.TriggerCrossUpInstant
		if crossed(prior, last, value, up) {
			return true, fmt.Sprintf("crossed %.6g: prior %.6g, latest %.6g", value, prior, last)
		}
		return false, fmt.Sprintf("no cross of %.6g: prior %.6g, latest %.6g", value, prior, last)

	case domain.TriggerLevelConfirm:
		if spec.ConfirmConsecutive > 0 {
			n := spec.ConfirmConsecutive
			for _, v := range series[len(series)-n:] {
				if !op.Apply(v, value) {
					return false, fmt.Sprintf("latest %d bars not all %s %.6g", n, op, value)
				}
			}
			return true, fmt.Sprintf("latest %d bars all %s %.6g", n, op, value)
		}
		// Ratio mode: fraction of the window satisfying the operator.
		hits := 0
		for _, v := range series {
			if op.Apply(v, value) {
				hits++
			}
		}
		frac := float64(hits) / float64(len(series))
		if frac >= spec.ConfirmRatio {
			return true, fmt.Sprintf("%.0f%% of window %s %.6g (need %.0f%%)", frac*100, op, value, spec.ConfirmRatio*100)
		}
		return false, fmt.Sprintf("%.0f%% of window %s %.6g (need %.0f%%)", frac*100, op, value, spec.ConfirmRatio*100)

	case domain.TriggerCrossUpConfirm, domain.TriggerCrossDownConfirm:
		n := spec.ConfirmConsecutive
		if n < 1 {
			n = 1
		}
		if len(series) < n+1 {
			return false, fmt.Sprintf("need %d bars for confirmed cross, have %d", n+1, len(series))
		}
		up := cond.TriggerMode == domain.TriggerCrossUpConfirm
		pre := series[len(series)-n-1]
		if !preCross(pre, value, up) {
			return false, fmt.Sprintf("no cross: bar before run was already %s %.6g", op, value)
		}
		for _, v := range series[len(series)-n:] {
			if !op.Apply(v, value) {
				return false, fmt.Sprintf("cross of %.6g not confirmed over %d bars", value, n)
			}
		}
		return true, fmt.Sprintf("cross of %.6g confirmed over %d bars", value, n)
	}
	return false, fmt.Sprintf("unsupported trigger mode %s", cond.TriggerMode)
}

func crossed(prior, latest, value float64, up bool) bool {
	if up {
		return prior < value && latest >= value
	}
	return prior > value && latest <= value
}

func preCross(v, value float64, up bool) bool {
	if up {
		return v < value
	}
	return v > value
}

func basisSeries(bars []domain.Bar, basis domain.PriceBasis) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		out = append(out, b.Value(basis))
	}
	return out
}

// alignedSeries joins two bar series on timestamp, oldest first.
func alignedSeries(a, b []domain.Bar, f func(a, b domain.Bar) float64) []float64 {
	byTS := make(map[int64]domain.Bar, len(b))
	for _, bb := range b {
		byTS[bb.TS.Unix()] = bb
	}
	out := make([]float64, 0, len(a))
	for _, ab := range a {
		if bb, ok := byTS[ab.TS.Unix()]; ok {
			out = append(out, f(ab, bb))
		}
	}
	return out
}

func runtimeValue(rt *domain.RuntimeState, key string) (float64, bool) {
	if rt == nil || rt.Values == nil {
		return 0, false
	}
	v, ok := rt.Values[key]
	return v, ok
}
