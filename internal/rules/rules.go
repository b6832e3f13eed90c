// Package rules holds the condition rule tables: which evaluation windows and
// trigger modes each metric admits, and how many base bars a trigger mode
// needs before it can decide. The tables load from a TOML file and are pinned
// as an immutable snapshot per run.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// MissingDataPolicy decides what an evaluation does when bars are missing.
type MissingDataPolicy string

const (
	PolicyReject     MissingDataPolicy = "reject"
	PolicyBestEffort MissingDataPolicy = "best_effort"
)

// WindowSpec configures one (trigger_mode, evaluation_window) pairing.
type WindowSpec struct {
	BaseBar            string            `toml:"base_bar"`
	ConfirmConsecutive int               `toml:"confirm_consecutive"`
	ConfirmRatio       float64           `toml:"confirm_ratio"`
	IncludePartialBar  bool              `toml:"include_partial_bar"`
	MissingDataPolicy  MissingDataPolicy `toml:"missing_data_policy"`
}

// ModeOps pairs a trigger mode with its permitted operators.
type ModeOps struct {
	Mode      domain.TriggerMode `toml:"mode"`
	Operators []domain.Operator  `toml:"operators"`
}

// MetricRule describes what a metric admits.
type MetricRule struct {
	AllowedWindows []string  `toml:"allowed_windows"`
	AllowedRules   []ModeOps `toml:"allowed_rules"`
}

// Set is one immutable rules snapshot.
type Set struct {
	Windows map[domain.TriggerMode]map[string]WindowSpec
	Metrics map[domain.Metric]MetricRule
}

// windowDurations maps evaluation window names to their span.
var windowDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
	"2d":  48 * time.Hour,
}

// WindowDuration resolves a window or bar-size name like "5m" or "1d".
func WindowDuration(name string) (time.Duration, error) {
	d, ok := windowDurations[name]
	if !ok {
		return 0, fmt.Errorf("rules: unknown window %q", name)
	}
	return d, nil
}

// Spec returns the WindowSpec for (mode, window).
func (s *Set) Spec(mode domain.TriggerMode, window string) (WindowSpec, error) {
	byWindow, ok := s.Windows[mode]
	if !ok {
		return WindowSpec{}, fmt.Errorf("rules: no window table for trigger mode %s", mode)
	}
	spec, ok := byWindow[window]
	if !ok {
		return WindowSpec{}, fmt.Errorf("rules: trigger mode %s does not admit window %s", mode, window)
	}
	return spec, nil
}

// Validate checks a condition against the metric and window tables. It
// assumes the condition already passed structural validation.
func (s *Set) Validate(c *domain.Condition) error {
	mr, ok := s.Metrics[c.Metric]
	if !ok {
		return domain.NewValidation(domain.CodeInvalidCondition,
			fmt.Sprintf("condition %s: unsupported metric %s", c.ConditionID, c.Metric))
	}

	if c.Metric.Pair() != (c.Type == domain.PairProducts) {
		return domain.NewValidation(domain.CodeInvalidCondition,
			fmt.Sprintf("condition %s: metric %s does not match condition_type %s", c.ConditionID, c.Metric, c.Type))
	}

	windowOK := false
	for _, w := range mr.AllowedWindows {
		if w == c.EvaluationWindow {
			windowOK = true
			break
		}
	}
	if !windowOK {
		return domain.NewValidation(domain.CodeInvalidCondition,
			fmt.Sprintf("condition %s: metric %s does not admit window %s", c.ConditionID, c.Metric, c.EvaluationWindow))
	}

	for _, mo := range mr.AllowedRules {
		if mo.Mode != c.TriggerMode {
			continue
		}
		for _, op := range mo.Operators {
			if op == c.Operator {
				if _, err := s.Spec(c.TriggerMode, c.EvaluationWindow); err != nil {
					return domain.NewValidation(domain.CodeInvalidCondition,
						fmt.Sprintf("condition %s: %v", c.ConditionID, err))
				}
				return nil
			}
		}
		return domain.NewValidation(domain.CodeInvalidCondition,
			fmt.Sprintf("condition %s: metric %s with mode %s does not admit operator %s", c.ConditionID, c.Metric, c.TriggerMode, c.Operator))
	}
	return domain.NewValidation(domain.CodeInvalidCondition,
		fmt.Sprintf("condition %s: metric %s does not admit trigger mode %s", c.ConditionID, c.Metric, c.TriggerMode))
}

// RequiredPoints computes how many base bars a condition needs before the
// trigger mode can decide.
func (s *Set) RequiredPoints(mode domain.TriggerMode, window string) (int, error) {
	spec, err := s.Spec(mode, window)
	if err != nil {
		return 0, err
	}
	switch mode {
	case domain.TriggerLevelInstant:
		return 1, nil
	case domain.TriggerCrossUpInstant, domain.TriggerCrossDownInstant:
		return 2, nil
	}

	// Confirm modes.
	need := spec.ConfirmConsecutive
	if spec.ConfirmRatio > 0 {
		winDur, err := WindowDuration(window)
		if err != nil {
			return 0, err
		}
		barDur, err := WindowDuration(spec.BaseBar)
		if err != nil {
			return 0, err
		}
		points := int(math.Ceil(spec.ConfirmRatio * float64(winDur/barDur)))
		if points > need {
			need = points
		}
	}
	if need < 1 {
		need = 1
	}
	if mode == domain.TriggerCrossUpConfirm || mode == domain.TriggerCrossDownConfirm {
		need++ // one extra bar to observe the pre-cross side
	}
	return need, nil
}

// LookbackPoints pads RequiredPoints so an evaluation survives a late bar.
func (s *Set) LookbackPoints(mode domain.TriggerMode, window string) (int, error) {
	need, err := s.RequiredPoints(mode, window)
	if err != nil {
		return 0, err
	}
	lookback := need + 2
	if lookback < 3 {
		lookback = 3
	}
	return lookback, nil
}

// validate checks internal consistency of a loaded Set.
func (s *Set) validate() error {
	for mode, byWindow := range s.Windows {
		for window, spec := range byWindow {
			if _, err := WindowDuration(window); err != nil {
				return fmt.Errorf("rules: mode %s: %w", mode, err)
			}
			if _, err := WindowDuration(spec.BaseBar); err != nil {
				return fmt.Errorf("rules: mode %s window %s: bad base_bar: %w", mode, window, err)
			}
			if mode.Confirm() && spec.ConfirmConsecutive > 0 && spec.ConfirmRatio > 0 {
				return fmt.Errorf("rules: mode %s window %s: confirm_consecutive and confirm_ratio are mutually exclusive", mode, window)
			}
			if mode.Confirm() && spec.ConfirmConsecutive <= 0 && spec.ConfirmRatio <= 0 {
				return fmt.Errorf("rules: mode %s window %s: confirm modes need confirm_consecutive or confirm_ratio", mode, window)
			}
			switch spec.MissingDataPolicy {
			case PolicyReject, PolicyBestEffort:
			default:
				return fmt.Errorf("rules: mode %s window %s: unknown missing_data_policy %q", mode, window, spec.MissingDataPolicy)
			}
		}
	}
	for metric, mr := range s.Metrics {
		for _, w := range mr.AllowedWindows {
			if _, err := WindowDuration(w); err != nil {
				return fmt.Errorf("rules: metric %s: %w", metric, err)
			}
		}
		if len(mr.AllowedRules) == 0 {
			return fmt.Errorf("rules: metric %s: no allowed rules", metric)
		}
	}
	return nil
}
