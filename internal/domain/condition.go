package domain

import (
	"fmt"
	"strings"
	"time"
)

// Metric is the observed quantity a condition tests.
type Metric string

const (
	MetricPrice       Metric = "PRICE"
	MetricSpread      Metric = "SPREAD"
	MetricDrawdownPct Metric = "DRAWDOWN_PCT"
	MetricRallyPct    Metric = "RALLY_PCT"
	MetricVolumeRatio Metric = "VOLUME_RATIO"
	MetricAmountRatio Metric = "AMOUNT_RATIO"
)

// Pair reports whether the metric requires two products.
func (m Metric) Pair() bool {
	switch m {
	case MetricSpread, MetricVolumeRatio, MetricAmountRatio:
		return true
	}
	return false
}

// TriggerMode selects how the observed series is tested against the value.
type TriggerMode string

const (
	TriggerLevelInstant     TriggerMode = "LEVEL_INSTANT"
	TriggerLevelConfirm     TriggerMode = "LEVEL_CONFIRM"
	TriggerCrossUpInstant   TriggerMode = "CROSS_UP_INSTANT"
	TriggerCrossDownInstant TriggerMode = "CROSS_DOWN_INSTANT"
	TriggerCrossUpConfirm   TriggerMode = "CROSS_UP_CONFIRM"
	TriggerCrossDownConfirm TriggerMode = "CROSS_DOWN_CONFIRM"
)

// Confirm reports whether the mode requires confirmation bars.
func (t TriggerMode) Confirm() bool {
	switch t {
	case TriggerLevelConfirm, TriggerCrossUpConfirm, TriggerCrossDownConfirm:
		return true
	}
	return false
}

// Cross reports whether the mode tests a threshold crossing.
func (t TriggerMode) Cross() bool {
	switch t {
	case TriggerCrossUpInstant, TriggerCrossDownInstant, TriggerCrossUpConfirm, TriggerCrossDownConfirm:
		return true
	}
	return false
}

// Operator is a comparison against the condition value.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
)

// Apply evaluates `observed op threshold`.
func (o Operator) Apply(observed, threshold float64) bool {
	switch o {
	case OpGTE:
		return observed >= threshold
	case OpLTE:
		return observed <= threshold
	}
	return false
}

// ConditionType distinguishes single- and pair-product conditions.
type ConditionType string

const (
	SingleProduct ConditionType = "SINGLE_PRODUCT"
	PairProducts  ConditionType = "PAIR_PRODUCTS"
)

// PriceBasis selects the scalar extracted from each bar.
type PriceBasis string

const (
	BasisClose PriceBasis = "CLOSE"
	BasisHigh  PriceBasis = "HIGH"
	BasisLow   PriceBasis = "LOW"
	BasisAvg   PriceBasis = "AVG"
)

// ConditionState is the outcome of one condition evaluation.
type ConditionState string

const (
	StateTrue         ConditionState = "TRUE"
	StateFalse        ConditionState = "FALSE"
	StateWaiting      ConditionState = "WAITING"
	StateNotEvaluated ConditionState = "NOT_EVALUATED"
)

// Condition is one monitoring rule attached to a strategy.
type Condition struct {
	ConditionID      string        `json:"condition_id"`
	ConditionNL      string        `json:"condition_nl,omitempty"`
	Type             ConditionType `json:"condition_type"`
	Metric           Metric        `json:"metric"`
	TriggerMode      TriggerMode   `json:"trigger_mode"`
	EvaluationWindow string        `json:"evaluation_window"`
	WindowPriceBasis PriceBasis    `json:"window_price_basis,omitempty"`
	Operator         Operator      `json:"operator"`
	Value            float64       `json:"value"`
	Product          string        `json:"product,omitempty"`
	ProductB         string        `json:"product_b,omitempty"`
	ContractID       int64         `json:"contract_id,omitempty"`
	ContractIDB      int64         `json:"contract_id_b,omitempty"`
}

// Basis returns the configured price basis, defaulting to CLOSE.
func (c *Condition) Basis() PriceBasis {
	if c.WindowPriceBasis == "" {
		return BasisClose
	}
	return c.WindowPriceBasis
}

// Normalize upper-cases identifiers in place and fills condition ids using
// the one-based index when absent.
func (c *Condition) Normalize(idx int) {
	c.ConditionID = strings.TrimSpace(c.ConditionID)
	if c.ConditionID == "" {
		c.ConditionID = fmt.Sprintf("c%d", idx)
	}
	c.Product = strings.ToUpper(strings.TrimSpace(c.Product))
	c.ProductB = strings.ToUpper(strings.TrimSpace(c.ProductB))
	if c.WindowPriceBasis == "" {
		c.WindowPriceBasis = BasisClose
	}
}

// Validate checks structural consistency of the condition itself; rule-file
// constraints (allowed windows, modes, operators) are checked by the rules
// package.
func (c *Condition) Validate() error {
	switch c.Type {
	case SingleProduct:
		if c.Product == "" {
			return NewValidation(CodeInvalidCondition, fmt.Sprintf("condition %s: SINGLE_PRODUCT requires product", c.ConditionID))
		}
	case PairProducts:
		if c.Product == "" || c.ProductB == "" {
			return NewValidation(CodeInvalidCondition, fmt.Sprintf("condition %s: PAIR_PRODUCTS requires product and product_b", c.ConditionID))
		}
		if c.Product == c.ProductB {
			return NewValidation(CodeInvalidCondition, fmt.Sprintf("condition %s: product and product_b must differ", c.ConditionID))
		}
	default:
		return NewValidation(CodeInvalidCondition, fmt.Sprintf("condition %s: unsupported condition_type %q", c.ConditionID, c.Type))
	}
	if c.Operator != OpGTE && c.Operator != OpLTE {
		return NewValidation(CodeInvalidCondition, fmt.Sprintf("condition %s: unsupported operator %q", c.ConditionID, c.Operator))
	}
	return nil
}

// ConditionRuntime is the per-condition read model rebuilt by the evaluator.
type ConditionRuntime struct {
	ConditionID     string         `json:"condition_id"`
	State           ConditionState `json:"state"`
	LastValue       *float64       `json:"last_value,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	LastEvaluatedAt *time.Time     `json:"last_evaluated_at,omitempty"`
}
