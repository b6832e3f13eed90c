package domain

import "time"

// RunOutcome classifies one monitoring pass over a strategy.
type RunOutcome string

const (
	RunEvaluated RunOutcome = "EVALUATED"
	RunTriggered RunOutcome = "TRIGGERED"
	RunWaiting   RunOutcome = "WAITING"
	RunNoNewData RunOutcome = "NO_NEW_DATA"
	RunSkipped   RunOutcome = "SKIPPED"
	RunError     RunOutcome = "ERROR"
)

// StrategyRun records one worker pass over a strategy: what was evaluated,
// the per-condition outcomes, why the pass decided what it did, the data
// horizon it saw per product, and when the strategy is worth looking at next.
type StrategyRun struct {
	ID                     int64                `json:"id"`
	StrategyID             string               `json:"strategy_id"`
	RunCount               int64                `json:"run_count"`
	Outcome                RunOutcome           `json:"outcome"`
	Conditions             []ConditionRuntime   `json:"conditions,omitempty"`
	ConditionMet           *bool                `json:"condition_met,omitempty"`
	DecisionReason         string               `json:"decision_reason,omitempty"`
	Error                  string               `json:"error,omitempty"`
	FirstEvaluatedAt       *time.Time           `json:"first_evaluated_at,omitempty"`
	LastDataEndAt          map[string]time.Time `json:"last_data_end_at,omitempty"`
	SuggestedNextMonitorAt *time.Time           `json:"suggested_next_monitor_at,omitempty"`
	StartedAt              time.Time            `json:"started_at"`
	Duration               time.Duration        `json:"duration"`
}

// Well-known runtime state keys persisted between monitoring passes.
const (
	RuntimeSinceActivationHigh = "since_activation_high"
	RuntimeSinceActivationLow  = "since_activation_low"
	RuntimeAnchorPrice         = "anchor_price"
	RuntimeRolledAt            = "rolled_at"
)

// RuntimeState is the persisted per-strategy scratch state the evaluator
// maintains across passes, keyed by the constants above.
type RuntimeState struct {
	StrategyID string             `json:"strategy_id"`
	Values     map[string]float64 `json:"values"`
	Times      map[string]int64   `json:"times,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}
