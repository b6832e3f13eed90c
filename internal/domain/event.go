package domain

import "time"

// EventType classifies entries in a strategy's event timeline.
type EventType string

const (
	EventCreated            EventType = "CREATED"
	EventEdited             EventType = "EDITED"
	EventActivateRequested  EventType = "ACTIVATE_REQUESTED"
	EventVerificationPassed EventType = "VERIFICATION_PASSED"
	EventVerificationFailed EventType = "VERIFICATION_FAILED"
	EventActivated          EventType = "ACTIVATED"
	EventPaused             EventType = "PAUSED"
	EventResumed            EventType = "RESUMED"
	EventConditionEvaluated EventType = "CONDITION_EVALUATED"
	EventTriggered          EventType = "TRIGGERED"
	EventOrderSubmitted     EventType = "ORDER_SUBMITTED"
	EventOrderUpdated       EventType = "ORDER_UPDATED"
	EventFilled             EventType = "FILLED"
	EventChainActivated     EventType = "CHAIN_ACTIVATED"
	EventChainSkipped       EventType = "CHAIN_SKIPPED"
	EventExpired            EventType = "EXPIRED"
	EventCancelled          EventType = "CANCELLED"
	EventFailed             EventType = "FAILED"
	EventRolled             EventType = "ROLLED"
	EventRecovered          EventType = "RECOVERED"
)

// StrategyEvent is one append-only timeline entry.
type StrategyEvent struct {
	ID         int64          `json:"id"`
	StrategyID string         `json:"strategy_id"`
	Type       EventType      `json:"type"`
	FromStatus Status         `json:"from_status,omitempty"`
	ToStatus   Status         `json:"to_status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Activation records one downstream activation attempt caused by a trigger
// event. The (TriggerEventID, ToStrategyID) pair is unique so a trigger
// activates each downstream at most once. EffectiveActivatedAt is the
// upstream trigger instant that becomes the downstream's logical activation
// time; MarketSnapshot and Context preserve the market and chain state at
// that moment for audit.
type Activation struct {
	ID                   int64          `json:"id"`
	TriggerEventID       int64          `json:"trigger_event_id"`
	FromStrategyID       string         `json:"from_strategy_id"`
	ToStrategyID         string         `json:"to_strategy_id"`
	Outcome              string         `json:"outcome"`
	Note                 string         `json:"note,omitempty"`
	EffectiveActivatedAt *time.Time     `json:"effective_activated_at,omitempty"`
	MarketSnapshot       map[string]any `json:"market_snapshot,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Activation outcomes.
const (
	ActivationApplied = "APPLIED"
	ActivationSkipped = "SKIPPED"
)
