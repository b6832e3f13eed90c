package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrConflict           = errors.New("version conflict")
	ErrLockHeld           = errors.New("lock already held")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrContextDone        = errors.New("context cancelled")
)

// Stable error codes surfaced to API callers.
const (
	CodeStrategyLocked     = "STRATEGY_LOCKED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeCycleDetected      = "CYCLE_DETECTED"
	CodeInvalidCombo       = "INVALID_TRADE_SYMBOL_COMBO"
	CodeInvalidCondition   = "INVALID_CONDITION"
	CodeInvalidAction      = "INVALID_TRADE_ACTION"
	CodeInvalidExpiry      = "INVALID_EXPIRY"
	CodeTooManyConditions  = "TOO_MANY_CONDITIONS"
	CodeUpstreamOnly       = "UPSTREAM_ONLY_ACTIVATION"
	CodeNotEligible        = "NOT_ELIGIBLE"
	CodeNotEditable        = "NOT_EDITABLE"
	CodeUnknownProduct     = "PRODUCT_NOT_IN_SYMBOLS"
	CodeUnsupportedMarket  = "UNSUPPORTED_MARKET"
	CodeVerificationFailed = "VERIFICATION_FAILED"
)

// ValidationError is a caller-fault error with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation builds a ValidationError.
func NewValidation(code, msg string) *ValidationError {
	return &ValidationError{Code: code, Message: msg}
}

// LockedError signals that a strategy is held by an execution lease.
type LockedError struct {
	StrategyID string
	LockUntil  time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("strategy %s is locked until %s", e.StrategyID, e.LockUntil.UTC().Format(time.RFC3339))
}

// TransitionError signals a non-admissible state-machine edge.
type TransitionError struct {
	StrategyID string
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("strategy %s: transition %s -> %s is not admissible", e.StrategyID, e.From, e.To)
}
