package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewStrategyID returns a fresh short strategy id, e.g. "S-3FA2B1".
func NewStrategyID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "S-" + strings.ToUpper(raw[:6])
}

// NewTradeID returns a fresh trade id, e.g. "T-9C1D22AB04".
func NewTradeID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "T-" + strings.ToUpper(raw[:10])
}

// ConditionID returns the canonical id for the idx-th condition (one-based).
func ConditionID(idx int) string {
	return fmt.Sprintf("c%d", idx)
}
