// Package chain implements strategy chaining: acyclicity validation of
// next_strategy_id references and at-most-once downstream activation on
// upstream triggers.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// ValidateNoCycle walks next_strategy_id edges forward from nextID and
// rejects when the walk reaches fromID or revisits any id. Call it before
// persisting any write that sets fromID.next = nextID.
func ValidateNoCycle(ctx context.Context, store domain.StrategyStore, fromID, nextID string, maxDepth int) error {
	fromID = domain.NormalizeStrategyID(fromID)
	nextID = domain.NormalizeStrategyID(nextID)
	if nextID == "" {
		return nil
	}
	if nextID == fromID {
		return domain.NewValidation(domain.CodeCycleDetected, "next_strategy_id must not reference the strategy itself")
	}
	if maxDepth <= 0 {
		maxDepth = 64
	}

	seen := map[string]bool{fromID: true}
	cursor := nextID
	for depth := 0; cursor != ""; depth++ {
		if depth >= maxDepth {
			return domain.NewValidation(domain.CodeCycleDetected,
				fmt.Sprintf("chain from %s exceeds maximum depth %d", fromID, maxDepth))
		}
		if seen[cursor] {
			return domain.NewValidation(domain.CodeCycleDetected,
				fmt.Sprintf("setting next_strategy_id=%s on %s creates a cycle at %s", nextID, fromID, cursor))
		}
		seen[cursor] = true

		s, err := store.Get(ctx, cursor)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NewValidation(domain.CodeCycleDetected,
					fmt.Sprintf("next_strategy_id chain references unknown strategy %s", cursor))
			}
			return err
		}
		cursor = domain.NormalizeStrategyID(s.NextStrategyID)
	}
	return nil
}
