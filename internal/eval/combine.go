package eval

import "github.com/alanyoungcy/ibexd/internal/domain"

// Combine folds per-condition states with the strategy's logic. AND
// short-circuits on FALSE and OR on TRUE; WAITING is neither true nor false
// and propagates unless the logic already decided.
func Combine(logic domain.ConditionLogic, states []domain.ConditionState) domain.ConditionState {
	if len(states) == 0 {
		return domain.StateNotEvaluated
	}
	waiting := false
	switch logic {
	case domain.LogicOr:
		for _, s := range states {
			switch s {
			case domain.StateTrue:
				return domain.StateTrue
			case domain.StateWaiting, domain.StateNotEvaluated:
				waiting = true
			}
		}
		if waiting {
			return domain.StateWaiting
		}
		return domain.StateFalse
	default: // AND
		for _, s := range states {
			switch s {
			case domain.StateFalse:
				return domain.StateFalse
			case domain.StateWaiting, domain.StateNotEvaluated:
				waiting = true
			}
		}
		if waiting {
			return domain.StateWaiting
		}
		return domain.StateTrue
	}
}
