package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// RunStore implements domain.RunStore using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a RunStore backed by the given pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

var _ domain.RunStore = (*RunStore)(nil)

// Insert appends one monitoring pass record.
func (s *RunStore) Insert(ctx context.Context, run *domain.StrategyRun) error {
	var conditions []byte
	if len(run.Conditions) > 0 {
		var err error
		conditions, err = json.Marshal(run.Conditions)
		if err != nil {
			return fmt.Errorf("encode run conditions: %w", err)
		}
	}

	var dataEnds []byte
	if len(run.LastDataEndAt) > 0 {
		var err error
		dataEnds, err = json.Marshal(run.LastDataEndAt)
		if err != nil {
			return fmt.Errorf("encode run data ends: %w", err)
		}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO strategy_runs
			(strategy_id, run_count, outcome, conditions, condition_met, decision_reason, error,
			 first_evaluated_at, last_data_end_at, suggested_next_monitor_at, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		run.StrategyID, run.RunCount, string(run.Outcome), conditions, run.ConditionMet,
		run.DecisionReason, run.Error, run.FirstEvaluatedAt, dataEnds,
		run.SuggestedNextMonitorAt, run.StartedAt, run.Duration.Milliseconds(),
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert run %s: %w", run.StrategyID, err)
	}
	return nil
}

// ListByStrategy returns the most recent runs for a strategy in
// chronological order.
func (s *RunStore) ListByStrategy(ctx context.Context, strategyID string, limit int) ([]*domain.StrategyRun, error) {
	query := `
		SELECT id, strategy_id, run_count, outcome, conditions, condition_met, decision_reason, error,
		       first_evaluated_at, last_data_end_at, suggested_next_monitor_at, started_at, duration_ms
		FROM strategy_runs WHERE strategy_id = $1
		ORDER BY id DESC`
	args := []any{strategyID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []*domain.StrategyRun
	for rows.Next() {
		var run domain.StrategyRun
		var outcome string
		var conditions, dataEnds []byte
		var durationMS int64
		if err := rows.Scan(&run.ID, &run.StrategyID, &run.RunCount, &outcome, &conditions, &run.ConditionMet,
			&run.DecisionReason, &run.Error, &run.FirstEvaluatedAt, &dataEnds,
			&run.SuggestedNextMonitorAt, &run.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		run.Outcome = domain.RunOutcome(outcome)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &run.Conditions); err != nil {
				return nil, fmt.Errorf("decode run conditions: %w", err)
			}
		}
		if len(dataEnds) > 0 {
			if err := json.Unmarshal(dataEnds, &run.LastDataEndAt); err != nil {
				return nil, fmt.Errorf("decode run data ends: %w", err)
			}
		}
		out = append(out, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
