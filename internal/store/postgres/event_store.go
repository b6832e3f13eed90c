package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

var _ domain.EventStore = (*EventStore)(nil)

// Insert appends one timeline event and returns its id.
func (s *EventStore) Insert(ctx context.Context, ev *domain.StrategyEvent) (int64, error) {
	var detail []byte
	if ev.Detail != nil {
		var err error
		detail, err = json.Marshal(ev.Detail)
		if err != nil {
			return 0, fmt.Errorf("encode event detail: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO strategy_events (strategy_id, event_type, from_status, to_status, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		ev.StrategyID, string(ev.Type), string(ev.FromStatus), string(ev.ToStatus),
		ev.Message, detail,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert event %s/%s: %w", ev.StrategyID, ev.Type, err)
	}
	ev.ID = id
	return id, nil
}

// ListByStrategy returns the most recent events for a strategy in
// chronological order.
func (s *EventStore) ListByStrategy(ctx context.Context, strategyID string, limit int) ([]*domain.StrategyEvent, error) {
	query := `
		SELECT id, strategy_id, event_type, from_status, to_status, message, detail, created_at
		FROM strategy_events WHERE strategy_id = $1
		ORDER BY id DESC`
	args := []any{strategyID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []*domain.StrategyEvent
	for rows.Next() {
		var ev domain.StrategyEvent
		var typ, from, to string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &typ, &from, &to, &ev.Message, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.FromStatus = domain.Status(from)
		ev.ToStatus = domain.Status(to)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}

	// DESC + LIMIT picks the newest slice; flip back to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListRecent returns the newest events across all strategies in
// chronological order.
func (s *EventStore) ListRecent(ctx context.Context, limit int) ([]*domain.StrategyEvent, error) {
	query := `
		SELECT id, strategy_id, event_type, from_status, to_status, message, detail, created_at
		FROM strategy_events
		ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent events: %w", err)
	}
	defer rows.Close()

	var out []*domain.StrategyEvent
	for rows.Next() {
		var ev domain.StrategyEvent
		var typ, from, to string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.StrategyID, &typ, &from, &to, &ev.Message, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.FromStatus = domain.Status(from)
		ev.ToStatus = domain.Status(to)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode event detail: %w", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// InsertActivation records one downstream activation attempt. The unique
// (trigger_event_id, to_strategy_id) pair makes retried triggers idempotent.
func (s *EventStore) InsertActivation(ctx context.Context, a *domain.Activation) error {
	var snapshot, actx []byte
	var err error
	if a.MarketSnapshot != nil {
		if snapshot, err = json.Marshal(a.MarketSnapshot); err != nil {
			return fmt.Errorf("encode activation snapshot: %w", err)
		}
	}
	if a.Context != nil {
		if actx, err = json.Marshal(a.Context); err != nil {
			return fmt.Errorf("encode activation context: %w", err)
		}
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO strategy_activations
			(trigger_event_id, from_strategy_id, to_strategy_id, outcome, note,
			 effective_activated_at, market_snapshot, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		a.TriggerEventID, a.FromStrategyID, a.ToStrategyID, a.Outcome, a.Note,
		a.EffectiveActivatedAt, snapshot, actx,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert activation %d->%s: %w", a.TriggerEventID, a.ToStrategyID, err)
	}
	return nil
}

// ListActivations returns activations where the strategy is either side of
// the edge, oldest first.
func (s *EventStore) ListActivations(ctx context.Context, strategyID string) ([]*domain.Activation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trigger_event_id, from_strategy_id, to_strategy_id, outcome, note,
		       effective_activated_at, market_snapshot, context, created_at
		FROM strategy_activations
		WHERE from_strategy_id = $1 OR to_strategy_id = $1
		ORDER BY id ASC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activations %s: %w", strategyID, err)
	}
	defer rows.Close()

	var out []*domain.Activation
	for rows.Next() {
		var a domain.Activation
		var snapshot, actx []byte
		if err := rows.Scan(&a.ID, &a.TriggerEventID, &a.FromStrategyID, &a.ToStrategyID, &a.Outcome, &a.Note,
			&a.EffectiveActivatedAt, &snapshot, &actx, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan activation: %w", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &a.MarketSnapshot); err != nil {
				return nil, fmt.Errorf("decode activation snapshot: %w", err)
			}
		}
		if len(actx) > 0 {
			if err := json.Unmarshal(actx, &a.Context); err != nil {
				return nil, fmt.Errorf("decode activation context: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
