package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// pgErrUniqueViolation is the Postgres error code for unique_violation.
const pgErrUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

var _ domain.StrategyStore = (*StrategyStore)(nil)

const strategySelectCols = `id, idempotency_key, description, market, trade_type, currency,
	symbols, upstream_only_activation, expire_mode, expire_in_seconds, expire_at,
	status, condition_logic, conditions, trade_action,
	next_strategy_id, next_strategy_note, upstream_strategy_id,
	anchor_price, activated_at, logical_activated_at, lock_until,
	is_deleted, deleted_at, created_at, updated_at, version`

func scanStrategyFromRow(
	scanner interface{ Scan(dest ...any) error },
) (*domain.Strategy, error) {
	var s domain.Strategy
	var tradeType, expireMode, status, logic string
	var symbolsJSON, conditionsJSON []byte
	var actionJSON []byte

	err := scanner.Scan(
		&s.ID, &s.IdempotencyKey, &s.Description, &s.Market, &tradeType, &s.Currency,
		&symbolsJSON, &s.UpstreamOnlyActivation, &expireMode, &s.ExpireInSeconds, &s.ExpireAt,
		&status, &logic, &conditionsJSON, &actionJSON,
		&s.NextStrategyID, &s.NextStrategyNote, &s.UpstreamStrategyID,
		&s.AnchorPrice, &s.ActivatedAt, &s.LogicalActivatedAt, &s.LockUntil,
		&s.IsDeleted, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	s.TradeType = domain.TradeType(tradeType)
	s.ExpireMode = domain.ExpireMode(expireMode)
	s.Status = domain.Status(status)
	s.ConditionLogic = domain.ConditionLogic(logic)

	if len(symbolsJSON) > 0 {
		if err := json.Unmarshal(symbolsJSON, &s.Symbols); err != nil {
			return nil, fmt.Errorf("decode symbols: %w", err)
		}
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &s.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if len(actionJSON) > 0 {
		s.TradeAction = &domain.TradeAction{}
		if err := json.Unmarshal(actionJSON, s.TradeAction); err != nil {
			return nil, fmt.Errorf("decode trade_action: %w", err)
		}
	}
	return &s, nil
}

func scanStrategyRows(rows pgx.Rows) ([]*domain.Strategy, error) {
	var out []*domain.Strategy
	for rows.Next() {
		s, err := scanStrategyFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeStrategyJSON(s *domain.Strategy) (symbols, conditions, action []byte, err error) {
	symbols, err = json.Marshal(s.Symbols)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode symbols: %w", err)
	}
	conditions, err = json.Marshal(s.Conditions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	if s.TradeAction != nil {
		action, err = json.Marshal(s.TradeAction)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode trade_action: %w", err)
		}
	}
	return symbols, conditions, action, nil
}

// Create inserts a new strategy row.
func (s *StrategyStore) Create(ctx context.Context, st *domain.Strategy) error {
	st.ID = domain.NormalizeStrategyID(st.ID)
	if st.Version == 0 {
		st.Version = 1
	}
	symbols, conditions, action, err := encodeStrategyJSON(st)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO strategies (
			id, idempotency_key, description, market, trade_type, currency,
			symbols, upstream_only_activation, expire_mode, expire_in_seconds, expire_at,
			status, condition_logic, conditions, trade_action,
			next_strategy_id, next_strategy_note, upstream_strategy_id,
			anchor_price, activated_at, logical_activated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21, $22
		) RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		st.ID, st.IdempotencyKey, st.Description, st.Market, string(st.TradeType), st.Currency,
		symbols, st.UpstreamOnlyActivation, string(st.ExpireMode), st.ExpireInSeconds, st.ExpireAt,
		string(st.Status), string(st.ConditionLogic), conditions, action,
		st.NextStrategyID, st.NextStrategyNote, st.UpstreamStrategyID,
		st.AnchorPrice, st.ActivatedAt, st.LogicalActivatedAt, st.Version,
	).Scan(&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create strategy %s: %w", st.ID, err)
	}
	return nil
}

// GetByIdempotencyKey retrieves the strategy created under the given key.
func (s *StrategyStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE idempotency_key = $1 AND idempotency_key <> ''`, key)
	st, err := scanStrategyFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get strategy by idempotency key: %w", err)
	}
	return st, nil
}

// Get retrieves a single strategy by id, excluding soft-deleted rows.
func (s *StrategyStore) Get(ctx context.Context, id string) (*domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1 AND NOT is_deleted`,
		domain.NormalizeStrategyID(id))
	st, err := scanStrategyFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return st, nil
}

// List returns strategies matching opts, oldest first.
func (s *StrategyStore) List(ctx context.Context, opts domain.ListOpts) ([]*domain.Strategy, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies WHERE NOT is_deleted`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Market != "" {
		query += fmt.Sprintf(" AND UPPER(market) = UPPER($%d)", argIdx)
		args = append(args, opts.Market)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	out, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan strategies: %w", err)
	}
	return out, nil
}

// Update persists st iff the stored row still carries st.Version, then bumps
// the version. Returns ErrConflict when the CAS fails.
func (s *StrategyStore) Update(ctx context.Context, st *domain.Strategy) error {
	symbols, conditions, action, err := encodeStrategyJSON(st)
	if err != nil {
		return err
	}

	const query = `
		UPDATE strategies SET
			description = $1, symbols = $2, expire_mode = $3, expire_in_seconds = $4,
			expire_at = $5, status = $6, condition_logic = $7, conditions = $8,
			trade_action = $9, next_strategy_id = $10, next_strategy_note = $11,
			upstream_strategy_id = $12, anchor_price = $13, activated_at = $14,
			logical_activated_at = $15,
			version = version + 1, updated_at = NOW()
		WHERE id = $16 AND version = $17 AND NOT is_deleted`

	tag, err := s.pool.Exec(ctx, query,
		st.Description, symbols, string(st.ExpireMode), st.ExpireInSeconds,
		st.ExpireAt, string(st.Status), string(st.ConditionLogic), conditions,
		action, st.NextStrategyID, st.NextStrategyNote,
		st.UpstreamStrategyID, st.AnchorPrice, st.ActivatedAt,
		st.LogicalActivatedAt,
		st.ID, st.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, st.ID); getErr != nil {
			return getErr
		}
		return domain.ErrConflict
	}
	return nil
}

// Transition moves id from->to iff the row is currently at (from, version).
func (s *StrategyStore) Transition(ctx context.Context, id string, from, to domain.Status, version int64, _ string) (*domain.Strategy, error) {
	id = domain.NormalizeStrategyID(id)
	if !from.CanTransition(to) {
		return nil, &domain.TransitionError{StrategyID: id, From: from, To: to}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE strategies SET
			status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND version = $4 AND NOT is_deleted
		RETURNING `+strategySelectCols,
		string(to), id, string(from), version,
	)
	st, err := scanStrategyFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("postgres: transition strategy %s: %w", id, err)
	}
	return st, nil
}

// SoftDelete marks the strategy deleted without removing its history.
func (s *StrategyStore) SoftDelete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE strategies SET is_deleted = TRUE, deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`,
		domain.NormalizeStrategyID(id))
	if err != nil {
		return fmt.Errorf("postgres: soft delete strategy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimLease atomically takes the execution lease until the given instant.
func (s *StrategyStore) ClaimLease(ctx context.Context, id string, until time.Time) (*domain.Strategy, error) {
	id = domain.NormalizeStrategyID(id)
	row := s.pool.QueryRow(ctx, `
		UPDATE strategies SET lock_until = $1
		WHERE id = $2 AND NOT is_deleted
		  AND (lock_until IS NULL OR lock_until < NOW())
		RETURNING `+strategySelectCols,
		until, id,
	)
	st, err := scanStrategyFromRow(row)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: claim lease %s: %w", id, err)
	}

	// Distinguish a missing row from one whose lease is held elsewhere.
	cur, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if cur.LockUntil != nil {
		return nil, &domain.LockedError{StrategyID: id, LockUntil: *cur.LockUntil}
	}
	return nil, domain.ErrConflict
}

// ReleaseLease drops the execution lease.
func (s *StrategyStore) ReleaseLease(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET lock_until = NULL WHERE id = $1`,
		domain.NormalizeStrategyID(id))
	if err != nil {
		return fmt.Errorf("postgres: release lease %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClearStaleLeases drops every lease that expired before now.
func (s *StrategyStore) ClearStaleLeases(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET lock_until = NULL
		 WHERE lock_until IS NOT NULL AND lock_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: clear stale leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSchedulable returns unleased ACTIVE strategies due for a monitoring
// pass.
func (s *StrategyStore) ListSchedulable(ctx context.Context, now time.Time, limit int) ([]*domain.Strategy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+strategySelectCols+` FROM strategies
		WHERE NOT is_deleted AND status = $1
		  AND (lock_until IS NULL OR lock_until <= $2)
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(domain.StatusActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list schedulable: %w", err)
	}
	defer rows.Close()

	out, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan schedulable: %w", err)
	}
	return out, nil
}

// ListExpirable returns non-terminal strategies whose expire_at has passed.
func (s *StrategyStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Strategy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+strategySelectCols+` FROM strategies
		WHERE NOT is_deleted
		  AND expire_at IS NOT NULL AND expire_at <= $1
		  AND status NOT IN ('FILLED', 'EXPIRED', 'CANCELLED', 'FAILED')
		ORDER BY expire_at ASC
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expirable: %w", err)
	}
	defer rows.Close()

	out, err := scanStrategyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expirable: %w", err)
	}
	return out, nil
}

// SetRuntimeState upserts the per-strategy scratch state.
func (s *StrategyStore) SetRuntimeState(ctx context.Context, st *domain.RuntimeState) error {
	vals, err := json.Marshal(st.Values)
	if err != nil {
		return fmt.Errorf("encode runtime values: %w", err)
	}
	times, err := json.Marshal(st.Times)
	if err != nil {
		return fmt.Errorf("encode runtime times: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO strategy_runtime_states (strategy_id, vals, times, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (strategy_id) DO UPDATE
		SET vals = EXCLUDED.vals, times = EXCLUDED.times, updated_at = NOW()`,
		st.StrategyID, vals, times)
	if err != nil {
		return fmt.Errorf("postgres: set runtime state %s: %w", st.StrategyID, err)
	}
	return nil
}

// GetRuntimeState loads the per-strategy scratch state.
func (s *StrategyStore) GetRuntimeState(ctx context.Context, strategyID string) (*domain.RuntimeState, error) {
	var st domain.RuntimeState
	var vals, times []byte
	err := s.pool.QueryRow(ctx, `
		SELECT strategy_id, vals, times, updated_at
		FROM strategy_runtime_states WHERE strategy_id = $1`,
		domain.NormalizeStrategyID(strategyID),
	).Scan(&st.StrategyID, &vals, &times, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get runtime state %s: %w", strategyID, err)
	}

	if len(vals) > 0 {
		if err := json.Unmarshal(vals, &st.Values); err != nil {
			return nil, fmt.Errorf("decode runtime values: %w", err)
		}
	}
	if st.Values == nil {
		st.Values = map[string]float64{}
	}
	if len(times) > 0 {
		if err := json.Unmarshal(times, &st.Times); err != nil {
			return nil, fmt.Errorf("decode runtime times: %w", err)
		}
	}
	return &st, nil
}
