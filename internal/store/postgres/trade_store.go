package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ domain.TradeStore = (*TradeStore)(nil)

// CreateInstruction inserts the user-visible trade projection.
func (s *TradeStore) CreateInstruction(ctx context.Context, ti *domain.TradeInstruction) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trade_instructions (trade_id, strategy_id, instruction_summary, status, expire_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING updated_at`,
		ti.TradeID, ti.StrategyID, ti.InstructionSummary, string(ti.Status), ti.ExpireAt,
	).Scan(&ti.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create instruction %s: %w", ti.TradeID, err)
	}
	return nil
}

// UpdateInstructionStatus moves the instruction to a new status.
func (s *TradeStore) UpdateInstructionStatus(ctx context.Context, tradeID string, status domain.OrderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_instructions SET status = $1, updated_at = NOW() WHERE trade_id = $2`,
		string(status), tradeID)
	if err != nil {
		return fmt.Errorf("postgres: update instruction %s: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const instructionSelectCols = `trade_id, strategy_id, instruction_summary, status, expire_at, updated_at`

func scanInstructionFromRow(
	scanner interface{ Scan(dest ...any) error },
) (*domain.TradeInstruction, error) {
	var ti domain.TradeInstruction
	var status string
	err := scanner.Scan(&ti.TradeID, &ti.StrategyID, &ti.InstructionSummary, &status, &ti.ExpireAt, &ti.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ti.Status = domain.OrderStatus(status)
	return &ti, nil
}

// GetInstruction retrieves one trade instruction.
func (s *TradeStore) GetInstruction(ctx context.Context, tradeID string) (*domain.TradeInstruction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instructionSelectCols+` FROM trade_instructions WHERE trade_id = $1`, tradeID)
	ti, err := scanInstructionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get instruction %s: %w", tradeID, err)
	}
	return ti, nil
}

// ListInstructions returns instructions matching opts, newest first.
func (s *TradeStore) ListInstructions(ctx context.Context, opts domain.ListOpts) ([]*domain.TradeInstruction, error) {
	query := `SELECT ` + instructionSelectCols + ` FROM trade_instructions WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.StrategyID != "" {
		query += fmt.Sprintf(" AND strategy_id = $%d", argIdx)
		args = append(args, opts.StrategyID)
		argIdx++
	}

	query += " ORDER BY updated_at DESC"

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
		return nil, fmt.Errorf("postgres: list instructions: %w", err)
	}
	defer rows.Close()

	var out []*domain.TradeInstruction
	for rows.Next() {
		ti, err := scanInstructionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan instruction: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

const orderSelectCols = `trade_id, leg, strategy_id, gateway_order_id, symbol, side, order_type,
	quantity, limit_price, tif, allow_overnight, status, filled_qty, avg_fill_price,
	payload, created_at, updated_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (*domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	err := scanner.Scan(
		&o.TradeID, &o.Leg, &o.StrategyID, &o.GatewayOrderID, &o.Symbol, &side, &orderType,
		&o.Quantity, &o.LimitPrice, &o.TIF, &o.AllowOvernight, &status, &o.FilledQty, &o.AvgFillPrice,
		&o.Payload, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.OrderType = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func scanOrderRows(rows pgx.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertOrder inserts one order leg.
func (s *TradeStore) InsertOrder(ctx context.Context, o *domain.Order) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO orders (
			trade_id, leg, strategy_id, gateway_order_id, symbol, side, order_type,
			quantity, limit_price, tif, allow_overnight, status, filled_qty, avg_fill_price, payload
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14, $15
		) RETURNING created_at, updated_at`,
		o.TradeID, o.Leg, o.StrategyID, o.GatewayOrderID, o.Symbol, string(o.Side), string(o.OrderType),
		o.Quantity, o.LimitPrice, o.TIF, o.AllowOvernight, string(o.Status), o.FilledQty, o.AvgFillPrice, o.Payload,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert order %s/%d: %w", o.TradeID, o.Leg, err)
	}
	return nil
}

// UpdateOrder persists the mutable fields of an order leg.
func (s *TradeStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET
			gateway_order_id = $1, status = $2, filled_qty = $3, avg_fill_price = $4,
			updated_at = NOW()
		WHERE trade_id = $5 AND leg = $6`,
		o.GatewayOrderID, string(o.Status), o.FilledQty, o.AvgFillPrice,
		o.TradeID, o.Leg)
	if err != nil {
		return fmt.Errorf("postgres: update order %s/%d: %w", o.TradeID, o.Leg, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetOrders returns all legs of one trade, ordered by leg.
func (s *TradeStore) GetOrders(ctx context.Context, tradeID string) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE trade_id = $1 ORDER BY leg ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get orders %s: %w", tradeID, err)
	}
	defer rows.Close()

	out, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders %s: %w", tradeID, err)
	}
	return out, nil
}

// GetOrderByGatewayID resolves the order carrying a gateway order id.
func (s *TradeStore) GetOrderByGatewayID(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE gateway_order_id = $1 AND gateway_order_id <> ''`,
		gatewayOrderID)
	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get order by gateway id %s: %w", gatewayOrderID, err)
	}
	return o, nil
}

// ListOpenOrders returns every order not yet in a terminal status.
func (s *TradeStore) ListOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderSelectCols+` FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'FAILED', 'EXPIRED')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	out, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return out, nil
}

// InsertVerification appends one pre-trade rule evaluation.
func (s *TradeStore) InsertVerification(ctx context.Context, ev *domain.VerificationEvent) error {
	var snapshot []byte
	if ev.Snapshot != nil {
		var err error
		snapshot, err = json.Marshal(ev.Snapshot)
		if err != nil {
			return fmt.Errorf("encode verification snapshot: %w", err)
		}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO verification_events (trade_id, rule_id, rule_version, passed, reason, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		ev.TradeID, ev.RuleID, ev.RuleVersion, ev.Passed, ev.Reason, snapshot,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert verification %s/%s: %w", ev.TradeID, ev.RuleID, err)
	}
	return nil
}

// ListVerifications returns the rule evaluations for one trade in evaluation
// order.
func (s *TradeStore) ListVerifications(ctx context.Context, tradeID string) ([]*domain.VerificationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, rule_id, rule_version, passed, reason, snapshot, created_at
		FROM verification_events WHERE trade_id = $1 ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list verifications %s: %w", tradeID, err)
	}
	defer rows.Close()

	var out []*domain.VerificationEvent
	for rows.Next() {
		var ev domain.VerificationEvent
		var snapshot []byte
		if err := rows.Scan(&ev.TradeID, &ev.RuleID, &ev.RuleVersion, &ev.Passed, &ev.Reason, &snapshot, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan verification: %w", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &ev.Snapshot); err != nil {
				return nil, fmt.Errorf("decode verification snapshot: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// InsertLog appends one trade log line. A zero timestamp defaults to NOW().
func (s *TradeStore) InsertLog(ctx context.Context, l *domain.TradeLog) error {
	if l.Timestamp.IsZero() {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO trade_logs (strategy_id, trade_id, stage, result, detail)
			VALUES ($1, $2, $3, $4, $5)`,
			l.StrategyID, l.TradeID, l.Stage, l.Result, l.Detail)
		if err != nil {
			return fmt.Errorf("postgres: insert trade log: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trade_logs (ts, strategy_id, trade_id, stage, result, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.Timestamp, l.StrategyID, l.TradeID, l.Stage, l.Result, l.Detail)
	if err != nil {
		return fmt.Errorf("postgres: insert trade log: %w", err)
	}
	return nil
}

// ListLogs returns the most recent trade logs in chronological order,
// optionally scoped to one strategy.
func (s *TradeStore) ListLogs(ctx context.Context, strategyID string, limit int) ([]*domain.TradeLog, error) {
	query := `SELECT ts, strategy_id, trade_id, stage, result, detail FROM trade_logs`
	args := []any{}
	argIdx := 1
	if strategyID != "" {
		query += fmt.Sprintf(" WHERE strategy_id = $%d", argIdx)
		args = append(args, strategyID)
		argIdx++
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.TradeLog
	for rows.Next() {
		var l domain.TradeLog
		if err := rows.Scan(&l.Timestamp, &l.StrategyID, &l.TradeID, &l.Stage, &l.Result, &l.Detail); err != nil {
			return nil, fmt.Errorf("postgres: scan trade log: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DESC + LIMIT picks the newest slice; flip back to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
