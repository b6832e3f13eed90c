package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// BarStore implements domain.BarStore using PostgreSQL.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore creates a BarStore backed by the given pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

var _ domain.BarStore = (*BarStore)(nil)

// UpsertBars writes bars for one cache key, replacing rows that share a
// timestamp.
func (s *BarStore) UpsertBars(ctx context.Context, cacheKey string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(`
			INSERT INTO market_bars (cache_key, ts, open, high, low, close, volume, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (cache_key, ts) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume, amount = EXCLUDED.amount`,
			cacheKey, b.TS, b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert bars %s: %w", cacheKey, err)
		}
	}
	return nil
}

// GetBars returns the cached bars for [start, end) ordered by timestamp.
func (s *BarStore) GetBars(ctx context.Context, cacheKey string, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, open, high, low, close, volume, amount
		FROM market_bars
		WHERE cache_key = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC`,
		cacheKey, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: get bars %s: %w", cacheKey, err)
	}
	defer rows.Close()

	var out []domain.Bar
	for rows.Next() {
		var b domain.Bar
		if err := rows.Scan(&b.TS, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount); err != nil {
			return nil, fmt.Errorf("postgres: scan bar: %w", err)
		}
		b.TS = b.TS.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetCoverage returns the covered segments recorded for one cache key.
func (s *BarStore) GetCoverage(ctx context.Context, cacheKey string) ([]domain.Segment, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT segments FROM market_coverage WHERE cache_key = $1`, cacheKey,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get coverage %s: %w", cacheKey, err)
	}

	var segs []domain.Segment
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &segs); err != nil {
			return nil, fmt.Errorf("decode coverage segments: %w", err)
		}
	}
	return segs, nil
}

// PutCoverage replaces the covered segments for one cache key.
func (s *BarStore) PutCoverage(ctx context.Context, cacheKey string, segs []domain.Segment) error {
	raw, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("encode coverage segments: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO market_coverage (cache_key, segments, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (cache_key) DO UPDATE
		SET segments = EXCLUDED.segments, updated_at = NOW()`,
		cacheKey, raw)
	if err != nil {
		return fmt.Errorf("postgres: put coverage %s: %w", cacheKey, err)
	}
	return nil
}

// PruneBefore deletes bars older than cutoff and clamps coverage segments so
// they never claim pruned data.
func (s *BarStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM market_bars WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune bars: %w", err)
	}
	pruned := tag.RowsAffected()

	rows, err := s.pool.Query(ctx, `SELECT cache_key, segments FROM market_coverage`)
	if err != nil {
		return pruned, fmt.Errorf("postgres: load coverage for prune: %w", err)
	}
	type entry struct {
		key  string
		segs []domain.Segment
	}
	var updates []entry
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return pruned, fmt.Errorf("postgres: scan coverage: %w", err)
		}
		var segs []domain.Segment
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &segs); err != nil {
				rows.Close()
				return pruned, fmt.Errorf("decode coverage segments: %w", err)
			}
		}
		clamped, changed := clampSegments(segs, cutoff)
		if changed {
			updates = append(updates, entry{key: key, segs: clamped})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pruned, err
	}

	for _, u := range updates {
		if err := s.PutCoverage(ctx, u.key, u.segs); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

// clampSegments drops segments that end at or before cutoff and moves the
// start of straddling segments up to cutoff.
func clampSegments(segs []domain.Segment, cutoff time.Time) ([]domain.Segment, bool) {
	var out []domain.Segment
	changed := false
	for _, seg := range segs {
		if !seg.End.After(cutoff) {
			changed = true
			continue
		}
		if seg.Start.Before(cutoff) {
			seg.Start = cutoff
			changed = true
		}
		out = append(out, seg)
	}
	return out, changed
}
