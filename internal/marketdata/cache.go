package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/rules"
)

// Cache serves rolling-window bar reads. It computes the uncached sub-ranges
// of each request, fetches them from the gateway in page-sized slices,
// persists the results, and returns the merged series plus assembly metadata.
type Cache struct {
	store    domain.BarStore
	gateway  domain.Gateway
	logger   *slog.Logger
	pageSize int

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewCache builds a Cache. pageSize bounds how many bars one gateway fetch
// may request.
func NewCache(store domain.BarStore, gateway domain.Gateway, pageSize int, logger *slog.Logger) *Cache {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Cache{
		store:    store,
		gateway:  gateway,
		logger:   logger.With(slog.String("component", "marketdata")),
		pageSize: pageSize,
		keyLocks: map[string]*sync.Mutex{},
		now:      time.Now,
	}
}

// lockKey serializes gap-fills per cache key so concurrent workers reading
// the same series do not issue duplicate gateway fetches or clobber each
// other's coverage metadata.
func (c *Cache) lockKey(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLocks[key] = l
	}
	return l
}

// GetBars serves one rolling-window read.
func (c *Cache) GetBars(ctx context.Context, req domain.BarsRequest) (*domain.BarsResult, error) {
	if !req.End.After(req.Start) {
		return nil, domain.NewValidation(domain.CodeInvalidCondition,
			fmt.Sprintf("bars request end %s must be after start %s", req.End.UTC().Format(time.RFC3339), req.Start.UTC().Format(time.RFC3339)))
	}
	barDur, err := rules.WindowDuration(req.BarSize)
	if err != nil {
		return nil, err
	}

	key := req.Contract.CacheKey(req.BarSize, req.WhatToShow, req.RTH)
	start := req.Start.UTC().Truncate(barDur)
	end := req.End.UTC()

	l := c.lockKey(key)
	l.Lock()
	defer l.Unlock()

	covered, err := c.store.GetCoverage(ctx, key)
	if err != nil {
		return nil, err
	}

	gaps := missingSegments(start, end, covered)
	meta := domain.BarsMeta{}
	if len(gaps) > 0 {
		meta.HasGaps = true
		for _, page := range splitByPageSize(gaps, barDur, c.pageSize) {
			bars, err := c.gateway.FetchBars(ctx, req.Contract, req.BarSize, req.WhatToShow, req.RTH, page.Start, page.End)
			if err != nil {
				return nil, fmt.Errorf("marketdata: fetch %s [%s, %s): %w",
					key, page.Start.Format(time.RFC3339), page.End.Format(time.RFC3339), err)
			}
			if err := c.store.UpsertBars(ctx, key, bars); err != nil {
				return nil, err
			}
			meta.Fetched = append(meta.Fetched, page)
			c.logger.Debug("fetched bars",
				slog.String("cache_key", key),
				slog.Time("start", page.Start),
				slog.Time("end", page.End),
				slog.Int("bars", len(bars)))
		}
		covered = mergeSegments(append(covered, meta.Fetched...))
		if err := c.store.PutCoverage(ctx, key, covered); err != nil {
			return nil, err
		}
	}
	meta.Covered = covered
	if span := end.Sub(start); span > 0 {
		hit := span
		for _, f := range meta.Fetched {
			hit -= f.End.Sub(f.Start)
		}
		meta.CacheHitRatio = float64(hit) / float64(span)
	}

	bars, err := c.store.GetBars(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })

	if !req.IncludePartial {
		now := c.now().UTC()
		trimmed := bars[:0]
		for _, b := range bars {
			if !b.TS.Add(barDur).After(now) {
				trimmed = append(trimmed, b)
			}
		}
		bars = trimmed
	}

	if req.MaxBars > 0 && len(bars) > req.MaxBars {
		bars = bars[len(bars)-req.MaxBars:]
		meta.Truncated = true
	}

	return &domain.BarsResult{Bars: bars, Meta: meta}, nil
}

// LatestBasis returns the newest complete bar's basis value for a contract,
// used for anchor snapshots and mid-price seeding.
func (c *Cache) LatestBasis(ctx context.Context, contract domain.Contract, barSize string, basis domain.PriceBasis) (float64, time.Time, error) {
	now := c.now().UTC()
	barDur, err := rules.WindowDuration(barSize)
	if err != nil {
		return 0, time.Time{}, err
	}
	res, err := c.GetBars(ctx, domain.BarsRequest{
		Contract:   contract,
		BarSize:    barSize,
		WhatToShow: "TRADES",
		Start:      now.Add(-10 * barDur),
		End:        now,
		MaxBars:    1,
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res.Bars) == 0 {
		return 0, time.Time{}, fmt.Errorf("marketdata: no complete bars for %s", contract.Symbol)
	}
	last := res.Bars[len(res.Bars)-1]
	return last.Value(basis), last.TS, nil
}

// ExtremaBetween returns the highest high and lowest low over [start, end),
// used to back-fill since-activation extrema across a chain-activation gap.
func (c *Cache) ExtremaBetween(ctx context.Context, contract domain.Contract, barSize string, start, end time.Time) (high, low float64, err error) {
	res, err := c.GetBars(ctx, domain.BarsRequest{
		Contract:   contract,
		BarSize:    barSize,
		WhatToShow: "TRADES",
		Start:      start,
		End:        end,
	})
	if err != nil {
		return 0, 0, err
	}
	if len(res.Bars) == 0 {
		return 0, 0, fmt.Errorf("marketdata: no bars in [%s, %s) for %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339), contract.Symbol)
	}
	high = res.Bars[0].High
	low = res.Bars[0].Low
	for _, b := range res.Bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low, nil
}

// Prune deletes cached bars older than the retention horizon.
func (c *Cache) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := c.now().UTC().Add(-retention)
	n, err := c.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("pruned cached bars", slog.Int64("rows", n), slog.Time("cutoff", cutoff))
	}
	return nil
}
