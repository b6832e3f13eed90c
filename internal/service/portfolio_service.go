package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

const (
	summaryCacheKey   = "portfolio:summary"
	positionsCacheKey = "portfolio:positions"
)

// PortfolioService serves account and position read models off the gateway,
// with a short-TTL cache in front so API polling does not hammer the bridge.
type PortfolioService struct {
	gateway domain.Gateway
	cache   domain.SnapshotCache
	ttl     time.Duration
	logger  *slog.Logger
}

// NewPortfolioService builds a PortfolioService. cache may be nil, in which
// case every read goes to the gateway.
func NewPortfolioService(gateway domain.Gateway, cache domain.SnapshotCache, ttl time.Duration, logger *slog.Logger) *PortfolioService {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &PortfolioService{
		gateway: gateway,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "portfolio_service")),
	}
}

// Summary returns the account summary, cached for the configured TTL.
func (svc *PortfolioService) Summary(ctx context.Context) (domain.AccountSummary, error) {
	var cached domain.AccountSummary
	if svc.cache != nil {
		hit, err := svc.cache.Get(ctx, summaryCacheKey, &cached)
		if err != nil {
			svc.logger.WarnContext(ctx, "summary cache read failed", slog.Any("error", err))
		} else if hit {
			return cached, nil
		}
	}

	summary, err := svc.gateway.AccountSummary(ctx)
	if err != nil {
		return domain.AccountSummary{}, fmt.Errorf("portfolio_service: account summary: %w", err)
	}
	if summary.AsOf.IsZero() {
		summary.AsOf = time.Now().UTC()
	}
	if svc.cache != nil {
		if err := svc.cache.Set(ctx, summaryCacheKey, summary, svc.ttl); err != nil {
			svc.logger.WarnContext(ctx, "summary cache write failed", slog.Any("error", err))
		}
	}
	return summary, nil
}

// Positions returns open positions, optionally filtered by security type
// and/or symbol. Filters are applied after the cached fetch so every filter
// combination shares one gateway call.
func (svc *PortfolioService) Positions(ctx context.Context, secType, symbol string) ([]domain.Position, error) {
	var all []domain.Position
	hit := false
	if svc.cache != nil {
		var err error
		hit, err = svc.cache.Get(ctx, positionsCacheKey, &all)
		if err != nil {
			svc.logger.WarnContext(ctx, "positions cache read failed", slog.Any("error", err))
			hit = false
		}
	}
	if !hit {
		var err error
		all, err = svc.gateway.Positions(ctx)
		if err != nil {
			return nil, fmt.Errorf("portfolio_service: positions: %w", err)
		}
		if svc.cache != nil {
			if err := svc.cache.Set(ctx, positionsCacheKey, all, svc.ttl); err != nil {
				svc.logger.WarnContext(ctx, "positions cache write failed", slog.Any("error", err))
			}
		}
	}

	secType = strings.ToUpper(strings.TrimSpace(secType))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if secType == "" && symbol == "" {
		return all, nil
	}
	out := make([]domain.Position, 0, len(all))
	for _, p := range all {
		if secType != "" && !strings.EqualFold(p.Contract.SecType, secType) {
			continue
		}
		if symbol != "" && !strings.EqualFold(p.Contract.Symbol, symbol) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Invalidate drops the cached snapshots, used after fills so the next read
// reflects the new position.
func (svc *PortfolioService) Invalidate(ctx context.Context) {
	if svc.cache == nil {
		return
	}
	if err := svc.cache.Delete(ctx, summaryCacheKey); err != nil {
		svc.logger.WarnContext(ctx, "summary cache invalidate failed", slog.Any("error", err))
	}
	if err := svc.cache.Delete(ctx, positionsCacheKey); err != nil {
		svc.logger.WarnContext(ctx, "positions cache invalidate failed", slog.Any("error", err))
	}
}
