// Package service holds the application services behind the HTTP API and the
// engine loops: strategy lifecycle management, contract resolution, and
// portfolio read models.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alanyoungcy/ibexd/internal/calendar"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
)

// Resolver resolves strategy product codes to gateway contracts, caching
// resolutions for the process lifetime, and quotes latest prices off the bar
// cache. It backs the monitor, executor, and chain activator.
type Resolver struct {
	gateway domain.Gateway
	cal     *calendar.Calendar
	cache   *marketdata.Cache

	mu       sync.Mutex
	resolved map[string]domain.Contract
}

// NewResolver builds a Resolver.
func NewResolver(gateway domain.Gateway, cal *calendar.Calendar, cache *marketdata.Cache) *Resolver {
	return &Resolver{
		gateway:  gateway,
		cal:      cal,
		cache:    cache,
		resolved: map[string]domain.Contract{},
	}
}

// ContractFor resolves the contract for one of the strategy's product codes.
func (r *Resolver) ContractFor(ctx context.Context, s *domain.Strategy, product string) (domain.Contract, error) {
	product = strings.ToUpper(strings.TrimSpace(product))
	secType := "STK"
	if s.TradeType.Futures() {
		secType = "FUT"
	}
	key := fmt.Sprintf("%s|%s|%s", product, secType, strings.ToUpper(s.Market))

	r.mu.Lock()
	if c, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	currency, err := r.cal.Currency(s.Market)
	if err != nil {
		return domain.Contract{}, err
	}
	c, err := r.gateway.ResolveContract(ctx, product, secType, s.Market, currency)
	if err != nil {
		return domain.Contract{}, err
	}

	r.mu.Lock()
	r.resolved[key] = c
	r.mu.Unlock()
	return c, nil
}

// LastPrice returns the latest 1m close for one of the strategy's products.
func (r *Resolver) LastPrice(ctx context.Context, s *domain.Strategy, product string) (float64, error) {
	contract, err := r.ContractFor(ctx, s, product)
	if err != nil {
		return 0, err
	}
	price, _, err := r.cache.LatestBasis(ctx, contract, "1m", domain.BasisClose)
	if err != nil {
		return 0, err
	}
	return price, nil
}
