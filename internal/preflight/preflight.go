// Package preflight implements the VERIFYING gate: the checks a strategy must
// pass between activation request and ACTIVE.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/ibexd/internal/calendar"
	"github.com/alanyoungcy/ibexd/internal/domain"
)

// Options tune the preflight checks.
type Options struct {
	// MinAvailableFunds rejects activation when the account snapshot shows
	// less available cash. Zero disables the check.
	MinAvailableFunds float64
}

// Checker verifies gateway reachability, market support, contract
// resolvability, and account health before a strategy goes ACTIVE.
type Checker struct {
	gateway domain.Gateway
	cal     *calendar.Calendar
	opts    Options
	logger  *slog.Logger
}

// New builds a Checker.
func New(gateway domain.Gateway, cal *calendar.Calendar, opts Options, logger *slog.Logger) *Checker {
	return &Checker{
		gateway: gateway,
		cal:     cal,
		opts:    opts,
		logger:  logger.With(slog.String("component", "preflight")),
	}
}

// Check runs all preflight gates and returns the first failure.
func (c *Checker) Check(ctx context.Context, s *domain.Strategy) error {
	if err := c.gateway.HealthCheck(ctx); err != nil {
		return fmt.Errorf("gateway unavailable: %w", err)
	}

	if !c.cal.Supported(s.Market) {
		return domain.NewValidation(domain.CodeUnsupportedMarket, fmt.Sprintf("market %q is not configured", s.Market))
	}
	currency, err := c.cal.Currency(s.Market)
	if err != nil {
		return err
	}
	if s.Currency != "" && !strings.EqualFold(s.Currency, currency) {
		return domain.NewValidation(domain.CodeUnsupportedMarket,
			fmt.Sprintf("strategy currency %s does not match market currency %s", s.Currency, currency))
	}

	secType := "STK"
	if s.TradeType.Futures() {
		secType = "FUT"
	}
	for _, sym := range s.Symbols {
		if _, err := c.gateway.ResolveContract(ctx, sym.Code, secType, s.Market, currency); err != nil {
			return fmt.Errorf("resolve contract %s: %w", sym.Code, err)
		}
	}

	if c.opts.MinAvailableFunds > 0 {
		summary, err := c.gateway.AccountSummary(ctx)
		if err != nil {
			return fmt.Errorf("account summary: %w", err)
		}
		if summary.AvailableFunds < c.opts.MinAvailableFunds {
			return domain.NewValidation(domain.CodeVerificationFailed,
				fmt.Sprintf("available funds %.2f below minimum %.2f", summary.AvailableFunds, c.opts.MinAvailableFunds))
		}
	}

	c.logger.Debug("preflight passed", slog.String("strategy_id", s.ID))
	return nil
}
