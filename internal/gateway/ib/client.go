// Package ib implements domain.Gateway against the REST/WebSocket bridge in
// front of IB Gateway. REST covers contract resolution, bars, account state,
// and order management; the WebSocket stream delivers order updates.
package ib

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// Options configure the bridge client.
type Options struct {
	BaseURL    string
	WsURL      string
	APIKey     string
	Account    string
	Timeout    time.Duration
	MaxRetries int
}

// Client is the REST side of the bridge. Safe for concurrent use.
type Client struct {
	http    *resty.Client
	wsURL   string
	apiKey  string
	account string
	logger  *slog.Logger
}

// New creates a bridge client with retry on 5xx and transport errors.
func New(opts Options, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", opts.APIKey)

	return &Client{
		http:    httpClient,
		wsURL:   opts.WsURL,
		apiKey:  opts.APIKey,
		account: opts.Account,
		logger:  logger.With(slog.String("component", "ib_gateway")),
	}
}

var _ domain.Gateway = (*Client)(nil)

// HealthCheck verifies the bridge is up and authenticated to IB.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/health")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: health status %d: %s", domain.ErrGatewayUnavailable, resp.StatusCode(), resp.String())
	}
	return nil
}

// ResolveContract looks up the tradable contract for a symbol.
func (c *Client) ResolveContract(ctx context.Context, symbol, secType, market, currency string) (domain.Contract, error) {
	var result apiContract
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"sec_type": secType,
			"market":   market,
			"currency": currency,
		}).
		SetResult(&result).
		Get("/v1/contracts")
	if err != nil {
		return domain.Contract{}, fmt.Errorf("resolve contract: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.Contract{}, fmt.Errorf("resolve contract %s: %w", symbol, domain.ErrNotFound)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.Contract{}, fmt.Errorf("resolve contract %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result.toDomain(), nil
}

// FetchBars pulls historical bars for [start, end).
func (c *Client) FetchBars(ctx context.Context, contract domain.Contract, barSize, whatToShow string, rth bool, start, end time.Time) ([]domain.Bar, error) {
	var result barsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"conid":    strconv.FormatInt(contract.ContractID, 10),
			"bar_size": barSize,
			"what":     whatToShow,
			"rth":      strconv.FormatBool(rth),
			"start":    strconv.FormatInt(start.UnixMilli(), 10),
			"end":      strconv.FormatInt(end.UnixMilli(), 10),
		}).
		SetResult(&result).
		Get("/v1/bars")
	if err != nil {
		return nil, fmt.Errorf("fetch bars: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch bars conid=%d: status %d: %s", contract.ContractID, resp.StatusCode(), resp.String())
	}
	bars := make([]domain.Bar, 0, len(result.Bars))
	for i := range result.Bars {
		bars = append(bars, result.Bars[i].toDomain())
	}
	return bars, nil
}

// AccountSummary returns the account snapshot used by verification.
func (c *Client) AccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	var result accountSummaryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", c.account).
		SetResult(&result).
		Get("/v1/account/summary")
	if err != nil {
		return domain.AccountSummary{}, fmt.Errorf("account summary: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.AccountSummary{}, fmt.Errorf("account summary: status %d: %s", resp.StatusCode(), resp.String())
	}
	return domain.AccountSummary{
		Currency:       result.Currency,
		NetLiquidation: result.NetLiquidation,
		AvailableFunds: result.AvailableFunds,
		BuyingPower:    result.BuyingPower,
		InitMarginReq:  result.InitMarginReq,
		MaintMarginReq: result.MaintMarginReq,
		AsOf:           time.UnixMilli(result.AsOf).UTC(),
	}, nil
}

// Positions returns all open positions.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var result []apiPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", c.account).
		SetResult(&result).
		Get("/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	out := make([]domain.Position, 0, len(result))
	for i := range result {
		out = append(out, domain.Position{
			Contract: result[i].Contract.toDomain(),
			Quantity: result[i].Quantity,
			AvgCost:  result[i].AvgCost,
		})
	}
	return out, nil
}

// SubmitOrder places one order and returns the bridge's order id. The trade
// id and leg travel as the client_ref so the bridge can dedupe resubmits.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	payload := orderPayload{
		Account:    c.account,
		ConID:      req.Contract.ContractID,
		Side:       string(req.Side),
		OrderType:  string(req.OrderType),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		TIF:        req.TIF,
		OutsideRTH: req.AllowOvernight,
		ClientRef:  fmt.Sprintf("%s-%d", req.TradeID, req.Leg),
	}
	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("submit order rejected: %s", result.Message)
	}
	c.logger.Info("order submitted",
		slog.String("gateway_order_id", result.OrderID),
		slog.String("client_ref", payload.ClientRef))
	return result.OrderID, nil
}

// CancelOrder asks the bridge to cancel an open order.
func (c *Client) CancelOrder(ctx context.Context, gatewayOrderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v1/orders/" + gatewayOrderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", gatewayOrderID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("cancel order %s: %w", gatewayOrderID, domain.ErrNotFound)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order %s: status %d: %s", gatewayOrderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// OrderStatus polls the authoritative status of one order.
func (c *Client) OrderStatus(ctx context.Context, gatewayOrderID string) (domain.OrderUpdate, error) {
	var result orderStatusMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/orders/" + gatewayOrderID)
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("order status %s: %w", gatewayOrderID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.OrderUpdate{}, fmt.Errorf("order status %s: %w", gatewayOrderID, domain.ErrNotFound)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.OrderUpdate{}, fmt.Errorf("order status %s: status %d: %s", gatewayOrderID, resp.StatusCode(), resp.String())
	}
	return result.toDomain(), nil
}

// Subscribe opens the order update stream. The returned channel closes when
// ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (<-chan domain.OrderUpdate, error) {
	stream := newOrderStream(c.wsURL, c.apiKey, c.logger)
	return stream.run(ctx)
}
