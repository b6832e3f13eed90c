package domain

import (
	"context"
	"time"
)

// OrderRequest is one order handed to the gateway for submission.
type OrderRequest struct {
	TradeID        string
	Leg            int
	Contract       Contract
	Side           OrderSide
	OrderType      OrderType
	Quantity       float64
	LimitPrice     *float64
	TIF            string
	AllowOvernight bool
}

// OrderUpdate is one asynchronous order status report from the gateway.
type OrderUpdate struct {
	GatewayOrderID string
	Status         OrderStatus
	FilledQty      float64
	AvgFillPrice   *float64
	Reason         string
	At             time.Time
}

// AccountSummary is the account snapshot used by pre-trade verification.
type AccountSummary struct {
	Currency       string    `json:"currency"`
	NetLiquidation float64   `json:"net_liquidation"`
	AvailableFunds float64   `json:"available_funds"`
	BuyingPower    float64   `json:"buying_power"`
	InitMarginReq  float64   `json:"init_margin_req"`
	MaintMarginReq float64   `json:"maint_margin_req"`
	AsOf           time.Time `json:"as_of"`
}

// Position is one open position at the gateway.
type Position struct {
	Contract Contract `json:"contract"`
	Quantity float64  `json:"quantity"`
	AvgCost  float64  `json:"avg_cost"`
}

// Gateway abstracts the broker bridge. Implementations must be safe for
// concurrent use by the worker pool.
type Gateway interface {
	HealthCheck(ctx context.Context) error
	ResolveContract(ctx context.Context, symbol, secType, market, currency string) (Contract, error)
	FetchBars(ctx context.Context, contract Contract, barSize, whatToShow string, rth bool, start, end time.Time) ([]Bar, error)
	AccountSummary(ctx context.Context) (AccountSummary, error)
	Positions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (gatewayOrderID string, err error)
	CancelOrder(ctx context.Context, gatewayOrderID string) error
	OrderStatus(ctx context.Context, gatewayOrderID string) (OrderUpdate, error)
	Subscribe(ctx context.Context) (<-chan OrderUpdate, error)
}
