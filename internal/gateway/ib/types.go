package ib

import (
	"strings"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// apiContract is the bridge's contract descriptor.
type apiContract struct {
	ConID      int64  `json:"conid"`
	Symbol     string `json:"symbol"`
	SecType    string `json:"sec_type"`
	Exchange   string `json:"exchange"`
	Currency   string `json:"currency"`
	Expiry     string `json:"expiry,omitempty"`
	Multiplier string `json:"multiplier,omitempty"`
}

func (c *apiContract) toDomain() domain.Contract {
	return domain.Contract{
		ContractID: c.ConID,
		Symbol:     strings.ToUpper(c.Symbol),
		SecType:    c.SecType,
		Exchange:   c.Exchange,
		Currency:   c.Currency,
		Expiry:     c.Expiry,
		Multiplier: c.Multiplier,
	}
}

// apiBar is one OHLCV bar as the bridge reports it, with a unix-ms open time.
type apiBar struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
	A float64 `json:"a,omitempty"`
}

func (b *apiBar) toDomain() domain.Bar {
	return domain.Bar{
		TS:     time.UnixMilli(b.T).UTC(),
		Open:   b.O,
		High:   b.H,
		Low:    b.L,
		Close:  b.C,
		Volume: b.V,
		Amount: b.A,
	}
}

type barsResponse struct {
	Bars []apiBar `json:"bars"`
}

type accountSummaryResponse struct {
	Currency       string  `json:"currency"`
	NetLiquidation float64 `json:"net_liquidation"`
	AvailableFunds float64 `json:"available_funds"`
	BuyingPower    float64 `json:"buying_power"`
	InitMarginReq  float64 `json:"init_margin_req"`
	MaintMarginReq float64 `json:"maint_margin_req"`
	AsOf           int64   `json:"as_of"` // unix ms
}

type apiPosition struct {
	Contract apiContract `json:"contract"`
	Quantity float64     `json:"quantity"`
	AvgCost  float64     `json:"avg_cost"`
}

// orderPayload is the order submission body.
type orderPayload struct {
	Account    string   `json:"account"`
	ConID      int64    `json:"conid"`
	Side       string   `json:"side"`
	OrderType  string   `json:"order_type"`
	Quantity   float64  `json:"quantity"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	TIF        string   `json:"tif"`
	OutsideRTH bool     `json:"outside_rth"`
	ClientRef  string   `json:"client_ref"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// orderStatusMessage is shared by the status endpoint and the order update
// stream.
type orderStatusMessage struct {
	OrderID      string   `json:"order_id"`
	Status       string   `json:"status"`
	FilledQty    float64  `json:"filled_qty"`
	AvgFillPrice *float64 `json:"avg_fill_price,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	At           int64    `json:"at"` // unix ms
}

// bridgeStatus maps the bridge's order state names onto OrderStatus.
var bridgeStatus = map[string]domain.OrderStatus{
	"PendingSubmit": domain.OrderStatusPending,
	"PreSubmitted":  domain.OrderStatusSubmitted,
	"Submitted":     domain.OrderStatusSubmitted,
	"Filled":        domain.OrderStatusFilled,
	"Cancelled":     domain.OrderStatusCancelled,
	"ApiCancelled":  domain.OrderStatusCancelled,
	"Inactive":      domain.OrderStatusFailed,
	"Rejected":      domain.OrderStatusFailed,
	"Expired":       domain.OrderStatusExpired,
}

func (m *orderStatusMessage) toDomain() domain.OrderUpdate {
	status, ok := bridgeStatus[m.Status]
	if !ok {
		status = domain.OrderStatus(strings.ToUpper(m.Status))
	}
	return domain.OrderUpdate{
		GatewayOrderID: m.OrderID,
		Status:         status,
		FilledQty:      m.FilledQty,
		AvgFillPrice:   m.AvgFillPrice,
		Reason:         m.Reason,
		At:             time.UnixMilli(m.At).UTC(),
	}
}
