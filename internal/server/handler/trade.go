package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// TradeAPI defines the methods the trade handler requires.
type TradeAPI interface {
	ActiveTrades(ctx context.Context) ([]*domain.TradeInstruction, error)
	TradeLogs(ctx context.Context, strategyID string, limit int) ([]*domain.TradeLog, error)
}

// TradeHandler serves the trade read endpoints.
type TradeHandler struct {
	trades TradeAPI
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeAPI, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// listTradesResponse wraps active trade instructions.
type listTradesResponse struct {
	Trades []*domain.TradeInstruction `json:"trades"`
}

// Active returns trade instructions that have not reached a terminal status.
// GET /api/trades/active
func (h *TradeHandler) Active(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.ActiveTrades(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []*domain.TradeInstruction{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// listLogsResponse wraps trade log lines.
type listLogsResponse struct {
	Logs []*domain.TradeLog `json:"logs"`
}

// Logs returns trade logs, optionally scoped to one strategy.
// GET /api/trades/logs?strategy_id=S-1a2b3c
func (h *TradeHandler) Logs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.trades.TradeLogs(r.Context(),
		r.URL.Query().Get("strategy_id"), parseListOpts(r).Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if logs == nil {
		logs = []*domain.TradeLog{}
	}
	writeJSON(w, http.StatusOK, listLogsResponse{Logs: logs})
}
