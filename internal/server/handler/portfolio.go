package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// PortfolioAPI defines the methods the portfolio handler requires.
type PortfolioAPI interface {
	Summary(ctx context.Context) (domain.AccountSummary, error)
	Positions(ctx context.Context, secType, symbol string) ([]domain.Position, error)
}

// PortfolioHandler serves the account read endpoints.
type PortfolioHandler struct {
	portfolio PortfolioAPI
	logger    *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler.
func NewPortfolioHandler(portfolio PortfolioAPI, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{portfolio: portfolio, logger: logger}
}

// Summary returns the account summary snapshot.
// GET /api/portfolio/summary
func (h *PortfolioHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.portfolio.Summary(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// listPositionsResponse wraps open positions.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// Positions returns open positions with optional sec_type/symbol filters.
// GET /api/portfolio/positions?sec_type=FUT&symbol=SI
func (h *PortfolioHandler) Positions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := h.portfolio.Positions(r.Context(), q.Get("sec_type"), q.Get("symbol"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
