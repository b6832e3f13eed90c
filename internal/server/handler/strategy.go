package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/service"
)

// StrategyAPI defines the methods the strategy handler requires.
type StrategyAPI interface {
	Create(ctx context.Context, s *domain.Strategy) (*domain.Strategy, error)
	Get(ctx context.Context, id string) (*service.StrategyView, error)
	List(ctx context.Context, opts domain.ListOpts) ([]*service.StrategyView, error)
	PatchBasic(ctx context.Context, id string, p domain.StrategyPatch) (*domain.Strategy, error)
	PutConditions(ctx context.Context, id string, logic domain.ConditionLogic, conditions []domain.Condition) (*domain.Strategy, error)
	PutActions(ctx context.Context, id string, action *domain.TradeAction) (*domain.Strategy, error)
	Activate(ctx context.Context, id string) (*domain.Strategy, error)
	Pause(ctx context.Context, id string) (*domain.Strategy, error)
	Resume(ctx context.Context, id string) (*domain.Strategy, error)
	Cancel(ctx context.Context, id string) (*domain.Strategy, error)
	Delete(ctx context.Context, id string) error
	Events(ctx context.Context, id string, limit int) ([]*domain.StrategyEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]*domain.StrategyEvent, error)
	Runs(ctx context.Context, id string, limit int) ([]*domain.StrategyRun, error)
}

// StrategyHandler serves the strategy lifecycle endpoints.
type StrategyHandler struct {
	strategies StrategyAPI
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(strategies StrategyAPI, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{strategies: strategies, logger: logger}
}

// createStrategyRequest is the POST /api/strategies body.
type createStrategyRequest struct {
	Description            string                  `json:"description"`
	Market                 string                  `json:"market"`
	TradeType              domain.TradeType        `json:"trade_type"`
	Symbols                []domain.StrategySymbol `json:"symbols"`
	ConditionLogic         domain.ConditionLogic   `json:"condition_logic"`
	Conditions             []domain.Condition      `json:"conditions"`
	TradeAction            *domain.TradeAction     `json:"trade_action"`
	NextStrategyID         string                  `json:"next_strategy_id"`
	NextStrategyNote       string                  `json:"next_strategy_note"`
	UpstreamOnlyActivation bool                    `json:"upstream_only_activation"`
	ExpireMode             domain.ExpireMode       `json:"expire_mode"`
	ExpireInSeconds        *int64                  `json:"expire_in_seconds"`
	ExpireAt               *time.Time              `json:"expire_at"`
}

// Create registers a new strategy.
// POST /api/strategies
func (h *StrategyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createStrategyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}

	s := &domain.Strategy{
		IdempotencyKey:         strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		Description:            req.Description,
		Market:                 req.Market,
		TradeType:              req.TradeType,
		Symbols:                req.Symbols,
		ConditionLogic:         req.ConditionLogic,
		Conditions:             req.Conditions,
		TradeAction:            req.TradeAction,
		NextStrategyID:         req.NextStrategyID,
		NextStrategyNote:       req.NextStrategyNote,
		UpstreamOnlyActivation: req.UpstreamOnlyActivation,
		ExpireMode:             req.ExpireMode,
		ExpireInSeconds:        req.ExpireInSeconds,
		ExpireAt:               req.ExpireAt,
	}

	created, err := h.strategies.Create(r.Context(), s)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// listStrategiesResponse wraps the strategy list.
type listStrategiesResponse struct {
	Strategies []*service.StrategyView `json:"strategies"`
}

// List returns strategies with optional status/market filters.
// GET /api/strategies?status=ACTIVE&market=US
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	opts.Status = domain.Status(strings.ToUpper(r.URL.Query().Get("status")))
	opts.Market = r.URL.Query().Get("market")

	views, err := h.strategies.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if views == nil {
		views = []*service.StrategyView{}
	}
	writeJSON(w, http.StatusOK, listStrategiesResponse{Strategies: views})
}

// Get returns one strategy with its capability projection.
// GET /api/strategies/{id}
func (h *StrategyHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.strategies.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// patchBasicRequest is the PATCH /api/strategies/{id}/basic body. Absent
// fields are left untouched.
type patchBasicRequest struct {
	Description      *string            `json:"description"`
	NextStrategyID   *string            `json:"next_strategy_id"`
	NextStrategyNote *string            `json:"next_strategy_note"`
	ExpireMode       *domain.ExpireMode `json:"expire_mode"`
	ExpireInSeconds  *int64             `json:"expire_in_seconds"`
	ExpireAt         *time.Time         `json:"expire_at"`
}

// PatchBasic edits description, expiry, and chain linkage.
// PATCH /api/strategies/{id}/basic
func (h *StrategyHandler) PatchBasic(w http.ResponseWriter, r *http.Request) {
	var req patchBasicRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}

	s, err := h.strategies.PatchBasic(r.Context(), pathParam(r, "id"), domain.StrategyPatch{
		Description:      req.Description,
		NextStrategyID:   req.NextStrategyID,
		NextStrategyNote: req.NextStrategyNote,
		ExpireMode:       req.ExpireMode,
		ExpireInSeconds:  req.ExpireInSeconds,
		ExpireAt:         req.ExpireAt,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// putConditionsRequest is the PUT /api/strategies/{id}/conditions body.
type putConditionsRequest struct {
	ConditionLogic domain.ConditionLogic `json:"condition_logic"`
	Conditions     []domain.Condition    `json:"conditions"`
}

// PutConditions replaces the condition set.
// PUT /api/strategies/{id}/conditions
func (h *StrategyHandler) PutConditions(w http.ResponseWriter, r *http.Request) {
	var req putConditionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}

	s, err := h.strategies.PutConditions(r.Context(), pathParam(r, "id"), req.ConditionLogic, req.Conditions)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// putActionsRequest is the PUT /api/strategies/{id}/actions body. A null
// trade_action clears the action, leaving a chain-only strategy.
type putActionsRequest struct {
	TradeAction *domain.TradeAction `json:"trade_action"`
}

// PutActions replaces the trade action.
// PUT /api/strategies/{id}/actions
func (h *StrategyHandler) PutActions(w http.ResponseWriter, r *http.Request) {
	var req putActionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
		return
	}

	s, err := h.strategies.PutActions(r.Context(), pathParam(r, "id"), req.TradeAction)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Activate runs the manual activation protocol.
// POST /api/strategies/{id}/activate
func (h *StrategyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.strategies.Activate)
}

// Pause suspends monitoring.
// POST /api/strategies/{id}/pause
func (h *StrategyHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.strategies.Pause)
}

// Resume restores monitoring.
// POST /api/strategies/{id}/resume
func (h *StrategyHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.strategies.Resume)
}

// Cancel terminates an untraded strategy.
// POST /api/strategies/{id}/cancel
func (h *StrategyHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.strategies.Cancel)
}

func (h *StrategyHandler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*domain.Strategy, error)) {
	s, err := op(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Delete soft-deletes a strategy.
// DELETE /api/strategies/{id}
func (h *StrategyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.strategies.Delete(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listEventsResponse wraps a timeline slice.
type listEventsResponse struct {
	Events []*domain.StrategyEvent `json:"events"`
}

// Events returns one strategy's timeline, oldest first.
// GET /api/strategies/{id}/events
func (h *StrategyHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.strategies.Events(r.Context(), pathParam(r, "id"), parseListOpts(r).Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*domain.StrategyEvent{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

// RecentEvents returns the newest events across all strategies.
// GET /api/events
func (h *StrategyHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.strategies.RecentEvents(r.Context(), parseListOpts(r).Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*domain.StrategyEvent{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

// listRunsResponse wraps recent monitoring passes.
type listRunsResponse struct {
	Runs []*domain.StrategyRun `json:"runs"`
}

// Runs returns a strategy's recent monitoring passes.
// GET /api/strategies/{id}/runs
func (h *StrategyHandler) Runs(w http.ResponseWriter, r *http.Request) {
	runs, err := h.strategies.Runs(r.Context(), pathParam(r, "id"), parseListOpts(r).Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if runs == nil {
		runs = []*domain.StrategyRun{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}
