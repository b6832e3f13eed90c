// Package memory provides in-memory implementations of the domain store
// interfaces. They back unit tests and ad-hoc paper runs; the postgres
// package is the production store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// StrategyStore is an in-memory domain.StrategyStore.
type StrategyStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.Strategy
	runtime  map[string]*domain.RuntimeState
	byIdem   map[string]string
	nextEval map[string]time.Time
}

// NewStrategyStore builds an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		rows:     map[string]*domain.Strategy{},
		runtime:  map[string]*domain.RuntimeState{},
		byIdem:   map[string]string{},
		nextEval: map[string]time.Time{},
	}
}

var _ domain.StrategyStore = (*StrategyStore)(nil)

func cloneStrategy(s *domain.Strategy) *domain.Strategy {
	out := *s
	out.Symbols = append([]domain.StrategySymbol(nil), s.Symbols...)
	out.Conditions = append([]domain.Condition(nil), s.Conditions...)
	if s.TradeAction != nil {
		ta := *s.TradeAction
		out.TradeAction = &ta
	}
	return &out
}

func (m *StrategyStore) Create(_ context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := domain.NormalizeStrategyID(s.ID)
	if _, ok := m.rows[id]; ok {
		return domain.ErrAlreadyExists
	}
	if s.IdempotencyKey != "" {
		if _, ok := m.byIdem[s.IdempotencyKey]; ok {
			return domain.ErrAlreadyExists
		}
		m.byIdem[s.IdempotencyKey] = id
	}
	now := time.Now().UTC()
	s.ID = id
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Version == 0 {
		s.Version = 1
	}
	m.rows[id] = cloneStrategy(s)
	return nil
}

func (m *StrategyStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdem[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneStrategy(m.rows[id]), nil
}

func (m *StrategyStore) Get(_ context.Context, id string) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[domain.NormalizeStrategyID(id)]
	if !ok || s.IsDeleted {
		return nil, domain.ErrNotFound
	}
	return cloneStrategy(s), nil
}

func (m *StrategyStore) List(_ context.Context, opts domain.ListOpts) ([]*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.rows {
		if s.IsDeleted {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if opts.Market != "" && !strings.EqualFold(s.Market, opts.Market) {
			continue
		}
		out = append(out, cloneStrategy(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		out = nil
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *StrategyStore) Update(_ context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[s.ID]
	if !ok || cur.IsDeleted {
		return domain.ErrNotFound
	}
	if cur.Version != s.Version {
		return domain.ErrConflict
	}
	next := cloneStrategy(s)
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	m.rows[s.ID] = next
	return nil
}

func (m *StrategyStore) Transition(_ context.Context, id string, from, to domain.Status, version int64, _ string) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[domain.NormalizeStrategyID(id)]
	if !ok || s.IsDeleted {
		return nil, domain.ErrNotFound
	}
	if !from.CanTransition(to) {
		return nil, &domain.TransitionError{StrategyID: s.ID, From: from, To: to}
	}
	if s.Status != from || s.Version != version {
		return nil, domain.ErrConflict
	}
	s.Status = to
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	return cloneStrategy(s), nil
}

func (m *StrategyStore) SoftDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[domain.NormalizeStrategyID(id)]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	s.IsDeleted = true
	s.DeletedAt = &now
	return nil
}

func (m *StrategyStore) ClaimLease(_ context.Context, id string, until time.Time) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[domain.NormalizeStrategyID(id)]
	if !ok || s.IsDeleted {
		return nil, domain.ErrNotFound
	}
	now := time.Now()
	if s.LockUntil != nil && s.LockUntil.After(now) {
		return nil, &domain.LockedError{StrategyID: s.ID, LockUntil: *s.LockUntil}
	}
	u := until
	s.LockUntil = &u
	return cloneStrategy(s), nil
}

func (m *StrategyStore) ReleaseLease(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[domain.NormalizeStrategyID(id)]
	if !ok {
		return domain.ErrNotFound
	}
	s.LockUntil = nil
	return nil
}

func (m *StrategyStore) ClearStaleLeases(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.LockUntil != nil && s.LockUntil.Before(now) {
			s.LockUntil = nil
			n++
		}
	}
	return n, nil
}

func (m *StrategyStore) ListSchedulable(_ context.Context, now time.Time, limit int) ([]*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.rows {
		if s.IsDeleted || s.Status != domain.StatusActive {
			continue
		}
		if s.LockUntil != nil && s.LockUntil.After(now) {
			continue
		}
		if next, ok := m.nextEval[s.ID]; ok && next.After(now) {
			continue
		}
		out = append(out, cloneStrategy(s))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *StrategyStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.rows {
		if s.IsDeleted || s.ExpireAt == nil || s.ExpireAt.After(now) {
			continue
		}
		if s.Status.Terminal() {
			continue
		}
		out = append(out, cloneStrategy(s))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *StrategyStore) SetRuntimeState(_ context.Context, st *domain.RuntimeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	cp.Values = map[string]float64{}
	for k, v := range st.Values {
		cp.Values[k] = v
	}
	if st.Times != nil {
		cp.Times = map[string]int64{}
		for k, v := range st.Times {
			cp.Times[k] = v
		}
	}
	m.runtime[st.StrategyID] = &cp
	return nil
}

func (m *StrategyStore) GetRuntimeState(_ context.Context, strategyID string) (*domain.RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.runtime[domain.NormalizeStrategyID(strategyID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *st
	cp.Values = map[string]float64{}
	for k, v := range st.Values {
		cp.Values[k] = v
	}
	if st.Times != nil {
		cp.Times = map[string]int64{}
		for k, v := range st.Times {
			cp.Times[k] = v
		}
	}
	return &cp, nil
}

// SetNextEval schedules a strategy's next evaluation instant.
func (m *StrategyStore) SetNextEval(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEval[domain.NormalizeStrategyID(id)] = at
}

// EventStore is an in-memory domain.EventStore.
type EventStore struct {
	mu          sync.Mutex
	nextID      int64
	events      map[string][]*domain.StrategyEvent
	activations map[string]*domain.Activation
	order       []*domain.Activation
}

// NewEventStore builds an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		events:      map[string][]*domain.StrategyEvent{},
		activations: map[string]*domain.Activation{},
	}
}

var _ domain.EventStore = (*EventStore)(nil)

func (m *EventStore) Insert(_ context.Context, ev *domain.StrategyEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *ev
	cp.ID = m.nextID
	cp.CreatedAt = time.Now().UTC()
	m.events[ev.StrategyID] = append(m.events[ev.StrategyID], &cp)
	return cp.ID, nil
}

func (m *EventStore) ListByStrategy(_ context.Context, strategyID string, limit int) ([]*domain.StrategyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[strategyID]
	out := make([]*domain.StrategyEvent, len(evs))
	copy(out, evs)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *EventStore) ListRecent(_ context.Context, limit int) ([]*domain.StrategyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.StrategyEvent
	for _, evs := range m.events {
		out = append(out, evs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *EventStore) InsertActivation(_ context.Context, a *domain.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d|%s", a.TriggerEventID, a.ToStrategyID)
	if _, ok := m.activations[key]; ok {
		return domain.ErrAlreadyExists
	}
	m.nextID++
	cp := *a
	cp.ID = m.nextID
	cp.CreatedAt = time.Now().UTC()
	m.activations[key] = &cp
	m.order = append(m.order, &cp)
	return nil
}

func (m *EventStore) ListActivations(_ context.Context, strategyID string) ([]*domain.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Activation
	for _, a := range m.order {
		if a.FromStrategyID == strategyID || a.ToStrategyID == strategyID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// TradeStore is an in-memory domain.TradeStore.
type TradeStore struct {
	mu            sync.Mutex
	instructions  map[string]*domain.TradeInstruction
	orders        map[string][]*domain.Order
	verifications map[string][]*domain.VerificationEvent
	logs          []*domain.TradeLog
}

// NewTradeStore builds an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		instructions:  map[string]*domain.TradeInstruction{},
		orders:        map[string][]*domain.Order{},
		verifications: map[string][]*domain.VerificationEvent{},
	}
}

var _ domain.TradeStore = (*TradeStore)(nil)

func (m *TradeStore) CreateInstruction(_ context.Context, ti *domain.TradeInstruction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instructions[ti.TradeID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *ti
	cp.UpdatedAt = time.Now().UTC()
	m.instructions[ti.TradeID] = &cp
	return nil
}

func (m *TradeStore) UpdateInstructionStatus(_ context.Context, tradeID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.instructions[tradeID]
	if !ok {
		return domain.ErrNotFound
	}
	ti.Status = status
	ti.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *TradeStore) GetInstruction(_ context.Context, tradeID string) (*domain.TradeInstruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.instructions[tradeID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *ti
	return &cp, nil
}

func (m *TradeStore) ListInstructions(_ context.Context, opts domain.ListOpts) ([]*domain.TradeInstruction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TradeInstruction
	for _, ti := range m.instructions {
		if opts.Status != "" && string(ti.Status) != string(opts.Status) {
			continue
		}
		if opts.StrategyID != "" && ti.StrategyID != opts.StrategyID {
			continue
		}
		cp := *ti
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *TradeStore) InsertOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders[o.TradeID] {
		if existing.Leg == o.Leg {
			return domain.ErrAlreadyExists
		}
	}
	cp := *o
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	m.orders[o.TradeID] = append(m.orders[o.TradeID], &cp)
	return nil
}

func (m *TradeStore) UpdateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.orders[o.TradeID] {
		if existing.Leg == o.Leg {
			cp := *o
			cp.UpdatedAt = time.Now().UTC()
			m.orders[o.TradeID][i] = &cp
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *TradeStore) GetOrders(_ context.Context, tradeID string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders[tradeID] {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (m *TradeStore) GetOrderByGatewayID(_ context.Context, gatewayOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, orders := range m.orders {
		for _, o := range orders {
			if o.GatewayOrderID == gatewayOrderID {
				cp := *o
				return &cp, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

func (m *TradeStore) ListOpenOrders(_ context.Context) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, orders := range m.orders {
		for _, o := range orders {
			if !o.Status.Terminal() {
				cp := *o
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *TradeStore) InsertVerification(_ context.Context, ev *domain.VerificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	cp.CreatedAt = time.Now().UTC()
	m.verifications[ev.TradeID] = append(m.verifications[ev.TradeID], &cp)
	return nil
}

func (m *TradeStore) ListVerifications(_ context.Context, tradeID string) ([]*domain.VerificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.verifications[tradeID]
	out := make([]*domain.VerificationEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *TradeStore) InsertLog(_ context.Context, l *domain.TradeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *TradeStore) ListLogs(_ context.Context, strategyID string, limit int) ([]*domain.TradeLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TradeLog
	for _, l := range m.logs {
		if strategyID == "" || l.StrategyID == strategyID {
			cp := *l
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// RunStore is an in-memory domain.RunStore.
type RunStore struct {
	mu   sync.Mutex
	runs map[string][]*domain.StrategyRun
	next int64
}

// NewRunStore builds an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: map[string][]*domain.StrategyRun{}}
}

var _ domain.RunStore = (*RunStore)(nil)

func (m *RunStore) Insert(_ context.Context, run *domain.StrategyRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	cp := *run
	cp.ID = m.next
	m.runs[run.StrategyID] = append(m.runs[run.StrategyID], &cp)
	return nil
}

func (m *RunStore) ListByStrategy(_ context.Context, strategyID string, limit int) ([]*domain.StrategyRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.runs[strategyID]
	out := make([]*domain.StrategyRun, len(runs))
	copy(out, runs)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
