package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts carries common list filters.
type ListOpts struct {
	Status     Status
	Market     string
	Product    string
	StrategyID string
	Limit      int
	Offset     int
}

// StrategyPatch carries partial edits applied to an editable strategy. Nil
// fields are left untouched. Any applied edit resets the strategy to
// PENDING_ACTIVATION and bumps its version.
type StrategyPatch struct {
	Description      *string
	ConditionLogic   *ConditionLogic
	Conditions       []Condition
	TradeAction      *TradeAction
	ClearTradeAction bool
	NextStrategyID   *string
	NextStrategyNote *string
	ExpireMode       *ExpireMode
	ExpireInSeconds  *int64
	ExpireAt         *time.Time
}

// StrategyStore persists strategies and their lifecycle.
type StrategyStore interface {
	Create(ctx context.Context, s *Strategy) error
	GetByIdempotencyKey(ctx context.Context, key string) (*Strategy, error)
	Get(ctx context.Context, id string) (*Strategy, error)
	List(ctx context.Context, opts ListOpts) ([]*Strategy, error)
	// Update persists s iff the stored row still has s.Version, then bumps
	// the version; returns ErrConflict when the CAS fails.
	Update(ctx context.Context, s *Strategy) error
	// Transition moves id from->to iff the row is currently at (from,
	// version); returns ErrConflict when the CAS fails.
	Transition(ctx context.Context, id string, from, to Status, version int64, note string) (*Strategy, error)
	SoftDelete(ctx context.Context, id string) error

	// ClaimLease atomically sets lock_until = until for id when the row is
	// unleased; returns a LockedError when another holder has the lease.
	ClaimLease(ctx context.Context, id string, until time.Time) (*Strategy, error)
	ReleaseLease(ctx context.Context, id string) error
	ClearStaleLeases(ctx context.Context, now time.Time) (int64, error)

	ListSchedulable(ctx context.Context, now time.Time, limit int) ([]*Strategy, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Strategy, error)
	SetRuntimeState(ctx context.Context, st *RuntimeState) error
	GetRuntimeState(ctx context.Context, strategyID string) (*RuntimeState, error)
}

// RunStore persists monitoring passes.
type RunStore interface {
	Insert(ctx context.Context, run *StrategyRun) error
	ListByStrategy(ctx context.Context, strategyID string, limit int) ([]*StrategyRun, error)
}

// TradeStore persists orders, instructions, verification events and logs.
type TradeStore interface {
	CreateInstruction(ctx context.Context, ti *TradeInstruction) error
	UpdateInstructionStatus(ctx context.Context, tradeID string, status OrderStatus) error
	GetInstruction(ctx context.Context, tradeID string) (*TradeInstruction, error)
	ListInstructions(ctx context.Context, opts ListOpts) ([]*TradeInstruction, error)

	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	GetOrders(ctx context.Context, tradeID string) ([]*Order, error)
	GetOrderByGatewayID(ctx context.Context, gatewayOrderID string) (*Order, error)
	ListOpenOrders(ctx context.Context) ([]*Order, error)

	InsertVerification(ctx context.Context, ev *VerificationEvent) error
	ListVerifications(ctx context.Context, tradeID string) ([]*VerificationEvent, error)
	InsertLog(ctx context.Context, l *TradeLog) error
	ListLogs(ctx context.Context, strategyID string, limit int) ([]*TradeLog, error)
}

// EventStore persists strategy timelines and chain activations.
type EventStore interface {
	Insert(ctx context.Context, ev *StrategyEvent) (int64, error)
	ListByStrategy(ctx context.Context, strategyID string, limit int) ([]*StrategyEvent, error)
	ListRecent(ctx context.Context, limit int) ([]*StrategyEvent, error)
	// InsertActivation returns ErrAlreadyExists when the same trigger event
	// already activated the same downstream.
	InsertActivation(ctx context.Context, a *Activation) error
	ListActivations(ctx context.Context, strategyID string) ([]*Activation, error)
}

// BarStore persists cached bars and coverage segments.
type BarStore interface {
	UpsertBars(ctx context.Context, cacheKey string, bars []Bar) error
	GetBars(ctx context.Context, cacheKey string, start, end time.Time) ([]Bar, error)
	GetCoverage(ctx context.Context, cacheKey string) ([]Segment, error)
	PutCoverage(ctx context.Context, cacheKey string, segs []Segment) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockManager provides coarse named locks for singleton loops.
type LockManager interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (unlock func(ctx context.Context) error, err error)
}

// SignalBus publishes engine events to live subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

// RateLimiter enforces sliding-window request limits keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SnapshotCache caches small read models with a TTL.
type SnapshotCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// BlobWriter uploads one object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver writes batches of records to long-term blob storage.
type Archiver interface {
	ArchiveTradeLogs(ctx context.Context, logs []*TradeLog) (string, error)
	ArchiveEvents(ctx context.Context, events []*StrategyEvent) (string, error)
}

// Notifier delivers user-facing notifications about strategy outcomes.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}
