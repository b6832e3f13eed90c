package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// EventsChannel is the bus channel every timeline event is mirrored to. The
// websocket hub and any external consumer subscribe here.
const EventsChannel = "ibex.events"

// PublishingEventStore decorates an EventStore so every inserted event is
// also published on the signal bus. Publish failures are logged, never
// surfaced: the durable insert is the source of truth.
type PublishingEventStore struct {
	domain.EventStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPublishingEventStore wraps inner with bus publication. bus may be nil,
// in which case the decorator is a passthrough.
func NewPublishingEventStore(inner domain.EventStore, bus domain.SignalBus, logger *slog.Logger) *PublishingEventStore {
	return &PublishingEventStore{
		EventStore: inner,
		bus:        bus,
		logger:     logger.With(slog.String("component", "event_publisher")),
	}
}

var _ domain.EventStore = (*PublishingEventStore)(nil)

// Insert persists the event, then mirrors it to the bus.
func (p *PublishingEventStore) Insert(ctx context.Context, ev *domain.StrategyEvent) (int64, error) {
	id, err := p.EventStore.Insert(ctx, ev)
	if err != nil {
		return 0, err
	}
	if p.bus != nil {
		if perr := p.bus.Publish(ctx, EventsChannel, ev); perr != nil {
			p.logger.WarnContext(ctx, "event publish failed",
				slog.String("strategy_id", ev.StrategyID),
				slog.String("event_type", string(ev.Type)),
				slog.Any("error", perr))
		}
	}
	return id, nil
}
