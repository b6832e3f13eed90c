package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// SchedulerConfig tunes the scan loop and worker pool. Values arrive already
// clamped by the config layer.
type SchedulerConfig struct {
	Interval  time.Duration
	LeaseTTL  time.Duration
	Threads   int
	QueueSize int
}

// Scheduler scans for due ACTIVE strategies and feeds them through a bounded
// queue to a fixed worker pool. A full queue drops work with a warning; the
// strategy is picked up again on a later scan.
type Scheduler struct {
	strategies domain.StrategyStore
	runner     *Runner
	cfg        SchedulerConfig
	queue      chan *domain.Strategy
	dedup      *Dedup
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler builds a Scheduler.
func NewScheduler(strategies domain.StrategyStore, runner *Runner, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		strategies: strategies,
		runner:     runner,
		cfg:        cfg,
		queue:      make(chan *domain.Strategy, cfg.QueueSize),
		dedup:      NewDedup(cfg.Interval),
		logger:     logger.With(slog.String("component", "scheduler")),
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled, running the scan loop and the worker
// pool.
func (sch *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < sch.cfg.Threads; i++ {
		g.Go(func() error { return sch.workerLoop(ctx) })
	}
	g.Go(func() error { return sch.scanLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (sch *Scheduler) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(sch.cfg.Interval)
	defer ticker.Stop()
	sch.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sch.scanOnce(ctx)
			sch.dedup.Cleanup()
		}
	}
}

// scanOnce enqueues every due strategy that is not already queued.
func (sch *Scheduler) scanOnce(ctx context.Context) {
	due, err := sch.strategies.ListSchedulable(ctx, sch.now().UTC(), sch.cfg.QueueSize)
	if err != nil {
		sch.logger.Error("scan failed", slog.Any("error", err))
		return
	}
	var enqueued, dropped int
	for _, s := range due {
		if sch.dedup.IsDuplicate(s.ID) {
			continue
		}
		select {
		case sch.queue <- s:
			enqueued++
		default:
			sch.dedup.Forget(s.ID)
			dropped++
		}
	}
	if dropped > 0 {
		sch.logger.Warn("evaluation queue full, dropping work",
			slog.Int("dropped", dropped),
			slog.Int("queue_cap", sch.cfg.QueueSize))
	}
	if enqueued > 0 {
		sch.logger.Debug("scan enqueued strategies", slog.Int("count", enqueued))
	}
}

func (sch *Scheduler) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sch.queue:
			sch.handle(ctx, s)
		}
	}
}

// handle claims the execution lease, runs one pass, and releases the lease.
func (sch *Scheduler) handle(ctx context.Context, s *domain.Strategy) {
	defer sch.dedup.Forget(s.ID)

	leased, err := sch.strategies.ClaimLease(ctx, s.ID, sch.now().Add(sch.cfg.LeaseTTL))
	if err != nil {
		var locked *domain.LockedError
		if errors.As(err, &locked) {
			sch.logger.Debug("lease held elsewhere", slog.String("strategy_id", s.ID))
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			sch.logger.Error("claim lease failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		}
		return
	}
	defer func() {
		if err := sch.strategies.ReleaseLease(ctx, s.ID); err != nil {
			sch.logger.Error("release lease failed", slog.String("strategy_id", s.ID), slog.Any("error", err))
		}
	}()

	run := sch.runner.Process(ctx, leased)
	if run.Outcome == domain.RunError {
		sch.logger.Error("monitoring pass failed",
			slog.String("strategy_id", s.ID),
			slog.String("error", run.Error))
	}
}
