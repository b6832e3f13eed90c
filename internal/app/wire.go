package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/ibexd/internal/blob/s3"
	"github.com/alanyoungcy/ibexd/internal/cache/redis"
	"github.com/alanyoungcy/ibexd/internal/calendar"
	"github.com/alanyoungcy/ibexd/internal/config"
	"github.com/alanyoungcy/ibexd/internal/domain"
	"github.com/alanyoungcy/ibexd/internal/gateway/ib"
	"github.com/alanyoungcy/ibexd/internal/marketdata"
	"github.com/alanyoungcy/ibexd/internal/notify"
	"github.com/alanyoungcy/ibexd/internal/rules"
	"github.com/alanyoungcy/ibexd/internal/service"
	"github.com/alanyoungcy/ibexd/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Strategies domain.StrategyStore
	Events     domain.EventStore
	Trades     domain.TradeStore
	Runs       domain.RunStore
	Bars       domain.BarStore

	// Redis
	Locks       *redis.LockManager
	SignalBus   domain.SignalBus
	Snapshots   domain.SnapshotCache
	RateLimiter domain.RateLimiter

	// Market data
	Gateway  domain.Gateway
	Calendar *calendar.Calendar
	Rules    *rules.Set
	Cache    *marketdata.Cache

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health probes keyed by component name, used by GET /api/health.
	HealthChecks map[string]func(ctx context.Context) error
}

// needsS3 returns true for modes that archive to object storage.
func needsS3(mode string) bool {
	switch mode {
	case "engine", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: map[string]func(ctx context.Context) error{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Strategies = postgres.NewStrategyStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Runs = postgres.NewRunStore(pool)
	deps.Bars = postgres.NewBarStore(pool)
	deps.HealthChecks["postgres"] = pool.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Locks = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Snapshots = redis.NewSnapshotCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// Every timeline insert is mirrored onto the bus for live subscribers.
	deps.Events = service.NewPublishingEventStore(postgres.NewEventStore(pool), deps.SignalBus, logger)

	// --- Broker gateway ---
	gw := ib.New(ib.Options{
		BaseURL:    cfg.Gateway.BaseURL,
		WsURL:      cfg.Gateway.WsURL,
		APIKey:     cfg.Gateway.APIKey,
		Account:    cfg.Gateway.Account,
		Timeout:    cfg.Gateway.RequestTimeout.Duration,
		MaxRetries: cfg.Gateway.MaxRetries,
	}, logger)
	deps.Gateway = gw
	deps.HealthChecks["gateway"] = gw.HealthCheck

	// --- Calendar and condition rules ---
	profiles := make([]domain.MarketProfile, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		profiles = append(profiles, domain.MarketProfile{
			Market:         m.Market,
			Timezone:       m.Timezone,
			Currency:       m.Currency,
			Sessions:       m.Sessions,
			Holidays:       m.Holidays,
			HalfDays:       m.HalfDays,
			HalfDaySession: m.HalfDaySession,
		})
	}
	cal, err := calendar.New(profiles)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: calendar: %w", err)
	}
	deps.Calendar = cal

	set, err := rules.Load(cfg.RulesPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: rules: %w", err)
	}
	deps.Rules = set

	deps.Cache = marketdata.NewCache(deps.Bars, deps.Gateway, cfg.Runtime.BarPageSize, logger)

	// --- S3 blob storage (archival modes only) ---
	if needsS3(cfg.Mode) && cfg.S3.AccessKey != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
