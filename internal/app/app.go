// Package app wires the market engine's components from a config.Config.
// Both the server and marketctl build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/creatorbot/market-engine/internal/alerts"
	"github.com/creatorbot/market-engine/internal/api"
	"github.com/creatorbot/market-engine/internal/catalog"
	"github.com/creatorbot/market-engine/internal/config"
	"github.com/creatorbot/market-engine/internal/dividends"
	"github.com/creatorbot/market-engine/internal/engine"
	"github.com/creatorbot/market-engine/internal/events"
	"github.com/creatorbot/market-engine/internal/ledger"
	"github.com/creatorbot/market-engine/internal/notify"
	"github.com/creatorbot/market-engine/internal/orders"
	"github.com/creatorbot/market-engine/internal/portfolio"
	"github.com/creatorbot/market-engine/internal/store"
)

// App holds the wired components.
type App struct {
	Config config.Config
	Pool   *pgxpool.Pool // nil when running in memory
	Redis  *redis.Client // nil when REDIS_URL is unset

	Store      store.Store
	Coins      ledger.ExternalLedger
	Catalog    *catalog.Catalog
	Portfolio  *portfolio.Ledger
	Orders     *orders.Book
	Alerts     *alerts.Engine
	Events     *events.Engine
	Dividends  *dividends.Processor
	Prices     *engine.PriceEngine
	Scheduler  *engine.Scheduler
	Hub        *notify.WSHub
	Dispatcher *notify.Dispatcher

	cleanup []func()
}

// New connects to the configured backends and wires every component.
// Without DATABASE_URL the store and coin ledger are kept in memory.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg}

	var (
		st    store.Store
		coins ledger.ExternalLedger
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.Pool = pool
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, err
			}
		}
		st = store.NewPostgresStore(pool)
		coins = ledger.NewPostgresLedger(pool, cfg.StartingBalance)
		logger.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			a.Redis = rdb
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store and ledger (data will not persist)")
		st = store.NewMemoryStore()
		coins = ledger.NewMemoryLedger(cfg.StartingBalance)
	}
	coins = ledger.WithTimeout(coins, cfg.LedgerTimeout)
	a.Store, a.Coins = st, coins

	a.Hub = notify.NewWSHub(logger)
	sinks := notify.MultiSink{a.Hub}
	if cfg.DiscordBotToken != "" {
		session, err := notify.NewDiscordSession(cfg.DiscordBotToken)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, notify.NewDiscordSink(session, st))
		logger.Info("Discord notifications enabled")
	}
	a.Dispatcher = notify.NewDispatcher(sinks, cfg.NotifyQueueSize, logger)

	a.Catalog = catalog.New(st, logger)
	a.Portfolio = portfolio.New(st, coins, logger)
	a.Orders = orders.New(st, a.Portfolio, logger)
	a.Alerts = alerts.New(st, logger)
	a.Events = events.New(st, logger)
	a.Dividends = dividends.New(st, coins, logger)

	opts := []engine.Option{engine.WithSink(a.Dispatcher)}
	if a.Redis != nil {
		opts = append(opts, engine.WithGuard(engine.NewRedisGuard(a.Redis, cfg.TickGuardTTL)))
	}
	a.Prices = engine.NewPriceEngine(st, a.Orders, a.Alerts, logger, opts...)
	a.Scheduler = engine.NewScheduler(st, a.Prices, a.Dividends, a.Events, a.Dispatcher, engine.SchedulerConfig{
		Resolution:      cfg.TickResolution,
		Concurrency:     cfg.TickConcurrency,
		DividendCron:    cfg.DividendCron,
		EventExpiryCron: cfg.EventExpiryCron,
	}, logger)
	return a, nil
}

// API returns the HTTP handlers over the app's components. timeout bounds
// each non-websocket request.
func (a *App) API(logger *slog.Logger, timeout time.Duration) *api.Server {
	return api.NewServer(api.Deps{
		Catalog:   a.Catalog,
		Portfolio: a.Portfolio,
		Orders:    a.Orders,
		Alerts:    a.Alerts,
		Events:    a.Events,
		Prices:    a.Prices,
		Scheduler: a.Scheduler,
		Hub:       a.Hub,

		RequestTimeout: timeout,
	}, logger)
}

// Background runs the websocket hub and the notification dispatcher until
// ctx is done. Queued notifications are flushed before it returns.
func (a *App) Background(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	return g.Wait()
}

// Close releases the backend connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
