package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/creatorbot/market-engine/internal/dividends"
	"github.com/creatorbot/market-engine/internal/events"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/notify"
	"github.com/creatorbot/market-engine/internal/store"
)

// SchedulerConfig holds the scheduler's timing. Cron specs include a
// seconds field.
type SchedulerConfig struct {
	// Resolution is how often the scheduler looks for guilds due a tick.
	Resolution time.Duration
	// Concurrency caps the guild ticks run in parallel.
	Concurrency     int
	DividendCron    string
	EventExpiryCron string
}

// DefaultSchedulerConfig checks for due ticks every 30s, pays due dividends
// hourly and expires events every minute.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Resolution:      30 * time.Second,
		Concurrency:     8,
		DividendCron:    "0 0 * * * *",
		EventExpiryCron: "0 * * * * *",
	}
}

// Scheduler runs guild ticks when their configured interval has elapsed and
// the periodic dividend and event-expiry jobs.
type Scheduler struct {
	store     store.ConfigStore
	prices    *PriceEngine
	dividends *dividends.Processor
	events    *events.Engine
	sink      notify.Sink
	cfg       SchedulerConfig
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastTick map[string]time.Time
}

// NewScheduler creates a scheduler. A nil sink discards dividend
// notifications. A nil logger uses slog.Default().
func NewScheduler(st store.ConfigStore, pe *PriceEngine, dp *dividends.Processor, ev *events.Engine, sink notify.Sink, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultSchedulerConfig().Resolution
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		store:     st,
		prices:    pe,
		dividends: dp,
		events:    ev,
		sink:      sink,
		cfg:       cfg,
		log:       logger,
		now:       func() time.Time { return time.Now().UTC() },
		lastTick:  make(map[string]time.Time),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(s.cfg.DividendCron, func() {
		if err := s.PayDividends(ctx, s.now()); err != nil {
			s.log.Error("dividend job failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("dividend cron %q: %w", s.cfg.DividendCron, err)
	}
	if _, err := c.AddFunc(s.cfg.EventExpiryCron, func() {
		if _, err := s.events.ExpireDue(ctx, s.now()); err != nil {
			s.log.Error("event expiry job failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("event expiry cron %q: %w", s.cfg.EventExpiryCron, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.log.Info("scheduler started",
		"resolution", s.cfg.Resolution,
		"concurrency", s.cfg.Concurrency,
		"dividend_cron", s.cfg.DividendCron,
		"event_expiry_cron", s.cfg.EventExpiryCron,
	)

	ticker := time.NewTicker(s.cfg.Resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.RunDue(ctx, s.now()); err != nil {
				s.log.Warn("scheduler pass had failures", "err", err)
			}
		}
	}
}

// RunDue ticks every guild whose tick interval has elapsed at now, in
// parallel up to the configured concurrency. One guild's failure does not
// affect the others; failures are joined.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) error {
	guilds, err := s.store.ListGuilds(ctx)
	if err != nil {
		return err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, guildID := range guilds {
		due, err := s.due(ctx, guildID, now)
		if err != nil {
			mu.Lock()
			errs = errors.Join(errs, fmt.Errorf("guild %s: %w", guildID, err))
			mu.Unlock()
			continue
		}
		if !due {
			continue
		}
		g.Go(func() error {
			rep, err := s.prices.Tick(ctx, guildID)
			if err == nil && rep.Err != nil {
				err = rep.Err
			}
			if err != nil {
				mu.Lock()
				errs = errors.Join(errs, fmt.Errorf("guild %s: %w", guildID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	mu.Lock()
	defer mu.Unlock()
	return errs
}

// due reports whether guildID's tick interval has elapsed and, if so,
// records now as its last tick.
func (s *Scheduler) due(ctx context.Context, guildID string, now time.Time) (bool, error) {
	cfg, err := store.MarketConfig(ctx, s.store, guildID)
	if err != nil {
		return false, err
	}
	if !cfg.Enabled || !cfg.AutoFluctuationEnabled {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastTick[guildID]
	if seen && now.Sub(last) < cfg.TickInterval() {
		return false, nil
	}
	s.lastTick[guildID] = now
	return true, nil
}

// PayDividends runs the due dividends of every guild and queues a
// notification per payout.
func (s *Scheduler) PayDividends(ctx context.Context, now time.Time) error {
	guilds, err := s.store.ListGuilds(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, guildID := range guilds {
		if _, err := s.PayGuildDividends(ctx, guildID, now); err != nil {
			errs = errors.Join(errs, fmt.Errorf("guild %s: %w", guildID, err))
		}
	}
	return errs
}

// PayGuildDividends runs one guild's due dividends.
func (s *Scheduler) PayGuildDividends(ctx context.Context, guildID string, now time.Time) ([]*dividends.Report, error) {
	reports, err := s.dividends.ProcessDue(ctx, guildID, now)
	s.notifyDividends(ctx, guildID, reports...)
	return reports, err
}

// PayStockDividend pays one dividend on a stock immediately, whether or not
// its period has elapsed.
func (s *Scheduler) PayStockDividend(ctx context.Context, guildID, stockID string) (*dividends.Report, error) {
	cfg, err := store.MarketConfig(ctx, s.store, guildID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, model.ErrMarketDisabled
	}
	rep, err := s.dividends.Process(ctx, guildID, stockID, cfg.DividendUnitsPerYear)
	if rep != nil {
		s.notifyDividends(ctx, guildID, rep)
	}
	return rep, err
}

func (s *Scheduler) notifyDividends(ctx context.Context, guildID string, reports ...*dividends.Report) {
	now := s.now()
	for _, rep := range reports {
		for _, n := range dividendNotifications(guildID, rep, now) {
			if err := s.sink.Notify(ctx, guildID, n); err != nil {
				s.log.Warn("notification not queued", "guild_id", guildID, "kind", n.Kind, "err", err)
			}
		}
	}
}
