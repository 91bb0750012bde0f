// Package scheduler runs periodic store maintenance with robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"miabot/internal/config"
)

// Store is the maintenance surface of the persistence layer.
type Store interface {
	PruneMinuteCounters(ctx context.Context, before time.Time) (int64, error)
	PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error)
}

// Housekeeper prunes stale minute buckets and expired bans on cron schedules.
type Housekeeper struct {
	cron      *cron.Cron
	store     Store
	cfg       config.HousekeepingConfig
	counters  bool // false when minute counters live in Redis with a TTL
	logger    *slog.Logger
	now       func() time.Time
	jobTimeout time.Duration

	mu      sync.Mutex
	running bool
}

type HousekeeperConfig struct {
	Config config.HousekeepingConfig
	// PruneCounters disables the counter job when counters expire by themselves.
	PruneCounters bool
	Location      *time.Location
	Logger        *slog.Logger
}

func NewHousekeeper(store Store, cfg HousekeeperConfig) *Housekeeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Config.CounterRetentionMinutes <= 0 {
		cfg.Config.CounterRetentionMinutes = 10
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelDebug))),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Housekeeper{
		cron:      c,
		store:     store,
		cfg:       cfg.Config,
		counters:  cfg.PruneCounters,
		logger:    cfg.Logger,
		now:       time.Now,
		jobTimeout: time.Minute,
	}
}

// Start registers the jobs and starts the cron loop.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.New("housekeeper already running")
	}

	if h.counters {
		if _, err := h.cron.AddFunc(h.cfg.CounterSchedule, func() { h.run(ctx, "prune_counters", h.PruneCounters) }); err != nil {
			return fmt.Errorf("counter schedule %q: %w", h.cfg.CounterSchedule, err)
		}
	}
	if _, err := h.cron.AddFunc(h.cfg.BanSchedule, func() { h.run(ctx, "purge_bans", h.PurgeBans) }); err != nil {
		return fmt.Errorf("ban schedule %q: %w", h.cfg.BanSchedule, err)
	}

	h.cron.Start()
	h.running = true
	h.logger.Info("housekeeping started", "jobs", len(h.cron.Entries()), "prune_counters", h.counters)
	return nil
}

// Stop stops scheduling. The returned context is done when running jobs finish.
func (h *Housekeeper) Stop() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	h.running = false
	h.logger.Info("housekeeping stopped")
	return h.cron.Stop()
}

func (h *Housekeeper) run(ctx context.Context, name string, job func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(ctx, h.jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		h.logger.Warn("housekeeping job failed", "job", name, "err", err)
		return
	}
	h.logger.Debug("housekeeping job done", "job", name, "removed", n, "took", time.Since(start))
}

// PruneCounters deletes minute buckets older than the retention window.
func (h *Housekeeper) PruneCounters(ctx context.Context) (int64, error) {
	before := h.now().Add(-time.Duration(h.cfg.CounterRetentionMinutes) * time.Minute)
	return h.store.PruneMinuteCounters(ctx, before)
}

// PurgeBans deletes bans whose expiry has passed.
func (h *Housekeeper) PurgeBans(ctx context.Context) (int64, error) {
	return h.store.PurgeExpiredBans(ctx, h.now())
}
