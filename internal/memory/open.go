package memory

import (
	"context"
	"fmt"
	"log/slog"

	"miabot/internal/config"
	"miabot/internal/domain"
)

// Backend bundles the store with the counter the abuse gate should use.
type Backend struct {
	Store   domain.Store
	Counter domain.MinuteCounter
	redis   *RedisCounter
}

// Open builds the configured store. When a Redis address is set the minute
// counters move to Redis. A Redis that cannot be reached is logged and the
// store's own counter is used instead.
func Open(ctx context.Context, cfg config.MemoryConfig, logger *slog.Logger) (*Backend, error) {
	var store domain.Store
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := NewPostgresStore(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		store = pg
	case config.DriverSQLite, "":
		sq, err := NewSQLiteStore(config.ExpandPath(cfg.DBPath), logger)
		if err != nil {
			return nil, err
		}
		store = sq
	default:
		return nil, fmt.Errorf("unknown memory driver %q", cfg.Driver)
	}

	b := &Backend{Store: store, Counter: store}
	if cfg.RedisAddr != "" {
		rc, err := NewRedisCounter(ctx, RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			logger.Warn("redis unavailable, using store counters", "addr", cfg.RedisAddr, "err", err)
		} else {
			b.Counter = rc
			b.redis = rc
		}
	}
	return b, nil
}

// Ping checks every backing service.
func (b *Backend) Ping(ctx context.Context) error {
	if p, ok := b.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// CountersInRedis reports whether minute buckets expire in Redis rather
// than needing a pruning job.
func (b *Backend) CountersInRedis() bool { return b.redis != nil }

func (b *Backend) Close() error {
	if b.redis != nil {
		b.redis.Close()
	}
	return b.Store.Close()
}
