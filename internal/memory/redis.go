package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"miabot/internal/domain"
)

// counterTTL keeps a bucket alive a little past its minute so late messages
// still see it.
const counterTTL = 2 * time.Minute

// RedisCounter keeps the per-minute message counters in Redis. Buckets
// expire on their own, so no pruning job is needed.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

var _ domain.MinuteCounter = (*RedisCounter)(nil)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisCounter(ctx context.Context, opts RedisOptions) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if opts.Prefix == "" {
		opts.Prefix = "miabot"
	}
	return &RedisCounter{client: client, prefix: opts.Prefix}, nil
}

func (r *RedisCounter) key(sender, bucket string) string {
	return fmt.Sprintf("%s:rate:%s:%s", r.prefix, sender, bucket)
}

// IncrementMinuteCounter runs INCR and EXPIRE in one transaction and returns
// the new count.
func (r *RedisCounter) IncrementMinuteCounter(ctx context.Context, sender, bucket string) (int, error) {
	key := r.key(sender, bucket)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCounter) Close() error {
	return r.client.Close()
}
