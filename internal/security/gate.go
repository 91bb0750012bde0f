// Package security implements the abuse gate: ban checks and the two-tier
// rate limiter in front of the message pipeline.
package security

import (
	"context"
	"log/slog"
	"time"

	"miabot/internal/domain"
)

const (
	DefaultCooldownSeconds = 3
	DefaultMaxPerMinute    = 10
)

// BanStore is the subset of the store the gate needs for bans.
type BanStore interface {
	GetBan(ctx context.Context, sender string) (*domain.BanEntry, error)
	UpsertBan(ctx context.Context, ban domain.BanEntry) error
	DeleteBan(ctx context.Context, sender string) error
}

type GateConfig struct {
	CooldownSeconds int
	MaxPerMinute    int
}

// Gate never returns errors to its caller. When the store is unreachable it
// answers "not banned" and "allowed".
type Gate struct {
	bans      BanStore
	counter   domain.MinuteCounter
	cooldowns *CooldownMap
	cooldown  time.Duration
	maxPerMin int
	now       Clock
	logger    *slog.Logger
}

func NewGate(cfg GateConfig, bans BanStore, counter domain.MinuteCounter, cooldowns *CooldownMap, logger *slog.Logger) *Gate {
	if cfg.CooldownSeconds < 0 {
		cfg.CooldownSeconds = DefaultCooldownSeconds
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = DefaultMaxPerMinute
	}
	if cooldowns == nil {
		cooldowns = NewCooldownMap(nil)
	}
	return &Gate{
		bans:      bans,
		counter:   counter,
		cooldowns: cooldowns,
		cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
		maxPerMin: cfg.MaxPerMinute,
		now:       cooldowns.now,
		logger:    logger,
	}
}

// IsBanned reports whether sender has an active ban. Expired bans are
// deleted on read.
func (g *Gate) IsBanned(ctx context.Context, sender string) bool {
	ban, err := g.bans.GetBan(ctx, sender)
	if err != nil {
		g.logger.Warn("ban lookup failed, treating as not banned", "sender", sender, "err", err)
		return false
	}
	if ban == nil {
		return false
	}
	if ban.Expired(g.now()) {
		if err := g.bans.DeleteBan(ctx, sender); err != nil {
			g.logger.Warn("delete expired ban failed", "sender", sender, "err", err)
		}
		g.logger.Info("ban expired", "sender", sender)
		return false
	}
	return true
}

// CheckRateLimit applies the in-process cooldown, then the durable
// per-minute counter. A cooldown rejection never touches the store.
func (g *Gate) CheckRateLimit(ctx context.Context, sender string) bool {
	if !g.cooldowns.Allow(sender, g.cooldown) {
		g.logger.Debug("cooldown rejected message", "sender", sender)
		return false
	}

	if g.counter == nil {
		return true
	}

	bucket := MinuteBucket(g.now())
	count, err := g.counter.IncrementMinuteCounter(ctx, sender, bucket)
	if err != nil {
		g.logger.Warn("minute counter unavailable, allowing", "sender", sender, "err", err)
		return true
	}
	// count includes this message, so a bucket already at the max is now above it.
	if count > g.maxPerMin {
		g.logger.Info("per-minute limit reached", "sender", sender, "bucket", bucket, "count", count-1)
		return false
	}
	return true
}

// BanUser bans sender. A zero expiresIn means a permanent ban.
func (g *Gate) BanUser(ctx context.Context, sender, reason string, expiresIn time.Duration) {
	now := g.now()
	ban := domain.BanEntry{Sender: sender, Reason: reason, CreatedAt: now}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		ban.ExpiresAt = &exp
	}
	if err := g.bans.UpsertBan(ctx, ban); err != nil {
		g.logger.Error("ban user failed", "sender", sender, "err", err)
		return
	}
	g.logger.Info("user banned", "sender", sender, "reason", reason, "expires_in", expiresIn)
}

func (g *Gate) UnbanUser(ctx context.Context, sender string) {
	if err := g.bans.DeleteBan(ctx, sender); err != nil {
		g.logger.Error("unban user failed", "sender", sender, "err", err)
		return
	}
	g.logger.Info("user unbanned", "sender", sender)
}

// MinuteBucket formats t as the UTC minute key of the durable counter.
func MinuteBucket(t time.Time) string {
	return t.UTC().Format(domain.MinuteBucketLayout)
}
