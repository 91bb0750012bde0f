package provider

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"miabot/internal/domain"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 30 * time.Second
)

// Policy is the uniform retry and timeout rule applied to a chat provider.
// The wait before attempt n+1 is n * BaseDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

// DefaultPolicy is the primary provider policy: 3 attempts, 1s linear
// backoff, 30s per attempt.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, Timeout: DefaultTimeout}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

func (p Policy) backoff(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseDelay
}

// chatWithRetry calls p.Chat up to policy.MaxAttempts times. Each attempt has
// its own timeout. An empty completion counts as a failed attempt.
func chatWithRetry(ctx context.Context, p domain.ChatProvider, req domain.ChatRequest, policy Policy, logger *slog.Logger) (*domain.ChatResponse, int, error) {
	policy = policy.normalized()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		start := time.Now()
		resp, err := p.Chat(attemptCtx, req)
		cancel()

		if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
			err = emptyErr(p.Name())
		}
		if err == nil {
			if resp.LatencyMs == 0 {
				resp.LatencyMs = time.Since(start).Milliseconds()
			}
			resp.Provider = p.Name()
			return resp, attempt, nil
		}

		lastErr = wrapErr(p.Name(), err)
		if ctx.Err() != nil {
			return nil, attempt, wrapErr(p.Name(), ctx.Err())
		}
		logger.Warn("provider attempt failed",
			"provider", p.Name(),
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"reason", ReasonOf(lastErr),
			"err", err,
		)

		if attempt < policy.MaxAttempts {
			wait := policy.backoff(attempt)
			select {
			case <-ctx.Done():
				return nil, attempt, wrapErr(p.Name(), ctx.Err())
			case <-time.After(wait):
			}
		}
	}
	return nil, policy.MaxAttempts, lastErr
}
