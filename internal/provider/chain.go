package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"miabot/internal/bus"
	"miabot/internal/domain"
)

// ErrNoProviders is returned by an empty chain.
var ErrNoProviders = errors.New("no chat providers configured")

// ChainEntry is one provider in the fallback order with its own retry policy.
type ChainEntry struct {
	Provider domain.ChatProvider
	Policy   Policy
}

// Chain tries chat providers in order, each through the uniform retry
// wrapper, and returns the first non-empty completion. Adding or removing a
// provider only changes the entry list.
type Chain struct {
	entries []ChainEntry
	events  *bus.EventBus
	logger  *slog.Logger
}

func NewChain(entries []ChainEntry, events *bus.EventBus, logger *slog.Logger) *Chain {
	return &Chain{entries: entries, events: events, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Provider.Name()
	}
	return "chain(" + strings.Join(names, "→") + ")"
}

// Len returns the number of providers in the chain.
func (c *Chain) Len() int { return len(c.entries) }

// Healthy succeeds if any provider in the chain is healthy.
func (c *Chain) Healthy(ctx context.Context) error {
	if len(c.entries) == 0 {
		return ErrNoProviders
	}
	var errs []error
	for _, e := range c.entries {
		err := e.Provider.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.Provider.Name(), err))
	}
	return fmt.Errorf("no healthy provider: %w", errors.Join(errs...))
}

// Chat returns the first successful response. The returned error wraps the
// last provider's *Error when every entry is exhausted.
func (c *Chain) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(c.entries) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for i, e := range c.entries {
		resp, attempts, err := chatWithRetry(ctx, e.Provider, req, e.Policy, c.logger)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback provider answered", "provider", e.Provider.Name(), "position", i+1)
			}
			c.events.Emit(bus.Event{
				Type:    bus.EventProviderUsed,
				Source:  "provider",
				Payload: map[string]any{"provider": e.Provider.Name(), "position": i, "latency_ms": resp.LatencyMs},
			})
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("provider exhausted, trying next",
			"provider", e.Provider.Name(),
			"attempts", attempts,
			"err", err,
		)
		c.events.Emit(bus.Event{
			Type:    bus.EventProviderFailed,
			Source:  "provider",
			Payload: map[string]any{"provider": e.Provider.Name(), "reason": string(ReasonOf(err)), "attempts": attempts},
		})
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all chat providers failed: %w", lastErr)
}
