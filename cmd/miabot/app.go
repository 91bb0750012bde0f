package main

import (
	"context"
	"fmt"
	"time"

	"miabot/internal/agent"
	"miabot/internal/bus"
	"miabot/internal/config"
	"miabot/internal/domain"
	"miabot/internal/memory"
	"miabot/internal/metrics"
	"miabot/internal/provider"
	"miabot/internal/queue"
	"miabot/internal/security"
)

const (
	inboundBuffer   = 256
	shutdownTimeout = 30 * time.Second
)

// app is the wired message pipeline shared by run and chat.
type app struct {
	cfg        *config.Config
	events     *bus.EventBus
	inbound    *bus.InMemoryBus
	backend    *memory.Backend
	queue      *queue.Queue
	gate       *security.Gate
	dispatcher *agent.Dispatcher
	metrics    *metrics.Pipeline
	runDone    chan struct{}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	backend, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	events := bus.NewEventBus(logger)
	inbound := bus.New(inboundBuffer, logger)
	q := queue.New(ctx, cfg.General.QueueConcurrency, logger)

	gate := security.NewGate(security.GateConfig{
		CooldownSeconds: cfg.Abuse.CooldownSeconds,
		MaxPerMinute:    cfg.Abuse.MaxPerMinute,
	}, backend.Store, backend.Counter, nil, logger)

	factory := provider.NewFactory(cfg, events, logger)
	answers := agent.NewOrchestratorFromFactory(factory, cfg.General.BotName, cfg.General.DefaultLanguage, events, logger)

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Bus:             inbound,
		Queue:           q,
		Gate:            gate,
		Answers:         answers,
		Store:           backend.Store,
		Events:          events,
		Logger:          logger,
		DefaultLanguage: cfg.General.DefaultLanguage,
		ContextTurns:    cfg.Memory.ContextTurns,
	})

	return &app{
		cfg:        cfg,
		events:     events,
		inbound:    inbound,
		backend:    backend,
		queue:      q,
		gate:       gate,
		dispatcher: dispatcher,
		metrics:    metrics.NewPipeline(metrics.NewCollector("miabot"), events, q),
		runDone:    make(chan struct{}),
	}, nil
}

// start registers the transports and launches them with the dispatcher.
func (a *app) start(ctx context.Context, transports ...domain.Transport) {
	for _, t := range transports {
		a.dispatcher.Register(t)
	}
	a.runDispatcher(ctx)
	for _, t := range transports {
		go func(t domain.Transport) {
			if err := t.Start(ctx, a.inbound); err != nil {
				logger.Error("transport stopped with error", "channel", t.Name(), "err", err)
			}
		}(t)
		logger.Info("transport enabled", "channel", t.Name())
	}
}

// runDispatcher consumes the bus until it is closed by drain, so messages
// already buffered at shutdown are still handled.
func (a *app) runDispatcher(ctx context.Context) {
	go func() {
		defer close(a.runDone)
		a.dispatcher.Run(context.WithoutCancel(ctx))
	}()
}

// drain stops intake, then waits for queued tasks up to the shutdown timeout.
func (a *app) drain(transports ...domain.Transport) error {
	for _, t := range transports {
		if err := t.Stop(); err != nil {
			logger.Warn("transport stop failed", "channel", t.Name(), "err", err)
		}
	}
	a.inbound.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-a.runDone:
	case <-ctx.Done():
	}
	if err := a.queue.Wait(ctx); err != nil {
		logger.Warn("shutdown timed out with tasks in flight", "pending", a.queue.Len(), "running", a.queue.Running())
		return fmt.Errorf("drain queue: %w", err)
	}
	return nil
}

func (a *app) Close() error {
	return a.backend.Close()
}
