package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"miabot/internal/channel"
	"miabot/internal/domain"
	"miabot/internal/scheduler"
	"miabot/internal/server"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (webhooks, Telegram polling, housekeeping)",
		Long:  "Starts every enabled transport, the HTTP server for webhooks, metrics and health, and the housekeeping jobs. Press Ctrl+C to stop.",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Options{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		MetricsPath: cfg.Server.MetricsPath,
		Metrics:     a.metrics,
		Health:      a.backend,
		Logger:      logger,
	})

	var transports []domain.Transport
	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		w := channel.NewWhatsApp(channel.WhatsAppChannelConfig{Config: wa, Logger: logger})
		srv.Mount(w)
		transports = append(transports, w)
	}
	if tg := cfg.Channels.Telegram; tg.Enabled {
		transports = append(transports, channel.NewTelegram(channel.TelegramChannelConfig{
			Token:       tg.Token,
			PollTimeout: tg.PollTimeout,
			Logger:      logger,
		}))
	}
	if len(transports) == 0 {
		return errors.New("no transport enabled: enable channels.whatsapp or channels.telegram, or use 'miabot chat'")
	}

	a.start(ctx, transports...)

	var hk *scheduler.Housekeeper
	if cfg.Housekeeping.Enabled {
		hk = scheduler.NewHousekeeper(a.backend.Store, scheduler.HousekeeperConfig{
			Config:        cfg.Housekeeping,
			PruneCounters: !a.backend.CountersInRedis(),
			Logger:        logger,
		})
		if err := hk.Start(ctx); err != nil {
			return err
		}
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	logger.Info("miabot started", "version", version, "bot", cfg.General.BotName, "addr", srv.Addr())

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if hk != nil {
		<-hk.Stop().Done()
	}
	if err := a.drain(transports...); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			cli := channel.NewCLI(channel.CLIConfig{
				In:     cmd.InOrStdin(),
				Out:    cmd.OutOrStdout(),
				Logger: logger,
			})
			a.dispatcher.Register(cli)
			a.runDispatcher(ctx)

			if err := cli.Start(ctx, a.inbound); err != nil {
				return err
			}
			return a.drain(cli)
		},
	}
}
