package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"miabot/internal/bus"
	"miabot/internal/config"
	"miabot/internal/domain"
	"miabot/internal/memory"
	"miabot/internal/provider"
)

// checkResult tallies doctor outcomes.
type checkResult struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-24s %s\n", check, detail)
}

func (r *checkResult) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-24s %s\n", check, detail)
}

func (r *checkResult) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-24s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, store and providers",
		Long: `Verifies that the configuration loads, the store (and Redis when
configured) is reachable, and that each enabled provider answers its health
check. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			r := &checkResult{out: out}
			fmt.Fprintf(out, "miabot doctor v%s\n\n", version)

			path := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(path); err != nil {
				r.warn("Config file", "not found at "+path+", using defaults and environment")
			} else {
				r.pass("Config file", path)
			}

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return summarize(r)
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			checkStore(ctx, r, cfg)
			checkProviders(ctx, r, cfg)
			checkChannels(r, cfg)
			checkPort(r, cfg.Server.Host, cfg.Server.Port)

			return summarize(r)
		},
	}
}

func summarize(r *checkResult) error {
	fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkStore(ctx context.Context, r *checkResult, cfg *config.Config) {
	b, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		r.fail("Store", err.Error())
		return
	}
	defer b.Close()

	if err := b.Ping(ctx); err != nil {
		r.fail("Store", err.Error())
		return
	}
	target := cfg.Memory.DBPath
	if cfg.Memory.Driver == config.DriverPostgres {
		target = "postgres"
	}
	r.pass("Store", cfg.Memory.Driver+" "+target)

	switch {
	case cfg.Memory.RedisAddr == "":
	case b.CountersInRedis():
		r.pass("Redis counters", cfg.Memory.RedisAddr)
	default:
		r.warn("Redis counters", "unreachable, store counters in use")
	}
}

func checkProviders(ctx context.Context, r *checkResult, cfg *config.Config) {
	factory := provider.NewFactory(cfg, bus.NewEventBus(logger), logger)

	chain := factory.ChatChain()
	if chain.Len() == 0 {
		r.fail("Chat chain", "no usable chat provider")
	} else {
		r.pass("Chat chain", chain.Name())
	}

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		label := "Provider " + pc.Name
		p, err := factory.Get(pc.Name)
		if err != nil {
			r.warn(label, err.Error())
			continue
		}
		cp, ok := p.(domain.ChatProvider)
		if !ok {
			r.pass(label, pc.Capability+" configured")
			continue
		}
		if err := cp.Healthy(ctx); err != nil {
			r.warn(label, "unhealthy: "+err.Error())
			continue
		}
		r.pass(label, "healthy")
	}
}

func checkChannels(r *checkResult, cfg *config.Config) {
	wa, tg := cfg.Channels.WhatsApp, cfg.Channels.Telegram
	if !wa.Enabled && !tg.Enabled {
		r.warn("Channels", "none enabled, only 'miabot chat' will work")
		return
	}
	if wa.Enabled {
		if wa.AppSecret == "" {
			r.warn("WhatsApp", "appSecret not set, webhook signatures are not verified")
		} else {
			r.pass("WhatsApp", "webhook "+wa.WebhookPath)
		}
	}
	if tg.Enabled {
		r.pass("Telegram", "long polling")
	}
}

func checkPort(r *checkResult, host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn("HTTP port", fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass("HTTP port", addr+" available")
}
