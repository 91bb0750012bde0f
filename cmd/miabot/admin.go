package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"miabot/internal/config"
	"miabot/internal/domain"
	"miabot/internal/memory"
	"miabot/internal/security"
)

// withBackend opens the configured store for a one-shot operator command.
func withBackend(fn func(ctx context.Context, cfg *config.Config, b *memory.Backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	b, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer b.Close()
	return fn(ctx, cfg, b)
}

func banCmd() *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ban <sender>",
		Short: "Ban a sender (permanently unless --for is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *memory.Backend) error {
				gate := security.NewGate(security.GateConfig{}, b.Store, nil, nil, logger)
				gate.BanUser(ctx, args[0], reason, duration)

				ban, err := b.Store.GetBan(ctx, args[0])
				if err != nil {
					return fmt.Errorf("verify ban: %w", err)
				}
				if ban == nil {
					return fmt.Errorf("ban of %s was not stored", args[0])
				}
				until := "permanent"
				if ban.ExpiresAt != nil {
					until = "until " + ban.ExpiresAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "banned %s (%s)\n", ban.Sender, until)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the ban")
	cmd.Flags().DurationVar(&duration, "for", 0, "ban duration, e.g. 24h (default permanent)")
	return cmd
}

func unbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <sender>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *memory.Backend) error {
				gate := security.NewGate(security.GateConfig{}, b.Store, nil, nil, logger)
				gate.UnbanUser(ctx, args[0])
				if gate.IsBanned(ctx, args[0]) {
					return fmt.Errorf("%s is still banned", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unbanned %s\n", args[0])
				return nil
			})
		},
	}
}

func bansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bans",
		Short: "List bans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *memory.Backend) error {
				bans, err := b.Store.ListBans(ctx)
				if err != nil {
					return fmt.Errorf("list bans: %w", err)
				}
				if len(bans) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no bans")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SENDER\tEXPIRES\tREASON\tSINCE")
				now := time.Now()
				for _, ban := range bans {
					expires := "never"
					if ban.ExpiresAt != nil {
						expires = ban.ExpiresAt.Local().Format(time.DateTime)
						if ban.Expired(now) {
							expires += " (expired)"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ban.Sender, expires, ban.Reason, ban.CreatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daily usage counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, cfg *config.Config, b *memory.Backend) error {
				stats, err := b.Store.DailyStats(ctx, days)
				if err != nil {
					return fmt.Errorf("daily stats: %w", err)
				}
				return printStats(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "number of days to show")
	return cmd
}

func printStats(out io.Writer, stats []domain.DailyStat) error {
	if len(stats) == 0 {
		fmt.Fprintln(out, "no stats recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tFIELD\tCOUNT")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%d\n", s.Date, s.Field, s.Count)
	}
	return w.Flush()
}
