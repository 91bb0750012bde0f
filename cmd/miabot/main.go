package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"miabot/internal/config"
)

var (
	version    = "1.0.0"
	logLevel   = new(slog.LevelVar)
	logger     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	configPath string // --config
)

func main() {
	root := &cobra.Command{
		Use:           "miabot",
		Short:         "Mia: a multimodal chat assistant for WhatsApp and Telegram",
		Long:          "miabot answers text, images and voice notes through a chain of AI providers, with abuse protection and per-user memory.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.miabot/config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(banCmd())
	root.AddCommand(unbanCmd())
	root.AddCommand(bansCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg)
	return cfg, nil
}

func applyLogLevel(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.General.Debug {
		level = slog.LevelDebug
	}
	logLevel.Set(level)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "miabot %s\n", version)
		},
	}
}
