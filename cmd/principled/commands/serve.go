package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryabin/principled/pkg/principled/bot"
	"github.com/ryabin/principled/pkg/principled/channels/telegram"
	"github.com/ryabin/principled/pkg/principled/config"
	"github.com/ryabin/principled/pkg/principled/delivery"
	"github.com/ryabin/principled/pkg/principled/empathy"
	"github.com/ryabin/principled/pkg/principled/scheduler"
	"github.com/ryabin/principled/pkg/principled/store"
)

// newServeCmd creates the `principled serve` command that starts the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Telegram bot",
		Long: `Start the bot: connect to Telegram, restore persisted daily
reminders, and process commands.

Examples:
  principled serve
  principled serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd, cfg)
	config.ResolveAPIKey(cfg, logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.New(cfg.Data.Dir, logger)
	if err != nil {
		return fmt.Errorf("opening data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := telegram.New(cfg.Telegram, logger)
	sender := delivery.NewSender(ch, logger)
	llm := empathy.NewClient(cfg.API, logger)
	sched := scheduler.New(st, sender, cfg.Scheduler, logger)

	// Reinstate persisted reminders before accepting commands, so a
	// restart never loses a user's schedule.
	sched.Start(ctx)
	restored := sched.RestoreAll()
	logger.Info("reminders restored", "count", restored)

	if err := ch.Connect(ctx); err != nil {
		sched.Stop()
		return fmt.Errorf("connecting to Telegram: %w", err)
	}

	// Catch-up firings deliver over the channel, so they wait for Connect.
	if missed := sched.CatchUp(); missed > 0 {
		logger.Info("missed reminders caught up", "count", missed)
	}

	b := bot.New(ch, st, sched, sender, llm, logger)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("bot stopped unexpectedly", "error", err)
		}
	}()

	logger.Info("principled running. Press Ctrl+C to stop.",
		"data_dir", cfg.Data.Dir,
		"model", cfg.API.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		if err := ch.Disconnect(); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
		sched.Stop()
		<-runDone
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the --config flag or standard locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.Load(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	return nil, fmt.Errorf("no configuration file found. Run 'principled setup' to create one")
}

// buildLogger configures slog from the logging config and --verbose.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
