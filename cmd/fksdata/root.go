package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fks-trading/fks-data/internal/config"
	"github.com/fks-trading/fks-data/internal/market"
	"github.com/fks-trading/fks-data/internal/persistence/postgres"
	"github.com/fks-trading/fks-data/internal/providers"
	"github.com/fks-trading/fks-data/internal/scheduler"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{
		Use:   "fksdata",
		Short: "Market data acquisition and serving service",
		PersistentPreRun: func(*cobra.Command, []string) {
			// Missing .env is the common case outside docker-compose.
			_ = godotenv.Load()
			initLogging()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(migrateCmd())
	root.AddCommand(collectCmd(&configPath))
	root.AddCommand(backfillCmd(&configPath))
	root.AddCommand(versionCmd())
	return root.ExecuteContext(ctx)
}

// initLogging configures zerolog: human console output on a TTY, JSON
// otherwise. FKS_LOG_LEVEL picks the level (default info).
func initLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("FKS_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fksdata %s (%s)\n", version, commit)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := postgres.Connect(ctx, postgres.DSNFromEnv())
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer store.Close()
			if err := postgres.Migrate(ctx, store.DB()); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func collectCmd(configPath *string) *cobra.Command {
	var (
		symbol     string
		interval   string
		assetClass string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection for a symbol and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !market.KnownInterval(interval) {
				return fmt.Errorf("unknown interval %q", interval)
			}
			app, err := buildApp(ctx, *configPath, appOptions{needDB: true})
			if err != nil {
				return err
			}
			defer app.Close()

			report := app.Scheduler.CollectOHLCV(ctx, scheduler.Job{
				Name:       "collect-once",
				AssetClass: assetClass,
				Symbol:     symbol,
				Interval:   interval,
				Limit:      limit,
			})
			log.Info().
				Str("status", report.Status).
				Str("provider", report.Provider).
				Int("fetched", report.CandlesFetched).
				Int("stored", report.CandlesStored).
				Msg("collection finished")
			if report.Status == "error" {
				return fmt.Errorf("collection failed: %s", report.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "BTC-USD", "asset symbol")
	cmd.Flags().StringVar(&interval, "interval", "1h", "candle interval")
	cmd.Flags().StringVar(&assetClass, "asset-class", "crypto", "asset class (crypto|stock|etf)")
	cmd.Flags().IntVar(&limit, "limit", 100, "max candles to fetch")
	return cmd
}

func backfillCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Run the backfill loop in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx, *configPath, appOptions{needDB: true, needAssets: true})
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info().Msg("backfill loop starting")
			err = app.Backfill.Run(ctx, app.Config.Backfill.Interval())
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

// verifyFlagDefault reads the manager verification toggle.
func managerConfig(cfg config.Config) providers.ManagerConfig {
	return providers.ManagerConfig{
		Priorities:      cfg.Providers.Priorities,
		Cooldown:        cfg.Providers.Cooldown(),
		VerifyEnabled:   cfg.Providers.VerifyEnabled,
		VerifyTolerance: cfg.Providers.VerifyTolerance,
	}
}
