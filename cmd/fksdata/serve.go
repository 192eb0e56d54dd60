package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fks-trading/fks-data/internal/delta"
	httpapi "github.com/fks-trading/fks-data/internal/interfaces/http"
	"github.com/fks-trading/fks-data/internal/quality"
	"github.com/fks-trading/fks-data/internal/stream"
)

const qualityCheckPeriod = 5 * time.Minute

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API, WebSocket fan-out, scheduler and backfill",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx, *configPath, appOptions{needAssets: true})
			if err != nil {
				return err
			}
			defer app.Close()

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			scanner := delta.NewScanner()
			var ticks delta.TickSink
			if app.Store != nil {
				ticks = app.Store
			}
			dialer := delta.Tap(ctx, stream.DialBinance, scanner, ticks, log.Logger)
			hub := stream.NewHub(dialer, log.Logger)
			go hub.Run(ctx)

			if err := app.Scheduler.Register(app.Config.Scheduler.Jobs); err != nil {
				return err
			}
			go app.Scheduler.Start(ctx)
			go drainReports(ctx, app)

			if app.Backfill != nil {
				go func() {
					if err := app.Backfill.Run(ctx, app.Config.Backfill.Interval()); err != nil && err != context.Canceled {
						log.Error().Err(err).Msg("backfill loop stopped")
					}
				}()
			}

			if app.Store != nil {
				go runQualityLoop(ctx, app, registry)
			}

			cfg := httpapi.DefaultConfig()
			if app.Config.Server.Host != "" {
				cfg.Host = app.Config.Server.Host
			}
			if app.Config.Server.Port != 0 {
				cfg.Port = app.Config.Server.Port
			}
			deps := httpapi.Deps{
				Fetcher:  app.Manager,
				Clients:  app.Registry,
				Cache:    app.Cache,
				Keys:     app.Keys,
				Assets:   app.Assets,
				Hub:      hub,
				Delta:    scanner,
				Registry: registry,
				Log:      log.Logger,
			}
			if app.Store != nil {
				deps.DB = app.Store
				deps.States = app.Store
			}
			server := httpapi.NewServer(cfg, deps)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}
}

// drainReports keeps the scheduler's report channel flowing; the access
// log already records each run, so this only surfaces stuck queues.
func drainReports(ctx context.Context, app *App) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-app.Scheduler.Reports():
			if !ok {
				return
			}
		}
	}
}

// runQualityLoop periodically grades every enabled asset's stored data
// and exports the scores.
func runQualityLoop(ctx context.Context, app *App, registry *prometheus.Registry) {
	collector, err := quality.NewCollector(app.Store, registry, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("quality collector init failed")
		return
	}
	ticker := time.NewTicker(qualityCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		assets, err := app.Assets.ListAssets()
		if err != nil {
			log.Warn().Err(err).Msg("quality pass: list assets failed")
			continue
		}
		now := time.Now()
		for _, asset := range assets {
			if !asset.Enabled {
				continue
			}
			for _, interval := range asset.Intervals {
				bars, err := app.Store.FetchRange(ctx, asset.Source, asset.Symbol, interval,
					now.Add(-24*time.Hour).Unix(), now.Unix())
				if err != nil || len(bars) == 0 {
					continue
				}
				if _, err := collector.Check(ctx, asset.Symbol, interval, bars); err != nil {
					log.Warn().Err(err).Str("symbol", asset.Symbol).Msg("quality check failed")
				}
			}
		}
	}
}
