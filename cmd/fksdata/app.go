package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fks-trading/fks-data/internal/backfill"
	"github.com/fks-trading/fks-data/internal/cache"
	"github.com/fks-trading/fks-data/internal/config"
	"github.com/fks-trading/fks-data/internal/persistence/postgres"
	"github.com/fks-trading/fks-data/internal/providers"
	"github.com/fks-trading/fks-data/internal/scheduler"
	"github.com/fks-trading/fks-data/internal/secrets"
)

type appOptions struct {
	needDB     bool
	needAssets bool
}

// App holds the wired service components a command runs with.
type App struct {
	Config    config.Config
	Cache     cache.Cache
	Keys      *secrets.KeyStore
	Registry  *providers.Registry
	Manager   *providers.Manager
	Store     *postgres.Store
	Assets    *backfill.Store
	Scheduler *scheduler.Scheduler
	Backfill  *backfill.Scheduler
}

// Close releases everything buildApp opened.
func (a *App) Close() {
	if a.Assets != nil {
		a.Assets.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
}

// buildApp wires the shared component graph. Redis and Postgres degrade
// gracefully: a missing cache means no caching, a missing database is an
// error only when the command needs one.
func buildApp(ctx context.Context, configPath string, opts appOptions) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg}

	if cfg.Redis.URL != "" {
		c, err := cache.NewRedis(cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, running without cache")
		} else {
			app.Cache = c
		}
	}
	if app.Cache == nil {
		app.Cache = cache.Noop{}
	}

	keys, err := secrets.NewKeyStore("")
	if err != nil {
		log.Warn().Err(err).Msg("key store unavailable, using environment only")
	} else {
		app.Keys = keys
	}

	app.Registry = providers.NewRegistry(app.Cache, providers.NewCredentialResolver(app.Keys))
	app.Manager = providers.NewManager(app.Registry, managerConfig(cfg))

	dsn := cfg.Database.URL
	if dsn == "" {
		dsn = postgres.DSNFromEnv()
	}
	if dsn != "" {
		store, err := postgres.Connect(ctx, dsn)
		if err != nil {
			if opts.needDB {
				return nil, fmt.Errorf("connect database: %w", err)
			}
			log.Warn().Err(err).Msg("database unavailable, persistence disabled")
		} else {
			app.Store = store
			if err := postgres.Migrate(ctx, store.DB()); err != nil {
				store.Close()
				return nil, err
			}
		}
	} else if opts.needDB {
		return nil, fmt.Errorf("no database configured (set FKS_DB_URL)")
	}

	if opts.needAssets {
		assets, err := backfill.OpenStore(cfg.Backfill.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("open asset registry: %w", err)
		}
		app.Assets = assets
	}

	var sink scheduler.BarSink
	if app.Store != nil {
		sink = app.Store
	}
	app.Scheduler = scheduler.New(app.Manager, sink, cfg.Scheduler.Workers, log.Logger)

	if app.Assets != nil {
		var barSink backfill.BarSink
		if app.Store != nil {
			barSink = app.Store
		}
		app.Backfill = backfill.NewScheduler(app.Assets, app.Manager, barSink, log.Logger)
		if cfg.Backfill.CSVRoot != "" {
			app.Backfill.CSVRoot = cfg.Backfill.CSVRoot
		}
		app.Backfill.Ratios = backfill.SplitRatios{
			Train: cfg.Backfill.TrainRatio,
			Val:   cfg.Backfill.ValRatio,
			Test:  cfg.Backfill.TestRatio,
		}
	}
	return app, nil
}
