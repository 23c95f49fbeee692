package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lfy-personal/Pricing/internal/config"
	"github.com/lfy-personal/Pricing/internal/discovery"
	"github.com/lfy-personal/Pricing/internal/extract"
	"github.com/lfy-personal/Pricing/internal/logging"
	"github.com/lfy-personal/Pricing/internal/notify"
	"github.com/lfy-personal/Pricing/internal/observer"
	"github.com/lfy-personal/Pricing/internal/orchestrator"
	"github.com/lfy-personal/Pricing/internal/policy"
	"github.com/lfy-personal/Pricing/internal/runstore"
	"github.com/lfy-personal/Pricing/internal/search"
)

// stuckAfter flags RUNNING runs without progress in the observer
const stuckAfter = 10 * time.Minute

// app is the fully wired pipeline shared by the run, resume and serve commands
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    runstore.Store
	search   *search.Client
	observer *observer.Observer
	orch     *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadWithLocalOverride(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

// openStore opens the configured run store, creating the sqlite directory
func openStore(ctx context.Context, cfg *config.Config) (runstore.Store, error) {
	target := cfg.General.DatabasePath
	if cfg.Store.Driver == runstore.DriverPostgres {
		target = cfg.Store.PostgresDSN
		if target == "" {
			return nil, eris.New("store.postgres_dsn is required for the postgres driver")
		}
	} else if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, eris.Wrapf(err, "create database directory for %s", target)
	}
	return runstore.Open(ctx, cfg.Store.Driver, target)
}

// newApp wires the search adapter, engines, store and orchestrator.
// onEvent receives progress events; nil callbacks are skipped.
func newApp(ctx context.Context, onEvent ...func(orchestrator.Event)) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	obs := observer.New(stuckAfter)
	client := search.NewClient(cfg.Credentials(), search.OptionsFromConfig(cfg), log.Named("search"))
	client.SetObserver(obs.ProviderCall)
	client.Slots().SetOnSlotsChanged(obs.SlotsChanged(client.Slots().Capacity()))

	var extractor policy.Extractor
	if cfg.Extract.Enabled {
		extractor = extract.New(extract.OptionsFromConfig(cfg))
	}

	opts := orchestrator.OptionsFromConfig(cfg)
	opts.Capability = string(client.Capability())
	opts.Notifier = notify.FromConfig(cfg.Notifications)
	opts.Observer = obs
	opts.OnEvent = fanOut(onEvent)

	orch := orchestrator.New(store,
		discovery.New(client, discovery.OptionsFromConfig(cfg), log.Named("discovery")),
		policy.New(extractor, log.Named("policy")),
		opts, log.Named("orchestrator"))

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		search:   client,
		observer: obs,
		orch:     orch,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func fanOut(fns []func(orchestrator.Event)) func(orchestrator.Event) {
	var live []func(orchestrator.Event)
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(e orchestrator.Event) {
		for _, fn := range live {
			fn(e)
		}
	}
}
