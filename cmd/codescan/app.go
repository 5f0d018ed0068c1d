package main

import (
	"context"
	"log/slog"

	"github.com/spf13/afero"
	"gorm.io/gorm"

	"github.com/SiriusScan/codescan/nvd"
	"github.com/SiriusScan/codescan/sirius/config"
	"github.com/SiriusScan/codescan/sirius/dispatcher"
	"github.com/SiriusScan/codescan/sirius/enrichment"
	"github.com/SiriusScan/codescan/sirius/lifecycle"
	"github.com/SiriusScan/codescan/sirius/memory"
	"github.com/SiriusScan/codescan/sirius/metrics"
	"github.com/SiriusScan/codescan/sirius/postgres"
	"github.com/SiriusScan/codescan/sirius/queue"
	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/scanner"
	"github.com/SiriusScan/codescan/sirius/snapshot"
	"github.com/SiriusScan/codescan/sirius/status"
	"github.com/SiriusScan/codescan/sirius/store"
)

// app holds the collaborators one process runs with.
type app struct {
	cfg       config.Configuration
	logger    *slog.Logger
	db        *gorm.DB
	repo      scan.Repository
	kv        store.KVStore
	snapshots *snapshot.Manager
	metrics   *metrics.Metrics
	queue     *queue.Client
	manager   *lifecycle.Manager
	status    *status.Service
}

type appOption func(*appSettings)

type appSettings struct {
	runner   scanner.Runner
	launcher lifecycle.Launcher
	useQueue bool
}

// withRunner replaces the process runner used by scanner adapters.
func withRunner(r scanner.Runner) appOption {
	return func(s *appSettings) { s.runner = r }
}

// withQueueLauncher hands new scans to workers when RabbitMQ is enabled.
func withQueueLauncher() appOption {
	return func(s *appSettings) { s.useQueue = true }
}

// withLauncher overrides how new scans are started.
func withLauncher(l lifecycle.Launcher) appOption {
	return func(s *appSettings) { s.launcher = l }
}

func newApp(cfg config.Configuration, logger *slog.Logger, opts ...appOption) (*app, error) {
	var settings appSettings
	for _, opt := range opts {
		opt(&settings)
	}
	a := &app{cfg: cfg, logger: logger}

	if err := a.openRepository(); err != nil {
		return nil, err
	}
	if err := a.openStore(); err != nil {
		a.close()
		return nil, err
	}

	m, err := metrics.New()
	if err != nil {
		a.close()
		return nil, err
	}
	a.metrics = m
	a.snapshots = snapshot.NewManager(a.kv, cfg.Snapshots.Retention)
	a.queue = queue.New(queue.Config{
		URL:      cfg.RabbitMQ.URL,
		Queue:    cfg.RabbitMQ.Queue,
		Prefetch: cfg.RabbitMQ.Prefetch,
	}, logger)

	quorum, err := dispatcher.ParseQuorum(cfg.Dispatcher.Quorum)
	if err != nil {
		a.close()
		return nil, err
	}
	registry := scanner.NewDefaultRegistry(scanner.Config{
		Timeout:  cfg.Scanners.Timeout,
		Binaries: cfg.Binaries(),
		Enabled:  cfg.EnabledScanners(),
		Runner:   settings.runner,
		Logger:   logger,
	})

	launcher := settings.launcher
	if launcher == nil && settings.useQueue && cfg.RabbitMQ.Enabled {
		launcher = lifecycle.QueueLauncher(a.queue)
	}

	a.manager, err = lifecycle.New(lifecycle.Config{
		Repository: a.repo,
		Registry:   registry,
		FS:         afero.NewOsFs(),
		Dispatcher: dispatcher.New(dispatcher.Config{
			PerScanLimit: cfg.Dispatcher.PerScanLimit,
			GlobalLimit:  cfg.Dispatcher.GlobalLimit,
			Quorum:       quorum,
			Logger:       logger,
		}),
		Enricher:  a.enricher(),
		Snapshots: a.snapshots,
		Locker:    store.NewLocker(a.kv, cfg.Valkey.LeaseTTL, logger),
		Metrics:   a.metrics,
		Launcher:  launcher,
		Logger:    logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.status = status.NewService(a.repo, a.snapshots, logger)
	return a, nil
}

func (a *app) openRepository() error {
	if a.cfg.Database.Driver == "memory" {
		a.repo = memory.NewRepository()
		return nil
	}
	db, err := postgres.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := postgres.Migrate(db); err != nil {
		closeDB(db)
		return err
	}
	a.db = db
	a.repo = postgres.NewRepository(db)
	return nil
}

func (a *app) openStore() error {
	kv, err := openKV(a.cfg)
	if err != nil {
		return err
	}
	a.kv = kv
	return nil
}

func openKV(cfg config.Configuration) (store.KVStore, error) {
	if cfg.Valkey.Disabled {
		return store.NewMemoryStore(), nil
	}
	return store.NewValkeyStore(cfg.Valkey.Address)
}

func (a *app) enricher() enrichment.Enricher {
	if !a.cfg.Enrichment.Enabled {
		return nil
	}
	enrichers := []enrichment.Enricher{}
	if a.cfg.Enrichment.NVD.Enabled {
		client := nvd.NewClient(
			nvd.WithBaseURL(a.cfg.Enrichment.NVD.BaseURL),
			nvd.WithAPIKey(a.cfg.Enrichment.NVD.APIKey),
		)
		enrichers = append(enrichers, enrichment.NewNVD(client, a.logger))
	}
	enrichers = append(enrichers, enrichment.Heuristic{})
	return enrichment.NewChain(a.logger, enrichers...)
}

// recoverScans fails scans left running by a crashed process.
func (a *app) recoverScans(ctx context.Context) {
	n, err := a.manager.Recover(ctx)
	if err != nil {
		a.logger.Error("Failed to recover interrupted scans", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("Marked interrupted scans failed", "count", n)
	}
}

func (a *app) close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.db != nil {
		closeDB(a.db)
	}
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
