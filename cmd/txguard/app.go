package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/hed1ad/txguard/pkg/alert"
	"github.com/hed1ad/txguard/pkg/dedup"
	"github.com/hed1ad/txguard/pkg/metrics"
	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/modelstore"
	"github.com/hed1ad/txguard/pkg/monitor"
	"github.com/hed1ad/txguard/pkg/store"
)

// app holds the components shared by the subcommands.
type app struct {
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      *store.SQLiteStore
	artifacts  *modelstore.FileStore
	model      *model.Model
	guard      *dedup.Guard
	journal    *alert.FileJournal
	dispatcher *alert.Dispatcher
}

func newApp(ctx context.Context) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	policy, err := cfg.DedupPolicy()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	artifacts := modelstore.NewFileStore(cfg.Model.ArtifactPath)
	mdl := model.New(cfg.ModelSettings(),
		model.WithHistory(db),
		model.WithStore(artifacts),
		model.WithLogger(logger.Named("model")),
		model.WithMetrics(mt))

	journal := alert.NewFileJournal(cfg.Alert.JournalPath)
	dispatcher := alert.NewDispatcher(cfg.Alert.Mail, journal,
		alert.WithLogger(logger.Named("alert")),
		alert.WithMetrics(mt),
		alert.WithTimeout(cfg.Alert.Timeout))

	return &app{
		registry:   reg,
		metrics:    mt,
		store:      db,
		artifacts:  artifacts,
		model:      mdl,
		guard:      dedup.New(policy, db, dedup.WithLogger(logger.Named("dedup")), dedup.WithMetrics(mt)),
		journal:    journal,
		dispatcher: dispatcher,
	}, nil
}

func (a *app) newMonitor() (*monitor.Monitor, error) {
	opts := []monitor.Option{
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithBatchSize(cfg.Monitor.BatchSize),
		monitor.WithDispatcher(a.dispatcher),
		monitor.WithLogger(logger.Named("monitor")),
		monitor.WithMetrics(a.metrics),
	}
	if cfg.Monitor.BestEffortAlerts {
		opts = append(opts, monitor.WithBestEffortAlerts())
	}
	return monitor.New(a.store, a.model, opts...)
}

func (a *app) Close() error {
	return multierr.Combine(a.store.Close(), logger.Sync())
}
