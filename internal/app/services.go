// Package app assembles the services shared by the bot and API processes.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fooocusbot/internal/fooocus"
	"fooocusbot/internal/generation"
	"fooocusbot/internal/health"
	"fooocusbot/internal/history"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/metrics"
	"fooocusbot/internal/prompt"
	"fooocusbot/internal/storage"
)

const metricsNamespace = "fooocusbot"

// Services is everything a process needs besides its own transport.
type Services struct {
	Client   *fooocus.Client
	Runner   *generation.Runner
	Monitor  *health.Monitor
	Metrics  *metrics.Collector
	Registry *prometheus.Registry
	// History is nil when DATABASE_URL is unset.
	History *history.Recorder
	// Archive is nil when STORAGE_PATH is unset.
	Archive *storage.Archive

	closers []func()
}

// Build wires the Fooocus client, session runner, observers and health
// monitor from cfg. History and image archiving are enabled only when their
// settings are present.
func Build(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Services, error) {
	s := &Services{Registry: prometheus.NewRegistry()}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.NewCollector(metricsNamespace, s.Registry)

	client, err := fooocus.NewClient(fooocus.Options{
		BaseURL: cfg.FooocusBaseURL,
		Logger:  logger,
		Defaults: fooocus.Defaults{
			PerformanceSelection: cfg.PerformanceSelection,
			AspectRatio:          cfg.AspectRatio,
			StyleSelections:      cfg.StyleSelections,
			Sharpness:            cfg.Sharpness,
			GuidanceScale:        cfg.GuidanceScale,
			ImageSeed:            -1,
		},
		SyncTimeout: cfg.SyncTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("configure fooocus client: %w", err)
	}
	s.Client = client

	observers := generation.Observers{s.Metrics}

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		recorder := history.NewRecorder(infra.NewSQLRunner(pool, *logger), logger)
		if err := recorder.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.History = recorder
		observers = append(observers, recorder)
		logger.Info().Msg("history store enabled")
	}

	if cfg.StoragePath != "" {
		path := cfg.StoragePath
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		store, err := storage.NewFileStore(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Archive = storage.NewArchive(store, logger)
		observers = append(observers, s.Archive)
		logger.Info().Str("path", store.BasePath()).Msg("image archive enabled")
	}

	s.Runner, err = generation.NewRunner(generation.Options{
		Backend: client,
		Policy:  prompt.NewPolicy(cfg.SafetyPositivePrompt, cfg.SafetyNegativePrompt),
		Config: generation.Config{
			PollInterval: cfg.PollInterval,
			JobTimeout:   cfg.JobTimeout,
			MaxImages:    cfg.MaxImageCount,
		},
		Logger:   logger,
		Observer: observers,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Monitor, err = health.NewMonitor(health.Options{
		Pinger:   client,
		Schedule: cfg.HealthCheckSchedule,
		Sink:     s.Metrics,
		Logger:   logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database pool, if any.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
