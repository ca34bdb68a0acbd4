package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/manager"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/monitor"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/targetenv"
)

// app holds the collaborators shared by the train and serve commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     storage.RunStore
	publisher events.Publisher
	metrics   *metrics.Collector
	manager   *manager.Manager
	monitor   *monitor.Monitor
	closeNATS func()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewRunStore(ctx, cfg.Storage.Kind, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		publisher: events.NoopPublisher{},
		metrics:   metrics.NewCollector(logger),
		closeNATS: func() {},
	}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		a.publisher = nats
		a.closeNATS = nats.Close
		logger.Info().Str("url", cfg.Events.NATSURL).Str("subject", cfg.Events.Subject).Msg("Publishing events to NATS")
	}

	a.manager = manager.New(manager.Dependencies{
		Factory:   manager.DefaultFactory(cfg.Environment.Target, logger),
		Store:     store,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}, logger)
	a.monitor = monitor.NewMonitor(
		a.manager,
		events.Fanout{storage.NewRecorder(store), a.publisher},
		a.metrics,
		monitor.Config{PollInterval: cfg.Monitor.PollInterval, StallAfter: cfg.Monitor.StallAfter},
		logger,
	)
	return a, nil
}

// close shuts every agent down and releases the registry and NATS connection.
func (a *app) close() error {
	err := a.manager.Shutdown(context.Background())
	if err != nil {
		a.logger.Error().Err(err).Msg("manager shutdown failed")
	}
	a.closeNATS()
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error().Err(cerr).Msg("failed to close run store")
	}
	return err
}

// trainingFor returns the training config for an environment kind. The
// built-in target environment has fixed dimensions.
func trainingFor(cfg *config.Config) config.Training {
	training := cfg.Training
	if cfg.Environment.Kind == manager.KindTarget {
		training.ObservationDim = targetenv.ObservationDim
		training.ActionDim = targetenv.ActionDim
	}
	return training
}
