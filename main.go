package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/joho/godotenv"

	"collectorflow/config"
	"collectorflow/internal/collector"
	"collectorflow/internal/dashboard"
	"collectorflow/internal/metrics"
	"collectorflow/internal/models"
	"collectorflow/internal/source"
	"collectorflow/internal/store"
	"collectorflow/internal/writer"
	"collectorflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Collectorflow.Name,
		"environment": env,
		"version":     cfg.Collectorflow.Version,
		"collectors":  len(cfg.Collectors),
	}).Info("starting collectorflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second, func(s logger.SystemStats) {
			fields := logger.Fields{"unit": "percent"}
			metrics.EmitMetric(log, "system", "cpu_percent", s.CPUPercent, "gauge", fields)
			metrics.EmitMetric(log, "system", "goroutines", s.Goroutines, "gauge", logger.Fields{"unit": "count"})
			metrics.EmitMetric(log, "system", "memory_mb", s.MemoryMB, "gauge", nil)
		})
	}

	st, err := openStore(ctx, cfg, env)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	var archive *writer.Archive
	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewArchive(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archive disabled")
	}

	recorder, reg, err := metrics.Setup(cfg.Metrics)
	if err != nil {
		log.WithError(err).Error("failed to register metrics")
		os.Exit(1)
	}
	var observers []collector.Observer
	if recorder != nil {
		observers = append(observers, recorder)
	} else {
		log.WithComponent("main").Info("Prometheus export disabled")
	}

	var publisher *writer.OutcomePublisher
	if cfg.Events.Kafka.Enabled {
		publisher, err = writer.NewOutcomePublisher(cfg.Events.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create outcome publisher")
			os.Exit(1)
		}
		if err := publisher.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start outcome publisher")
			os.Exit(1)
		}
		observers = append(observers, publisher)
	}

	manager := collector.NewManager()
	names := make([]string, 0, len(cfg.Collectors))
	for _, c := range cfg.Collectors {
		rt, err := buildRuntime(ctx, cfg, c, st, archive, observers)
		if err != nil {
			var ce *models.ConfigError
			if errors.As(err, &ce) {
				log.WithError(err).WithFields(logger.Fields{"collector": c.Name}).Error("invalid collector configuration")
			} else {
				log.WithError(err).WithFields(logger.Fields{"collector": c.Name}).Error("failed to build collector")
			}
			os.Exit(1)
		}
		if err := manager.Add(rt); err != nil {
			log.WithError(err).Error("failed to register collector")
			os.Exit(1)
		}
		names = append(names, c.Name)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch, names); err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		}
	}
	opts := dashboard.Options{
		Manager: manager,
		ReadinessChecks: map[string]healthcheck.Check{
			"store": func() error {
				pingCtx, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				return st.Ping(pingCtx)
			},
		},
	}
	if recorder != nil {
		recorder.StartSampler(ctx, manager, 15*time.Second)
		opts.Gatherer = reg
		opts.Registerer = reg
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, opts)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	dashDone := make(chan struct{})
	go func() {
		defer close(dashDone)
		if err := dash.Run(ctx, cfg.Collectorflow.Name); err != nil {
			log.WithError(err).Error("dashboard stopped")
		}
	}()

	if err := manager.StartAll(); err != nil {
		log.WithError(err).Error("failed to start collectors")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("draining collectors")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), maxShutdownGrace(cfg)+5*time.Second)
	if err := manager.ShutdownAll(drainCtx); err != nil {
		log.WithError(err).Warn("collectors did not drain cleanly")
	}
	drainCancel()

	cancel()
	<-dashDone

	if publisher != nil {
		log.Info("stopping outcome publisher")
		publisher.Stop()
	}
	if archive != nil {
		log.Info("stopping archive writer")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		archive.Stop(stopCtx)
		stopCancel()
	}

	log.Info("graceful shutdown completed")
}

func openStore(ctx context.Context, cfg *config.Config, env string) (store.Store, error) {
	if !cfg.Storage.Postgres.Enabled {
		if config.IsProductionLike(env) {
			return nil, &models.ConfigError{Field: "storage.postgres.enabled", Reason: "durable storage is required in " + env}
		}
		logger.GetLogger().WithComponent("main").Warn("postgres disabled; records are kept in memory")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.Storage.Postgres)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func buildRuntime(ctx context.Context, cfg *config.Config, c config.CollectorConfig, st store.Store, archive *writer.Archive, observers []collector.Observer) (*collector.Runtime, error) {
	primeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	fetcher, err := source.New(primeCtx, cfg, c)
	if err != nil {
		return nil, err
	}

	bound := store.ForCollector(st, c.Name)
	var persister models.Persister = bound
	if archive != nil {
		persister = archive.Wrap(bound)
	}
	return collector.New(c, collector.Deps{
		Fetcher:   fetcher,
		Persister: persister,
		Coverage:  bound,
		Observers: observers,
	})
}

func maxShutdownGrace(cfg *config.Config) time.Duration {
	var grace time.Duration
	for _, c := range cfg.Collectors {
		if c.Runtime.ShutdownGrace > grace {
			grace = c.Runtime.ShutdownGrace
		}
	}
	return grace
}
