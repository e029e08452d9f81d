package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/miradorstack/mirador-remediation/internal/api"
	"github.com/miradorstack/mirador-remediation/internal/cache"
	"github.com/miradorstack/mirador-remediation/internal/config"
	"github.com/miradorstack/mirador-remediation/internal/detector"
	"github.com/miradorstack/mirador-remediation/internal/engine"
	"github.com/miradorstack/mirador-remediation/internal/incident"
	"github.com/miradorstack/mirador-remediation/internal/metrics"
	"github.com/miradorstack/mirador-remediation/internal/repo"
	"github.com/miradorstack/mirador-remediation/internal/services"
	"github.com/miradorstack/mirador-remediation/internal/store"
	"github.com/miradorstack/mirador-remediation/internal/utils"
	"github.com/miradorstack/mirador-remediation/internal/window"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	var sinks []io.Writer
	if cfg.Logging.File != "" {
		file := utils.NewRotatingFile(utils.LogFile{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		defer file.Close()
		sinks = append(sinks, file)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, sinks...)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("mirador-remediation exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("mirador-remediation stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting mirador-remediation",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("store", cfg.Store.Driver),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	guard, durable := buildGuard(cfg.Cache, logger)

	thresholds, err := initialThresholds(cfg.Detection)
	if err != nil {
		return err
	}
	registry := config.NewThresholdRegistry(thresholds)
	aggregator := window.NewAggregator(registry)
	det := detector.New(aggregator, registry)

	diagnoser, err := buildDiagnoser(cfg.Diagnosis, logger)
	if err != nil {
		return err
	}
	executor, err := buildExecutor(cfg.Execution, logger)
	if err != nil {
		return err
	}

	events := api.NewEventHub(logger)
	defer events.Close()

	manager, err := incident.NewManager(st, diagnoser, executor, guard, incident.Options{
		Logger:    logger,
		Publisher: events,
		Spikes:    aggregator,
		ApprovalTimeout: func(service string) time.Duration {
			return time.Duration(registry.For(service).ApprovalTimeoutSeconds) * time.Second
		},
		DiagnosisTimeout:    cfg.Diagnosis.Timeout,
		ExecutionTimeout:    cfg.Execution.Timeout,
		EscalationTripCount: cfg.Detection.EscalationTripCount,
		MTTDCeiling:         cfg.Detection.MTTDCeiling,
		DurableGuard:        durable,
	})
	if err != nil {
		return fmt.Errorf("incident manager: %w", err)
	}
	defer manager.Close()

	pipeline := engine.NewPipeline(logger, aggregator, det, manager, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipeline.Restore(ctx); err != nil {
		logger.Warn("window restore failed, starting with empty windows", slog.Any("error", err))
	}
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("recover incidents: %w", err)
	}

	grpcServer, err := api.NewServer(cfg.Server, services.NewGatewayService(logger, manager))
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	httpServer := &http.Server{
		Addr: cfg.Server.HTTPAddress,
		Handler: api.NewRouter(api.HTTPDeps{
			Logger:     logger,
			Gateway:    manager,
			Ingester:   pipeline,
			Thresholds: registry,
			Ping:       st.Ping,
			Latencies:  manager.Latencies,
			Events:     events,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipeline.Run(gctx, cfg.Detection.EvaluationInterval, cfg.Detection.CheckpointInterval)
	})

	if cfg.Detection.ThresholdsPath != "" {
		watcher := config.NewThresholdWatcher(cfg.Detection.ThresholdsPath, cfg.Detection.Default, registry, logger, nil)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("threshold watcher stopped", slog.Any("error", err))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		if err := grpcServer.Start(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("HTTP gateway listening", slog.String("address", cfg.Server.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP gateway: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		grpcServer.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP gateway shutdown", slog.Any("error", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	return g.Wait()
}

// initialThresholds builds the startup threshold set: the thresholds file when configured,
// otherwise the inline config, with env overrides on top.
func initialThresholds(cfg config.DetectionConfig) (*config.ThresholdSet, error) {
	var (
		set *config.ThresholdSet
		err error
	)
	if cfg.ThresholdsPath != "" {
		set, err = config.LoadThresholdFile(cfg.ThresholdsPath, cfg.Default)
	} else {
		set, err = config.NewThresholdSet(cfg.Default, cfg.Services, "config")
	}
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	set, err = set.WithEnv(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("threshold env overrides: %w", err)
	}
	return set, nil
}

// buildGuard returns the execution guard and whether its records survive a restart.
func buildGuard(cfg config.CacheConfig, logger *slog.Logger) (*cache.ExecutionGuard, bool) {
	if cfg.Enabled && cfg.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err == nil {
			return cache.NewExecutionGuard(provider, cfg.GuardTTL), true
		}
		logger.Warn("valkey unavailable, execution guard falls back to memory", slog.Any("error", err))
	}
	return cache.NewExecutionGuard(cache.NewMemoryProvider(), cfg.GuardTTL), false
}

func buildDiagnoser(cfg config.DiagnosisConfig, logger *slog.Logger) (incident.Diagnoser, error) {
	rules, err := engine.NewRuleEngine(cfg.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	if cfg.Provider == "rules" {
		return rules, nil
	}

	llm, err := repo.NewLLMDiagnoser(repo.LLMConfig{
		Provider:          cfg.Provider,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.Model,
		APIKey:            cfg.APIKey,
		Timeout:           cfg.Timeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	switch {
	case errors.Is(err, repo.ErrMissingAPIKey) && cfg.FallbackToRules:
		logger.Warn("llm api key missing, diagnosing with the rule pack only", slog.String("provider", cfg.Provider))
		return rules, nil
	case err != nil:
		return nil, fmt.Errorf("llm diagnoser: %w", err)
	}
	if cfg.FallbackToRules {
		return engine.NewFallbackDiagnoser(llm, rules, logger), nil
	}
	return llm, nil
}

func buildExecutor(cfg config.ExecutionConfig, logger *slog.Logger) (incident.Executor, error) {
	if cfg.Mode == "webhook" {
		exec, err := repo.NewWebhookExecutor(cfg.WebhookURL, cfg.AuthToken, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("webhook executor: %w", err)
		}
		return exec, nil
	}
	return repo.NewDryRunExecutor(logger), nil
}
