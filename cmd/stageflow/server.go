package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/stageflow/api/handlers"
	"github.com/BaSui01/stageflow/artifact"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/generation"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/internal/server"
	"github.com/BaSui01/stageflow/internal/telemetry"
	"github.com/BaSui01/stageflow/intervention"
	"github.com/BaSui01/stageflow/orchestrator"
	"github.com/BaSui01/stageflow/persistence"
)

// Server wires the engine together: stores, generation client,
// orchestrator, HTTP API, and metrics endpoint.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler       *handlers.HealthHandler
	runHandler          *handlers.RunHandler
	interventionHandler *handlers.InterventionHandler

	orch          *orchestrator.Orchestrator
	artifacts     artifact.Store
	interventions intervention.Store
	runs          persistence.RunStore

	registry         *prometheus.Registry
	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
}

// Start brings up stores, the orchestrator, and both HTTP listeners.
// Interrupted runs are recovered before the API accepts traffic.
func (s *Server) Start() error {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollector("stageflow", s.registry, s.logger)

	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}
	if err := s.initOrchestrator(); err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}
	s.initHandlers()

	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recovered, err := s.orch.RecoverPending(recoverCtx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted runs", zap.Int("count", recovered))
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) initStores() error {
	artifacts, err := artifact.NewStore(artifact.StoreConfig{
		Type:    artifact.StoreType(s.cfg.Artifacts.Type),
		BaseDir: s.cfg.Artifacts.BaseDir,
		Redis: artifact.RedisStoreConfig{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			KeyPrefix: s.cfg.Artifacts.KeyPrefix,
		},
	}, s.logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	s.artifacts = artifacts

	interventions, err := intervention.NewStore(intervention.StoreConfig{
		Type: intervention.StoreType(s.cfg.Interventions.Type),
		Redis: intervention.RedisStoreConfig{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			KeyPrefix: s.cfg.Interventions.KeyPrefix,
		},
	}, s.logger)
	if err != nil {
		return fmt.Errorf("intervention store: %w", err)
	}
	s.interventions = interventions

	var db *gorm.DB
	if s.cfg.Runs.Type == "database" {
		db, err = persistence.OpenDatabase(s.cfg.Database, s.logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := persistence.InitDatabase(db); err != nil {
			return fmt.Errorf("database schema: %w", err)
		}
	}
	runs, err := persistence.NewRunStore(persistence.StoreType(s.cfg.Runs.Type), db, s.logger)
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	s.runs = runs
	return nil
}

func (s *Server) initOrchestrator() error {
	pipelines := map[string]*config.Pipeline{}
	if s.cfg.PipelinesPath != "" {
		loaded, err := config.LoadPipelines(s.cfg.PipelinesPath)
		if err != nil {
			return fmt.Errorf("pipelines: %w", err)
		}
		pipelines = loaded
	} else {
		p := config.DefaultPipeline()
		pipelines[p.ID] = p
	}

	var client generation.Client = generation.NewHTTPClient(s.cfg.Generation, s.logger)
	if s.cfg.Generation.RequestsPerSecond > 0 {
		client = generation.NewRateLimitedClient(client,
			s.cfg.Generation.RequestsPerSecond, s.cfg.Generation.Burst)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Pipelines:             pipelines,
		Generator:             client,
		Artifacts:             s.artifacts,
		Gateway:               intervention.NewGateway(s.interventions, s.logger),
		Runs:                  s.runs,
		Tokenizer:             generation.NewTokenizer(s.cfg.Generation.TokenEncoding, s.logger),
		Metrics:               s.metricsCollector,
		Logger:                s.logger,
		MaxConcurrentRuns:     int(s.cfg.Engine.MaxConcurrentRuns),
		DefaultMaxAttempts:    s.cfg.Engine.MaxAttempts,
		DefaultPerCallTimeout: s.cfg.Engine.PerCallTimeout,
	})
	if err != nil {
		return err
	}
	s.orch = orch
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("runs", s.runs.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("artifacts", s.artifacts.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("interventions", s.interventions.Ping))

	s.runHandler = handlers.NewRunHandler(s.orch, s.logger)
	s.interventionHandler = handlers.NewInterventionHandler(s.orch, s.logger)
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/runs", s.runHandler.HandleSubmit)
	mux.HandleFunc("GET /api/v1/runs", s.runHandler.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.runHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.runHandler.HandleCancel)

	mux.HandleFunc("GET /api/v1/interventions", s.interventionHandler.HandleListPending)
	mux.HandleFunc("GET /api/v1/interventions/{id}", s.interventionHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/interventions/{id}/resolve", s.interventionHandler.HandleResolve)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		rateLimiterCtx, cancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = cancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Auth.Enabled {
		if s.cfg.Auth.JWTSecret != "" {
			middlewares = append(middlewares,
				JWTAuth(s.cfg.Auth.JWTSecret, s.cfg.Auth.JWTIssuer, skipAuthPaths, s.logger))
		} else {
			middlewares = append(middlewares,
				APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.logger))
		}
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal or server error,
// then shuts everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops accepting traffic, suspends in-flight runs so a
// restart can resume them, and closes every backend.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// HTTP first so no new submissions arrive while runs suspend.
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			s.logger.Error("Orchestrator shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	for name, closer := range map[string]interface{ Close() error }{
		"run store":          s.runs,
		"artifact store":     s.artifacts,
		"intervention store": s.interventions,
	} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			s.logger.Error("store close error", zap.String("store", name), zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
