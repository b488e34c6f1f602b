package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/api/handlers"
	"github.com/BaSui01/dataforge/config"
	"github.com/BaSui01/dataforge/internal/server"
	"github.com/BaSui01/dataforge/internal/telemetry"
	"github.com/BaSui01/dataforge/metrics"
	"github.com/BaSui01/dataforge/orchestrator"
	"github.com/BaSui01/dataforge/prompt"
	"github.com/BaSui01/dataforge/provider"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/store"
	"github.com/BaSui01/dataforge/tokenizer"
)

// Server owns the assembled service: the job store, the orchestrator, and two
// HTTP listeners (API and Prometheus metrics).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store      store.Store
	orch       *orchestrator.Orchestrator
	api        *server.Manager
	metricsSrv *server.Manager
	otel       *telemetry.Providers

	cancelMiddleware context.CancelFunc
}

// NewServer wires every component from config. Nothing listens until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) (*Server, error) {
	jobStore, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("create job store: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)

	registry, err := provider.NewRegistry(cfg.LLM, logger)
	if err != nil {
		jobStore.Close()
		return nil, fmt.Errorf("create provider registry: %w", err)
	}

	renderer, err := prompt.NewRenderer(cfg.Prompt, logger)
	if err != nil {
		jobStore.Close()
		return nil, fmt.Errorf("create prompt renderer: %w", err)
	}

	estimator := tokenizer.NewEstimator(cfg.LLM.OpenAI.Model)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promReg)
	collector.RegisterLimiter(promReg, limiter.Stats)

	orch := orchestrator.New(cfg, jobStore, limiter, registry, renderer, estimator, collector, logger)

	jobsHandler := handlers.NewJobs(orch, limiter.Stats, registry.Names(), Version, logger)
	mux := http.NewServeMux()
	jobsHandler.RegisterRoutes(mux)

	middlewareCtx, cancelMiddleware := context.WithCancel(context.Background())
	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		CORS(cfg.Server.CORSAllowedOrigins),
		RateLimiter(middlewareCtx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger),
		APIKeyAuth(cfg.Server.APIKeys, []string{"/health", "/version"}, logger),
		MetricsMiddleware(collector),
		RequestLogger(logger),
	)

	apiCfg := server.DefaultConfig()
	apiCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	apiCfg.ReadTimeout = cfg.Server.ReadTimeout
	apiCfg.WriteTimeout = cfg.Server.WriteTimeout
	apiCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	api := server.NewManager(handler, apiCfg, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = fmt.Sprintf(":%d", cfg.Server.MetricsPort)
	metricsSrv := server.NewManager(metricsMux, metricsCfg, logger)

	return &Server{
		cfg:              cfg,
		logger:           logger,
		store:            jobStore,
		orch:             orch,
		api:              api,
		metricsSrv:       metricsSrv,
		otel:             otel,
		cancelMiddleware: cancelMiddleware,
	}, nil
}

// Start binds both listeners.
func (s *Server) Start() error {
	if err := s.api.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}
	if err := s.metricsSrv.Start(); err != nil {
		s.api.Shutdown(context.Background())
		return fmt.Errorf("start metrics server: %w", err)
	}
	s.logger.Info("DataForge ready",
		zap.String("api_addr", s.api.Addr()),
		zap.String("metrics_addr", s.metricsSrv.Addr()),
		zap.String("store_backend", s.cfg.Store.Backend),
		zap.String("default_provider", s.cfg.LLM.DefaultProvider),
	)
	return nil
}

// WaitForShutdown blocks until a signal or serve failure, then tears the
// stack down in dependency order: listeners, orchestrator, store, telemetry.
func (s *Server) WaitForShutdown() {
	s.api.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.metricsSrv.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server shutdown failed", zap.Error(err))
	}
	if err := s.orch.Shutdown(ctx); err != nil {
		s.logger.Error("orchestrator shutdown failed", zap.Error(err))
	}
	s.cancelMiddleware()
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", zap.Error(err))
	}
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown reported errors", zap.Error(err))
	}
}
