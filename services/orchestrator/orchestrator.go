// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the RAG query service.
//
// This package wires every component behind the HTTP surface: the
// OpenAI-compatible generator and embedder, the chromem document index,
// the session store and its TTL sweep, query repair and summaries, the
// query runtime with its optional index watcher, and observability
// (Prometheus, OpenTelemetry, slog).
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/indexwatch"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/services"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/session"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/ttl"
)

// Version is reported by /health. Overridden at build time with
// -ldflags "-X .../services/orchestrator.Version=...".
var Version = "0.1.0"

// serviceName identifies the service in traces.
const serviceName = "aleutian-rag"

// shutdownTimeout bounds http.Server.Shutdown.
const shutdownTimeout = 15 * time.Second

// ingestConcurrency is the number of documents embedded in parallel.
const ingestConcurrency = 4

// stdoutEndpoint selects the pretty-printing stdout trace exporter
// instead of OTLP.
const stdoutEndpoint = "stdout"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the lifecycle of the RAG HTTP service.
//
// # Thread Safety
//
// Run blocks and should be called at most once per instance. Router is
// safe to call at any time.
type Service interface {
	// Run starts the HTTP server, the TTL sweep and the index watcher,
	// and blocks until ctx is cancelled or the server fails. On
	// cancellation it shuts the server down gracefully, then stops the
	// background loops and flushes traces.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine
}

// =============================================================================
// Struct Definition
// =============================================================================

type service struct {
	config config.Config
	logger *slog.Logger

	registry  *prometheus.Registry
	metrics   *observability.Metrics
	embedder  *retrieval.Embedder
	store     *session.Store
	runtime   *services.Runtime
	scheduler *ttl.Scheduler
	watcher   *indexwatch.Watcher
	router    *gin.Engine
	server    *http.Server

	tracerCleanup func(context.Context)
}

// New builds the service from cfg.
//
// # Description
//
// Nothing here dials the model endpoints; the first request does. The
// document index is bound lazily on the first query, or by POST
// /document. A tracer is installed only when OTel is enabled.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - logger: Optional logger. Defaults to slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a component cannot be created.
func New(cfg config.Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{config: cfg, logger: logger}

	if cfg.OTelEnabled {
		cleanup, err := initTracer(cfg.OTelEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if cfg.EnableMetrics {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = observability.NewMetrics(s.registry)
	}

	generator, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		SystemPrompt: cfg.SystemPrompt,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create generator client: %w", err)
	}

	embedder, err := NewEmbedder(cfg, logger)
	if err != nil {
		s.cleanup()
		return nil, err
	}
	s.embedder = embedder

	s.store, err = session.NewStore(session.Options{
		Dir:         cfg.SessionCacheDir,
		MaxSessions: cfg.SessionMaxCount,
		TTL:         cfg.SessionTTL(),
		OpenIndex:   retrieval.SessionOpener(embedder.Embed),
		OnEvict:     s.metrics.RecordEviction,
		Logger:      logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	repairCfg := conversation.DefaultRepairConfig()
	repairCfg.Enabled = cfg.EnableQueryRepair
	repairCfg.MaxTokens = cfg.RepairMaxTokens
	repairCfg.Temperature = cfg.RepairTemperature
	repairCfg.Timeout = cfg.RepairTimeout()
	repairer := conversation.NewRepairer(generator.Generate, repairCfg, logger)

	summarizer := conversation.NewSummarizer(generator.Generate, conversation.SummaryConfig{
		MaxTokens:    cfg.SummaryMaxTokens,
		Timeout:      cfg.SummaryTimeout(),
		RecentWindow: cfg.RecentQAWindow,
	}, logger)

	s.runtime, err = services.NewRuntime(services.RuntimeConfigFrom(cfg), services.RuntimeDeps{
		Generator: generator,
		Repairer:  repairer,
		Sessions:  s.store,
		OpenIndex: documentOpener(cfg.IndexCollection, embedder.Embed),
		Metrics:   s.metrics,
		Logger:    logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	if interval := cfg.SessionSweepInterval(); interval > 0 && cfg.SessionTTL() > 0 {
		s.scheduler = ttl.NewScheduler(s.store, ttl.SchedulerConfig{Interval: interval}, logger)
	}

	if cfg.IndexWatch {
		s.watcher = indexwatch.New(cfg.SaveDir(), s.runtime.ReloadIndex, indexwatch.Options{
			Debounce: cfg.IndexWatchDebounceDuration(),
			Logger:   logger,
		})
	}

	ingestor := NewIngestor(cfg, embedder, logger)
	s.initRouter(handlers.HealthInfo{
		Version:        Version,
		Generator:      handlers.ModelInfo{Provider: "openai-compatible", Model: cfg.LLMModel},
		Embed:          handlers.ModelInfo{Provider: "openai-compatible", Model: cfg.EmbedModel},
		VectorStoreDir: cfg.SaveDir(),
	}, summarizer, ingestor, embedder)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("RAG service initialized",
		"runtime", s.runtime.String(),
		"llm_model", cfg.LLMModel,
		"embed_model", cfg.EmbedModel,
		"session_dir", cfg.SessionCacheDir,
		"metrics", cfg.EnableMetrics,
		"otel", cfg.OTelEnabled,
		"index_watch", cfg.IndexWatch)
	return s, nil
}

// NewEmbedder creates the embedding client described by cfg. When
// EmbedCacheDir is set, vectors are also persisted there; the caller
// must Close the embedder to release that cache.
func NewEmbedder(cfg config.Config, logger *slog.Logger) (*retrieval.Embedder, error) {
	var persist retrieval.VectorCache
	if dir := strings.TrimSpace(cfg.EmbedCacheDir); dir != "" {
		cache, err := retrieval.OpenBadgerVectorCache(retrieval.BadgerCacheConfig{Path: dir, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open embedding cache: %w", err)
		}
		persist = cache
	}

	embedder, err := retrieval.NewEmbedder(retrieval.EmbedderConfig{
		BaseURL:   cfg.EmbedBaseURL,
		APIKey:    cfg.EmbedAPIKey,
		Model:     cfg.EmbedModel,
		BatchSize: cfg.EmbedBatchSize,
		CacheSize: cfg.EmbedCacheSize,
		RateLimit: cfg.EmbedRateLimit,
		Persist:   persist,
	})
	if err != nil {
		if persist != nil {
			_ = persist.Close()
		}
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// NewIngestor creates the document ingestor described by cfg.
func NewIngestor(cfg config.Config, embedder *retrieval.Embedder, logger *slog.Logger) *retrieval.Ingestor {
	chunker := retrieval.NewChunker(retrieval.ChunkerConfig{
		ChunkTokens:   cfg.ChunkTokens,
		ChunkOverlap:  cfg.ChunkOverlap,
		MaxNodeChars:  cfg.MaxNodeChars,
		MaxNodeTokens: cfg.MaxNodeTokens,
	}, retrieval.NewTokenCounter(cfg.TokenizerName))
	return retrieval.NewIngestor(chunker, embedder.Embed, cfg.IndexCollection, ingestConcurrency, logger)
}

// documentOpener opens persisted document indexes. An open failure is
// returned as a nil interface, never a typed nil.
func documentOpener(collection string, embed func(context.Context, string) ([]float32, error)) services.IndexOpener {
	return func(dir string) (retrieval.Searcher, error) {
		idx, err := retrieval.OpenIndex(dir, collection, embed)
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start TTL scheduler: %w", err)
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start index watcher: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Starting RAG server", "addr", s.server.Addr)
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down RAG server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	<-serveErr
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer installs a trace exporter as the global tracer provider and
// returns its flush function. The endpoint "stdout" pretty-prints spans;
// anything else is an OTLP/gRPC collector address.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	var (
		traceExporter sdktrace.SpanExporter
		conn          *grpc.ClientConn
		err           error
	)
	if endpoint == stdoutEndpoint {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
	} else {
		conn, err = grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		traceExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if conn != nil {
			_ = conn.Close()
		}
	}
	return cleanup, nil
}

func (s *service) initRouter(info handlers.HealthInfo, summarizer *conversation.Summarizer, ingestor *retrieval.Ingestor, embedder *retrieval.Embedder) {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(s.logger))
	s.router.Use(cors.New(corsConfig(s.config.CORSAllowOrigins)))
	if s.config.OTelEnabled {
		s.router.Use(otelgin.Middleware(serviceName))
	}

	h := routes.Handlers{
		Query:     handlers.NewQueryHandler(s.runtime, s.config.StreamDefault, s.metrics, s.logger),
		Sessions:  handlers.NewSessionHandler(s.store, summarizer, retrieval.SessionIndexBuilder(embedder.Embed, ingestConcurrency), s.logger),
		Documents: handlers.NewDocumentHandler(ingestor, s.runtime, s.config.SaveDir(), s.logger),
		Health:    handlers.HealthCheck(info, s.runtime),
	}
	if s.registry != nil {
		h.Metrics = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	}
	routes.SetupRoutes(s.router, h)
}

// corsConfig allows every origin when the list is empty or contains "*".
func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", middleware.RequestIDHeader)
	cfg.ExposeHeaders = []string{middleware.RequestIDHeader}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// cleanup releases everything Run or New acquired.
func (s *service) cleanup() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.embedder != nil {
		if err := s.embedder.Close(); err != nil {
			s.logger.Warn("failed to close embedding cache", "error", err)
		}
		s.embedder = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
