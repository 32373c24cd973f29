// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command callscope starts the CallScope usage-query server.
//
// CallScope answers "show me how function F is used" against precomputed
// per-repository call graphs:
//   - Finds real call sites in a Weaviate-backed graph store
//   - Renders line-marked source snippets fetched from GitHub
//   - Coordinates long-running graph builds without blocking queries
//
// Usage:
//
//	go run ./cmd/callscope
//	go run ./cmd/callscope -port 9090
//	go run ./cmd/callscope -config /etc/callscope/callscope.yaml
//
// Configuration may also come from CALLSCOPE_* environment variables
// (CALLSCOPE_STORE_URL, CALLSCOPE_BUILDER_ENDPOINT,
// CALLSCOPE_BUILDER_TOKEN, CALLSCOPE_GITHUB_TOKEN, ...), which override
// the yaml file.
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/usage/health
//
//	# Show how a function is used
//	curl -X POST http://localhost:8080/v1/usage/find \
//	  -H "Content-Type: application/json" \
//	  -d '{"owner": "acme", "repo": "widgets", "function": "ParseConfig"}'
//
//	# Check build progress
//	curl 'http://localhost:8080/v1/usage/progress?owner=acme&repo=widgets'
//
//	# Dispatch a build explicitly
//	curl -X POST http://localhost:8080/v1/usage/builds \
//	  -H "Content-Type: application/json" \
//	  -d '{"owner": "acme", "repo": "widgets"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/CallScope/pkg/logging"
	"github.com/AleutianAI/CallScope/services/callscope"
	"github.com/AleutianAI/CallScope/services/callscope/cache"
	"github.com/AleutianAI/CallScope/services/callscope/config"
	"github.com/AleutianAI/CallScope/services/callscope/enrich"
	"github.com/AleutianAI/CallScope/services/callscope/graphstore"
	"github.com/AleutianAI/CallScope/services/callscope/registry"
	"github.com/AleutianAI/CallScope/services/callscope/telemetry"
	"github.com/AleutianAI/CallScope/services/callscope/trigger"
)

func main() {
	port := flag.Int("port", 0, "Listen port (overrides the config file)")
	configPath := flag.String("config", "", "Path to the yaml config file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: could not load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Server.Debug = true
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "callscope",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Set Gin mode
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	locks := registry.NewWithConfig(registry.Config{
		SoftStaleThreshold:  cfg.Registry.SoftStaleThreshold.Duration,
		HardExpiryThreshold: cfg.Registry.HardExpiryThreshold.Duration,
	})

	metrics, telemetryShutdown := setupTelemetry(cfg, locks)

	store, err := graphstore.NewWeaviateStore(graphstore.ClientConfig{
		URL:            cfg.Store.URL,
		ConnectTimeout: cfg.Store.ConnectTimeout.Duration,
		QueryTimeout:   cfg.Store.QueryTimeout.Duration,
		Logger:         logger.Slog(),
	})
	if err != nil {
		log.Fatalf("FATAL: could not configure the graph store: %v", err)
	}
	checker := graphstore.NewAvailabilityChecker(store)

	triggerOpts := []trigger.Option{}
	if token := cfg.BuilderToken(); token != nil {
		triggerOpts = append(triggerOpts, trigger.WithToken(token))
	}
	slog.Info("Build trigger configured",
		slog.String("endpoint", cfg.Builder.Endpoint),
		slog.Bool("token_present", cfg.BuilderToken() != nil),
		slog.Bool("supervised", *cfg.Builder.Supervise))
	builder, err := trigger.New(trigger.Config{
		Endpoint:                 cfg.Builder.Endpoint,
		RequestTimeout:           cfg.Builder.RequestTimeout.Duration,
		SupervisedRequestTimeout: cfg.Builder.SupervisedRequestTimeout.Duration,
		PollInterval:             cfg.Builder.PollInterval.Duration,
		MaxPollAttempts:          cfg.Builder.MaxPollAttempts,
		GraceDelay:               cfg.Builder.GraceDelay.Duration,
	}, triggerOpts...)
	if err != nil {
		log.Fatalf("FATAL: could not configure the build trigger: %v", err)
	}

	host := setupSourceHost(cfg)
	contentCache, closeCache := setupCache(cfg, logger.Slog())
	defer closeCache()
	enricher := enrich.NewEnricher(host, contentCache, enrich.Config{})

	svcOpts := []callscope.ServiceOption{
		callscope.WithChecker(checker),
		callscope.WithEnricher(enricher),
		callscope.WithBranchResolver(host),
		callscope.WithLogger(logger.Slog()),
	}
	if *cfg.Builder.Supervise {
		svcOpts = append(svcOpts, callscope.WithSupervisor(
			trigger.NewSupervisor(builder, checker, locks)))
	}
	if metrics != nil {
		svcOpts = append(svcOpts, callscope.WithMetrics(metrics))
	}
	if watcher := setupIgnoreWatcher(cfg, logger.Slog()); watcher != nil {
		defer watcher.Stop()
		svcOpts = append(svcOpts, callscope.WithIgnoreSource(watcher))
	}

	svc := callscope.NewService(callscope.ServiceConfig{
		OperationTimeout:      cfg.Lookup.OperationTimeout.Duration,
		DefaultCallerLimit:    cfg.Lookup.DefaultCallerLimit,
		MaxCallerLimit:        cfg.Lookup.MaxCallerLimit,
		MaxConcurrentFetches:  cfg.Lookup.MaxConcurrentFetches,
		DefaultBranchFallback: cfg.Lookup.DefaultBranch,
	}, store, locks, builder, svcOpts...)
	handlers := callscope.NewHandlers(svc)

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.Debug {
		router.Use(gin.Logger())
	}
	if !cfg.Telemetry.Disabled {
		router.Use(otelgin.Middleware("callscope"))
	}

	v1 := router.Group("/v1")
	callscope.RegisterRoutes(v1, handlers)

	// Root-level operational endpoints for load balancers and scrapers.
	router.GET("/health", handlers.HandleHealth)
	router.GET("/ready", handlers.HandleReady)
	if promHandler := telemetry.MetricsHandler(); promHandler != nil {
		router.GET("/metrics", gin.WrapH(promHandler))
	}

	printBanner(cfg.Server.Port)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting CallScope server",
			slog.String("address", addr),
			slog.String("store", cfg.Store.URL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown: finish in-flight requests, flush telemetry, then
	// purge secure memory.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down CallScope server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", slog.String("error", err.Error()))
	}
	if telemetryShutdown != nil {
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Error("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	memguard.Purge()
	slog.Info("CallScope server stopped")
}

// setupTelemetry initializes tracing and metrics per the config.
//
// Returns the service metrics (nil when telemetry is disabled) and the
// provider shutdown function (nil when telemetry is disabled). Telemetry
// failures at startup are fatal; a half-instrumented server is worse to
// operate than a crashed one.
func setupTelemetry(cfg *config.Config, locks *registry.Registry) (*telemetry.Metrics, func(context.Context) error) {
	if cfg.Telemetry.Disabled {
		slog.Info("Telemetry disabled by configuration")
		return nil, nil
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = callscope.ServiceVersion
	if cfg.Telemetry.Environment != "" {
		tcfg.Environment = cfg.Telemetry.Environment
	}
	if cfg.Telemetry.TraceExporter != "" {
		tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter != "" {
		tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}

	shutdown, err := telemetry.Init(context.Background(), tcfg)
	if err != nil {
		log.Fatalf("FATAL: could not initialize telemetry: %v", err)
	}

	if tcfg.MetricExporter == "none" {
		return nil, shutdown
	}

	meter := otel.Meter("callscope")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		log.Fatalf("FATAL: could not create metrics instruments: %v", err)
	}
	if _, err := metrics.RegisterActiveBuilds(meter, func() int64 {
		return int64(locks.Len())
	}); err != nil {
		log.Fatalf("FATAL: could not register the active-builds gauge: %v", err)
	}

	slog.Info("Telemetry initialized",
		slog.String("traces", tcfg.TraceExporter),
		slog.String("metrics", tcfg.MetricExporter))
	return metrics, shutdown
}

// setupSourceHost builds the GitHub client used for both snippet
// content and default-branch resolution.
func setupSourceHost(cfg *config.Config) *enrich.GitHubHost {
	hostOpts := []enrich.GitHubOption{}
	if cfg.GitHub.RawBaseURL != "" && cfg.GitHub.APIBaseURL != "" {
		hostOpts = append(hostOpts, enrich.WithBaseURLs(cfg.GitHub.RawBaseURL, cfg.GitHub.APIBaseURL))
	}
	if token := cfg.GitHubToken(); token != nil {
		// The host API takes a plain string; copy out of the enclave once
		// at startup rather than opening it per request.
		if buf, err := token.Open(); err == nil {
			hostOpts = append(hostOpts, enrich.WithToken(string(buf.Bytes())))
			buf.Destroy()
		} else {
			slog.Warn("Could not open GitHub token enclave, proceeding anonymously",
				slog.String("error", err.Error()))
		}
	}
	slog.Info("Snippet enrichment configured",
		slog.Bool("github_token_present", cfg.GitHubToken() != nil),
		slog.Bool("cache_enabled", cfg.Cache.Dir != ""))
	return enrich.NewGitHubHost(hostOpts...)
}

// setupCache opens the warm file cache when configured. The returned
// close function is always safe to call.
func setupCache(cfg *config.Config, logger *slog.Logger) (enrich.ContentCache, func()) {
	if cfg.Cache.Dir == "" {
		return nil, func() {}
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Path = cfg.Cache.Dir
	cacheCfg.TTL = cfg.Cache.TTL.Duration
	cacheCfg.SyncWrites = cfg.Cache.SyncWrites
	cacheCfg.Logger = logger

	fileCache, err := cache.Open(cacheCfg)
	if err != nil {
		// A broken cache degrades throughput, never correctness.
		slog.Warn("File cache unavailable, fetching uncached",
			slog.String("dir", cfg.Cache.Dir),
			slog.String("error", err.Error()))
		return nil, func() {}
	}

	return fileCache, func() {
		if err := fileCache.Close(); err != nil {
			slog.Warn("File cache close failed", slog.String("error", err.Error()))
		}
	}
}

// setupIgnoreWatcher starts hot reload of the ignore-patterns file, or
// returns nil when no file is configured.
func setupIgnoreWatcher(cfg *config.Config, logger *slog.Logger) *config.IgnoreWatcher {
	if cfg.Ignore.File == "" {
		return nil
	}

	watcher, err := config.NewIgnoreWatcher(cfg.Ignore.File, &config.IgnoreWatcherOptions{
		ReloadDebounce: cfg.Ignore.ReloadDebounce.Duration,
		Logger:         logger,
	})
	if err != nil {
		slog.Warn("Ignore patterns unavailable, builds run unfiltered",
			slog.String("file", cfg.Ignore.File),
			slog.String("error", err.Error()))
		return nil
	}
	if err := watcher.Start(context.Background()); err != nil {
		slog.Warn("Ignore file watch failed, using the initial pattern set",
			slog.String("file", cfg.Ignore.File),
			slog.String("error", err.Error()))
	}
	return watcher
}

func printBanner(port int) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                         CALLSCOPE SERVER                          ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Usage queries over precomputed call graphs.                      ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost:%d/v1/usage/health                  │  ║
║  │                                                             │  ║
║  │ # Show how a function is used                               │  ║
║  │ curl -X POST http://localhost:%d/v1/usage/find \          │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"owner": "acme", "repo": "widgets",                  │  ║
║  │        "function": "ParseConfig"}'                          │  ║
║  │                                                             │  ║
║  │ # Check build progress                                      │  ║
║  │ curl 'http://localhost:%d/v1/usage/progress?owner=acme&repo=widgets'
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── POST /v1/usage/find       find rendered call sites           ║
║  ├── GET  /v1/usage/progress   build progress (/stream for ws)    ║
║  ├── GET  /v1/usage/locks      live build records                 ║
║  ├── POST /v1/usage/builds     dispatch a graph build             ║
║  └── GET  /health /ready /metrics                                 ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, port, port, port)
}
