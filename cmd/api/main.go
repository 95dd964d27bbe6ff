package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docutag/capture/api"
	"github.com/docutag/capture/app"
	"github.com/docutag/capture/config"
	"github.com/docutag/capture/hub"
	"github.com/docutag/capture/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Setup structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("capture service initializing", "version", "1.0.0")

	// Command-line flags (override the config file and environment variables)
	configPath := flag.String("config", getEnv("CAPTURE_CONFIG", "capture.yaml"), "Path to YAML config file")
	port := flag.String("port", "", "Server port")
	fetchProxyURL := flag.String("fetch-proxy-url", "", "Remote fetch-proxy endpoint for the fast path")
	disableCORS := flag.Bool("disable-cors", false, "Disable CORS")
	disableQuickProbes := flag.Bool("disable-quick-probes", false, "Always enrich in the background")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *fetchProxyURL != "" {
		cfg.Resolver.FetchProxyURL = *fetchProxyURL
	}
	if *disableCORS {
		cfg.Server.CORSEnabled = false
	}
	if *disableQuickProbes {
		cfg.Enrichment.QuickProbes = false
	}

	// Initialize tracing
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracer(context.Background(), cfg.Tracing.ServiceName)
		if err != nil {
			logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Error("error shutting down tracer", "error", err)
				}
			}()
			logger.Info("tracing initialized successfully")
		}
	}

	metrics := telemetry.NewMetrics("capture", prometheus.DefaultRegisterer)
	events := hub.New()

	a, err := app.Open(context.Background(), cfg, metrics, events)
	if err != nil {
		logger.Error("failed to initialize capture components", "error", err)
		os.Exit(1)
	}

	// Items left pending by a previous run are enriched again
	a.Orch.Resume()
	metrics.SetItemCounts(a.Store.Counts())

	server, err := api.NewServer(api.Config{
		Addr:        ":" + cfg.Server.Port,
		CORSEnabled: cfg.Server.CORSEnabled,
	}, api.Deps{
		Orchestrator: a.Orch,
		Cache:        a.Cache,
		Scraper:      a.Scraper,
		Hub:          events,
		Gatherer:     prometheus.DefaultGatherer,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Periodically flush item state
	saveCtx, stopSaving := context.WithCancel(context.Background())
	saveDone := make(chan struct{})
	go func() {
		defer close(saveDone)
		a.Store.AutoSave(saveCtx, cfg.Enrichment.PersistInterval)
	}()

	// Initialize database metrics
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBStats(a.DB.DB())
			case <-saveCtx.Done():
				return
			}
		}
	}()
	logger.Info("database metrics initialized")

	// Start server in a goroutine
	go func() {
		logger.Info("capture service starting",
			"port", cfg.Server.Port,
			"database_driver", cfg.Database.Driver,
			"storage_backend", cfg.Storage.Backend,
			"fetch_proxy_url", cfg.Resolver.FetchProxyURL,
			"read_proxy_url", cfg.Resolver.ReadProxyURL,
			"quick_probes", cfg.Enrichment.QuickProbes,
			"tracing_enabled", cfg.Tracing.Enabled,
		)

		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopSaving()
	<-saveDone

	if err := a.Close(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
