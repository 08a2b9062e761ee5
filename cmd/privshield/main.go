package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dokvern/privshield/internal/cache"
	"github.com/dokvern/privshield/internal/config"
	"github.com/dokvern/privshield/internal/gate"
	"github.com/dokvern/privshield/internal/logger"
	"github.com/dokvern/privshield/internal/pii"
	"github.com/dokvern/privshield/internal/server"
	"github.com/dokvern/privshield/internal/store"
	"github.com/dokvern/privshield/internal/upstream"
	"github.com/dokvern/privshield/internal/websocket"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("privshield %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck {
		performHealthCheck()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}

	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled:  cfg.Logging.File.Enabled,
			Path:     cfg.Logging.File.Path,
			MaxSize:  cfg.Logging.File.MaxSize,
			MaxAge:   cfg.Logging.File.MaxAge,
			Compress: cfg.Logging.File.Compress,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting privshield",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	// Document store
	documentStore, err := store.New(&cfg.Storage, log.WithComponent("store").Logger)
	if err != nil {
		log.Fatal("Failed to connect to document store", zap.Error(err))
	}
	defer documentStore.Close()

	// PII detector
	detector, err := pii.NewDetector(cfg.Shield, log.WithComponent("pii"))
	if err != nil {
		log.Fatal("Failed to create PII detector", zap.Error(err))
	}

	// Upstream collaborators
	transcriber := upstream.NewTranscriberClient(cfg.Upstream, log.WithComponent("transcriber"))
	analyzer := upstream.NewAnalyzerClient(cfg.Upstream, log.WithComponent("analyzer"))

	// Gate options: analysis cache and dashboard events are both optional
	opts := gate.Options{}

	var cacheControl server.CacheControl
	if cfg.Cache.Enabled {
		analysisCache, err := cache.New(&cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Analysis cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer analysisCache.Close()
			opts.Cache = analysisCache
			cacheControl = analysisCache
		}
	}

	var wsHub *websocket.Hub
	if cfg.WebSocket.Enabled {
		wsHub = websocket.NewHub(cfg.WebSocket, log.WithComponent("websocket").Logger)
		go wsHub.Run()
		opts.Events = wsHub

		// Periodic health snapshot for connected dashboard clients
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				wsHub.PublishSystem("healthy")
			}
		}()
	}

	pipeline := gate.New(documentStore, detector, transcriber, analyzer, opts, log.WithComponent("gate"))

	// HTTP server
	srv, err := server.New(cfg, pipeline, wsHub, cacheControl, log)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	// Reload detector configuration on config file changes
	if err := config.Watch(cfg, func(updated *config.Config) {
		if err := detector.Reload(updated.Shield); err != nil {
			log.Error("Failed to apply updated shield configuration", zap.Error(err))
		}
	}); err != nil {
		log.Warn("Configuration watching disabled", zap.Error(err))
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck() {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
