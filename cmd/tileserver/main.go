// Package main is the entry point for the helio tile server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/helio-tiles/server/internal/api"
	"github.com/helio-tiles/server/internal/cache"
	"github.com/helio-tiles/server/internal/config"
	"github.com/helio-tiles/server/internal/extract"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/observability"
	"github.com/helio-tiles/server/internal/render"
	"github.com/helio-tiles/server/internal/service"
	"github.com/helio-tiles/server/internal/sourcestore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tileserver: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx := context.Background()
	logger.Info(ctx, "starting helio tile server", logging.Int("port", cfg.Server.Port))

	metrics, err := observability.NewTileCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Source image index
	sources, err := sourcestore.NewStore(sourcestore.Config{
		Path:     cfg.Source.IndexPath,
		MaxDelta: cfg.MaxDelta(),
	})
	if err != nil {
		return fmt.Errorf("failed to open source index: %w", err)
	}
	defer sources.Close()

	if n, err := sources.Count(ctx); err != nil {
		logger.Warn(ctx, "failed to count indexed images", logging.Err(err))
	} else {
		metrics.SetIndexedImages(n)
		logger.Info(ctx, "source index opened",
			logging.String("path", cfg.Source.IndexPath), logging.Int("images", n))
	}

	// Tile cache: disk store plus hot tier
	cacheManager, err := cache.NewManager(cache.Config{
		Root:         cfg.Cache.Root,
		MemorySizeMB: cfg.Cache.MemorySizeMB,
		MemoryTTL:    cfg.MemoryTTL(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	tileRenderer, err := render.NewTileRenderer(render.Config{
		TileSize:        cfg.Tiles.TileSize,
		SourceRoot:      cfg.Source.Root,
		AssetsDir:       cfg.Assets.Dir,
		SourceCacheSize: cfg.Cache.SourceCacheSize,
		JPEGQuality:     cfg.Tiles.JPEGQuality,
		Logger:          logger.With(logging.String("component", "render")),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize renderer: %w", err)
	}
	defer tileRenderer.Close()

	extractor, err := extract.NewExtractor(extract.Config{
		Planner:   extract.Planner{TileSize: cfg.Tiles.TileSize, Catalog: cfg.Catalog()},
		Processor: tileRenderer,
		Store:     cacheManager,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize extractor: %w", err)
	}

	tileService, err := service.NewTileService(service.TileServiceConfig{
		Lookup:         sources,
		Extractor:      extractor,
		Cache:          cacheManager,
		Ladder:         cfg.Ladder(),
		Metrics:        metrics,
		Logger:         logger,
		ExtractTimeout: cfg.ExtractTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tile service: %w", err)
	}

	seeds, err := api.NewSeedManager(api.SeedManagerConfig{
		MaxConcurrent: cfg.Seed.Workers,
		Retention:     cfg.SeedRetention(),
		Logger:        logger,
	}, tileService)
	if err != nil {
		return fmt.Errorf("failed to initialize seed manager: %w", err)
	}
	seeds.Start()
	defer seeds.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:       tileService,
		Sources:       sources,
		Seeds:         seeds,
		Metrics:       metrics,
		Logger:        logger,
		CORSOrigins:   cfg.Server.CORSOrigins,
		CacheMaxAge:   cfg.Server.CacheMaxAge,
		DefaultFormat: cfg.Format(),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ExtractTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server listening", logging.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info(ctx, "shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "server forced to shutdown", logging.Err(err))
	}

	logger.Info(ctx, "server stopped")
	return nil
}
