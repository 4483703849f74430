// Package main loads a YAML manifest of source images into the index the
// tile server resolves requests against.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/helio-tiles/server/internal/config"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/sourcestore"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to server configuration file")
	manifestPath := flag.String("manifest", "", "Path to image manifest (required)")
	flag.Parse()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "imageindex: -manifest is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, *manifestPath); err != nil {
		fmt.Fprintf(os.Stderr, "imageindex: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, manifestPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx := context.Background()

	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	descs, err := m.descriptors(cfg.Source.Root)
	if err != nil {
		return err
	}

	store, err := sourcestore.NewStore(sourcestore.Config{Path: cfg.Source.IndexPath})
	if err != nil {
		return fmt.Errorf("failed to open source index: %w", err)
	}
	defer store.Close()

	return index(ctx, store, descs, logger)
}

func index(ctx context.Context, store *sourcestore.Store, descs []layer.Descriptor, logger logging.Logger) error {
	for _, d := range descs {
		if err := store.Add(ctx, d); err != nil {
			return fmt.Errorf("failed to index %s: %w", d.SourcePath, err)
		}
		logger.Debug(ctx, "indexed image",
			logging.String("layer", d.Identity.String()),
			logging.String("path", d.SourcePath))
	}

	layers, err := store.Layers(ctx)
	if err != nil {
		return err
	}
	for _, ls := range layers {
		logger.Info(ctx, "layer indexed",
			logging.String("layer", ls.Layer.String()),
			logging.Int("images", ls.Count),
			logging.Any("first", ls.First),
			logging.Any("last", ls.Last))
	}
	logger.Info(ctx, "index updated", logging.Int("added", len(descs)))
	return nil
}
