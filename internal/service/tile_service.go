// Package service provides business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/helio-tiles/server/internal/cache"
	"github.com/helio-tiles/server/internal/extract"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/observability"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/tile"
)

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Lookup    layer.Lookup
	Extractor *extract.Extractor
	// Cache is consulted before extraction. It should be the store the
	// extractor persists to.
	Cache          *cache.Manager
	Ladder         scale.Ladder
	Metrics        *observability.TileCollector
	Logger         logging.Logger
	ExtractTimeout time.Duration
}

// TileService resolves tile requests: cache, then closest source image,
// then extraction. Concurrent requests for the same key share one
// extraction.
type TileService struct {
	lookup    layer.Lookup
	extractor *extract.Extractor
	cache     *cache.Manager
	ladder    scale.Ladder
	metrics   *observability.TileCollector
	logger    logging.Logger
	timeout   time.Duration

	group singleflight.Group
}

// Tile is a served tile.
type Tile struct {
	Address     tile.Address
	Key         string
	Data        []byte
	ContentType string
	Blank       bool
	Outcome     string
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) (*TileService, error) {
	if cfg.Lookup == nil {
		return nil, errors.New("tile service requires a lookup")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("tile service requires an extractor")
	}
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ladder: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &TileService{
		lookup:    cfg.Lookup,
		extractor: cfg.Extractor,
		cache:     cfg.Cache,
		ladder:    cfg.Ladder,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		timeout:   cfg.ExtractTimeout,
	}, nil
}

// Ladder returns the zoom ladder.
func (s *TileService) Ladder() scale.Ladder { return s.ladder }

// TileSize returns the edge length of served tiles in pixels.
func (s *TileService) TileSize() int { return s.extractor.Planner().TileSize }

// ClosestImage returns the source image a tile at (id, ts) would be cut from.
func (s *TileService) ClosestImage(ctx context.Context, id layer.Identity, ts time.Time) (layer.Descriptor, error) {
	return s.lookup.Resolve(ctx, id, ts)
}

// CacheStats returns tile cache statistics.
func (s *TileService) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// GetTile returns the tile at addr. A layer with no source image yields the
// blank tile, not an error.
func (s *TileService) GetTile(ctx context.Context, addr tile.Address) (Tile, error) {
	key, err := tile.Build(addr)
	if err != nil {
		return Tile{}, err
	}

	if t, ok := s.cached(ctx, addr, key); ok {
		s.metrics.RecordTile(t.Outcome)
		return t, nil
	}

	// The flight outlives any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.produce(flightCtx, addr, key)
	})
	if err != nil {
		s.metrics.RecordTile(observability.OutcomeError)
		return Tile{}, err
	}
	t := v.(Tile)
	s.metrics.RecordTile(t.Outcome)
	return t, nil
}

func (s *TileService) cached(ctx context.Context, addr tile.Address, key string) (Tile, bool) {
	if s.cache == nil {
		return Tile{}, false
	}
	data, tier, err := s.cache.Get(key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logging.FromContext(ctx, s.logger).Warn(ctx, "tile cache read failed",
				logging.String("key", key), logging.Err(err))
		}
		return Tile{}, false
	}
	outcome := observability.OutcomeDiskHit
	if tier == cache.TierMemory {
		outcome = observability.OutcomeMemoryHit
	}
	return Tile{
		Address:     addr,
		Key:         key,
		Data:        data,
		ContentType: addr.Format.ContentType(),
		Outcome:     outcome,
	}, true
}

func (s *TileService) produce(ctx context.Context, addr tile.Address, key string) (Tile, error) {
	// A previous flight may have finished between our cache check and now.
	if t, ok := s.cached(ctx, addr, key); ok {
		return t, nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	log := logging.FromContext(ctx, s.logger)

	desc, err := s.lookup.Resolve(ctx, addr.Layer, addr.Timestamp)
	if errors.Is(err, layer.ErrNotFound) {
		log.Debug(ctx, "no source image, serving blank tile", logging.String("key", key))
		return fromResult(s.extractor.Blank(addr), key), nil
	}
	if err != nil {
		return Tile{}, fmt.Errorf("failed to resolve source image: %w", err)
	}

	start := time.Now()
	res, err := s.extractor.Extract(ctx, desc, addr)
	if err != nil {
		log.Error(ctx, "tile extraction failed",
			logging.String("key", key), logging.String("source", desc.SourcePath), logging.Err(err))
		return Tile{}, err
	}
	if !res.Blank {
		s.metrics.ObserveExtract(time.Since(start))
		if s.cache != nil && !res.Persisted {
			s.metrics.CacheWriteFailed()
			s.cache.Remember(key, res.Data)
		}
	}
	return fromResult(res, key), nil
}

func fromResult(res extract.Result, key string) Tile {
	outcome := observability.OutcomeExtracted
	if res.Blank {
		outcome = observability.OutcomeBlank
	}
	return Tile{
		Address:     res.Address,
		Key:         key,
		Data:        res.Data,
		ContentType: res.ContentType,
		Blank:       res.Blank,
		Outcome:     outcome,
	}
}
