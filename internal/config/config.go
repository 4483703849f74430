// Package config handles configuration loading for the helio tile server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helio-tiles/server/internal/instrument"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/tile"
)

// Config represents the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tiles       TilesConfig       `yaml:"tiles"`
	Cache       CacheConfig       `yaml:"cache"`
	Source      SourceConfig      `yaml:"source"`
	Assets      AssetsConfig      `yaml:"assets"`
	Seed        SeedConfig        `yaml:"seed"`
	Instruments []instrument.Rule `yaml:"instruments"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	CORSOrigins    []string `yaml:"cors_origins"`
	CacheMaxAge    int      `yaml:"cache_max_age"` // seconds
	ExtractTimeout int      `yaml:"extract_timeout_seconds"`
}

// TilesConfig describes the tile grid and the zoom ladder.
type TilesConfig struct {
	TileSize      int     `yaml:"tile_size"`
	BaseScale     float64 `yaml:"base_scale"` // arcsec per pixel at base_zoom
	BaseZoom      int     `yaml:"base_zoom"`
	MinZoom       int     `yaml:"min_zoom"`
	MaxZoom       int     `yaml:"max_zoom"`
	DefaultFormat string  `yaml:"default_format"`
	JPEGQuality   int     `yaml:"jpeg_quality"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	Root             string `yaml:"root"`
	MemorySizeMB     int    `yaml:"memory_size_mb"` // negative disables the hot tier
	MemoryTTLMinutes int    `yaml:"memory_ttl_minutes"`
	SourceCacheSize  int    `yaml:"source_cache_size"`
}

// SourceConfig locates source images and their index.
type SourceConfig struct {
	Root          string `yaml:"root"`
	IndexPath     string `yaml:"index_path"`
	MaxDeltaHours int    `yaml:"max_delta_hours"` // 0 = unbounded
}

// AssetsConfig locates mask and colour table assets.
type AssetsConfig struct {
	Dir string `yaml:"dir"`
}

// SeedConfig controls background cache seeding jobs.
type SeedConfig struct {
	Workers        int `yaml:"workers"`
	RetentionHours int `yaml:"retention_hours"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			CacheMaxAge:    3600,
			ExtractTimeout: 30,
		},
		Tiles: TilesConfig{
			TileSize:      512,
			BaseScale:     0.6,
			BaseZoom:      10,
			MinZoom:       8,
			MaxZoom:       20,
			DefaultFormat: "png",
			JPEGQuality:   90,
		},
		Cache: CacheConfig{
			Root:             "./data/tiles",
			MemorySizeMB:     256,
			MemoryTTLMinutes: 10,
			SourceCacheSize:  16,
		},
		Source: SourceConfig{
			Root:      "./data/images",
			IndexPath: "./data/index/images.db",
		},
		Assets: AssetsConfig{
			Dir: "./assets",
		},
		Seed: SeedConfig{
			Workers:        1,
			RetentionHours: 24,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.CacheMaxAge == 0 {
		cfg.Server.CacheMaxAge = defaults.Server.CacheMaxAge
	}
	if cfg.Server.ExtractTimeout == 0 {
		cfg.Server.ExtractTimeout = defaults.Server.ExtractTimeout
	}
	if cfg.Tiles.TileSize == 0 {
		cfg.Tiles.TileSize = defaults.Tiles.TileSize
	}
	// A zero ladder means none was configured; partial ladders are kept
	// as written and checked by Validate.
	if cfg.Tiles.BaseScale == 0 && cfg.Tiles.BaseZoom == 0 && cfg.Tiles.MinZoom == 0 && cfg.Tiles.MaxZoom == 0 {
		cfg.Tiles.BaseScale = defaults.Tiles.BaseScale
		cfg.Tiles.BaseZoom = defaults.Tiles.BaseZoom
		cfg.Tiles.MinZoom = defaults.Tiles.MinZoom
		cfg.Tiles.MaxZoom = defaults.Tiles.MaxZoom
	}
	if cfg.Tiles.DefaultFormat == "" {
		cfg.Tiles.DefaultFormat = defaults.Tiles.DefaultFormat
	}
	if cfg.Tiles.JPEGQuality == 0 {
		cfg.Tiles.JPEGQuality = defaults.Tiles.JPEGQuality
	}
	if cfg.Cache.Root == "" {
		cfg.Cache.Root = defaults.Cache.Root
	}
	if cfg.Cache.MemorySizeMB == 0 {
		cfg.Cache.MemorySizeMB = defaults.Cache.MemorySizeMB
	}
	if cfg.Cache.MemoryTTLMinutes == 0 {
		cfg.Cache.MemoryTTLMinutes = defaults.Cache.MemoryTTLMinutes
	}
	if cfg.Cache.SourceCacheSize == 0 {
		cfg.Cache.SourceCacheSize = defaults.Cache.SourceCacheSize
	}
	if cfg.Source.Root == "" {
		cfg.Source.Root = defaults.Source.Root
	}
	if cfg.Source.IndexPath == "" {
		cfg.Source.IndexPath = defaults.Source.IndexPath
	}
	if cfg.Assets.Dir == "" {
		cfg.Assets.Dir = defaults.Assets.Dir
	}
	if cfg.Seed.Workers == 0 {
		cfg.Seed.Workers = defaults.Seed.Workers
	}
	if cfg.Seed.RetentionHours == 0 {
		cfg.Seed.RetentionHours = defaults.Seed.RetentionHours
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// Validate checks values that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Tiles.TileSize <= 0 {
		return fmt.Errorf("invalid tile size %d", c.Tiles.TileSize)
	}
	if err := c.Ladder().Validate(); err != nil {
		return fmt.Errorf("invalid zoom ladder: %w", err)
	}
	if _, err := tile.ParseFormat(c.Tiles.DefaultFormat); err != nil {
		return fmt.Errorf("invalid default format: %w", err)
	}
	if c.Tiles.JPEGQuality < 1 || c.Tiles.JPEGQuality > 100 {
		return fmt.Errorf("invalid jpeg quality %d", c.Tiles.JPEGQuality)
	}
	if c.Source.MaxDeltaHours < 0 {
		return fmt.Errorf("invalid max delta %d", c.Source.MaxDeltaHours)
	}
	if c.Seed.Workers < 0 {
		return fmt.Errorf("invalid seed workers %d", c.Seed.Workers)
	}
	return nil
}

// Ladder returns the zoom ladder described by the tiles section.
func (c *Config) Ladder() scale.Ladder {
	return scale.Ladder{
		BaseScale: c.Tiles.BaseScale,
		BaseZoom:  c.Tiles.BaseZoom,
		MinZoom:   c.Tiles.MinZoom,
		MaxZoom:   c.Tiles.MaxZoom,
	}
}

// Format returns the default tile format.
func (c *Config) Format() tile.Format {
	f, err := tile.ParseFormat(c.Tiles.DefaultFormat)
	if err != nil {
		return tile.PNG
	}
	return f
}

// Catalog returns the built-in instrument rules with configured overrides
// taking precedence.
func (c *Config) Catalog() *instrument.Catalog {
	return instrument.Default().WithOverrides(c.Instruments)
}

// MaxDelta returns the closest-image search window.
func (c *Config) MaxDelta() time.Duration {
	return time.Duration(c.Source.MaxDeltaHours) * time.Hour
}

// MemoryTTL returns the hot tier entry lifetime.
func (c *Config) MemoryTTL() time.Duration {
	return time.Duration(c.Cache.MemoryTTLMinutes) * time.Minute
}

// ExtractTimeout bounds a single tile extraction.
func (c *Config) ExtractTimeout() time.Duration {
	return time.Duration(c.Server.ExtractTimeout) * time.Second
}

// SeedRetention returns how long finished seed jobs stay queryable.
func (c *Config) SeedRetention() time.Duration {
	return time.Duration(c.Seed.RetentionHours) * time.Hour
}
