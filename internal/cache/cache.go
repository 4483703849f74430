// Package cache stores rendered tiles: a disk store that is the source of
// truth plus an optional in-memory hot tier.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// ErrMiss is returned when no artifact exists for a key.
var ErrMiss = errors.New("cache miss")

// Tier identifies where a cached tile was found.
type Tier int

const (
	TierMemory Tier = iota + 1
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	}
	return "none"
}

// Config contains cache configuration.
type Config struct {
	Root         string
	MemorySizeMB int // 0 disables the hot tier
	MemoryTTL    time.Duration
	MaxEntrySize int // bytes, hint for bigcache shard sizing
}

// Manager reads through the hot tier to disk and writes to both.
type Manager struct {
	hot  *bigcache.BigCache
	disk *Disk
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	disk, err := NewDisk(cfg.Root)
	if err != nil {
		return nil, err
	}
	m := &Manager{disk: disk}
	if cfg.MemorySizeMB <= 0 {
		return m, nil
	}

	ttl := cfg.MemoryTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	maxEntry := cfg.MaxEntrySize
	if maxEntry <= 0 {
		maxEntry = 256 * 1024
	}
	hotConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       maxEntry,
		HardMaxCacheSize:   cfg.MemorySizeMB,
		Verbose:            false,
	}
	hot, err := bigcache.New(context.Background(), hotConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	m.hot = hot
	return m, nil
}

// Get returns the tile stored under key and the tier it came from. Disk
// hits are promoted to the hot tier.
func (m *Manager) Get(key string) ([]byte, Tier, error) {
	if m.hot != nil {
		if data, err := m.hot.Get(key); err == nil {
			return data, TierMemory, nil
		}
	}
	data, err := m.disk.Get(key)
	if err != nil {
		return nil, 0, err
	}
	m.remember(key, data)
	return data, TierDisk, nil
}

// Put persists data to disk and the hot tier. Only the disk error is
// reported; the hot tier is best effort.
func (m *Manager) Put(key string, data []byte) error {
	if err := m.disk.Put(key, data); err != nil {
		return err
	}
	m.remember(key, data)
	return nil
}

// Remember stores data in the hot tier only, used for tiles that failed to
// persist.
func (m *Manager) Remember(key string, data []byte) {
	m.remember(key, data)
}

func (m *Manager) remember(key string, data []byte) {
	if m.hot == nil {
		return
	}
	_ = m.hot.Set(key, data)
}

// Stats describes the hot tier.
type Stats struct {
	Root       string `json:"root"`
	HotEntries int    `json:"hot_entries"`
	HotBytes   int    `json:"hot_bytes"`
	HotHits    int64  `json:"hot_hits"`
	HotMisses  int64  `json:"hot_misses"`
}

// Stats returns cache statistics.
func (m *Manager) Stats() Stats {
	s := Stats{Root: m.disk.Root()}
	if m.hot != nil {
		hs := m.hot.Stats()
		s.HotEntries = m.hot.Len()
		s.HotBytes = m.hot.Capacity()
		s.HotHits = hs.Hits
		s.HotMisses = hs.Misses
	}
	return s
}

// Close releases the hot tier.
func (m *Manager) Close() error {
	if m.hot == nil {
		return nil
	}
	return m.hot.Close()
}
