// Package fetch turns visibility changes into tile requests.
//
// The scheduler never cancels a request over the wire. A response that
// arrives after its index left the visible range, or after the layer,
// time or scale changed, is discarded instead of delivered.
package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/visibility"
)

// DefaultConcurrency matches the usual per-host connection limit of browsers.
const DefaultConcurrency = 6

// Tile is a fetched tile body.
type Tile struct {
	Data        []byte
	ContentType string
	Blank       bool
}

// Fetcher retrieves one tile.
type Fetcher interface {
	Fetch(ctx context.Context, addr tile.Address) (Tile, error)
}

// Sink receives scheduler output. Methods are called with the scheduler
// lock held, in the order the events took effect, and must not call back
// into the Scheduler.
type Sink interface {
	TileReady(idx tile.Index, addr tile.Address, t Tile)
	TileDropped(idx tile.Index)
	TileFailed(idx tile.Index, addr tile.Address, err error)
}

// Config configures a Scheduler.
type Config struct {
	Fetcher     Fetcher
	Sink        Sink
	Concurrency int
	Logger      logging.Logger
}

// Stats counts scheduler events since creation.
type Stats struct {
	Requested int64
	Dropped   int64
	Delivered int64
	Discarded int64
	Failed    int64
}

// Scheduler issues fetches for newly visible tiles and drops tiles that
// scroll out of view.
type Scheduler struct {
	fetcher Fetcher
	sink    Sink
	logger  logging.Logger
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tmpl    tile.Template
	visible visibility.Range
	pending map[tile.Index]uint64
	seq     uint64

	requested atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	discarded atomic.Int64
	failed    atomic.Int64
}

// NewScheduler creates a scheduler for the tiles of tmpl. Nothing is
// visible until the first range change.
func NewScheduler(cfg Config, tmpl tile.Template) (*Scheduler, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fetcher: cfg.Fetcher,
		sink:    cfg.Sink,
		logger:  cfg.Logger,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		ctx:     ctx,
		cancel:  cancel,
		tmpl:    tmpl,
		visible: visibility.EmptyRange,
		pending: make(map[tile.Index]uint64),
	}, nil
}

// Diff returns the indices in next but not prev (need) and in prev but not
// next (drop), each in row-major order.
func Diff(prev, next visibility.Range) (need, drop []tile.Index) {
	if prev.Equal(next) {
		return nil, nil
	}
	for _, idx := range next.Indices() {
		if !prev.Contains(idx) {
			need = append(need, idx)
		}
	}
	for _, idx := range prev.Indices() {
		if !next.Contains(idx) {
			drop = append(drop, idx)
		}
	}
	return need, drop
}

// OnRangeChanged applies a visibility change. Equal ranges are a no-op, so
// sub-tile viewport movements cost nothing. Needs and drops are computed
// against the scheduler's own visible range, so a stale prev cannot leave
// tiles outside next pending. It returns the number of requests issued and
// tiles dropped.
func (s *Scheduler) OnRangeChanged(prev, next visibility.Range) (requested, dropped int) {
	if prev.Equal(next) {
		return 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	need, drop := Diff(s.visible, next)
	s.visible = next
	for idx := range s.pending {
		if !next.Contains(idx) {
			delete(s.pending, idx)
		}
	}
	for _, idx := range drop {
		delete(s.pending, idx)
		s.sink.TileDropped(idx)
	}
	for _, idx := range need {
		s.request(idx)
	}
	s.dropped.Add(int64(len(drop)))
	return len(need), len(drop)
}

// Update moves the visible set to next, diffing against the current one.
func (s *Scheduler) Update(next visibility.Range) (requested, dropped int) {
	return s.OnRangeChanged(s.Visible(), next)
}

// SetTemplate switches layer, time, scale or format. Every visible tile is
// dropped and requested again under the new template; responses for the
// old template are discarded on arrival.
func (s *Scheduler) SetTemplate(tmpl tile.Template) (requested, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmpl.Equal(tmpl) {
		return 0, 0
	}
	s.tmpl = tmpl
	clear(s.pending)

	indices := s.visible.Indices()
	for _, idx := range indices {
		s.sink.TileDropped(idx)
	}
	s.dropped.Add(int64(len(indices)))
	for _, idx := range indices {
		s.request(idx)
	}
	return len(indices), len(indices)
}

// request must be called with s.mu held.
func (s *Scheduler) request(idx tile.Index) {
	s.seq++
	seq := s.seq
	s.pending[idx] = seq
	addr := s.tmpl.At(idx.X, idx.Y)
	s.requested.Add(1)

	s.wg.Add(1)
	go s.fetch(idx, addr, seq)
}

func (s *Scheduler) fetch(idx tile.Index, addr tile.Address, seq uint64) {
	defer s.wg.Done()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.discard(idx, seq)
		return
	}
	defer s.sem.Release(1)

	// Skip the round trip if the tile left the view while queued.
	if s.ctx.Err() != nil || !s.isCurrent(idx, seq) {
		s.discard(idx, seq)
		return
	}

	t, err := s.fetcher.Fetch(s.ctx, addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[idx] != seq || !s.visible.Contains(idx) {
		if s.pending[idx] == seq {
			delete(s.pending, idx)
		}
		s.discarded.Add(1)
		s.logger.Debug(s.ctx, "discarding late tile", logging.String("addr", addr.String()))
		return
	}
	delete(s.pending, idx)
	if err != nil {
		s.failed.Add(1)
		s.sink.TileFailed(idx, addr, err)
		return
	}
	s.delivered.Add(1)
	s.sink.TileReady(idx, addr, t)
}

func (s *Scheduler) isCurrent(idx tile.Index, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[idx] == seq && s.visible.Contains(idx)
}

func (s *Scheduler) discard(idx tile.Index, seq uint64) {
	s.mu.Lock()
	if s.pending[idx] == seq {
		delete(s.pending, idx)
	}
	s.mu.Unlock()
	s.discarded.Add(1)
}

// Visible returns the current visible range.
func (s *Scheduler) Visible() visibility.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Template returns the current template.
func (s *Scheduler) Template() tile.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tmpl
}

// Pending returns the number of requests whose result would still be
// delivered.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Wait blocks until every issued fetch has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close aborts queued and in-flight fetches and waits for them.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Stats returns event counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Requested: s.requested.Load(),
		Dropped:   s.dropped.Load(),
		Delivered: s.delivered.Load(),
		Discarded: s.discarded.Load(),
		Failed:    s.failed.Load(),
	}
}
