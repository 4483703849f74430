package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/helio-tiles/server/internal/fetch"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/viewport"
	"github.com/helio-tiles/server/internal/visibility"
)

type probeConfig struct {
	Lookup      layer.Lookup
	Fetcher     fetch.Fetcher
	Ladder      scale.Ladder
	TileSize    int
	Format      tile.Format
	Layer       layer.Identity
	Date        time.Time
	Zoom        int
	Viewport    viewport.Size
	Concurrency int
	Logger      logging.Logger
}

// probe replays viewport interactions the way a browser client would and
// feeds the resulting visibility changes to a fetch scheduler.
type probe struct {
	cfg   probeConfig
	date  time.Time
	zoom  int
	desc  layer.Descriptor
	state viewport.State
	sched *fetch.Scheduler
	sink  *countingSink
}

func newProbe(ctx context.Context, cfg probeConfig) (*probe, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	p := &probe{cfg: cfg, date: cfg.Date, zoom: cfg.Ladder.Clamp(cfg.Zoom), sink: &countingSink{logger: cfg.Logger}}

	desc, err := cfg.Lookup.Resolve(ctx, cfg.Layer, cfg.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Layer, err)
	}
	p.desc = desc

	s := cfg.Ladder.ScaleOf(p.zoom)
	state, err := viewport.New(cfg.Viewport, s)
	if err != nil {
		return nil, err
	}
	p.state = state.UpdateSandbox(viewport.FootprintExtent(desc, s))

	p.sched, err = fetch.NewScheduler(fetch.Config{
		Fetcher:     cfg.Fetcher,
		Sink:        p.sink,
		Concurrency: cfg.Concurrency,
		Logger:      cfg.Logger,
	}, p.template())
	if err != nil {
		return nil, err
	}
	p.sched.Update(p.visible())
	return p, nil
}

func (p *probe) template() tile.Template {
	return tile.Template{
		Layer:     p.desc.Identity,
		Timestamp: p.desc.Timestamp,
		Scale:     p.state.Scale,
		Format:    p.cfg.Format,
	}
}

func (p *probe) visible() visibility.Range {
	return visibility.ComputeRange(p.state, p.cfg.TileSize)
}

// apply performs one step and returns how many tiles it requested and dropped.
func (p *probe) apply(ctx context.Context, st step) (requested, dropped int, err error) {
	switch st.kind {
	case stepPan:
		p.state = p.state.PanBy(st.dx, st.dy)
		requested, dropped = p.sched.Update(p.visible())
	case stepResize:
		p.state = p.state.Resize(viewport.Size{W: st.w, H: st.h})
		requested, dropped = p.sched.Update(p.visible())
	case stepZoom:
		z := p.cfg.Ladder.Clamp(p.zoom + st.zoom)
		if z == p.zoom {
			return 0, 0, nil
		}
		p.zoom = z
		p.state = p.state.ZoomTo(p.cfg.Ladder.ScaleOf(z))
		// Every tile changes address with the scale.
		_, dropped = p.sched.Update(visibility.EmptyRange)
		p.sched.SetTemplate(p.template())
		requested, _ = p.sched.Update(p.visible())
	case stepDate:
		p.date = p.date.Add(time.Duration(st.hours * float64(time.Hour)))
		desc, err := p.cfg.Lookup.Resolve(ctx, p.cfg.Layer, p.date)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to resolve %s at %s: %w", p.cfg.Layer, p.date.Format(time.RFC3339), err)
		}
		p.desc = desc
		p.state = p.state.UpdateSandbox(viewport.FootprintExtent(desc, p.state.Scale))
		r1, d1 := p.sched.SetTemplate(p.template())
		r2, d2 := p.sched.Update(p.visible())
		requested, dropped = r1+r2, d1+d2
	default:
		return 0, 0, fmt.Errorf("unknown step %v", st)
	}
	return requested, dropped, nil
}

func (p *probe) close() {
	p.sched.Close()
}

// countingSink tallies delivered tiles.
type countingSink struct {
	logger  logging.Logger
	ready   atomic.Int64
	blank   atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func (c *countingSink) TileReady(idx tile.Index, addr tile.Address, t fetch.Tile) {
	c.ready.Add(1)
	c.bytes.Add(int64(len(t.Data)))
	if t.Blank {
		c.blank.Add(1)
	}
	c.logger.Debug(context.Background(), "tile ready",
		logging.String("key", addr.Key()), logging.Int("bytes", len(t.Data)))
}

func (c *countingSink) TileDropped(tile.Index) {
	c.dropped.Add(1)
}

func (c *countingSink) TileFailed(idx tile.Index, addr tile.Address, err error) {
	c.failed.Add(1)
	c.logger.Warn(context.Background(), "tile failed",
		logging.String("key", addr.Key()), logging.Err(err))
}
