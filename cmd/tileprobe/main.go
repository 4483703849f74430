// Package main is a headless tile client: it replays pans, zooms and date
// changes against a tile server and reports what the fetch scheduler did.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/helio-tiles/server/internal/fetch"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/viewport"
)

type options struct {
	server      string
	layer       string
	date        string
	zoom        int
	size        string
	format      string
	script      string
	concurrency int
	timeout     time.Duration
	dryRun      bool
	logLevel    string
}

func main() {
	var o options
	flag.StringVar(&o.server, "server", "http://localhost:8080", "Tile server base URL")
	flag.StringVar(&o.layer, "layer", "SDO/AIA/AIA/171", "Layer as observatory/instrument/detector/measurement")
	flag.StringVar(&o.date, "date", "", "Requested time (RFC3339, default now)")
	flag.IntVar(&o.zoom, "zoom", 10, "Initial zoom level")
	flag.StringVar(&o.size, "viewport", "1280x800", "Viewport size WxH")
	flag.StringVar(&o.format, "format", "png", "Tile format (png or jpg)")
	flag.StringVar(&o.script, "script", "pan:200,0 pan:0,-150 zoom:+1 zoom:-2 resize:1920x1080 date:+1h", "Steps to replay")
	flag.IntVar(&o.concurrency, "concurrency", fetch.DefaultConcurrency, "Concurrent tile requests")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "Per-request timeout")
	flag.BoolVar(&o.dryRun, "dry-run", false, "Use a synthetic image and no network")
	flag.StringVar(&o.logLevel, "log-level", "info", "Log level")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "tileprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	logger := logging.New(logging.Config{Level: o.logLevel, Format: "text"})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, err := layer.ParseIdentity(o.layer)
	if err != nil {
		return err
	}
	date := time.Now().UTC()
	if o.date != "" {
		if date, err = time.Parse(time.RFC3339Nano, o.date); err != nil {
			return fmt.Errorf("invalid date %q: %w", o.date, err)
		}
	}
	size, err := parseSize(o.size)
	if err != nil {
		return err
	}
	format, err := tile.ParseFormat(o.format)
	if err != nil {
		return err
	}
	steps, err := parseScript(o.script)
	if err != nil {
		return err
	}

	cfg := probeConfig{
		Format:      format,
		Layer:       id,
		Date:        date,
		Zoom:        o.zoom,
		Viewport:    size,
		Concurrency: o.concurrency,
		Logger:      logger,
	}
	if o.dryRun {
		cfg.Lookup, cfg.Fetcher, cfg.Ladder, cfg.TileSize = dryRunBackend(id, date)
	} else {
		f := fetch.NewHTTPFetcher(o.server, o.timeout)
		meta := fetch.NewMetadataClient(f)
		sl, err := meta.Ladder(ctx)
		if err != nil {
			return err
		}
		cfg.Lookup, cfg.Fetcher, cfg.Ladder, cfg.TileSize = meta, f, sl.Ladder, sl.TileSize
	}

	p, err := newProbe(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	logger.Info(ctx, "probe started",
		logging.String("image", p.desc.Timestamp.Format(time.RFC3339)),
		logging.Int("zoom", p.zoom),
		logging.String("range", p.sched.Visible().String()))
	p.sched.Wait()

	for _, st := range steps {
		if ctx.Err() != nil {
			break
		}
		requested, dropped, err := p.apply(ctx, st)
		if err != nil {
			return err
		}
		logger.Info(ctx, "step",
			logging.String("step", st.String()),
			logging.Int("zoom", p.zoom),
			logging.String("range", p.sched.Visible().String()),
			logging.Int("requested", requested),
			logging.Int("dropped", dropped))
		p.sched.Wait()
	}

	stats := p.sched.Stats()
	logger.Info(ctx, "probe finished",
		logging.Any("requested", stats.Requested),
		logging.Any("delivered", stats.Delivered),
		logging.Any("discarded", stats.Discarded),
		logging.Any("failed", stats.Failed),
		logging.Any("dropped", stats.Dropped),
		logging.Any("blank", p.sink.blank.Load()),
		logging.Any("bytes", p.sink.bytes.Load()))
	if stats.Failed > 0 {
		return fmt.Errorf("%d tile requests failed", stats.Failed)
	}
	return nil
}

func parseSize(s string) (viewport.Size, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return viewport.Size{}, fmt.Errorf("invalid viewport %q: want WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return viewport.Size{}, fmt.Errorf("invalid viewport width %q", ws)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return viewport.Size{}, fmt.Errorf("invalid viewport height %q", hs)
	}
	return viewport.Size{W: float64(w), H: float64(h)}, nil
}

// dryRunBackend serves a synthetic full-disk image every 12 seconds around
// date and answers every tile with an empty body.
func dryRunBackend(id layer.Identity, date time.Time) (layer.Lookup, fetch.Fetcher, scale.Ladder, int) {
	lookup := layer.NewStaticLookup()
	start := date.Add(-6 * time.Hour).Truncate(12 * time.Second)
	for ts := start; ts.Before(date.Add(6 * time.Hour)); ts = ts.Add(12 * time.Second) {
		lookup.Add(layer.Descriptor{
			Identity:     id,
			Timestamp:    ts,
			NativeWidth:  4096,
			NativeHeight: 4096,
			NativeScale:  0.6,
		})
	}
	f := fetcherFunc(func(ctx context.Context, _ tile.Address) (fetch.Tile, error) {
		return fetch.Tile{ContentType: "image/png", Blank: true}, ctx.Err()
	})
	return lookup, f, scale.Ladder{BaseScale: 0.6, BaseZoom: 10, MinZoom: 8, MaxZoom: 14}, 512
}

type fetcherFunc func(ctx context.Context, addr tile.Address) (fetch.Tile, error)

func (f fetcherFunc) Fetch(ctx context.Context, addr tile.Address) (fetch.Tile, error) {
	return f(ctx, addr)
}
