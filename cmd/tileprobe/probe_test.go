package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/helio-tiles/server/internal/fetch"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/viewport"
	"github.com/helio-tiles/server/internal/visibility"
)

func TestParseScript(t *testing.T) {
	steps, err := parseScript("pan:10,-5; zoom:+1\tresize:800X600 date:-2h")
	if err != nil {
		t.Fatalf("parseScript: %v", err)
	}
	var got []string
	for _, s := range steps {
		got = append(got, s.String())
	}
	want := []string{"pan:10,-5", "zoom:+1", "resize:800x600", "date:-2h"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"pan:1", "zoom:x", "resize:10", "spin:1", "pan", "resize:-1x2"} {
		if _, err := parseScript(bad); err == nil {
			t.Errorf("parseScript(%q) succeeded", bad)
		}
	}
}

func TestParseSize(t *testing.T) {
	got, err := parseSize("1280x800")
	if err != nil || got != (viewport.Size{W: 1280, H: 800}) {
		t.Fatalf("parseSize = %v, %v", got, err)
	}
	if _, err := parseSize("0x800"); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestProbeReplaysInteractions(t *testing.T) {
	id := layer.Identity{Observatory: "SDO", Instrument: "AIA", Detector: "AIA", Measurement: "171"}
	t0 := time.Date(2011, 1, 12, 0, 0, 0, 0, time.UTC)
	img := layer.Descriptor{Identity: id, Timestamp: t0, NativeWidth: 1024, NativeHeight: 1024, NativeScale: 1}
	later := img
	later.Timestamp = t0.Add(time.Hour)

	f := fetcherFunc(func(context.Context, tile.Address) (fetch.Tile, error) {
		return fetch.Tile{Data: []byte{1, 2, 3}}, nil
	})
	p, err := newProbe(context.Background(), probeConfig{
		Lookup:   layer.NewStaticLookup(img, later),
		Fetcher:  f,
		Ladder:   scale.Ladder{BaseScale: 1, BaseZoom: 0, MinZoom: -1, MaxZoom: 2},
		TileSize: 256,
		Format:   tile.PNG,
		Layer:    id,
		Date:     t0,
		Viewport: viewport.Size{W: 512, H: 512},
	})
	if err != nil {
		t.Fatalf("newProbe: %v", err)
	}
	defer p.close()
	p.sched.Wait()

	if got, want := p.sched.Visible(), (visibility.Range{XStart: -1, XEnd: 0, YStart: -1, YEnd: 0}); !got.Equal(want) {
		t.Fatalf("initial range = %v, want %v", got, want)
	}

	cases := []struct {
		step               step
		requested, dropped int
		visible            visibility.Range
	}{
		// The sun moves right until the image's left edge meets the viewport's.
		{step{kind: stepPan, dx: 256}, 2, 2, visibility.Range{XStart: -2, XEnd: -1, YStart: -1, YEnd: 0}},
		// Saturated: nothing changes.
		{step{kind: stepPan, dx: 1000}, 0, 0, visibility.Range{XStart: -2, XEnd: -1, YStart: -1, YEnd: 0}},
		// At scale 2 the whole image fits and re-centers.
		{step{kind: stepZoom, zoom: 1}, 4, 4, visibility.Range{XStart: -1, XEnd: 0, YStart: -1, YEnd: 0}},
		{step{kind: stepZoom, zoom: 0}, 0, 0, visibility.Range{XStart: -1, XEnd: 0, YStart: -1, YEnd: 0}},
		// A new image refetches everything in place.
		{step{kind: stepDate, hours: 1}, 4, 4, visibility.Range{XStart: -1, XEnd: 0, YStart: -1, YEnd: 0}},
	}
	for _, tc := range cases {
		requested, dropped, err := p.apply(context.Background(), tc.step)
		if err != nil {
			t.Fatalf("%v: %v", tc.step, err)
		}
		p.sched.Wait()
		if requested != tc.requested || dropped != tc.dropped {
			t.Errorf("%v: requested %d dropped %d, want %d and %d", tc.step, requested, dropped, tc.requested, tc.dropped)
		}
		if got := p.sched.Visible(); !got.Equal(tc.visible) {
			t.Errorf("%v: range = %v, want %v", tc.step, got, tc.visible)
		}
	}

	if !p.desc.Timestamp.Equal(later.Timestamp) {
		t.Fatalf("probe still on %v", p.desc.Timestamp)
	}
	if got := p.sched.Template().Scale; got != 2 {
		t.Fatalf("template scale = %v, want 2", got)
	}
	stats := p.sched.Stats()
	if stats.Requested != 14 || stats.Delivered != 14 || stats.Dropped != 10 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if p.sink.ready.Load() != 14 || p.sink.bytes.Load() != 42 {
		t.Fatalf("sink saw %d tiles, %d bytes", p.sink.ready.Load(), p.sink.bytes.Load())
	}
}

func TestDryRunBackend(t *testing.T) {
	id := layer.Identity{Observatory: "SDO", Instrument: "AIA", Detector: "AIA", Measurement: "171"}
	date := time.Date(2011, 1, 12, 0, 0, 5, 0, time.UTC)
	lookup, _, ladder, ts := dryRunBackend(id, date)
	d, err := lookup.Resolve(context.Background(), id, date)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Timestamp.Equal(date.Truncate(12 * time.Second)) {
		t.Fatalf("resolved %v", d.Timestamp)
	}
	if err := ladder.Validate(); err != nil || ts != 512 {
		t.Fatalf("ladder %+v tile size %d: %v", ladder, ts, err)
	}
}
