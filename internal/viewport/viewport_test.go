package viewport

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/helio-tiles/server/internal/layer"
)

func mustNew(t *testing.T, w, h, scale float64) State {
	t.Helper()
	s, err := New(Size{W: w, H: h}, scale)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func near(a, b Point) bool {
	return math.Abs(a.X-b.X) <= 1 && math.Abs(a.Y-b.Y) <= 1
}

func TestNewCentersSun(t *testing.T) {
	s := mustNew(t, 1024, 768, 1.2)
	if got := s.SunPosition(); got != (Point{X: 512, Y: 384}) {
		t.Fatalf("sun at %+v, want viewport center", got)
	}
	want := Rect{Left: -512, Top: -384, Right: 512, Bottom: 384}
	if got := s.HelioBounds(); got != want {
		t.Fatalf("bounds = %+v, want %+v", got, want)
	}
	if _, err := New(Size{W: 10, H: 10}, 0); err == nil {
		t.Fatal("expected error for zero scale")
	}
	if _, err := New(Size{W: -1, H: 10}, 1); err == nil {
		t.Fatal("expected error for negative viewport")
	}
}

func TestUpdateSandbox(t *testing.T) {
	s := mustNew(t, 1000, 1000, 1).UpdateSandbox(Size{W: 3000, H: 800})

	if s.Sandbox != (Size{W: 2000, H: 0}) {
		t.Fatalf("sandbox = %+v, want {2000 0}", s.Sandbox)
	}
	if s.MoveOffset != (Point{X: 1000, Y: 0}) {
		t.Fatalf("move offset = %+v, want the sandbox center", s.MoveOffset)
	}
	if got := s.SunPosition(); got != (Point{X: 500, Y: 500}) {
		t.Fatalf("sun moved to %+v when the sandbox grew", got)
	}

	// Shrinking the footprint keeps the offset inside the new sandbox.
	s = s.PanBy(900, 0).UpdateSandbox(Size{W: 1200, H: 800})
	if s.Sandbox.W != 200 || s.MoveOffset.X < 0 || s.MoveOffset.X > 200 {
		t.Fatalf("offset %v escaped sandbox %v", s.MoveOffset.X, s.Sandbox.W)
	}
}

func TestPanByClampsToFootprint(t *testing.T) {
	s := mustNew(t, 1000, 1000, 1).UpdateSandbox(Size{W: 3000, H: 3000})

	s = s.PanBy(5000, -5000)
	if s.MoveOffset != (Point{X: 2000, Y: 0}) {
		t.Fatalf("offset = %+v, want clamped to sandbox", s.MoveOffset)
	}
	// At the right limit the footprint's left edge touches the viewport's left edge.
	b := s.HelioBounds()
	if b.Left != -1500 {
		t.Fatalf("left bound = %v, want -1500", b.Left)
	}
	// At the top limit the footprint's bottom edge touches the viewport's bottom.
	if b.Bottom != 1500 {
		t.Fatalf("bottom bound = %v, want 1500", b.Bottom)
	}

	noLayers := mustNew(t, 1000, 1000, 1).PanBy(300, 300)
	if noLayers.MoveOffset != (Point{}) {
		t.Fatal("panning without a footprint must not move the sun")
	}
}

func TestZoomToPreservesCenter(t *testing.T) {
	s := mustNew(t, 1024, 1024, 1.2).
		UpdateSandbox(Size{W: 8000, H: 8000}).
		PanBy(-700, 450)

	p := s.ViewportToHelio(s.Center())
	for _, scale := range []float64{2.4, 0.6, 4.8} {
		z := s.ZoomTo(scale)
		if got := z.HelioToViewport(p); !near(got, z.Center()) {
			t.Fatalf("zoom to %v moved center point to %+v", scale, got)
		}
		if z.Scale != scale {
			t.Fatalf("scale = %v, want %v", z.Scale, scale)
		}
	}
}

func TestZoomAtPreservesFocus(t *testing.T) {
	s := mustNew(t, 1024, 768, 1.2).UpdateSandbox(Size{W: 10000, H: 10000})
	focus := Point{X: 200, Y: 600}
	p := s.ViewportToHelio(focus)

	z := s.ZoomAt(0.6, focus)
	if got := z.HelioToViewport(p); !near(got, focus) {
		t.Fatalf("focus moved to %+v, want %+v", got, focus)
	}
	if z.Extent != (Size{W: 20000, H: 20000}) {
		t.Fatalf("extent = %+v, want doubled", z.Extent)
	}
	if z.Sandbox != (Size{W: 20000 - 1024, H: 20000 - 768}) {
		t.Fatalf("sandbox = %+v", z.Sandbox)
	}
}

func TestZoomOutSaturatesAtFootprint(t *testing.T) {
	s := mustNew(t, 1000, 1000, 1).UpdateSandbox(Size{W: 1500, H: 1500}).PanBy(250, 250)

	// Zooming out shrinks the footprint below the viewport, recentering the sun.
	z := s.ZoomTo(4)
	if z.Sandbox != (Size{}) || z.SunPosition() != z.Center() {
		t.Fatalf("expected sun centered once the footprint fits, got %+v", z)
	}
}

func TestZoomIgnoresInvalidScale(t *testing.T) {
	s := mustNew(t, 100, 100, 1)
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if diff := cmp.Diff(s, s.ZoomTo(bad), cmpopts.EquateNaNs()); diff != "" {
			t.Fatalf("ZoomTo(%v) changed state:\n%s", bad, diff)
		}
	}
}

func TestResizeKeepsSunRelativeToCenter(t *testing.T) {
	s := mustNew(t, 1000, 1000, 1).UpdateSandbox(Size{W: 4000, H: 4000}).PanBy(100, -50)
	before := s.SunPosition()
	offset := Point{X: before.X - s.Center().X, Y: before.Y - s.Center().Y}

	r := s.Resize(Size{W: 1600, H: 900})
	after := r.SunPosition()
	if got := (Point{X: after.X - r.Center().X, Y: after.Y - r.Center().Y}); !near(got, offset) {
		t.Fatalf("sun offset from center changed from %+v to %+v", offset, got)
	}
	if r.Sandbox != (Size{W: 2400, H: 3100}) {
		t.Fatalf("sandbox = %+v", r.Sandbox)
	}
}

func TestStateIsAValue(t *testing.T) {
	s := mustNew(t, 1000, 1000, 1).UpdateSandbox(Size{W: 3000, H: 3000})
	orig := s
	_ = s.PanBy(10, 10)
	_ = s.ZoomTo(2)
	_ = s.Resize(Size{W: 10, H: 10})
	if s != orig {
		t.Fatal("operations must not mutate the receiver")
	}
}

func TestFootprintExtent(t *testing.T) {
	desc := layer.Descriptor{
		Identity:     layer.Identity{Observatory: "SDO", Instrument: "AIA", Detector: "AIA", Measurement: "171"},
		Timestamp:    time.Date(2011, 1, 12, 0, 0, 0, 0, time.UTC),
		NativeWidth:  4096,
		NativeHeight: 4096,
		NativeScale:  0.6,
	}
	if got := FootprintExtent(desc, 1.2); got != (Size{W: 2048, H: 2048}) {
		t.Fatalf("extent = %+v, want 2048x2048", got)
	}

	// An off-center sun widens the box so it stays centered on the sun.
	desc.SunOffsetX = 48 // sun at x=2000, far edge 2096 away
	if got := FootprintExtent(desc, 0.6); got.W != 4192 || got.H != 4096 {
		t.Fatalf("extent = %+v, want 4192x4096", got)
	}
	if got := MaxExtent(Size{W: 1, H: 5}, Size{W: 3, H: 2}); got != (Size{W: 3, H: 5}) {
		t.Fatalf("MaxExtent = %+v", got)
	}
}
