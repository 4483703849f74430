// Package viewport holds the client-side viewport geometry as a pure value
// type. Every operation returns a new State; nothing here renders.
//
// Coordinates: viewport pixels have their origin at the top-left corner of
// the visible area. Helio pixels have their origin at the sun center and
// are measured at the current Scale, so one helio pixel is Scale arcsec.
// The sandbox is a box centered in the viewport whose size is the pan range;
// MoveOffset is the sun's position inside it.
package viewport

import (
	"errors"
	"math"

	"github.com/helio-tiles/server/internal/layer"
)

// Point is a 2D position in pixels.
type Point struct {
	X, Y float64
}

// Size is a 2D extent in pixels.
type Size struct {
	W, H float64
}

// Rect is an axis-aligned rectangle in pixels.
type Rect struct {
	Left, Top, Right, Bottom float64
}

// State is the complete viewport geometry.
type State struct {
	Scale      float64 // arcsec per viewport pixel
	Viewport   Size
	Extent     Size // largest loaded layer footprint, centered on the sun
	Sandbox    Size
	MoveOffset Point
}

// New returns a state with the sun at the viewport center and no layers.
func New(viewport Size, scale float64) (State, error) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return State{}, errors.New("scale must be positive and finite")
	}
	if viewport.W < 0 || viewport.H < 0 {
		return State{}, errors.New("viewport size must not be negative")
	}
	return State{Scale: scale, Viewport: viewport}, nil
}

// Center returns the geometric center of the viewport.
func (s State) Center() Point {
	return Point{X: s.Viewport.W / 2, Y: s.Viewport.H / 2}
}

func (s State) sandboxOrigin() Point {
	return Point{
		X: (s.Viewport.W - s.Sandbox.W) / 2,
		Y: (s.Viewport.H - s.Sandbox.H) / 2,
	}
}

// SunPosition returns the sun center in viewport pixels.
func (s State) SunPosition() Point {
	o := s.sandboxOrigin()
	return Point{X: o.X + s.MoveOffset.X, Y: o.Y + s.MoveOffset.Y}
}

// HelioBounds returns the visible area in helio pixels.
func (s State) HelioBounds() Rect {
	sun := s.SunPosition()
	r := Rect{Left: -sun.X, Top: -sun.Y}
	r.Right = r.Left + s.Viewport.W
	r.Bottom = r.Top + s.Viewport.H
	return r
}

// ViewportToHelio converts a viewport pixel to arcseconds from the sun center.
func (s State) ViewportToHelio(p Point) Point {
	sun := s.SunPosition()
	return Point{X: (p.X - sun.X) * s.Scale, Y: (p.Y - sun.Y) * s.Scale}
}

// HelioToViewport converts arcseconds from the sun center to a viewport pixel.
func (s State) HelioToViewport(p Point) Point {
	sun := s.SunPosition()
	return Point{X: sun.X + p.X/s.Scale, Y: sun.Y + p.Y/s.Scale}
}

// Resize changes the viewport size, keeping the sun's offset from the
// viewport center.
func (s State) Resize(viewport Size) State {
	if viewport.W < 0 {
		viewport.W = 0
	}
	if viewport.H < 0 {
		viewport.H = 0
	}
	s.Viewport = viewport
	return s.resandbox()
}

// UpdateSandbox sets the largest layer footprint and recomputes the pan
// range so it covers exactly that footprint.
func (s State) UpdateSandbox(extent Size) State {
	s.Extent = Size{W: math.Max(0, extent.W), H: math.Max(0, extent.H)}
	return s.resandbox()
}

// resandbox recomputes the sandbox from Extent and Viewport, moving
// MoveOffset by half the size change so the sun stays put on screen.
func (s State) resandbox() State {
	sb := Size{
		W: math.Max(0, s.Extent.W-s.Viewport.W),
		H: math.Max(0, s.Extent.H-s.Viewport.H),
	}
	s.MoveOffset.X += (sb.W - s.Sandbox.W) / 2
	s.MoveOffset.Y += (sb.H - s.Sandbox.H) / 2
	s.Sandbox = sb
	return s.clamp()
}

func (s State) clamp() State {
	s.MoveOffset.X = clamp(s.MoveOffset.X, 0, s.Sandbox.W)
	s.MoveOffset.Y = clamp(s.MoveOffset.Y, 0, s.Sandbox.H)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PanBy drags the image by (dx, dy) viewport pixels, saturating at the
// sandbox edges.
func (s State) PanBy(dx, dy float64) State {
	s.MoveOffset.X += dx
	s.MoveOffset.Y += dy
	return s.clamp()
}

// ZoomTo changes the scale keeping the point at the viewport center fixed.
func (s State) ZoomTo(scale float64) State {
	return s.ZoomAt(scale, s.Center())
}

// ZoomAt changes the scale keeping the point under focus fixed on screen.
// The sandbox is rescaled with the footprint, so near the pan limits the
// focus may shift to avoid overscroll.
func (s State) ZoomAt(scale float64, focus Point) State {
	if !(scale > 0) || math.IsInf(scale, 0) || scale == s.Scale {
		return s
	}
	k := s.Scale / scale
	sun := s.SunPosition()
	sun = Point{
		X: focus.X - (focus.X-sun.X)*k,
		Y: focus.Y - (focus.Y-sun.Y)*k,
	}

	s.Scale = scale
	s.Extent = Size{W: s.Extent.W * k, H: s.Extent.H * k}
	s.Sandbox = Size{
		W: math.Max(0, s.Extent.W-s.Viewport.W),
		H: math.Max(0, s.Extent.H-s.Viewport.H),
	}
	o := s.sandboxOrigin()
	s.MoveOffset = Point{X: sun.X - o.X, Y: sun.Y - o.Y}
	return s.clamp()
}

// FootprintExtent returns the size, in viewport pixels at scale, of the box
// centered on the sun that contains the whole source image.
func FootprintExtent(desc layer.Descriptor, scale float64) Size {
	if !(scale > 0) {
		return Size{}
	}
	cx, cy := desc.SunCenter()
	w := 2 * math.Max(math.Abs(cx), math.Abs(float64(desc.NativeWidth)-cx))
	h := 2 * math.Max(math.Abs(cy), math.Abs(float64(desc.NativeHeight)-cy))
	k := desc.NativeScale / scale
	return Size{W: w * k, H: h * k}
}

// MaxExtent returns the per-axis maximum of the given extents.
func MaxExtent(extents ...Size) Size {
	var out Size
	for _, e := range extents {
		out.W = math.Max(out.W, e.W)
		out.H = math.Max(out.H, e.H)
	}
	return out
}
