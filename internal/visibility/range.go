// Package visibility computes which tiles cover a viewport.
package visibility

import (
	"fmt"
	"math"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/viewport"
)

// Range is an inclusive rectangle of tile indices. A range whose end is
// before its start is empty.
type Range struct {
	XStart, XEnd int
	YStart, YEnd int
}

// EmptyRange contains no tiles.
var EmptyRange = Range{XStart: 0, XEnd: -1, YStart: 0, YEnd: -1}

// Empty reports whether r contains no tiles.
func (r Range) Empty() bool {
	return r.XEnd < r.XStart || r.YEnd < r.YStart
}

// Equal reports whether both ranges cover the same tiles.
func (r Range) Equal(o Range) bool {
	if r.Empty() && o.Empty() {
		return true
	}
	return r == o
}

// Contains reports whether idx lies in r.
func (r Range) Contains(idx tile.Index) bool {
	return !r.Empty() &&
		idx.X >= r.XStart && idx.X <= r.XEnd &&
		idx.Y >= r.YStart && idx.Y <= r.YEnd
}

// Count returns the number of tiles in r.
func (r Range) Count() int {
	if r.Empty() {
		return 0
	}
	return (r.XEnd - r.XStart + 1) * (r.YEnd - r.YStart + 1)
}

// Indices lists the tiles of r in row-major order.
func (r Range) Indices() []tile.Index {
	if r.Empty() {
		return nil
	}
	out := make([]tile.Index, 0, r.Count())
	for y := r.YStart; y <= r.YEnd; y++ {
		for x := r.XStart; x <= r.XEnd; x++ {
			out = append(out, tile.Index{X: x, Y: y})
		}
	}
	return out
}

func (r Range) String() string {
	if r.Empty() {
		return "[]"
	}
	return fmt.Sprintf("[x %d..%d, y %d..%d]", r.XStart, r.XEnd, r.YStart, r.YEnd)
}

// ComputeRange returns the tiles touched by the viewport. Edges are
// expanded outward to tile boundaries so partially visible tiles are
// included. The result depends only on s.
func ComputeRange(s viewport.State, tileSize int) Range {
	if tileSize <= 0 || s.Viewport.W <= 0 || s.Viewport.H <= 0 {
		return EmptyRange
	}
	b := s.HelioBounds()
	ts := float64(tileSize)
	return Range{
		XStart: int(math.Floor(b.Left / ts)),
		XEnd:   int(math.Ceil(b.Right/ts)) - 1,
		YStart: int(math.Floor(b.Top / ts)),
		YEnd:   int(math.Ceil(b.Bottom/ts)) - 1,
	}
}

// FootprintRange returns the tiles at scale that intersect the source image
// described by desc.
func FootprintRange(desc layer.Descriptor, scale float64, tileSize int) Range {
	if tileSize <= 0 || !(scale > 0) || desc.NativeWidth <= 0 || desc.NativeHeight <= 0 {
		return EmptyRange
	}
	cx, cy := desc.SunCenter()
	k := desc.NativeScale / scale / float64(tileSize)
	return Range{
		XStart: int(math.Floor(-cx * k)),
		XEnd:   int(math.Ceil((float64(desc.NativeWidth)-cx)*k)) - 1,
		YStart: int(math.Floor(-cy * k)),
		YEnd:   int(math.Ceil((float64(desc.NativeHeight)-cy)*k)) - 1,
	}
}
