// Package scale maps discrete zoom levels to physical image scales.
package scale

import (
	"errors"
	"fmt"
	"math"
)

// Ladder is the geometric sequence of image scales (arcseconds per pixel)
// indexed by integer zoom level. Each zoom step doubles the scale.
type Ladder struct {
	BaseScale float64 // arcsec/px at BaseZoom
	BaseZoom  int
	MinZoom   int
	MaxZoom   int
}

// Rung is one (zoom, scale) pair of a ladder.
type Rung struct {
	Zoom  int     `json:"zoom"`
	Scale float64 `json:"scale"`
}

// Validate checks that the ladder describes a usable, non-empty range.
func (l Ladder) Validate() error {
	if math.IsNaN(l.BaseScale) || math.IsInf(l.BaseScale, 0) || l.BaseScale <= 0 {
		return fmt.Errorf("invalid base scale: %v", l.BaseScale)
	}
	if l.MinZoom > l.MaxZoom {
		return fmt.Errorf("min zoom %d exceeds max zoom %d", l.MinZoom, l.MaxZoom)
	}
	return nil
}

// Clamp saturates zoom to [MinZoom, MaxZoom].
func (l Ladder) Clamp(zoom int) int {
	if zoom < l.MinZoom {
		return l.MinZoom
	}
	if zoom > l.MaxZoom {
		return l.MaxZoom
	}
	return zoom
}

// ScaleOf returns the image scale of the (clamped) zoom level.
func (l Ladder) ScaleOf(zoom int) float64 {
	zoom = l.Clamp(zoom)
	return math.Ldexp(l.BaseScale, zoom-l.BaseZoom)
}

// ZoomOf returns the zoom level whose scale is nearest to s, measured in
// log space, clamped to the ladder bounds.
func (l Ladder) ZoomOf(s float64) int {
	if s <= 0 || math.IsNaN(s) {
		return l.MinZoom
	}
	if math.IsInf(s, 1) {
		return l.MaxZoom
	}
	steps := math.Round(math.Log2(s / l.BaseScale))
	// Guard the int conversion for absurd inputs.
	if steps > float64(l.MaxZoom-l.BaseZoom) {
		return l.MaxZoom
	}
	if steps < float64(l.MinZoom-l.BaseZoom) {
		return l.MinZoom
	}
	return l.Clamp(l.BaseZoom + int(steps))
}

// Snap rounds s to the nearest rung scale.
func (l Ladder) Snap(s float64) float64 {
	return l.ScaleOf(l.ZoomOf(s))
}

// Rungs lists every rung from MinZoom to MaxZoom.
func (l Ladder) Rungs() []Rung {
	if l.MinZoom > l.MaxZoom {
		return nil
	}
	out := make([]Rung, 0, l.MaxZoom-l.MinZoom+1)
	for z := l.MinZoom; z <= l.MaxZoom; z++ {
		out = append(out, Rung{Zoom: z, Scale: l.ScaleOf(z)})
	}
	return out
}

// ErrInvalidScale is returned by CheckScale for non-positive or non-finite values.
var ErrInvalidScale = errors.New("invalid image scale")

// CheckScale reports whether s can be used as an image scale.
func CheckScale(s float64) error {
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidScale, s)
	}
	return nil
}
