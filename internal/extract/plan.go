// Package extract computes which part of a source image makes up a tile and
// drives the image-processing collaborator that produces it.
package extract

import (
	"errors"
	"fmt"
	"math"

	"github.com/helio-tiles/server/internal/instrument"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/tile"
)

// Rect is an axis-aligned rectangle in floating point pixels.
type Rect struct {
	Left, Top, Right, Bottom float64
}

func (r Rect) Width() float64  { return r.Right - r.Left }
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return !(r.Right > r.Left) || !(r.Bottom > r.Top)
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		Left:   math.Max(r.Left, o.Left),
		Top:    math.Max(r.Top, o.Top),
		Right:  math.Min(r.Right, o.Right),
		Bottom: math.Min(r.Bottom, o.Bottom),
	}
}

// Translate shifts r by (dx, dy).
func (r Rect) Translate(dx, dy float64) Rect {
	return Rect{Left: r.Left + dx, Top: r.Top + dy, Right: r.Right + dx, Bottom: r.Bottom + dy}
}

// MaskPlan places an occulter mask over a tile.
type MaskPlan struct {
	// Asset is the mask image name. Empty means synthesize an annulus from
	// the radii below.
	Asset string
	// Sun center in tile pixels; may lie outside the tile.
	SunCenterX, SunCenterY float64
	// Radii in tile pixels.
	InnerRadius, OuterRadius float64
	// Region is the ROI relative to the sun center in source pixels, used to
	// crop mask assets registered on the sun center.
	Region Rect
	Ratio  float64
}

// ColorTablePlan names the lookup table applied to single-channel sources.
type ColorTablePlan struct {
	Asset string
}

// Plan is the complete, deterministic description of one tile extraction.
type Plan struct {
	Address  tile.Address
	TileSize int
	// Ratio is source pixels per tile pixel: address scale / native scale.
	Ratio float64
	// ROI is the requested region in native source pixels, before clipping.
	ROI Rect
	// Clip is ROI clipped to the source image bounds.
	Clip Rect
	// Dest is where Clip lands inside the tile, in tile pixels.
	Dest Rect
	// Padded is set when part of the tile lies outside the source image and
	// must be filled with transparent pixels.
	Padded bool
	// Blank is set when the tile lies entirely outside the source image.
	Blank bool

	Mask       *MaskPlan
	ColorTable *ColorTablePlan
}

// Planner computes extraction plans.
type Planner struct {
	TileSize int
	Catalog  *instrument.Catalog
}

// Plan computes the extraction plan of addr against desc.
//
// The tile grid is centered on the sun: tile (x, y) covers
// [x*TileSize, (x+1)*TileSize) tile pixels measured from the sun center,
// which maps to native pixels through Ratio and the sun-center offset.
func (p Planner) Plan(desc layer.Descriptor, addr tile.Address) (Plan, error) {
	if p.TileSize <= 0 {
		return Plan{}, fmt.Errorf("invalid tile size %d", p.TileSize)
	}
	if err := desc.Validate(); err != nil {
		return Plan{}, fmt.Errorf("invalid descriptor: %w", err)
	}
	if err := addr.Validate(); err != nil {
		return Plan{}, err
	}
	if desc.Identity != addr.Layer {
		return Plan{}, errors.New("descriptor layer does not match tile address")
	}

	ratio := addr.Scale / desc.NativeScale
	span := float64(p.TileSize) * ratio
	sunX, sunY := desc.SunCenter()

	roi := Rect{
		Left: float64(addr.X)*span + sunX,
		Top:  float64(addr.Y)*span + sunY,
	}
	roi.Right = roi.Left + span
	roi.Bottom = roi.Top + span

	bounds := Rect{Right: float64(desc.NativeWidth), Bottom: float64(desc.NativeHeight)}
	clip := roi.Intersect(bounds)

	plan := Plan{
		Address:  addr,
		TileSize: p.TileSize,
		Ratio:    ratio,
		ROI:      roi,
		Clip:     clip,
	}
	if clip.Empty() {
		plan.Blank = true
		plan.Padded = true
		return plan, nil
	}

	plan.Dest = clip.Translate(-roi.Left, -roi.Top)
	plan.Dest = Rect{
		Left:   plan.Dest.Left / ratio,
		Top:    plan.Dest.Top / ratio,
		Right:  plan.Dest.Right / ratio,
		Bottom: plan.Dest.Bottom / ratio,
	}
	plan.Padded = clip != roi

	if occ, ok := p.Catalog.Occulter(desc.Identity); ok {
		plan.Mask = &MaskPlan{
			Asset:       occ.Mask,
			SunCenterX:  (sunX - roi.Left) / ratio,
			SunCenterY:  (sunY - roi.Top) / ratio,
			InnerRadius: occ.InnerRadius / addr.Scale,
			OuterRadius: occ.OuterRadius / addr.Scale,
			Region:      roi.Translate(-sunX, -sunY),
			Ratio:       ratio,
		}
	}
	if name, ok := p.Catalog.ColorTable(desc.Identity); ok {
		plan.ColorTable = &ColorTablePlan{Asset: name}
	}
	return plan, nil
}
