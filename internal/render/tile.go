// Package render executes extraction plans against source images using
// fogleman/gg and golang.org/x/image.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"math"
	"sync"

	"github.com/fogleman/gg"
	lru "github.com/hashicorp/golang-lru/v2"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/helio-tiles/server/internal/extract"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	SourceRoot      string
	AssetsDir       string
	SourceCacheSize int
	JPEGQuality     int
	Logger          logging.Logger
}

// TileRenderer is the image-processing collaborator of the extractor.
type TileRenderer struct {
	config      Config
	sources     *SourceLoader
	assets      *SourceLoader
	tables      *lru.Cache[string, *colormap.Table]
	contextPool sync.Pool
	maskPool    sync.Pool
	bufferPool  sync.Pool
	logger      logging.Logger
}

var _ extract.Processor = (*TileRenderer)(nil)

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) (*TileRenderer, error) {
	if cfg.TileSize <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", cfg.TileSize)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}

	sources, err := NewSourceLoader(cfg.SourceRoot, cfg.SourceCacheSize)
	if err != nil {
		return nil, err
	}
	assets, err := NewSourceLoader(cfg.AssetsDir, 32)
	if err != nil {
		return nil, err
	}
	tables, err := lru.New[string, *colormap.Table](64)
	if err != nil {
		return nil, fmt.Errorf("failed to create colour table cache: %w", err)
	}

	ts := cfg.TileSize
	return &TileRenderer{
		config:  cfg,
		sources: sources,
		assets:  assets,
		tables:  tables,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(ts, ts)
			},
		},
		maskPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(ts, ts)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		logger: cfg.Logger,
	}, nil
}

// Close releases decoders held by the renderer.
func (r *TileRenderer) Close() {
	r.sources.Close()
	r.assets.Close()
}

// Extract renders plan from the image at sourcePath.
func (r *TileRenderer) Extract(ctx context.Context, sourcePath string, plan extract.Plan) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan.TileSize != r.config.TileSize {
		return nil, fmt.Errorf("plan tile size %d does not match renderer tile size %d", plan.TileSize, r.config.TileSize)
	}

	src, err := r.sources.Load(sourcePath)
	if err != nil {
		return nil, err
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	// Uncovered pixels stay transparent.
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	canvas := dc.Image().(*image.RGBA)

	if !plan.Blank {
		r.resample(canvas, src, plan)

		if plan.ColorTable != nil && isSingleChannel(src) {
			if table := r.table(ctx, plan.ColorTable.Asset); table != nil {
				applyTable(canvas, table)
			}
		}
		if plan.Mask != nil {
			mask, err := r.mask(ctx, plan.Mask)
			if err != nil {
				return nil, err
			}
			applyMask(canvas, mask)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.encode(canvas, plan.Address.Format)
}

// resample maps the clipped source region onto its destination in the tile.
func (r *TileRenderer) resample(dst *image.RGBA, src image.Image, plan extract.Plan) {
	b := src.Bounds()
	sr := image.Rect(
		int(math.Floor(plan.Clip.Left))+b.Min.X,
		int(math.Floor(plan.Clip.Top))+b.Min.Y,
		int(math.Ceil(plan.Clip.Right))+b.Min.X,
		int(math.Ceil(plan.Clip.Bottom))+b.Min.Y,
	).Intersect(b)
	if sr.Empty() {
		return
	}

	inv := 1 / plan.Ratio
	s2d := f64.Aff3{
		inv, 0, -(plan.ROI.Left + float64(b.Min.X)) * inv,
		0, inv, -(plan.ROI.Top + float64(b.Min.Y)) * inv,
	}
	xdraw.CatmullRom.Transform(dst, s2d, src, sr, xdraw.Src, nil)
}

func isSingleChannel(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	}
	return false
}

// table resolves a colour table from the assets directory, falling back to
// the built-in tables. Unknown tables leave the tile in grayscale.
func (r *TileRenderer) table(ctx context.Context, name string) *colormap.Table {
	if t, ok := r.tables.Get(name); ok {
		return t
	}

	var table *colormap.Table
	img, err := r.assets.Load(name + ".png")
	switch {
	case err == nil:
		table, err = colormap.TableFromImage(img)
		if err != nil {
			logging.FromContext(ctx, r.logger).Warn(ctx, "invalid colour table asset",
				logging.String("table", name), logging.Err(err))
		}
	case !errors.Is(err, fs.ErrNotExist):
		logging.FromContext(ctx, r.logger).Warn(ctx, "failed to load colour table asset",
			logging.String("table", name), logging.Err(err))
	}
	if table == nil {
		cm, ok := colormap.Lookup(name)
		if !ok {
			logging.FromContext(ctx, r.logger).Warn(ctx, "unknown colour table", logging.String("table", name))
			return nil
		}
		table = colormap.NewTable(cm)
	}
	r.tables.Add(name, table)
	return table
}

func applyTable(img *image.RGBA, table *colormap.Table) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		a := uint32(img.Pix[i+3])
		if a == 0 {
			continue
		}
		v := uint32(img.Pix[i]) * 255 / a
		if v > 255 {
			v = 255
		}
		c := table[v]
		img.Pix[i] = uint8(uint32(c.R) * a / 255)
		img.Pix[i+1] = uint8(uint32(c.G) * a / 255)
		img.Pix[i+2] = uint8(uint32(c.B) * a / 255)
	}
}

// mask returns a tile-sized alpha mask: opaque where the image is valid.
func (r *TileRenderer) mask(ctx context.Context, m *extract.MaskPlan) (*image.Alpha, error) {
	ts := r.config.TileSize
	out := image.NewAlpha(image.Rect(0, 0, ts, ts))

	if m.Asset != "" {
		asset, err := r.assets.Load(m.Asset)
		if err == nil {
			gray := image.NewGray(out.Rect)
			b := asset.Bounds()
			inv := 1 / m.Ratio
			// Mask assets are registered on the sun at their own center.
			s2d := f64.Aff3{
				inv, 0, -(m.Region.Left + float64(b.Min.X) + float64(b.Dx())/2) * inv,
				0, inv, -(m.Region.Top + float64(b.Min.Y) + float64(b.Dy())/2) * inv,
			}
			xdraw.NearestNeighbor.Transform(gray, s2d, asset, b, xdraw.Src, nil)
			copy(out.Pix, gray.Pix)
			return out, nil
		}
		if m.OuterRadius <= 0 {
			return nil, fmt.Errorf("occulter mask %s unavailable: %w", m.Asset, err)
		}
		logging.FromContext(ctx, r.logger).Warn(ctx, "occulter mask unavailable, using radii",
			logging.String("mask", m.Asset), logging.Err(err))
	}

	dc := r.maskPool.Get().(*gg.Context)
	defer r.maskPool.Put(dc)

	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	dc.SetFillRule(gg.FillRuleEvenOdd)
	dc.DrawCircle(m.SunCenterX, m.SunCenterY, m.OuterRadius)
	if m.InnerRadius > 0 {
		dc.DrawCircle(m.SunCenterX, m.SunCenterY, m.InnerRadius)
	}
	dc.SetRGB(1, 1, 1)
	dc.Fill()

	annulus := dc.Image().(*image.RGBA)
	for i := range out.Pix {
		out.Pix[i] = annulus.Pix[i*4+3]
	}
	return out, nil
}

func applyMask(img *image.RGBA, mask *image.Alpha) {
	for i, m := range mask.Pix {
		if m == 255 {
			continue
		}
		p := i * 4
		for c := 0; c < 4; c++ {
			img.Pix[p+c] = uint8(uint32(img.Pix[p+c]) * uint32(m) / 255)
		}
	}
}

func (r *TileRenderer) encode(img image.Image, format tile.Format) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	switch format {
	case tile.JPEG:
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: r.config.JPEGQuality}); err != nil {
			return nil, err
		}
	default:
		// Use fast PNG encoder
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := encoder.Encode(buf, img); err != nil {
			return nil, err
		}
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
