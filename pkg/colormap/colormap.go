// Package colormap provides colour tables for single-channel solar images.
package colormap

import (
	"errors"
	"image"
	"image/color"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// Gradient builds a linear colormap through the given anchors.
func Gradient(anchors ...color.RGBA) (LinearColormap, error) {
	if len(anchors) < 2 {
		return LinearColormap{}, errors.New("gradient needs at least two colors")
	}
	return LinearColormap{colors: append([]color.RGBA(nil), anchors...)}, nil
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Table is a 256 entry lookup table indexed by 8-bit intensity.
type Table [256]color.RGBA

// NewTable samples cm at 256 evenly spaced points.
func NewTable(cm Colormap) *Table {
	var t Table
	for i := range t {
		r, g, b, a := cm.At(float64(i) / 255).RGBA()
		t[i] = color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
	}
	return &t
}

// TableFromImage reads a colour table stored as an image strip: the first
// row, resampled to 256 entries.
func TableFromImage(img image.Image) (*Table, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 1 {
		return nil, errors.New("colour table image is too small")
	}
	var t Table
	for i := range t {
		x := b.Min.X + i*(b.Dx()-1)/255
		r, g, bl, _ := img.At(x, b.Min.Y).RGBA()
		t[i] = color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: 255}
	}
	return &t, nil
}

var builtins = map[string]LinearColormap{}

func register(name string, anchors ...color.RGBA) LinearColormap {
	cm := LinearColormap{colors: anchors}
	builtins[strings.ToUpper(name)] = cm
	return cm
}

// Lookup returns the built-in colormap registered under name, ignoring case.
func Lookup(name string) (Colormap, bool) {
	cm, ok := builtins[strings.ToUpper(name)]
	if !ok {
		return nil, false
	}
	return cm, true
}

// Names lists the built-in colormaps.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var black = color.RGBA{0, 0, 0, 255}
var white = color.RGBA{255, 255, 255, 255}

// Grayscale is the identity table.
var Grayscale = register("gray", black, white)

// Viridis colormap (matplotlib viridis)
var Viridis = register("viridis",
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Inferno colormap
var Inferno = register("inferno",
	color.RGBA{0, 0, 4, 255},
	color.RGBA{40, 11, 84, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{159, 42, 99, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{245, 125, 21, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

// Approximations of the standard instrument tables. Sites that need the
// exact tables drop the strips into the assets directory.
func init() {
	// SDO/AIA
	register("SDO_AIA_94", black, color.RGBA{10, 79, 51, 255}, color.RGBA{41, 121, 102, 255}, color.RGBA{92, 162, 153, 255}, color.RGBA{163, 206, 204, 255}, white)
	register("SDO_AIA_131", black, color.RGBA{0, 68, 96, 255}, color.RGBA{0, 136, 160, 255}, color.RGBA{62, 188, 200, 255}, color.RGBA{160, 226, 230, 255}, white)
	register("SDO_AIA_171", black, color.RGBA{80, 48, 0, 255}, color.RGBA{160, 110, 20, 255}, color.RGBA{220, 170, 60, 255}, color.RGBA{255, 225, 140, 255}, white)
	register("SDO_AIA_193", black, color.RGBA{96, 32, 8, 255}, color.RGBA{176, 80, 24, 255}, color.RGBA{224, 144, 64, 255}, color.RGBA{248, 208, 144, 255}, white)
	register("SDO_AIA_211", black, color.RGBA{80, 24, 64, 255}, color.RGBA{160, 64, 128, 255}, color.RGBA{208, 128, 184, 255}, color.RGBA{240, 200, 230, 255}, white)
	register("SDO_AIA_304", black, color.RGBA{100, 10, 0, 255}, color.RGBA{180, 40, 0, 255}, color.RGBA{235, 100, 20, 255}, color.RGBA{255, 180, 90, 255}, white)
	register("SDO_AIA_335", black, color.RGBA{8, 32, 96, 255}, color.RGBA{32, 80, 168, 255}, color.RGBA{96, 136, 216, 255}, color.RGBA{176, 200, 240, 255}, white)
	register("SDO_AIA_1600", black, color.RGBA{64, 64, 0, 255}, color.RGBA{128, 128, 0, 255}, color.RGBA{192, 192, 64, 255}, color.RGBA{224, 224, 160, 255}, white)
	register("SDO_AIA_1700", black, color.RGBA{96, 32, 32, 255}, color.RGBA{176, 96, 96, 255}, color.RGBA{224, 160, 160, 255}, color.RGBA{255, 220, 220, 255}, white)
	register("SDO_AIA_4500", black, color.RGBA{96, 64, 0, 255}, color.RGBA{192, 144, 32, 255}, color.RGBA{240, 208, 112, 255}, white)

	// SOHO/EIT
	register("SOHO_EIT_171", black, color.RGBA{0, 40, 96, 255}, color.RGBA{20, 100, 180, 255}, color.RGBA{100, 170, 230, 255}, white)
	register("SOHO_EIT_195", black, color.RGBA{0, 64, 0, 255}, color.RGBA{40, 140, 40, 255}, color.RGBA{140, 210, 120, 255}, white)
	register("SOHO_EIT_284", black, color.RGBA{96, 80, 0, 255}, color.RGBA{200, 170, 20, 255}, color.RGBA{250, 230, 120, 255}, white)
	register("SOHO_EIT_304", black, color.RGBA{110, 20, 0, 255}, color.RGBA{210, 70, 10, 255}, color.RGBA{255, 160, 80, 255}, white)

	// SOHO/LASCO
	register("SOHO_LASCO_C2", black, color.RGBA{120, 40, 0, 255}, color.RGBA{220, 120, 20, 255}, color.RGBA{255, 210, 130, 255}, white)
	register("SOHO_LASCO_C3", black, color.RGBA{0, 30, 100, 255}, color.RGBA{40, 100, 200, 255}, color.RGBA{150, 190, 250, 255}, white)

	// STEREO/SECCHI
	register("STEREO_COR1", black, color.RGBA{40, 60, 20, 255}, color.RGBA{120, 150, 80, 255}, color.RGBA{210, 230, 180, 255}, white)
	register("STEREO_COR2", black, color.RGBA{90, 30, 60, 255}, color.RGBA{180, 90, 140, 255}, color.RGBA{240, 190, 220, 255}, white)
	register("STEREO_EUVI_171", black, color.RGBA{0, 40, 96, 255}, color.RGBA{20, 100, 180, 255}, color.RGBA{100, 170, 230, 255}, white)
	register("STEREO_EUVI_195", black, color.RGBA{0, 64, 0, 255}, color.RGBA{40, 140, 40, 255}, color.RGBA{140, 210, 120, 255}, white)
	register("STEREO_EUVI_284", black, color.RGBA{96, 80, 0, 255}, color.RGBA{200, 170, 20, 255}, color.RGBA{250, 230, 120, 255}, white)
	register("STEREO_EUVI_304", black, color.RGBA{110, 20, 0, 255}, color.RGBA{210, 70, 10, 255}, color.RGBA{255, 160, 80, 255}, white)
}
