// Package instrument decides per-layer post-processing: occulter masks for
// coronagraphs and colour lookup tables for palette images.
package instrument

import (
	"strings"

	"github.com/helio-tiles/server/internal/layer"
)

// SolarRadius is the mean apparent solar radius in arcseconds at 1 AU.
const SolarRadius = 959.705

// Rule matches layers by identity component. Empty or "*" components match
// anything. ColorTable may contain "{measurement}" and "{detector}"
// placeholders.
type Rule struct {
	Observatory string `yaml:"observatory"`
	Instrument  string `yaml:"instrument"`
	Detector    string `yaml:"detector"`
	Measurement string `yaml:"measurement"`

	// Occulter settings. A rule occults when OuterRadius > 0 or Mask is set.
	Mask        string  `yaml:"mask"`
	InnerRadius float64 `yaml:"inner_radius"` // solar radii
	OuterRadius float64 `yaml:"outer_radius"` // solar radii

	ColorTable string `yaml:"color_table"`
}

// Occulter describes the region a coronagraph image is valid in.
type Occulter struct {
	Mask        string  // asset name; empty means synthesize from the radii
	InnerRadius float64 // arcsec
	OuterRadius float64 // arcsec
}

// Catalog resolves rules for layers. The zero value matches nothing.
type Catalog struct {
	rules []Rule
}

// New returns a catalog whose rules are evaluated in order, first match wins.
func New(rules ...Rule) *Catalog {
	return &Catalog{rules: append([]Rule(nil), rules...)}
}

// Default returns the built-in rules for the common solar instruments.
func Default() *Catalog {
	return New(DefaultRules()...)
}

// WithOverrides returns a catalog that consults overrides before c's rules.
func (c *Catalog) WithOverrides(overrides []Rule) *Catalog {
	rules := append(append([]Rule(nil), overrides...), c.rules...)
	return &Catalog{rules: rules}
}

// DefaultRules lists the built-in rules.
func DefaultRules() []Rule {
	return []Rule{
		{Observatory: "SOHO", Instrument: "LASCO", Detector: "C2", Mask: "SOHO_LASCO_C2_mask.png", InnerRadius: 2.2, OuterRadius: 6.0, ColorTable: "SOHO_LASCO_C2"},
		{Observatory: "SOHO", Instrument: "LASCO", Detector: "C3", Mask: "SOHO_LASCO_C3_mask.png", InnerRadius: 3.7, OuterRadius: 30.0, ColorTable: "SOHO_LASCO_C3"},
		{Instrument: "SECCHI", Detector: "COR1", InnerRadius: 1.4, OuterRadius: 4.0, ColorTable: "STEREO_COR1"},
		{Instrument: "SECCHI", Detector: "COR2", InnerRadius: 2.5, OuterRadius: 15.0, ColorTable: "STEREO_COR2"},
		{Observatory: "SDO", Instrument: "AIA", ColorTable: "SDO_AIA_{measurement}"},
		{Observatory: "SOHO", Instrument: "EIT", ColorTable: "SOHO_EIT_{measurement}"},
		{Instrument: "SECCHI", Detector: "EUVI", ColorTable: "STEREO_EUVI_{measurement}"},
	}
}

func (r Rule) matches(id layer.Identity) bool {
	return matchComponent(r.Observatory, id.Observatory) &&
		matchComponent(r.Instrument, id.Instrument) &&
		matchComponent(r.Detector, id.Detector) &&
		matchComponent(r.Measurement, id.Measurement)
}

func matchComponent(pattern, value string) bool {
	return pattern == "" || pattern == "*" || strings.EqualFold(pattern, value)
}

func (r Rule) occults() bool {
	return r.Mask != "" || r.OuterRadius > 0
}

// Occulter returns the occulter for coronagraph layers.
func (c *Catalog) Occulter(id layer.Identity) (Occulter, bool) {
	if c == nil {
		return Occulter{}, false
	}
	for _, r := range c.rules {
		if !r.matches(id) || !r.occults() {
			continue
		}
		return Occulter{
			Mask:        r.Mask,
			InnerRadius: r.InnerRadius * SolarRadius,
			OuterRadius: r.OuterRadius * SolarRadius,
		}, true
	}
	return Occulter{}, false
}

// ColorTable returns the colour table asset for palette layers.
func (c *Catalog) ColorTable(id layer.Identity) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, r := range c.rules {
		if !r.matches(id) || r.ColorTable == "" {
			continue
		}
		name := strings.NewReplacer(
			"{measurement}", id.Measurement,
			"{detector}", id.Detector,
		).Replace(r.ColorTable)
		return name, true
	}
	return "", false
}
