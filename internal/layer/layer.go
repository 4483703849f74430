// Package layer describes source image layers and the lookup contract used
// to resolve the image closest to a requested time.
package layer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrNotFound is returned by a Lookup when no image exists for a layer.
var ErrNotFound = errors.New("source image not found")

// ErrInvalidIdentity is returned for identities that cannot be encoded in a
// tile key.
var ErrInvalidIdentity = errors.New("invalid layer identity")

// Identity names an observable: observatory, instrument, detector and
// measurement, e.g. SDO/AIA/AIA/171.
type Identity struct {
	Observatory string `json:"observatory" yaml:"observatory"`
	Instrument  string `json:"instrument" yaml:"instrument"`
	Detector    string `json:"detector" yaml:"detector"`
	Measurement string `json:"measurement" yaml:"measurement"`
}

// ParseIdentity parses "obs/inst/det/meas".
func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: %q: expected observatory/instrument/detector/measurement", ErrInvalidIdentity, s)
	}
	id := Identity{
		Observatory: parts[0],
		Instrument:  parts[1],
		Detector:    parts[2],
		Measurement: parts[3],
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Components returns the identity fields in key order.
func (id Identity) Components() [4]string {
	return [4]string{id.Observatory, id.Instrument, id.Detector, id.Measurement}
}

func (id Identity) String() string {
	return strings.Join([]string{id.Observatory, id.Instrument, id.Detector, id.Measurement}, "/")
}

// Validate requires every component to be non-empty and drawn from
// [A-Za-z0-9.+-]. Underscores and slashes are key separators.
func (id Identity) Validate() error {
	names := [4]string{"observatory", "instrument", "detector", "measurement"}
	for i, c := range id.Components() {
		if c == "" {
			return fmt.Errorf("%w: empty %s", ErrInvalidIdentity, names[i])
		}
		if c == "." || c == ".." {
			return fmt.Errorf("%w: %s %q is a path element", ErrInvalidIdentity, names[i], c)
		}
		if !validComponent(c) {
			return fmt.Errorf("%w: %s %q contains unsupported characters", ErrInvalidIdentity, names[i], c)
		}
	}
	return nil
}

func validComponent(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '+':
		default:
			return false
		}
	}
	return true
}

// Descriptor is the metadata of one resolved source image. It is immutable
// once resolved and belongs to the request that resolved it.
type Descriptor struct {
	Identity     Identity  `json:"layer"`
	Timestamp    time.Time `json:"date"`
	SourcePath   string    `json:"-"`
	NativeWidth  int       `json:"width"`
	NativeHeight int       `json:"height"`
	NativeScale  float64   `json:"scale"` // arcsec/px
	// SunOffsetX/Y locate the sun center relative to the image's geometric
	// center: the sun center pixel is (W/2 - SunOffsetX, H/2 - SunOffsetY).
	SunOffsetX float64 `json:"offsetX"`
	SunOffsetY float64 `json:"offsetY"`
}

// SunCenter returns the sun center in native source pixels.
func (d Descriptor) SunCenter() (x, y float64) {
	return float64(d.NativeWidth)/2 - d.SunOffsetX, float64(d.NativeHeight)/2 - d.SunOffsetY
}

// Validate checks the descriptor can drive an extraction.
func (d Descriptor) Validate() error {
	if err := d.Identity.Validate(); err != nil {
		return err
	}
	if d.NativeWidth <= 0 || d.NativeHeight <= 0 {
		return fmt.Errorf("invalid native dimensions %dx%d", d.NativeWidth, d.NativeHeight)
	}
	if math.IsNaN(d.NativeScale) || math.IsInf(d.NativeScale, 0) || d.NativeScale <= 0 {
		return fmt.Errorf("invalid native scale %v", d.NativeScale)
	}
	if math.IsNaN(d.SunOffsetX) || math.IsNaN(d.SunOffsetY) ||
		math.IsInf(d.SunOffsetX, 0) || math.IsInf(d.SunOffsetY, 0) {
		return errors.New("invalid sun offset")
	}
	return nil
}

// Lookup resolves the source image closest in time to ts for a layer.
// Implementations return ErrNotFound (possibly wrapped) on a miss.
type Lookup interface {
	Resolve(ctx context.Context, id Identity, ts time.Time) (Descriptor, error)
}
