// Package tile defines tile addresses and their cache keys.
package tile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/scale"
)

// ErrInvalidAddress is returned when an address cannot be keyed.
var ErrInvalidAddress = errors.New("invalid tile address")

// Format is the encoded image format of a tile.
type Format int

const (
	PNG Format = iota
	JPEG
)

// ParseFormat parses a format name or file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	}
	return 0, fmt.Errorf("unsupported tile format %q", s)
}

// Ext returns the file extension without dot.
func (f Format) Ext() string {
	switch f {
	case PNG:
		return "png"
	case JPEG:
		return "jpg"
	}
	return ""
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	}
	return "application/octet-stream"
}

func (f Format) String() string { return f.Ext() }

func (f Format) valid() bool { return f == PNG || f == JPEG }

// Address identifies exactly one tile artifact. Two field-wise equal
// addresses always denote the same cached bytes.
type Address struct {
	Layer     layer.Identity
	Timestamp time.Time
	Scale     float64 // arcsec/px of the output tile
	X, Y      int
	Format    Format
}

// NewAddress builds an address, normalising the timestamp to UTC with
// millisecond precision (the resolution carried by keys).
func NewAddress(id layer.Identity, ts time.Time, s float64, x, y int, f Format) Address {
	return Address{
		Layer:     id,
		Timestamp: normalizeTime(ts),
		Scale:     s,
		X:         x,
		Y:         y,
		Format:    f,
	}
}

func normalizeTime(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}

// Validate reports whether the address can be keyed without loss.
func (a Address) Validate() error {
	if err := a.Layer.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := scale.CheckScale(a.Scale); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !a.Format.valid() {
		return fmt.Errorf("%w: unknown format %d", ErrInvalidAddress, int(a.Format))
	}
	if !a.Timestamp.Equal(normalizeTime(a.Timestamp)) || a.Timestamp.Location() != time.UTC {
		return fmt.Errorf("%w: timestamp %s is not UTC millisecond precision", ErrInvalidAddress, a.Timestamp)
	}
	if y := a.Timestamp.Year(); y < 0 || y > 9999 {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidAddress, y)
	}
	return nil
}

// Key returns the cache key, panicking on invalid addresses. Use Build when
// the address comes from untrusted input.
func (a Address) Key() string {
	k, err := Build(a)
	if err != nil {
		panic(err)
	}
	return k
}

func (a Address) String() string {
	return fmt.Sprintf("%s@%s scale=%g (%d,%d).%s",
		a.Layer, a.Timestamp.Format(time.RFC3339Nano), a.Scale, a.X, a.Y, a.Format)
}

// Index is a position in the tile grid.
type Index struct {
	X, Y int
}

// Template carries the address fields shared by every tile of one layer
// view; At fills in the grid position.
type Template struct {
	Layer     layer.Identity
	Timestamp time.Time
	Scale     float64
	Format    Format
}

// At returns the address of tile (x, y).
func (t Template) At(x, y int) Address {
	return NewAddress(t.Layer, t.Timestamp, t.Scale, x, y, t.Format)
}

// Equal reports whether two templates produce the same addresses.
func (t Template) Equal(o Template) bool {
	return t.Layer == o.Layer &&
		normalizeTime(t.Timestamp).Equal(normalizeTime(o.Timestamp)) &&
		t.Scale == o.Scale &&
		t.Format == o.Format
}
