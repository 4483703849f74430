package tile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/scale"
)

// ErrMalformedKey is returned by Parse for strings Build cannot produce.
var ErrMalformedKey = errors.New("malformed tile key")

// BlankHeader is set to "1" on HTTP responses carrying a blank tile.
const BlankHeader = "X-Tile-Blank"

// Build returns the cache key of an address:
//
//	2011/01/12/SDO/AIA/AIA/171/2011_01_12__00_00_00_120__SDO_AIA_AIA_171_1.2_+0000_-0001.png
//
// Tiles of the same day and layer share a directory. Coordinates are sign
// prefixed and zero padded so lexical order follows numeric order within a
// sign.
func Build(a Address) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	ts := a.Timestamp
	date := fmt.Sprintf("%04d_%02d_%02d", ts.Year(), int(ts.Month()), ts.Day())
	clock := fmt.Sprintf("%02d_%02d_%02d_%03d", ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond()/int(time.Millisecond))

	id := a.Layer.Components()
	var b strings.Builder
	fmt.Fprintf(&b, "%04d/%02d/%02d/", ts.Year(), int(ts.Month()), ts.Day())
	b.WriteString(strings.Join(id[:], "/"))
	b.WriteByte('/')
	b.WriteString(date)
	b.WriteString("__")
	b.WriteString(clock)
	b.WriteString("__")
	b.WriteString(strings.Join(id[:], "_"))
	b.WriteByte('_')
	b.WriteString(formatScale(a.Scale))
	b.WriteByte('_')
	b.WriteString(formatCoord(a.X))
	b.WriteByte('_')
	b.WriteString(formatCoord(a.Y))
	b.WriteByte('.')
	b.WriteString(a.Format.Ext())
	return b.String(), nil
}

func formatScale(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func formatCoord(v int) string {
	return fmt.Sprintf("%+05d", v)
}

// Parse decomposes a key produced by Build. Any string that Build would not
// produce verbatim is rejected with ErrMalformedKey.
func Parse(key string) (Address, error) {
	a, err := parse(key)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	canonical, err := Build(a)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	if canonical != key {
		return Address{}, fmt.Errorf("%w: %q is not canonical (want %q)", ErrMalformedKey, key, canonical)
	}
	return a, nil
}

func parse(key string) (Address, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 8 {
		return Address{}, fmt.Errorf("expected 8 path segments, got %d", len(parts))
	}

	id := layer.Identity{
		Observatory: parts[3],
		Instrument:  parts[4],
		Detector:    parts[5],
		Measurement: parts[6],
	}
	if err := id.Validate(); err != nil {
		return Address{}, err
	}

	file := parts[7]
	dot := strings.LastIndexByte(file, '.')
	if dot < 0 {
		return Address{}, errors.New("missing format extension")
	}
	format, err := ParseFormat(file[dot+1:])
	if err != nil {
		return Address{}, err
	}

	fields := strings.Split(file[:dot], "__")
	if len(fields) != 3 {
		return Address{}, errors.New("expected date__time__layer fields")
	}
	if fields[0] != strings.Join(parts[:3], "_") {
		return Address{}, errors.New("file date does not match directory date")
	}

	date, err := parseInts(fields[0], 3)
	if err != nil {
		return Address{}, fmt.Errorf("date: %w", err)
	}
	clock, err := parseInts(fields[1], 4)
	if err != nil {
		return Address{}, fmt.Errorf("time: %w", err)
	}
	ts := time.Date(date[0], time.Month(date[1]), date[2], clock[0], clock[1], clock[2], clock[3]*int(time.Millisecond), time.UTC)

	rest := strings.Split(fields[2], "_")
	if len(rest) != 7 {
		return Address{}, errors.New("expected layer_scale_x_y fields")
	}
	if rest[0] != id.Observatory || rest[1] != id.Instrument || rest[2] != id.Detector || rest[3] != id.Measurement {
		return Address{}, errors.New("file layer does not match directory layer")
	}

	s, err := strconv.ParseFloat(rest[4], 64)
	if err != nil {
		return Address{}, fmt.Errorf("scale: %w", err)
	}
	if err := scale.CheckScale(s); err != nil {
		return Address{}, err
	}
	x, err := parseCoord(rest[5])
	if err != nil {
		return Address{}, fmt.Errorf("x: %w", err)
	}
	y, err := parseCoord(rest[6])
	if err != nil {
		return Address{}, fmt.Errorf("y: %w", err)
	}

	return NewAddress(id, ts, s, x, y, format), nil
}

func parseInts(s string, n int) ([]int, error) {
	fields := strings.Split(s, "_")
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d fields in %q", n, s)
	}
	out := make([]int, n)
	for i, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return nil, fmt.Errorf("non-numeric field %q", f)
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseCoord(s string) (int, error) {
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("missing sign in %q", s)
	}
	if strings.TrimLeft(s[1:], "0123456789") != "" {
		return 0, fmt.Errorf("non-numeric coordinate %q", s)
	}
	return strconv.Atoi(s)
}
