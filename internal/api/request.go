package api

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/tile"
)

// errBadRequest marks errors caused by the client's parameters.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// RequestKind is the closed set of actions served under /api/.
type RequestKind int

const (
	KindGetTile RequestKind = iota + 1
	KindGetClosestImage
	KindGetScaleLadder
	KindGetDataSources
)

var kindNames = map[RequestKind]string{
	KindGetTile:         "getTile",
	KindGetClosestImage: "getClosestImage",
	KindGetScaleLadder:  "getScaleLadder",
	KindGetDataSources:  "getDataSources",
}

func (k RequestKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseRequestKind maps an action parameter to its kind.
func ParseRequestKind(action string) (RequestKind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(action, name) {
			return k, nil
		}
	}
	if action == "" {
		return 0, badRequest("missing action")
	}
	return 0, badRequest("unknown action %q", action)
}

// tileParams are the settings a getTile request is checked against.
type tileParams struct {
	Ladder        scale.Ladder
	TileSize      int
	DefaultFormat tile.Format
}

// parseLayer reads either layer=OBS/INST/DET/MEAS or the four component
// parameters.
func parseLayer(q url.Values) (layer.Identity, error) {
	if s := q.Get("layer"); s != "" {
		id, err := layer.ParseIdentity(s)
		if err != nil {
			return layer.Identity{}, badRequest("%v", err)
		}
		return id, nil
	}
	id := layer.Identity{
		Observatory: q.Get("observatory"),
		Instrument:  q.Get("instrument"),
		Detector:    q.Get("detector"),
		Measurement: q.Get("measurement"),
	}
	if id == (layer.Identity{}) {
		return layer.Identity{}, badRequest("missing layer")
	}
	if err := id.Validate(); err != nil {
		return layer.Identity{}, badRequest("%v", err)
	}
	return id, nil
}

func parseDate(q url.Values) (time.Time, error) {
	s := q.Get("date")
	if s == "" {
		return time.Time{}, badRequest("missing date")
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, badRequest("invalid date %q", s)
	}
	return ts, nil
}

func parseInt(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, badRequest("missing %s", name)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, s)
	}
	return v, nil
}

// parseScale resolves zoom or imageScale to a ladder rung. Zoom is clamped
// and scale is snapped, so neither is ever rejected for being off the
// ladder.
func parseScale(q url.Values, ladder scale.Ladder) (float64, error) {
	zs, ss := q.Get("zoom"), q.Get("imageScale")
	switch {
	case zs != "" && ss != "":
		return 0, badRequest("specify zoom or imageScale, not both")
	case zs != "":
		z, err := strconv.Atoi(zs)
		if err != nil {
			return 0, badRequest("invalid zoom %q", zs)
		}
		return ladder.ScaleOf(z), nil
	case ss != "":
		v, err := strconv.ParseFloat(ss, 64)
		if err != nil {
			return 0, badRequest("invalid imageScale %q", ss)
		}
		if err := scale.CheckScale(v); err != nil {
			return 0, badRequest("%v", err)
		}
		return ladder.Snap(v), nil
	}
	return 0, badRequest("missing zoom or imageScale")
}

func parseTileRequest(q url.Values, p tileParams) (tile.Address, error) {
	id, err := parseLayer(q)
	if err != nil {
		return tile.Address{}, err
	}
	ts, err := parseDate(q)
	if err != nil {
		return tile.Address{}, err
	}
	s, err := parseScale(q, p.Ladder)
	if err != nil {
		return tile.Address{}, err
	}
	x, err := parseInt(q, "x")
	if err != nil {
		return tile.Address{}, err
	}
	y, err := parseInt(q, "y")
	if err != nil {
		return tile.Address{}, err
	}
	if q.Get("tileSize") != "" {
		size, err := parseInt(q, "tileSize")
		if err != nil {
			return tile.Address{}, err
		}
		if size != p.TileSize {
			return tile.Address{}, badRequest("tileSize %d not served, use %d", size, p.TileSize)
		}
	}
	format := p.DefaultFormat
	if fs := q.Get("format"); fs != "" {
		if format, err = tile.ParseFormat(fs); err != nil {
			return tile.Address{}, badRequest("%v", err)
		}
	}
	return tile.NewAddress(id, ts, s, x, y, format), nil
}
