package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/scale"
)

var _ layer.Lookup = (*MetadataClient)(nil)

// MetadataClient resolves source images and the zoom ladder through a tile
// server's query API.
type MetadataClient struct {
	BaseURL string
	Client  *http.Client
}

// NewMetadataClient returns a client sharing f's base URL and transport.
func NewMetadataClient(f *HTTPFetcher) *MetadataClient {
	return &MetadataClient{BaseURL: f.BaseURL, Client: f.Client}
}

type closestImage struct {
	Layer   string    `json:"layer"`
	Date    time.Time `json:"date"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Scale   float64   `json:"scale"`
	OffsetX float64   `json:"offsetX"`
	OffsetY float64   `json:"offsetY"`
}

// ServerLadder is the zoom ladder and tile size a server reports.
type ServerLadder struct {
	Ladder   scale.Ladder
	TileSize int
}

// Resolve implements layer.Lookup with action=getClosestImage.
func (c *MetadataClient) Resolve(ctx context.Context, id layer.Identity, ts time.Time) (layer.Descriptor, error) {
	q := url.Values{}
	q.Set("action", "getClosestImage")
	q.Set("layer", id.String())
	q.Set("date", ts.UTC().Format(time.RFC3339Nano))

	var ci closestImage
	if err := c.get(ctx, q, &ci); err != nil {
		return layer.Descriptor{}, err
	}
	lid, err := layer.ParseIdentity(ci.Layer)
	if err != nil {
		return layer.Descriptor{}, fmt.Errorf("server returned bad layer: %w", err)
	}
	d := layer.Descriptor{
		Identity:     lid,
		Timestamp:    ci.Date,
		NativeWidth:  ci.Width,
		NativeHeight: ci.Height,
		NativeScale:  ci.Scale,
		SunOffsetX:   ci.OffsetX,
		SunOffsetY:   ci.OffsetY,
	}
	if err := d.Validate(); err != nil {
		return layer.Descriptor{}, fmt.Errorf("server returned bad descriptor: %w", err)
	}
	return d, nil
}

// Ladder fetches the server's zoom ladder with action=getScaleLadder.
func (c *MetadataClient) Ladder(ctx context.Context) (ServerLadder, error) {
	q := url.Values{}
	q.Set("action", "getScaleLadder")

	var resp struct {
		BaseScale float64 `json:"baseScale"`
		BaseZoom  int     `json:"baseZoom"`
		MinZoom   int     `json:"minZoom"`
		MaxZoom   int     `json:"maxZoom"`
		TileSize  int     `json:"tileSize"`
	}
	if err := c.get(ctx, q, &resp); err != nil {
		return ServerLadder{}, err
	}
	l := scale.Ladder{
		BaseScale: resp.BaseScale,
		BaseZoom:  resp.BaseZoom,
		MinZoom:   resp.MinZoom,
		MaxZoom:   resp.MaxZoom,
	}
	if err := l.Validate(); err != nil {
		return ServerLadder{}, fmt.Errorf("server returned bad ladder: %w", err)
	}
	if resp.TileSize <= 0 {
		return ServerLadder{}, fmt.Errorf("server returned bad tile size %d", resp.TileSize)
	}
	return ServerLadder{Ladder: l, TileSize: resp.TileSize}, nil
}

func (c *MetadataClient) get(ctx context.Context, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", q.Get("action"), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", q.Get("action"), layer.ErrNotFound)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s failed with status %d: %s", q.Get("action"), resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", q.Get("action"), err)
	}
	return nil
}
