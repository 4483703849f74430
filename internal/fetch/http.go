package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/helio-tiles/server/internal/tile"
)

const userAgent = "helio-tiles-fetch/1.0"

// HTTPFetcher fetches tiles from a tile server by cache key.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher returns a fetcher for the server at baseURL.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: DefaultConcurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// URL returns the request URL for addr.
func (f *HTTPFetcher) URL(addr tile.Address) (string, error) {
	key, err := tile.Build(addr)
	if err != nil {
		return "", err
	}
	return f.BaseURL + "/tiles/" + key, nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, addr tile.Address) (Tile, error) {
	u, err := f.URL(addr)
	if err != nil {
		return Tile{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Tile{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Tile{}, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Tile{}, fmt.Errorf("tile request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tile{}, fmt.Errorf("failed to read tile: %w", err)
	}
	return Tile{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Blank:       resp.Header.Get(tile.BlankHeader) == "1",
	}, nil
}
