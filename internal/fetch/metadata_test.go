package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/scale"
)

func newMetadataServer(t *testing.T) *MetadataClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("action") {
		case "getClosestImage":
			if q.Get("layer") != "SDO/AIA/AIA/171" {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"error":"source image not found"}`))
				return
			}
			w.Write([]byte(`{"layer":"SDO/AIA/AIA/171","date":"2011-01-12T00:00:02Z","width":4096,"height":4096,"scale":0.6,"sunCenterX":2050,"sunCenterY":2048,"offsetX":-2,"offsetY":0}`))
		case "getScaleLadder":
			w.Write([]byte(`{"baseScale":0.6,"baseZoom":10,"minZoom":8,"maxZoom":20,"tileSize":512,"rungs":[]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unknown action"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return NewMetadataClient(NewHTTPFetcher(srv.URL+"/", time.Second))
}

func TestMetadataClientResolve(t *testing.T) {
	c := newMetadataServer(t)
	d, err := c.Resolve(context.Background(), tmpl.Layer, tmpl.Timestamp)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := layer.Descriptor{
		Identity:     tmpl.Layer,
		Timestamp:    time.Date(2011, 1, 12, 0, 0, 2, 0, time.UTC),
		NativeWidth:  4096,
		NativeHeight: 4096,
		NativeScale:  0.6,
		SunOffsetX:   -2,
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}

	other := layer.Identity{Observatory: "SDO", Instrument: "AIA", Detector: "AIA", Measurement: "304"}
	if _, err := c.Resolve(context.Background(), other, tmpl.Timestamp); !errors.Is(err, layer.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMetadataClientLadder(t *testing.T) {
	c := newMetadataServer(t)
	got, err := c.Ladder(context.Background())
	if err != nil {
		t.Fatalf("Ladder: %v", err)
	}
	want := ServerLadder{
		Ladder:   scale.Ladder{BaseScale: 0.6, BaseZoom: 10, MinZoom: 8, MaxZoom: 20},
		TileSize: 512,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ladder mismatch (-want +got):\n%s", diff)
	}
}
