// Package observability exposes Prometheus metrics for the tile pipeline and
// its HTTP surface.
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tile request outcomes.
const (
	OutcomeMemoryHit = "memory_hit"
	OutcomeDiskHit   = "disk_hit"
	OutcomeExtracted = "extracted"
	OutcomeBlank     = "blank"
	OutcomeError     = "error"
)

// TileCollector bundles the Prometheus metrics of the tile server.
type TileCollector struct {
	gatherer prometheus.Gatherer

	TileRequests       *prometheus.CounterVec
	ExtractDuration    prometheus.Histogram
	CacheWriteFailures prometheus.Counter
	IndexedImages      prometheus.Gauge

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewTileCollector registers tile metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewTileCollector(reg prometheus.Registerer) (*TileCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_requests_total",
		Help: "Tile requests served, labeled by outcome.",
	}, []string{"outcome"}), "tile_requests_total")
	if err != nil {
		return nil, err
	}

	extract, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tile_extract_duration_seconds",
		Help:    "Time spent extracting a tile from its source image.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "tile_extract_duration_seconds")
	if err != nil {
		return nil, err
	}

	writeFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tile_cache_write_failures_total",
		Help: "Extracted tiles that could not be persisted.",
	}), "tile_cache_write_failures_total")
	if err != nil {
		return nil, err
	}

	indexed, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "source_index_images",
		Help: "Number of source images in the index.",
	}), "source_index_images")
	if err != nil {
		return nil, err
	}

	httpRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests handled, labeled by route and status code.",
	}, []string{"route", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}

	httpDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"}), "http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &TileCollector{
		gatherer:           gatherer,
		TileRequests:       requests,
		ExtractDuration:    extract,
		CacheWriteFailures: writeFailures,
		IndexedImages:      indexed,
		HTTPRequests:       httpRequests,
		HTTPDurations:      httpDurations,
	}, nil
}

// RecordTile counts one tile request with the given outcome.
func (c *TileCollector) RecordTile(outcome string) {
	if c == nil {
		return
	}
	c.TileRequests.WithLabelValues(outcome).Inc()
}

// ObserveExtract records an extraction latency.
func (c *TileCollector) ObserveExtract(d time.Duration) {
	if c == nil {
		return
	}
	c.ExtractDuration.Observe(d.Seconds())
}

// CacheWriteFailed counts a tile that was served but not persisted.
func (c *TileCollector) CacheWriteFailed() {
	if c == nil {
		return
	}
	c.CacheWriteFailures.Inc()
}

// SetIndexedImages sets the source index size.
func (c *TileCollector) SetIndexedImages(n int) {
	if c == nil {
		return
	}
	c.IndexedImages.Set(float64(n))
}

// Middleware records request counts and durations per chi route pattern.
func (c *TileCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes a ready-to-use /metrics handler.
func (c *TileCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
