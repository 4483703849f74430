// Package api provides HTTP handlers for the helio tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/observability"
	"github.com/helio-tiles/server/internal/scale"
	"github.com/helio-tiles/server/internal/service"
	"github.com/helio-tiles/server/internal/sourcestore"
	"github.com/helio-tiles/server/internal/tile"
)

// LayerLister lists the layers that have source images.
type LayerLister interface {
	Layers(ctx context.Context) ([]sourcestore.LayerSummary, error)
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service       *service.TileService
	Sources       LayerLister  // optional, enables getDataSources
	Seeds         *SeedManager // optional, enables /api/seed
	Metrics       *observability.TileCollector
	Logger        logging.Logger
	CORSOrigins   []string
	CacheMaxAge   int // seconds
	DefaultFormat tile.Format
}

type handlers struct {
	svc          *service.TileService
	sources      LayerLister
	seeds        *SeedManager
	logger       logging.Logger
	cacheControl string
	params       tileParams
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	h := &handlers{
		svc:          cfg.Service,
		sources:      cfg.Sources,
		seeds:        cfg.Seeds,
		logger:       cfg.Logger,
		cacheControl: "public, max-age=" + strconv.Itoa(cfg.CacheMaxAge),
		params: tileParams{
			Ladder:        cfg.Service.Ladder(),
			TileSize:      cfg.Service.TileSize(),
			DefaultFormat: cfg.DefaultFormat,
		},
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cfg.Metrics.Middleware)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{tile.BlankHeader, middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	// Key-addressed tiles: /tiles/2011/01/12/SDO/AIA/AIA/171/....png
	r.Get("/tiles/*", h.tileByKey)

	r.Get("/api", h.dispatch)
	r.Get("/api/", h.dispatch)

	// Cache seeding jobs
	if cfg.Seeds != nil {
		r.Route("/api/seed", func(r chi.Router) {
			r.Post("/", h.seedSubmit)
			r.Get("/{job_id}", h.seedStatus)
			r.Delete("/{job_id}", h.seedCancel)
		})
	}

	return r
}

// maxRequestIDLen bounds client supplied request ids.
const maxRequestIDLen = 64

// requestLogger assigns the request id (the client's X-Request-Id, else a
// fresh uuid), puts a request-scoped logger on the context and logs one
// line per request.
func requestLogger(base logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := r.Header.Get(middleware.RequestIDHeader)
			if id != "" && len(id) <= maxRequestIDLen {
				ctx = logging.WithRequestID(ctx, id)
			} else {
				ctx, id = logging.EnsureRequestID(ctx)
			}
			log := base.With(logging.String("request_id", id))
			ctx = logging.ContextWithLogger(ctx, log)
			w.Header().Set(middleware.RequestIDHeader, id)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info(ctx, "request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", status),
				logging.Int("bytes", ww.BytesWritten()),
				logging.Any("duration", time.Since(start)))
		})
	}
}

func (h *handlers) tileByKey(w http.ResponseWriter, r *http.Request) {
	addr, err := tile.Parse(chi.URLParam(r, "*"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Keys are only served on ladder rungs; anything else would extract
	// and persist one artifact per distinct float.
	if snapped := h.params.Ladder.Snap(addr.Scale); addr.Scale != snapped {
		h.writeError(w, r, badRequest("scale %v is not a zoom rung (nearest %v)", addr.Scale, snapped))
		return
	}
	h.serveTile(w, r, addr)
}

// dispatch serves /api/?action=... through the closed RequestKind set.
func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseRequestKind(r.URL.Query().Get("action"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	switch kind {
	case KindGetTile:
		h.getTile(w, r)
	case KindGetClosestImage:
		h.getClosestImage(w, r)
	case KindGetScaleLadder:
		h.getScaleLadder(w, r)
	case KindGetDataSources:
		h.getDataSources(w, r)
	}
}

func (h *handlers) getTile(w http.ResponseWriter, r *http.Request) {
	addr, err := parseTileRequest(r.URL.Query(), h.params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.serveTile(w, r, addr)
}

func (h *handlers) serveTile(w http.ResponseWriter, r *http.Request, addr tile.Address) {
	t, err := h.svc.GetTile(r.Context(), addr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", t.ContentType)
	w.Header().Set("Cache-Control", h.cacheControl)
	if t.Blank {
		w.Header().Set(tile.BlankHeader, "1")
	}
	w.Write(t.Data)
}

// ClosestImageResponse describes the source image a layer/time resolves to.
type ClosestImageResponse struct {
	Layer      string    `json:"layer"`
	Date       time.Time `json:"date"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Scale      float64   `json:"scale"`
	SunCenterX float64   `json:"sunCenterX"`
	SunCenterY float64   `json:"sunCenterY"`
	OffsetX    float64   `json:"offsetX"`
	OffsetY    float64   `json:"offsetY"`
}

func (h *handlers) getClosestImage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := parseLayer(q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ts, err := parseDate(q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.svc.ClosestImage(r.Context(), id, ts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cx, cy := d.SunCenter()
	writeJSON(w, http.StatusOK, ClosestImageResponse{
		Layer:      d.Identity.String(),
		Date:       d.Timestamp,
		Width:      d.NativeWidth,
		Height:     d.NativeHeight,
		Scale:      d.NativeScale,
		SunCenterX: cx,
		SunCenterY: cy,
		OffsetX:    d.SunOffsetX,
		OffsetY:    d.SunOffsetY,
	})
}

// ScaleLadderResponse lists the zoom rungs served.
type ScaleLadderResponse struct {
	BaseScale float64      `json:"baseScale"`
	BaseZoom  int          `json:"baseZoom"`
	MinZoom   int          `json:"minZoom"`
	MaxZoom   int          `json:"maxZoom"`
	TileSize  int          `json:"tileSize"`
	Rungs     []scale.Rung `json:"rungs"`
}

func (h *handlers) getScaleLadder(w http.ResponseWriter, r *http.Request) {
	l := h.params.Ladder
	writeJSON(w, http.StatusOK, ScaleLadderResponse{
		BaseScale: l.BaseScale,
		BaseZoom:  l.BaseZoom,
		MinZoom:   l.MinZoom,
		MaxZoom:   l.MaxZoom,
		TileSize:  h.params.TileSize,
		Rungs:     l.Rungs(),
	})
}

// DataSource is one layer with indexed images.
type DataSource struct {
	Layer string    `json:"layer"`
	Count int       `json:"count"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

func (h *handlers) getDataSources(w http.ResponseWriter, r *http.Request) {
	if h.sources == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sources": []DataSource{}})
		return
	}
	layers, err := h.sources.Layers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]DataSource, 0, len(layers))
	for _, ls := range layers {
		out = append(out, DataSource{Layer: ls.Layer.String(), Count: ls.Count, First: ls.First, Last: ls.Last})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, tile.ErrMalformedKey),
		errors.Is(err, tile.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, layer.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error(r.Context(), "request failed", logging.Err(err))
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

const maxSeedBodyBytes = 1 << 20

func (h *handlers) seedSubmit(w http.ResponseWriter, r *http.Request) {
	var p SeedParams
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSeedBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		h.writeError(w, r, badRequest("invalid seed request: %v", err))
		return
	}
	job, err := h.seeds.Submit(p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handlers) seedStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.seeds.Get(chi.URLParam(r, "job_id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) seedCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if !h.seeds.Cancel(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job not cancellable"})
		return
	}
	job, _ := h.seeds.Get(id)
	writeJSON(w, http.StatusOK, job)
}
