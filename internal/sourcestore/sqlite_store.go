// Package sourcestore indexes source images in SQLite and resolves the image
// closest in time to a request.
package sourcestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helio-tiles/server/internal/layer"
)

// Config contains store configuration.
type Config struct {
	Path string
	// MaxDelta bounds how far from the requested time a match may be.
	// Zero means unbounded.
	MaxDelta time.Duration
}

// Store is a layer.Lookup backed by an images table.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	maxDelta time.Duration
}

var _ layer.Lookup = (*Store)(nil)

// NewStore opens (and creates if needed) the image index.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	// Ensure directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, maxDelta: cfg.MaxDelta}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		observatory TEXT NOT NULL,
		instrument TEXT NOT NULL,
		detector TEXT NOT NULL,
		measurement TEXT NOT NULL,
		date_ms INTEGER NOT NULL,
		path TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		scale REAL NOT NULL,
		sun_center_x REAL NOT NULL,
		sun_center_y REAL NOT NULL,
		UNIQUE (observatory, instrument, detector, measurement, date_ms)
	);

	CREATE INDEX IF NOT EXISTS idx_images_layer_date
		ON images(observatory, instrument, detector, measurement, date_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add inserts or replaces the image for the descriptor's layer and time.
// The sun center is stored as a pixel position.
func (s *Store) Add(ctx context.Context, d layer.Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	if d.SourcePath == "" {
		return errors.New("descriptor has no source path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cx, cy := d.SunCenter()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (observatory, instrument, detector, measurement, date_ms, path, width, height, scale, sun_center_x, sun_center_y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (observatory, instrument, detector, measurement, date_ms) DO UPDATE SET
			path = excluded.path,
			width = excluded.width,
			height = excluded.height,
			scale = excluded.scale,
			sun_center_x = excluded.sun_center_x,
			sun_center_y = excluded.sun_center_y
	`,
		d.Identity.Observatory,
		d.Identity.Instrument,
		d.Identity.Detector,
		d.Identity.Measurement,
		d.Timestamp.UnixMilli(),
		d.SourcePath,
		d.NativeWidth,
		d.NativeHeight,
		d.NativeScale,
		cx,
		cy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert image: %w", err)
	}
	return nil
}

const selectImage = `
	SELECT date_ms, path, width, height, scale, sun_center_x, sun_center_y
	FROM images
	WHERE observatory = ? AND instrument = ? AND detector = ? AND measurement = ?`

// Resolve returns the image closest in time to ts. Ties resolve to the
// earlier image.
func (s *Store) Resolve(ctx context.Context, id layer.Identity, ts time.Time) (layer.Descriptor, error) {
	if err := id.Validate(); err != nil {
		return layer.Descriptor{}, err
	}
	target := ts.UnixMilli()
	args := []any{id.Observatory, id.Instrument, id.Detector, id.Measurement, target}

	before, okBefore, err := s.queryOne(ctx, id, selectImage+` AND date_ms <= ? ORDER BY date_ms DESC LIMIT 1`, args...)
	if err != nil {
		return layer.Descriptor{}, err
	}
	after, okAfter, err := s.queryOne(ctx, id, selectImage+` AND date_ms > ? ORDER BY date_ms ASC LIMIT 1`, args...)
	if err != nil {
		return layer.Descriptor{}, err
	}

	var best layer.Descriptor
	switch {
	case okBefore && okAfter:
		best = before
		if after.Timestamp.Sub(ts) < ts.Sub(before.Timestamp) {
			best = after
		}
	case okBefore:
		best = before
	case okAfter:
		best = after
	default:
		return layer.Descriptor{}, fmt.Errorf("%w: %s", layer.ErrNotFound, id)
	}

	if s.maxDelta > 0 {
		delta := best.Timestamp.Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta > s.maxDelta {
			return layer.Descriptor{}, fmt.Errorf("%w: %s within %s of %s", layer.ErrNotFound, id, s.maxDelta, ts.UTC().Format(time.RFC3339))
		}
	}
	return best, nil
}

func (s *Store) queryOne(ctx context.Context, id layer.Identity, query string, args ...any) (layer.Descriptor, bool, error) {
	var (
		dateMs int64
		d      layer.Descriptor
		cx, cy float64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&dateMs, &d.SourcePath, &d.NativeWidth, &d.NativeHeight, &d.NativeScale, &cx, &cy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return layer.Descriptor{}, false, nil
	}
	if err != nil {
		return layer.Descriptor{}, false, fmt.Errorf("failed to query images: %w", err)
	}
	d.Identity = id
	d.Timestamp = time.UnixMilli(dateMs).UTC()
	d.SunOffsetX = float64(d.NativeWidth)/2 - cx
	d.SunOffsetY = float64(d.NativeHeight)/2 - cy
	return d, true, nil
}

// Count returns the number of indexed images.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

// LayerSummary describes the images available for one layer.
type LayerSummary struct {
	Layer layer.Identity `json:"layer"`
	Count int            `json:"count"`
	First time.Time      `json:"first"`
	Last  time.Time      `json:"last"`
}

// Layers lists the indexed layers in a stable order.
func (s *Store) Layers(ctx context.Context) ([]LayerSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT observatory, instrument, detector, measurement, COUNT(*), MIN(date_ms), MAX(date_ms)
		FROM images
		GROUP BY observatory, instrument, detector, measurement
		ORDER BY observatory, instrument, detector, measurement
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	defer rows.Close()

	var out []LayerSummary
	for rows.Next() {
		var (
			ls          LayerSummary
			first, last int64
		)
		if err := rows.Scan(&ls.Layer.Observatory, &ls.Layer.Instrument, &ls.Layer.Detector, &ls.Layer.Measurement, &ls.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan layer: %w", err)
		}
		ls.First = time.UnixMilli(first).UTC()
		ls.Last = time.UnixMilli(last).UTC()
		out = append(out, ls)
	}
	return out, rows.Err()
}
