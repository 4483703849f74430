package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/tile"
)

// Processor is the image-processing collaborator: it executes a plan
// against a source image and returns encoded tile bytes. Implementations
// must be deterministic.
type Processor interface {
	Extract(ctx context.Context, sourcePath string, plan Plan) ([]byte, error)
}

// Store persists tile artifacts by key. Put writes whole artifacts only.
type Store interface {
	Put(key string, data []byte) error
}

// Result is the outcome of one extraction.
type Result struct {
	Address     tile.Address
	Data        []byte
	ContentType string
	Blank       bool
	// Persisted is false when the store write failed or was skipped.
	Persisted bool
}

// Config contains extractor dependencies.
type Config struct {
	Planner   Planner
	Processor Processor
	Store     Store
	Blanks    *Blanks
	Logger    logging.Logger
}

// Extractor turns a resolved descriptor and an address into tile bytes.
type Extractor struct {
	planner   Planner
	processor Processor
	store     Store
	blanks    *Blanks
	logger    logging.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.Processor == nil {
		return nil, errors.New("extractor requires a processor")
	}
	if cfg.Blanks == nil {
		b, err := NewBlanks(cfg.Planner.TileSize)
		if err != nil {
			return nil, err
		}
		cfg.Blanks = b
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &Extractor{
		planner:   cfg.Planner,
		processor: cfg.Processor,
		store:     cfg.Store,
		blanks:    cfg.Blanks,
		logger:    cfg.Logger,
	}, nil
}

// Planner returns the planner used by the extractor.
func (e *Extractor) Planner() Planner { return e.planner }

// Blank returns the blank tile result for addr.
func (e *Extractor) Blank(addr tile.Address) Result {
	return Result{
		Address:     addr,
		Data:        e.blanks.For(addr.Format),
		ContentType: addr.Format.ContentType(),
		Blank:       true,
	}
}

// Extract plans and produces the tile at addr. Tiles entirely outside the
// source image return the blank artifact without invoking the processor.
// A failed cache write is logged and does not fail the extraction.
func (e *Extractor) Extract(ctx context.Context, desc layer.Descriptor, addr tile.Address) (Result, error) {
	plan, err := e.planner.Plan(desc, addr)
	if err != nil {
		return Result{}, err
	}
	if plan.Blank {
		return e.Blank(addr), nil
	}

	data, err := e.processor.Extract(ctx, desc.SourcePath, plan)
	if err != nil {
		return Result{}, fmt.Errorf("failed to extract %s: %w", addr, err)
	}

	res := Result{
		Address:     addr,
		Data:        data,
		ContentType: addr.Format.ContentType(),
	}
	if e.store == nil {
		return res, nil
	}

	key := addr.Key()
	if err := e.store.Put(key, data); err != nil {
		logging.FromContext(ctx, e.logger).Warn(ctx, "failed to persist tile",
			logging.String("key", key), logging.Err(err))
		return res, nil
	}
	res.Persisted = true
	return res, nil
}
