package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/logging"
	"github.com/helio-tiles/server/internal/service"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/visibility"
)

// SeedStatus is the lifecycle state of a seed job.
type SeedStatus string

const (
	SeedQueued    SeedStatus = "queued"
	SeedRunning   SeedStatus = "running"
	SeedCompleted SeedStatus = "completed"
	SeedFailed    SeedStatus = "failed"
	SeedCancelled SeedStatus = "cancelled"
)

func (s SeedStatus) terminal() bool {
	return s == SeedCompleted || s == SeedFailed || s == SeedCancelled
}

// SeedParams selects the tiles a seed job renders: every tile covering the
// image closest to Date, at each zoom in [MinZoom, MaxZoom].
type SeedParams struct {
	Layer   string    `json:"layer"`
	Date    time.Time `json:"date"`
	MinZoom int       `json:"minZoom"`
	MaxZoom int       `json:"maxZoom"`
	Format  string    `json:"format,omitempty"`
}

// SeedJob is a snapshot of a seed job.
type SeedJob struct {
	ID         string     `json:"id"`
	Status     SeedStatus `json:"status"`
	Params     SeedParams `json:"params"`
	Total      int        `json:"total"`
	Done       int        `json:"done"`
	Blank      int        `json:"blank"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// SeedManagerConfig contains configuration for the seed manager.
type SeedManagerConfig struct {
	MaxConcurrent int           // Max concurrent seed jobs (default 1)
	QueueSize     int           // Pending jobs accepted (default 100)
	Retention     time.Duration // How long finished jobs stay visible (default 24h)
	CleanupPeriod time.Duration
	Logger        logging.Logger
}

// SeedManager pre-renders tile pyramids into the cache in the background.
type SeedManager struct {
	cfg      SeedManagerConfig
	svc      *service.TileService
	logger   logging.Logger
	queue    chan string // job IDs
	jobs     map[string]*SeedJob
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSeedManager creates a seed manager. Call Start before submitting.
func NewSeedManager(cfg SeedManagerConfig, svc *service.TileService) (*SeedManager, error) {
	if svc == nil {
		return nil, errors.New("seed manager requires a tile service")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	return &SeedManager{
		cfg:     cfg,
		svc:     svc,
		logger:  cfg.Logger.With(logging.String("component", "seed")),
		queue:   make(chan string, cfg.QueueSize),
		jobs:    make(map[string]*SeedJob),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start starts the worker goroutines and cleanup ticker.
func (m *SeedManager) Start() {
	for i := 0; i < m.cfg.MaxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	go m.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (m *SeedManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for _, cancel := range m.running {
			cancel()
		}
		close(m.queue)
		m.mu.Unlock()
		m.wg.Wait()
	})
}

func (m *SeedManager) worker() {
	defer m.wg.Done()
	for id := range m.queue {
		select {
		case <-m.stopCh:
			m.finish(id, SeedCancelled, "server shutting down")
			continue
		default:
		}
		m.runJob(id)
	}
}

func (m *SeedManager) runJob(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != SeedQueued {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = SeedRunning
	job.StartedAt = &now
	params := job.Params
	m.running[id] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
	}()

	ctx = logging.ContextWithLogger(ctx, m.logger.With(logging.String("job", id)))
	err := m.seed(ctx, id, params)

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		m.finish(id, SeedCancelled, "cancelled by user")
	case err != nil:
		m.logger.Warn(ctx, "seed job failed", logging.String("job", id), logging.Err(err))
		m.finish(id, SeedFailed, err.Error())
	default:
		m.finish(id, SeedCompleted, "")
	}
}

// seed renders every tile of the job through the tile service.
func (m *SeedManager) seed(ctx context.Context, id string, p SeedParams) error {
	lid, err := layer.ParseIdentity(p.Layer)
	if err != nil {
		return err
	}
	format, err := seedFormat(p.Format)
	if err != nil {
		return err
	}
	desc, err := m.svc.ClosestImage(ctx, lid, p.Date)
	if err != nil {
		return fmt.Errorf("failed to resolve source image: %w", err)
	}

	ladder := m.svc.Ladder()
	type level struct {
		scale float64
		r     visibility.Range
	}
	var levels []level
	total := 0
	for z := ladder.Clamp(p.MinZoom); z <= ladder.Clamp(p.MaxZoom); z++ {
		s := ladder.ScaleOf(z)
		r := visibility.FootprintRange(desc, s, m.svc.TileSize())
		levels = append(levels, level{scale: s, r: r})
		total += r.Count()
	}
	m.update(id, func(j *SeedJob) { j.Total = total })

	for _, lv := range levels {
		for _, idx := range lv.r.Indices() {
			if err := ctx.Err(); err != nil {
				return err
			}
			addr := tile.NewAddress(desc.Identity, desc.Timestamp, lv.scale, idx.X, idx.Y, format)
			t, err := m.svc.GetTile(ctx, addr)
			if err != nil {
				return err
			}
			m.update(id, func(j *SeedJob) {
				j.Done++
				if t.Blank {
					j.Blank++
				}
			})
		}
	}
	return nil
}

func seedFormat(s string) (tile.Format, error) {
	if s == "" {
		return tile.PNG, nil
	}
	return tile.ParseFormat(s)
}

func (m *SeedManager) update(id string, fn func(*SeedJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
	}
}

func (m *SeedManager) finish(id string, status SeedStatus, msg string) {
	now := time.Now()
	m.update(id, func(j *SeedJob) {
		if j.Status.terminal() {
			return
		}
		j.Status = status
		j.Error = msg
		j.FinishedAt = &now
	})
}

func (m *SeedManager) cleaner() {
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *SeedManager) cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, job := range m.jobs {
		if job.FinishedAt != nil && now.Sub(*job.FinishedAt) > m.cfg.Retention {
			delete(m.jobs, id)
			deleted++
		}
	}
	if deleted > 0 {
		m.logger.Info(context.Background(), "cleaned up expired seed jobs", logging.Int("count", deleted))
	}
	return deleted
}

// Submit validates params, creates a job and enqueues it.
func (m *SeedManager) Submit(p SeedParams) (SeedJob, error) {
	if _, err := layer.ParseIdentity(p.Layer); err != nil {
		return SeedJob{}, badRequest("%v", err)
	}
	if _, err := seedFormat(p.Format); err != nil {
		return SeedJob{}, badRequest("%v", err)
	}
	if p.Date.IsZero() {
		return SeedJob{}, badRequest("missing date")
	}
	if p.MinZoom > p.MaxZoom {
		return SeedJob{}, badRequest("minZoom %d > maxZoom %d", p.MinZoom, p.MaxZoom)
	}

	job := &SeedJob{
		ID:        generateJobID(),
		Status:    SeedQueued,
		Params:    p,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		return SeedJob{}, errors.New("seed manager stopped")
	default:
	}
	m.jobs[job.ID] = job
	select {
	case m.queue <- job.ID:
	default:
		// Queue full; mark as failed immediately
		now := time.Now()
		job.Status = SeedFailed
		job.Error = "seed queue is full; try again later"
		job.FinishedAt = &now
	}
	return *job, nil
}

// Get returns a snapshot of a job.
func (m *SeedManager) Get(id string) (SeedJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return SeedJob{}, false
	}
	return *job, true
}

// Cancel stops a queued or running job.
func (m *SeedManager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, running := m.running[id]
	queued := false
	if job, ok := m.jobs[id]; ok {
		queued = job.Status == SeedQueued
	}
	m.mu.Unlock()

	if running {
		cancel()
		return true
	}
	if queued {
		m.finish(id, SeedCancelled, "cancelled before start")
		return true
	}
	return false
}

func generateJobID() string {
	return uuid.NewString()
}
