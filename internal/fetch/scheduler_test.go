package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/tile"
	"github.com/helio-tiles/server/internal/visibility"
)

var tmpl = tile.Template{
	Layer:     layer.Identity{Observatory: "SDO", Instrument: "AIA", Detector: "AIA", Measurement: "171"},
	Timestamp: time.Date(2011, 1, 12, 0, 0, 0, 0, time.UTC),
	Scale:     1.2,
	Format:    tile.PNG,
}

type recordingSink struct {
	mu      sync.Mutex
	ready   []tile.Address
	dropped []tile.Index
	failed  []error
}

func (r *recordingSink) TileReady(_ tile.Index, addr tile.Address, _ Tile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, addr)
}

func (r *recordingSink) TileDropped(idx tile.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, idx)
}

func (r *recordingSink) TileFailed(_ tile.Index, _ tile.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recordingSink) readyIndices() []tile.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tile.Index, len(r.ready))
	for i, a := range r.ready {
		out[i] = tile.Index{X: a.X, Y: a.Y}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// fetcherFunc adapts a function to Fetcher.
type fetcherFunc func(ctx context.Context, addr tile.Address) (Tile, error)

func (f fetcherFunc) Fetch(ctx context.Context, addr tile.Address) (Tile, error) {
	return f(ctx, addr)
}

func instant(calls *atomic.Int32) Fetcher {
	return fetcherFunc(func(_ context.Context, addr tile.Address) (Tile, error) {
		calls.Add(1)
		return Tile{Data: []byte(addr.Key()), ContentType: "image/png"}, nil
	})
}

func newScheduler(t *testing.T, f Fetcher, concurrency int) (*Scheduler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s, err := NewScheduler(Config{Fetcher: f, Sink: sink, Concurrency: concurrency}, tmpl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, sink
}

func TestDiff(t *testing.T) {
	prev := visibility.Range{XStart: -1, XEnd: 0, YStart: -1, YEnd: 0}
	next := visibility.Range{XStart: 0, XEnd: 1, YStart: -1, YEnd: 0}

	need, drop := Diff(prev, next)
	if diff := cmp.Diff([]tile.Index{{X: 1, Y: -1}, {X: 1, Y: 0}}, need); diff != "" {
		t.Errorf("need mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tile.Index{{X: -1, Y: -1}, {X: -1, Y: 0}}, drop); diff != "" {
		t.Errorf("drop mismatch (-want +got):\n%s", diff)
	}

	need, drop = Diff(visibility.EmptyRange, prev)
	if len(need) != 4 || len(drop) != 0 {
		t.Errorf("from empty: need %d drop %d", len(need), len(drop))
	}
	need, drop = Diff(prev, prev)
	if need != nil || drop != nil {
		t.Errorf("equal ranges should diff to nothing")
	}
}

func TestOnRangeChangedSameRangeIsNoop(t *testing.T) {
	var calls atomic.Int32
	s, sink := newScheduler(t, instant(&calls), 0)
	r := visibility.Range{XStart: -2, XEnd: 1, YStart: -2, YEnd: 1}

	requested, dropped := s.OnRangeChanged(r, r)
	s.Wait()
	if requested != 0 || dropped != 0 || calls.Load() != 0 || len(sink.dropped) != 0 {
		t.Fatalf("same range issued %d requests and %d drops", requested, dropped)
	}
	if s.Stats() != (Stats{}) {
		t.Fatalf("unexpected stats %+v", s.Stats())
	}
}

func TestUpdateRequestsAndDrops(t *testing.T) {
	var calls atomic.Int32
	s, sink := newScheduler(t, instant(&calls), 0)

	first := visibility.Range{XStart: -1, XEnd: 0, YStart: -1, YEnd: 0}
	if req, drop := s.Update(first); req != 4 || drop != 0 {
		t.Fatalf("first update: %d requested, %d dropped", req, drop)
	}
	s.Wait()
	if diff := cmp.Diff(first.Indices(), sink.readyIndices()); diff != "" {
		t.Fatalf("ready mismatch (-want +got):\n%s", diff)
	}

	second := visibility.Range{XStart: 0, XEnd: 1, YStart: -1, YEnd: 0}
	if req, drop := s.Update(second); req != 2 || drop != 2 {
		t.Fatalf("second update: %d requested, %d dropped", req, drop)
	}
	s.Wait()
	if calls.Load() != 6 {
		t.Fatalf("fetcher called %d times, want 6", calls.Load())
	}
	if diff := cmp.Diff([]tile.Index{{X: -1, Y: -1}, {X: -1, Y: 0}}, sink.dropped); diff != "" {
		t.Fatalf("dropped mismatch (-want +got):\n%s", diff)
	}
	if s.Visible() != second || s.Pending() != 0 {
		t.Fatalf("visible %v, pending %d", s.Visible(), s.Pending())
	}
	want := Stats{Requested: 6, Dropped: 2, Delivered: 6}
	if got := s.Stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}

func TestLateArrivalsAreDiscarded(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	slow := fetcherFunc(func(ctx context.Context, addr tile.Address) (Tile, error) {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return Tile{}, ctx.Err()
		}
		return Tile{Data: []byte(addr.Key())}, nil
	})
	s, sink := newScheduler(t, slow, 8)

	s.Update(visibility.Range{XStart: 0, XEnd: 1, YStart: 0, YEnd: 0})
	for started.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	// Pan far away while both requests are in flight.
	far := visibility.Range{XStart: 5, XEnd: 5, YStart: 5, YEnd: 5}
	if req, drop := s.Update(far); req != 1 || drop != 2 {
		t.Fatalf("update: %d requested, %d dropped", req, drop)
	}
	close(release)
	s.Wait()

	if diff := cmp.Diff([]tile.Index{{X: 5, Y: 5}}, sink.readyIndices()); diff != "" {
		t.Fatalf("only the visible tile may be delivered (-want +got):\n%s", diff)
	}
	if got := s.Stats(); got.Discarded != 2 || got.Delivered != 1 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestStalePrevRangeDoesNotDeliverHiddenTiles(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	slow := fetcherFunc(func(ctx context.Context, addr tile.Address) (Tile, error) {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return Tile{}, ctx.Err()
		}
		return Tile{Data: []byte(addr.Key())}, nil
	})
	s, sink := newScheduler(t, slow, 8)

	origin := visibility.Range{XStart: 0, XEnd: 0, YStart: 0, YEnd: 0}
	s.OnRangeChanged(visibility.EmptyRange, origin)
	for started.Load() < 1 {
		time.Sleep(time.Millisecond)
	}

	// The caller's prev does not match what the scheduler shows.
	stale := visibility.Range{XStart: 5, XEnd: 5, YStart: 5, YEnd: 5}
	next := visibility.Range{XStart: 6, XEnd: 6, YStart: 6, YEnd: 6}
	if req, drop := s.OnRangeChanged(stale, next); req != 1 || drop != 1 {
		t.Fatalf("range change: %d requested, %d dropped", req, drop)
	}
	close(release)
	s.Wait()

	if diff := cmp.Diff([]tile.Index{{X: 6, Y: 6}}, sink.readyIndices()); diff != "" {
		t.Fatalf("only visible tiles may be delivered (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tile.Index{{X: 0, Y: 0}}, sink.dropped); diff != "" {
		t.Fatalf("dropped mismatch (-want +got):\n%s", diff)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", s.Pending())
	}
}

func TestSetTemplateRefetchesVisibleTiles(t *testing.T) {
	var calls atomic.Int32
	s, sink := newScheduler(t, instant(&calls), 0)
	s.Update(visibility.Range{XStart: 0, XEnd: 1, YStart: 0, YEnd: 0})
	s.Wait()

	if req, drop := s.SetTemplate(tmpl); req != 0 || drop != 0 {
		t.Fatal("same template must be a no-op")
	}

	zoomed := tmpl
	zoomed.Scale = 0.6
	if req, drop := s.SetTemplate(zoomed); req != 2 || drop != 2 {
		t.Fatalf("template change: %d requested, %d dropped", req, drop)
	}
	s.Wait()

	if len(sink.ready) != 4 {
		t.Fatalf("delivered %d tiles, want 4", len(sink.ready))
	}
	for _, a := range sink.ready[2:] {
		if a.Scale != 0.6 {
			t.Fatalf("tile delivered with stale scale %v", a.Scale)
		}
	}
	if !s.Template().Equal(zoomed) {
		t.Fatal("template not updated")
	}
}

func TestFetchFailureIsReported(t *testing.T) {
	boom := errors.New("connection reset")
	failing := fetcherFunc(func(context.Context, tile.Address) (Tile, error) {
		return Tile{}, boom
	})
	s, sink := newScheduler(t, failing, 0)
	s.Update(visibility.Range{XStart: 0, XEnd: 0, YStart: 0, YEnd: 0})
	s.Wait()

	if len(sink.failed) != 1 || !errors.Is(sink.failed[0], boom) {
		t.Fatalf("failures = %v", sink.failed)
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	var active, peak atomic.Int32
	f := fetcherFunc(func(_ context.Context, addr tile.Address) (Tile, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return Tile{}, nil
	})
	s, sink := newScheduler(t, f, 2)
	s.Update(visibility.Range{XStart: 0, XEnd: 3, YStart: 0, YEnd: 2})
	s.Wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d, want <= 2", peak.Load())
	}
	if len(sink.ready) != 12 {
		t.Fatalf("delivered %d tiles, want 12", len(sink.ready))
	}
}

func TestClosedSchedulerDeliversNothing(t *testing.T) {
	var calls atomic.Int32
	s, sink := newScheduler(t, instant(&calls), 0)
	s.Close()
	s.Update(visibility.Range{XStart: 0, XEnd: 1, YStart: 0, YEnd: 1})
	s.Wait()
	if calls.Load() != 0 || len(sink.ready) != 0 {
		t.Fatal("closed scheduler must not fetch")
	}
	if s.Stats().Discarded != 4 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	if _, err := NewScheduler(Config{Sink: &recordingSink{}}, tmpl); err == nil {
		t.Fatal("expected error without fetcher")
	}
	if _, err := NewScheduler(Config{Fetcher: instant(new(atomic.Int32))}, tmpl); err == nil {
		t.Fatal("expected error without sink")
	}
}

func TestHTTPFetcher(t *testing.T) {
	addr := tmpl.At(-1, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/tiles/")
		switch {
		case key == addr.Key():
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set(tile.BlankHeader, "1")
			w.Write([]byte("blank"))
		default:
			http.Error(w, "no such tile", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/", time.Second)
	got, err := f.Fetch(context.Background(), addr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := Tile{Data: []byte("blank"), ContentType: "image/png", Blank: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tile mismatch (-want +got):\n%s", diff)
	}

	_, err = f.Fetch(context.Background(), tmpl.At(3, 3))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}

	bad := tmpl.At(0, 0)
	bad.Scale = -1
	if _, err := f.Fetch(context.Background(), bad); !errors.Is(err, tile.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
