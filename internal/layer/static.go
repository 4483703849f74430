package layer

import (
	"context"
	"sync"
	"time"
)

var _ Lookup = (*StaticLookup)(nil)

// StaticLookup is an in-memory Lookup over a fixed set of descriptors.
type StaticLookup struct {
	mu     sync.RWMutex
	images map[Identity][]Descriptor
}

// NewStaticLookup builds a lookup from descriptors.
func NewStaticLookup(descs ...Descriptor) *StaticLookup {
	l := &StaticLookup{images: make(map[Identity][]Descriptor)}
	for _, d := range descs {
		l.Add(d)
	}
	return l
}

// Add registers a descriptor.
func (l *StaticLookup) Add(d Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.images[d.Identity] = append(l.images[d.Identity], d)
}

// Resolve returns the descriptor closest to ts. Ties resolve to the earlier image.
func (l *StaticLookup) Resolve(_ context.Context, id Identity, ts time.Time) (Descriptor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	candidates := l.images[id]
	if len(candidates) == 0 {
		return Descriptor{}, ErrNotFound
	}

	best := candidates[0]
	bestDelta := absDuration(best.Timestamp.Sub(ts))
	for _, d := range candidates[1:] {
		delta := absDuration(d.Timestamp.Sub(ts))
		if delta < bestDelta || (delta == bestDelta && d.Timestamp.Before(best.Timestamp)) {
			best, bestDelta = d, delta
		}
	}
	return best, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
