// Package history keeps a bounded, downsampled series of points per host.
package history

import (
	"sync"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
)

const (
	DefaultMinInterval = 5 * time.Second
	DefaultCapacity    = 720
)

// ring is a fixed-size circular buffer; the oldest point is evicted first.
type ring struct {
	points []models.HistoryPoint
	start  int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{points: make([]models.HistoryPoint, capacity)}
}

func (r *ring) push(p models.HistoryPoint) {
	if r.size < len(r.points) {
		r.points[(r.start+r.size)%len(r.points)] = p
		r.size++
		return
	}
	r.points[r.start] = p
	r.start = (r.start + 1) % len(r.points)
}

func (r *ring) last() (models.HistoryPoint, bool) {
	if r.size == 0 {
		return models.HistoryPoint{}, false
	}
	return r.points[(r.start+r.size-1)%len(r.points)], true
}

func (r *ring) at(i int) models.HistoryPoint {
	return r.points[(r.start+i)%len(r.points)]
}

type Store struct {
	mu          sync.RWMutex
	rings       map[string]*ring
	minInterval int64
	capacity    int
}

// New returns a store that appends at most one point per minInterval per host
// and keeps at most capacity points per host. Non-positive arguments fall
// back to the defaults.
func New(minInterval time.Duration, capacity int) *Store {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		rings:       make(map[string]*ring),
		minInterval: minInterval.Milliseconds(),
		capacity:    capacity,
	}
}

// MaybeAppend downsamples rec and appends it when the host has no points yet
// or rec is at least minInterval newer than the last point.
func (s *Store) MaybeAppend(hostID string, rec *models.MetricRecord) (models.HistoryPoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[hostID]
	if !ok {
		r = newRing(s.capacity)
		s.rings[hostID] = r
	}
	if last, ok := r.last(); ok && rec.Timestamp-last.Timestamp < s.minInterval {
		return models.HistoryPoint{}, false
	}

	p := models.Downsample(rec)
	r.push(p)
	return p, true
}

// Query returns the host's points oldest first. A non-nil since keeps only
// points with Timestamp >= *since. Unknown hosts yield an empty slice.
func (s *Store) Query(hostID string, since *int64) []models.HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[hostID]
	if !ok {
		return []models.HistoryPoint{}
	}
	out := make([]models.HistoryPoint, 0, r.size)
	for i := 0; i < r.size; i++ {
		p := r.at(i)
		if since != nil && p.Timestamp < *since {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Store) Len(hostID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rings[hostID]; ok {
		return r.size
	}
	return 0
}

func (s *Store) Capacity() int { return s.capacity }
