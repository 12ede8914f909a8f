// Package registry tracks every host that has ever connected, its connection
// state and its most recent metrics record.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
)

var (
	ErrUnknownHost = errors.New("unknown host")
	ErrStaleRecord = errors.New("stale metrics record")
)

type Option func(*Registry)

// WithClock replaces time.Now for lastSeenAt bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is safe for concurrent use. Entries are never removed, so memory
// grows with the number of distinct host ids seen.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*models.HostEntry
	order []string
	now   func() time.Time
}

func New(opts ...Option) *Registry {
	r := &Registry{
		hosts: make(map[string]*models.HostEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert creates the entry if absent and marks it connected.
func (r *Registry) Upsert(hostID, group, remoteAddr string) models.HostEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.hosts[hostID]
	if !ok {
		entry = &models.HostEntry{
			HostID:      hostID,
			Group:       models.DefaultGroup,
			FirstSeenAt: now,
		}
		r.hosts[hostID] = entry
		r.order = append(r.order, hostID)
	}
	if group != "" {
		entry.Group = group
	}
	if remoteAddr != "" {
		entry.RemoteAddr = remoteAddr
	}
	entry.Connected = true
	entry.LastSeenAt = now

	return *entry
}

// RecordMetrics stores rec as the host's latest record. Records whose
// timestamp does not advance past the current latest are rejected with
// ErrStaleRecord and change nothing.
func (r *Registry) RecordMetrics(hostID string, rec *models.MetricRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.hosts[hostID]
	if !ok {
		return ErrUnknownHost
	}
	if entry.Latest != nil && rec.Timestamp <= entry.Latest.Timestamp {
		return ErrStaleRecord
	}
	entry.Latest = rec
	entry.LastSeenAt = r.now()
	return nil
}

func (r *Registry) Touch(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.hosts[hostID]; ok {
		entry.LastSeenAt = r.now()
	}
}

// MarkDisconnected flips the host to disconnected, keeping its latest record.
// The boolean reports whether the host was known.
func (r *Registry) MarkDisconnected(hostID string) (models.HostEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.hosts[hostID]
	if !ok {
		return models.HostEntry{}, false
	}
	entry.Connected = false
	entry.LastSeenAt = r.now()
	return *entry, true
}

func (r *Registry) Get(hostID string) (models.HostEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.hosts[hostID]
	if !ok {
		return models.HostEntry{}, false
	}
	return *entry, true
}

// SnapshotAll returns copies of every entry in first-seen order.
func (r *Registry) SnapshotAll() []models.HostEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.HostEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.hosts[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entry := range r.hosts {
		if entry.Connected {
			n++
		}
	}
	return n
}
