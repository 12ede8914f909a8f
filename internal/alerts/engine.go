// Package alerts derives tiered threshold alerts from metric records.
package alerts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metorial/telemetry-hub/internal/models"
)

var ErrAlertNotFound = errors.New("alert not found")

var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("telemetry-hub/alerts"))

type alertKey struct {
	hostID string
	kind   models.MetricKind
	mount  string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAcknowledgedLimit caps how many acknowledged alerts are kept for audit,
// evicting the oldest first. Zero keeps them all.
func WithAcknowledgedLimit(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.ackLimit = n
		}
	}
}

// Engine owns the set of alerts. An alert stays active until acknowledged;
// readings that fall back below every threshold do not resolve it.
type Engine struct {
	mu       sync.RWMutex
	rules    map[models.MetricKind]models.AlertRule
	active   map[alertKey]*models.Alert
	byID     map[string]*models.Alert
	acked    []*models.Alert
	ackLimit int
	now      func() time.Time
}

func NewEngine(rules []models.AlertRule, opts ...Option) *Engine {
	e := &Engine{
		rules:  make(map[models.MetricKind]models.AlertRule, len(rules)),
		active: make(map[alertKey]*models.Alert),
		byID:   make(map[string]*models.Alert),
		now:    time.Now,
	}
	for _, r := range rules {
		e.rules[r.Kind] = r
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Rules() []models.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.AlertRule, 0, len(e.rules))
	for _, kind := range []models.MetricKind{models.MetricCPU, models.MetricMemory, models.MetricDisk} {
		if r, ok := e.rules[kind]; ok {
			out = append(out, r)
		}
	}
	return out
}

type observation struct {
	kind  models.MetricKind
	mount string
	value float64
}

func observe(rec *models.MetricRecord) []observation {
	obs := make([]observation, 0, 3)
	if rec.CPU != nil {
		obs = append(obs, observation{kind: models.MetricCPU, value: rec.CPU.CurrentLoad})
	}
	if rec.Memory != nil {
		obs = append(obs, observation{kind: models.MetricMemory, value: rec.Memory.UsedPercent})
	}
	if rec.Disk != nil {
		for _, fs := range rec.Disk.Filesystems {
			obs = append(obs, observation{kind: models.MetricDisk, mount: fs.Mount, value: fs.UsedPercent})
		}
	}
	return obs
}

// Evaluate applies the rules to rec and returns the alerts it created. A
// breach at a new tier supersedes the previous active alert for the same
// host, kind and mount. A breach at the same tier only refreshes the value.
func (e *Engine) Evaluate(hostID string, rec *models.MetricRecord) []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var created []models.Alert
	for _, o := range observe(rec) {
		rule, ok := e.rules[o.kind]
		if !ok {
			continue
		}
		severity, threshold, crossed := rule.Tier(o.value)
		if !crossed {
			continue
		}

		key := alertKey{hostID: hostID, kind: o.kind, mount: o.mount}
		if cur, ok := e.active[key]; ok {
			if cur.Severity == severity {
				cur.Value = o.value
				continue
			}
			delete(e.byID, cur.ID)
		}

		a := &models.Alert{
			ID:        e.newID(key, rec.Timestamp),
			HostID:    hostID,
			Kind:      o.kind,
			Severity:  severity,
			Value:     o.value,
			Threshold: threshold,
			Mount:     o.mount,
			CreatedAt: e.now(),
		}
		e.active[key] = a
		e.byID[a.ID] = a
		created = append(created, *a)
	}
	return created
}

func (e *Engine) newID(key alertKey, ts int64) string {
	name := fmt.Sprintf("%s|%s|%s|%d", key.hostID, key.kind, key.mount, ts)
	id := uuid.NewSHA1(alertNamespace, []byte(name)).String()
	if _, taken := e.byID[id]; !taken {
		return id
	}
	for seq := 1; ; seq++ {
		candidate := fmt.Sprintf("%s-%d", id, seq)
		if _, taken := e.byID[candidate]; !taken {
			return candidate
		}
	}
}

// Acknowledge marks the alert acknowledged and removes it from the active
// set. Acknowledging an already acknowledged alert succeeds without change.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.byID[alertID]
	if !ok {
		return false
	}
	if a.Acknowledged {
		return true
	}

	now := e.now()
	a.Acknowledged = true
	a.AcknowledgedAt = &now
	delete(e.active, alertKey{hostID: a.HostID, kind: a.Kind, mount: a.Mount})

	e.acked = append(e.acked, a)
	if e.ackLimit > 0 && len(e.acked) > e.ackLimit {
		evicted := e.acked[0]
		e.acked = e.acked[1:]
		delete(e.byID, evicted.ID)
	}
	return true
}

// HostOf resolves the host an alert belongs to.
func (e *Engine) HostOf(alertID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if a, ok := e.byID[alertID]; ok {
		return a.HostID, true
	}
	return "", false
}

func (e *Engine) Get(alertID string) (models.Alert, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if a, ok := e.byID[alertID]; ok {
		return *a, true
	}
	return models.Alert{}, false
}

// ActiveAlerts returns unacknowledged alerts ordered by severity (highest
// first), then newest first, then by id.
func (e *Engine) ActiveAlerts() []models.Alert {
	e.mu.RLock()
	out := make([]models.Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	e.mu.RUnlock()

	SortAlerts(out)
	return out
}

func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// HostAlerts returns the host's active alerts in ActiveAlerts order and its
// retained acknowledged alerts, most recently acknowledged first.
func (e *Engine) HostAlerts(hostID string) (active, acknowledged []models.Alert) {
	e.mu.RLock()
	active = []models.Alert{}
	for key, a := range e.active {
		if key.hostID == hostID {
			active = append(active, *a)
		}
	}
	acknowledged = []models.Alert{}
	for i := len(e.acked) - 1; i >= 0; i-- {
		if e.acked[i].HostID == hostID {
			acknowledged = append(acknowledged, *e.acked[i])
		}
	}
	e.mu.RUnlock()

	SortAlerts(active)
	return active, acknowledged
}

func SortAlerts(alerts []models.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
