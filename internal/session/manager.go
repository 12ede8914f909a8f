// Package session owns the collector's live state. It accepts agent and
// dashboard connections, runs the per-host serialized update path and
// routes commands and acknowledgments between them.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/metorial/telemetry-hub/internal/alerts"
	"github.com/metorial/telemetry-hub/internal/history"
	"github.com/metorial/telemetry-hub/internal/hub"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/metorial/telemetry-hub/internal/protocol"
	"github.com/metorial/telemetry-hub/internal/registry"
)

const (
	DefaultProbeInterval      = 30 * time.Second
	DefaultLivenessMultiplier = 3
	DefaultSendBuffer         = 256
)

// Journal receives audit events. Implementations must not block.
type Journal interface {
	HostStatus(hostID string, status models.HostStatus)
	AlertsRaised(alerts []models.Alert)
	AlertAcknowledged(alert models.Alert)
}

type nopJournal struct{}

func (nopJournal) HostStatus(string, models.HostStatus) {}
func (nopJournal) AlertsRaised([]models.Alert)          {}
func (nopJournal) AlertAcknowledged(models.Alert)       {}

type Deps struct {
	Registry *registry.Registry
	History  *history.Store
	Alerts   *alerts.Engine
	Hub      *hub.Hub
	Journal  Journal
	Logger   *slog.Logger
}

type Options struct {
	APIKeys            []string
	ProbeInterval      time.Duration
	LivenessMultiplier int
	SendBuffer         int
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.LivenessMultiplier <= 0 {
		o.LivenessMultiplier = DefaultLivenessMultiplier
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	return o
}

// Update is the outcome of one accepted record.
type Update struct {
	HostID    string
	Record    *models.MetricRecord
	Point     *models.HistoryPoint
	NewAlerts []models.Alert
}

type Status struct {
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	HostCount        int    `json:"hostCount"`
	ConnectedCount   int    `json:"connectedCount"`
	AgentCount       int    `json:"agentCount"`
	DashboardCount   int    `json:"dashboardCount"`
	ActiveAlertCount int    `json:"activeAlertCount"`
	DroppedBatches   uint64 `json:"droppedBatches"`
}

type Manager struct {
	registry *registry.Registry
	history  *history.Store
	alerts   *alerts.Engine
	hub      *hub.Hub
	journal  Journal
	logger   *slog.Logger
	opts     Options

	locks     *hostLocks
	startedAt time.Time

	mu        sync.RWMutex
	producers map[string]*producerSession
}

func NewManager(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	if deps.Hub == nil {
		deps.Hub = hub.New(deps.Logger)
	}
	return &Manager{
		registry:  deps.Registry,
		history:   deps.History,
		alerts:    deps.Alerts,
		hub:       deps.Hub,
		journal:   deps.Journal,
		logger:    deps.Logger,
		opts:      opts.withDefaults(),
		locks:     newHostLocks(),
		startedAt: time.Now(),
		producers: make(map[string]*producerSession),
	}
}

// Ingest runs one record through validation, the registry, the history ring
// and the alert engine while holding the host's lock, then publishes the
// resulting events as one batch.
func (m *Manager) Ingest(hostID string, rec *models.MetricRecord) (Update, error) {
	if err := rec.Validate(); err != nil {
		recordsTotal.WithLabelValues("malformed").Inc()
		return Update{}, err
	}
	rec.Normalize()
	rec.HostID = hostID

	unlock := m.locks.lock(hostID)
	defer unlock()

	if err := m.registry.RecordMetrics(hostID, rec); err != nil {
		switch {
		case errors.Is(err, registry.ErrStaleRecord):
			recordsTotal.WithLabelValues("stale").Inc()
		case errors.Is(err, registry.ErrUnknownHost):
			recordsTotal.WithLabelValues("unknown_host").Inc()
		}
		return Update{}, err
	}
	recordsTotal.WithLabelValues("accepted").Inc()

	upd := Update{HostID: hostID, Record: rec}
	if point, ok := m.history.MaybeAppend(hostID, rec); ok {
		upd.Point = &point
	}
	upd.NewAlerts = m.alerts.Evaluate(hostID, rec)

	events := []protocol.Message{protocol.MetricsUpdate{
		HostID:       hostID,
		Record:       rec,
		HistoryPoint: upd.Point,
	}}
	if len(upd.NewAlerts) > 0 {
		for _, a := range upd.NewAlerts {
			alertsFiredTotal.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		}
		events = append(events, protocol.AlertsUpdate{
			HostID:       hostID,
			NewAlerts:    upd.NewAlerts,
			ActiveAlerts: m.alerts.ActiveAlerts(),
		})
		m.journal.AlertsRaised(upd.NewAlerts)
	}
	m.hub.Publish(events...)

	return upd, nil
}

// AcknowledgeAlert acknowledges the alert, broadcasts the new active set and
// returns it.
func (m *Manager) AcknowledgeAlert(alertID string) ([]models.Alert, error) {
	hostID, ok := m.alerts.HostOf(alertID)
	if !ok {
		return nil, alerts.ErrAlertNotFound
	}

	unlock := m.locks.lock(hostID)
	defer unlock()

	if !m.alerts.Acknowledge(alertID) {
		return nil, alerts.ErrAlertNotFound
	}
	active := m.alerts.ActiveAlerts()
	m.hub.Publish(protocol.AlertAcknowledged{AlertID: alertID, ActiveAlerts: active})

	if a, ok := m.alerts.Get(alertID); ok {
		m.journal.AlertAcknowledged(a)
	}
	return active, nil
}

// RouteCommand forwards payload verbatim to the host's current agent
// session. It reports false when the host has no active session or the
// session cannot take more frames. Commands are never queued.
func (m *Manager) RouteCommand(hostID string, payload json.RawMessage) bool {
	m.mu.RLock()
	p := m.producers[hostID]
	m.mu.RUnlock()

	if p == nil {
		commandsTotal.WithLabelValues("no_route").Inc()
		return false
	}

	frame, err := protocol.EncodeRaw(protocol.TypeCommand, payload)
	if err != nil {
		commandsTotal.WithLabelValues("invalid").Inc()
		m.logger.Warn("invalid command payload", "hostId", hostID, "error", err)
		return false
	}
	if !p.send(frame) {
		commandsTotal.WithLabelValues("dropped").Inc()
		return false
	}
	commandsTotal.WithLabelValues("delivered").Inc()
	return true
}

func (m *Manager) History(hostID string, since *int64) []models.HistoryPoint {
	return m.history.Query(hostID, since)
}

func (m *Manager) Hosts() []models.HostEntry {
	return m.registry.SnapshotAll()
}

func (m *Manager) Host(hostID string) (models.HostEntry, bool) {
	return m.registry.Get(hostID)
}

func (m *Manager) ActiveAlerts() []models.Alert {
	return m.alerts.ActiveAlerts()
}

func (m *Manager) HostAlerts(hostID string) (active, acknowledged []models.Alert) {
	return m.alerts.HostAlerts(hostID)
}

func (m *Manager) ProducerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.producers)
}

func (m *Manager) ConsumerCount() int {
	return m.hub.Len()
}

func (m *Manager) Status() Status {
	return Status{
		UptimeSeconds:    int64(time.Since(m.startedAt).Seconds()),
		HostCount:        m.registry.Len(),
		ConnectedCount:   m.registry.ConnectedCount(),
		AgentCount:       m.ProducerCount(),
		DashboardCount:   m.ConsumerCount(),
		ActiveAlertCount: m.alerts.ActiveCount(),
		DroppedBatches:   m.hub.Dropped(),
	}
}

func (m *Manager) snapshotFrame() ([]byte, error) {
	return protocol.Encode(protocol.InitialData{
		Hosts:        m.registry.SnapshotAll(),
		ActiveAlerts: m.alerts.ActiveAlerts(),
	})
}

// Close ends every agent session. Dashboards are closed by their transports.
func (m *Manager) Close() {
	m.mu.RLock()
	sessions := make([]*producerSession, 0, len(m.producers))
	for _, p := range m.producers {
		sessions = append(sessions, p)
	}
	m.mu.RUnlock()

	for _, p := range sessions {
		p.close()
	}
}
