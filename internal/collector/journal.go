package collector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
	_ "modernc.org/sqlite"
)

const (
	EventHostConnected     = "host_connected"
	EventHostDisconnected  = "host_disconnected"
	EventAlertRaised       = "alert_raised"
	EventAlertAcknowledged = "alert_acknowledged"
)

// JournalEvent is one row of the audit journal.
type JournalEvent struct {
	ID         int64             `json:"id"`
	At         time.Time         `json:"at"`
	Kind       string            `json:"kind"`
	HostID     string            `json:"hostId"`
	AlertID    string            `json:"alertId,omitempty"`
	MetricKind models.MetricKind `json:"metricKind,omitempty"`
	Severity   models.Severity   `json:"severity,omitempty"`
	Mount      string            `json:"mount,omitempty"`
	Value      float64           `json:"value,omitempty"`
	Threshold  float64           `json:"threshold,omitempty"`
}

type JournalFilter struct {
	HostID string
	Kind   string
	Limit  int
}

// Journal is an append-only SQLite log of host status changes and alert
// activity. Writes are queued and applied by a single goroutine; when the
// queue is full the event is dropped. It is an audit trail, not a source of
// state: nothing is read back on startup.
const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type Journal struct {
	conn    *sql.DB
	events  chan JournalEvent
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	logger  *slog.Logger
	now     func() time.Time
}

func OpenJournal(path string, buffer int, logger *slog.Logger) (*Journal, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	if buffer <= 0 {
		buffer = 1024
	}
	j := &Journal{
		conn:   conn,
		events: make(chan JournalEvent, buffer),
		done:   make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	j.wg.Add(1)
	go j.run()
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		kind TEXT NOT NULL,
		host_id TEXT NOT NULL,
		alert_id TEXT NOT NULL DEFAULT '',
		metric_kind TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		mount TEXT NOT NULL DEFAULT '',
		value REAL NOT NULL DEFAULT 0,
		threshold REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_host_id ON events(host_id);
	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at_ms);
	CREATE INDEX IF NOT EXISTS idx_events_alert_id ON events(alert_id);
	`

	_, err := j.conn.Exec(schema)
	return err
}

func (j *Journal) HostStatus(hostID string, status models.HostStatus) {
	kind := EventHostDisconnected
	if status == models.HostConnected {
		kind = EventHostConnected
	}
	j.enqueue(JournalEvent{At: j.now(), Kind: kind, HostID: hostID})
}

func (j *Journal) AlertsRaised(alerts []models.Alert) {
	for _, a := range alerts {
		j.enqueue(alertEvent(EventAlertRaised, a, a.CreatedAt))
	}
}

func (j *Journal) AlertAcknowledged(a models.Alert) {
	at := j.now()
	if a.AcknowledgedAt != nil {
		at = *a.AcknowledgedAt
	}
	j.enqueue(alertEvent(EventAlertAcknowledged, a, at))
}

func alertEvent(kind string, a models.Alert, at time.Time) JournalEvent {
	return JournalEvent{
		At:         at,
		Kind:       kind,
		HostID:     a.HostID,
		AlertID:    a.ID,
		MetricKind: a.Kind,
		Severity:   a.Severity,
		Mount:      a.Mount,
		Value:      a.Value,
		Threshold:  a.Threshold,
	}
}

func (j *Journal) enqueue(ev JournalEvent) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.events <- ev:
	default:
		j.dropped.Add(1)
		j.logger.Warn("journal queue full, event dropped", "kind", ev.Kind, "hostId", ev.HostID)
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case ev := <-j.events:
			j.write(ev)
		case <-j.done:
			for {
				select {
				case ev := <-j.events:
					j.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(ev JournalEvent) {
	if err := j.insert(ev); err != nil {
		j.logger.Error("journal write failed", "kind", ev.Kind, "hostId", ev.HostID, "error", err)
	}
}

func (j *Journal) insert(ev JournalEvent) error {
	query := `INSERT INTO events (at_ms, kind, host_id, alert_id, metric_kind, severity, mount, value, threshold)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.conn.Exec(query, ev.At.UnixMilli(), ev.Kind, ev.HostID, ev.AlertID,
		string(ev.MetricKind), string(ev.Severity), ev.Mount, ev.Value, ev.Threshold)
	return err
}

// Events returns matching events, newest first.
func (j *Journal) Events(ctx context.Context, f JournalFilter) ([]JournalEvent, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultEventLimit
	case f.Limit > maxEventLimit:
		f.Limit = maxEventLimit
	}

	query := `SELECT id, at_ms, kind, host_id, alert_id, metric_kind, severity, mount, value, threshold
	          FROM events
	          WHERE (? = '' OR host_id = ?) AND (? = '' OR kind = ?)
	          ORDER BY id DESC
	          LIMIT ?`

	rows, err := j.conn.QueryContext(ctx, query, f.HostID, f.HostID, f.Kind, f.Kind, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []JournalEvent{}
	for rows.Next() {
		var ev JournalEvent
		var atMs int64
		var metricKind, severity string
		err := rows.Scan(&ev.ID, &atMs, &ev.Kind, &ev.HostID, &ev.AlertID,
			&metricKind, &severity, &ev.Mount, &ev.Value, &ev.Threshold)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.UnixMilli(atMs).UTC()
		ev.MetricKind = models.MetricKind(metricKind)
		ev.Severity = models.Severity(severity)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Cleanup deletes events older than retention and reports how many went.
func (j *Journal) Cleanup(retention time.Duration) (int64, error) {
	res, err := j.conn.Exec(`DELETE FROM events WHERE at_ms < ?`, j.now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunCleanup deletes expired events every interval until ctx is done.
func (j *Journal) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := j.Cleanup(retention)
			if err != nil {
				j.logger.Error("journal cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				j.logger.Info("journal cleanup", "removed", removed)
			}
		}
	}
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.conn.PingContext(ctx)
}

// Dropped is the number of events lost to a full queue or recorded after
// Close.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Close flushes queued events and closes the database. Events recorded
// after Close are counted as dropped.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.done)
	j.mu.Unlock()

	j.wg.Wait()
	return j.conn.Close()
}
