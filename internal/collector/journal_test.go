package collector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), 16, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRecordsEvents(t *testing.T) {
	j := setupJournal(t)

	alert := models.Alert{
		ID:        "a-1",
		HostID:    "web-1",
		Kind:      models.MetricDisk,
		Severity:  models.SeverityMedium,
		Value:     91,
		Threshold: 90,
		Mount:     "/var",
		CreatedAt: time.Now(),
	}

	j.HostStatus("web-1", models.HostConnected)
	j.AlertsRaised([]models.Alert{alert})
	acked := alert
	acked.Acknowledged = true
	now := time.Now()
	acked.AcknowledgedAt = &now
	j.AlertAcknowledged(acked)
	j.HostStatus("web-1", models.HostDisconnected)
	j.HostStatus("db-1", models.HostConnected)

	var events []JournalEvent
	require.Eventually(t, func() bool {
		var err error
		events, err = j.Events(context.Background(), JournalFilter{HostID: "web-1"})
		return err == nil && len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, EventHostDisconnected, events[0].Kind)
	assert.Equal(t, EventAlertAcknowledged, events[1].Kind)
	assert.Equal(t, EventAlertRaised, events[2].Kind)
	assert.Equal(t, EventHostConnected, events[3].Kind)

	raised := events[2]
	assert.Equal(t, "a-1", raised.AlertID)
	assert.Equal(t, models.MetricDisk, raised.MetricKind)
	assert.Equal(t, models.SeverityMedium, raised.Severity)
	assert.Equal(t, "/var", raised.Mount)
	assert.InDelta(t, 91, raised.Value, 0.001)

	byKind, err := j.Events(context.Background(), JournalFilter{Kind: EventHostConnected})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	limited, err := j.Events(context.Background(), JournalFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "db-1", limited[0].HostID)
}

func TestJournalCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path, 16, logging.Discard())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		j.HostStatus("web-1", models.HostConnected)
	}
	require.NoError(t, j.Close())

	// Events after close are counted, not written.
	j.HostStatus("web-1", models.HostConnected)
	assert.Equal(t, uint64(1), j.Dropped())
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(path, 16, logging.Discard())
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Events(context.Background(), JournalFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 10)
}

func TestJournalEventLimits(t *testing.T) {
	j := setupJournal(t)
	tx, err := j.conn.Begin()
	require.NoError(t, err)
	for i := 0; i < maxEventLimit+50; i++ {
		_, err := tx.Exec(`INSERT INTO events (at_ms, kind, host_id) VALUES (?, ?, ?)`,
			time.Now().UnixMilli(), EventHostConnected, fmt.Sprintf("host-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "default", limit: 0, want: defaultEventLimit},
		{name: "explicit", limit: 7, want: 7},
		{name: "at max", limit: maxEventLimit, want: maxEventLimit},
		{name: "above max clamps", limit: maxEventLimit + 1, want: maxEventLimit},
		{name: "far above max clamps", limit: 50000, want: maxEventLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := j.Events(context.Background(), JournalFilter{Limit: tt.limit})
			require.NoError(t, err)
			assert.Len(t, events, tt.want)
		})
	}
}

func TestJournalCloseRaceAccountsForEveryEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path, 4096, logging.Discard())
	require.NoError(t, err)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				j.HostStatus("web-1", models.HostConnected)
			}
		}()
	}
	close(start)
	require.NoError(t, j.Close())
	wg.Wait()

	reopened, err := OpenJournal(path, 16, logging.Discard())
	require.NoError(t, err)
	defer reopened.Close()

	var written int
	require.NoError(t, reopened.conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&written))
	assert.Equal(t, writers*perWriter, written+int(j.Dropped()))
}

func TestJournalDropsWhenFull(t *testing.T) {
	j := &Journal{
		events: make(chan JournalEvent, 1),
		done:   make(chan struct{}),
		logger: logging.Discard(),
		now:    time.Now,
	}

	j.HostStatus("web-1", models.HostConnected)
	j.HostStatus("web-1", models.HostConnected)
	j.HostStatus("web-1", models.HostConnected)

	assert.Equal(t, uint64(2), j.Dropped())
}

func TestJournalCleanup(t *testing.T) {
	j := setupJournal(t)
	base := time.Now()
	j.now = func() time.Time { return base.Add(-2 * time.Hour) }
	j.HostStatus("old", models.HostConnected)
	require.Eventually(t, func() bool {
		events, err := j.Events(context.Background(), JournalFilter{})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	j.now = func() time.Time { return base }
	j.HostStatus("new", models.HostConnected)
	require.Eventually(t, func() bool {
		events, err := j.Events(context.Background(), JournalFilter{})
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	removed, err := j.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := j.Events(context.Background(), JournalFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].HostID)
}

func TestJournalPing(t *testing.T) {
	j := setupJournal(t)
	assert.NoError(t, j.Ping(context.Background()))
}
