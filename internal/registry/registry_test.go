package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(ts int64, cpu float64) *models.MetricRecord {
	return &models.MetricRecord{
		Timestamp: ts,
		CPU:       &models.CPUStats{CurrentLoad: cpu},
		Memory:    &models.MemoryStats{UsedPercent: 10},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestUpsertCreatesAndReconnects(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := New(WithClock(clock.Now))

	entry := r.Upsert("web-1", "", "10.0.0.1:5000")
	assert.True(t, entry.Connected)
	assert.Equal(t, models.DefaultGroup, entry.Group)
	assert.Equal(t, time.Unix(1000, 0), entry.FirstSeenAt)

	_, ok := r.MarkDisconnected("web-1")
	require.True(t, ok)

	clock.Advance(time.Minute)
	entry = r.Upsert("web-1", "frontend", "")
	assert.True(t, entry.Connected)
	assert.Equal(t, "frontend", entry.Group)
	assert.Equal(t, "10.0.0.1:5000", entry.RemoteAddr)
	assert.Equal(t, time.Unix(1000, 0), entry.FirstSeenAt)
	assert.Equal(t, time.Unix(1060, 0), entry.LastSeenAt)
	assert.Equal(t, 1, r.Len())
}

func TestRecordMetricsKeepsLatest(t *testing.T) {
	r := New()
	r.Upsert("db-1", "db", "")

	require.NoError(t, r.RecordMetrics("db-1", record(100, 10)))
	require.NoError(t, r.RecordMetrics("db-1", record(200, 20)))

	entry, ok := r.Get("db-1")
	require.True(t, ok)
	assert.Equal(t, int64(200), entry.Latest.Timestamp)
	assert.Equal(t, 20.0, entry.Latest.CPU.CurrentLoad)
}

func TestRecordMetricsRejectsStale(t *testing.T) {
	r := New()
	r.Upsert("db-1", "db", "")
	require.NoError(t, r.RecordMetrics("db-1", record(200, 20)))

	tests := []struct {
		name string
		ts   int64
	}{
		{"older", 150},
		{"equal", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.RecordMetrics("db-1", record(tt.ts, 99))
			assert.ErrorIs(t, err, ErrStaleRecord)

			entry, _ := r.Get("db-1")
			assert.Equal(t, int64(200), entry.Latest.Timestamp)
			assert.Equal(t, 20.0, entry.Latest.CPU.CurrentLoad)
		})
	}
}

func TestRecordMetricsUnknownHost(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.RecordMetrics("ghost", record(1, 1)), ErrUnknownHost)
}

func TestMarkDisconnectedPreservesLatest(t *testing.T) {
	r := New()
	r.Upsert("web-1", "", "")
	require.NoError(t, r.RecordMetrics("web-1", record(100, 50)))

	entry, ok := r.MarkDisconnected("web-1")
	require.True(t, ok)
	assert.False(t, entry.Connected)
	require.NotNil(t, entry.Latest)
	assert.Equal(t, int64(100), entry.Latest.Timestamp)
	assert.Equal(t, 0, r.ConnectedCount())

	_, ok = r.MarkDisconnected("ghost")
	assert.False(t, ok)
}

func TestSnapshotAllInsertionOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Upsert(id, "", "")
	}
	r.Upsert("a", "", "")

	var ids []string
	for _, e := range r.SnapshotAll() {
		ids = append(ids, e.HostID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, 3, r.ConnectedCount())
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := New(WithClock(clock.Now))
	r.Upsert("web-1", "", "")

	clock.Advance(30 * time.Second)
	r.Touch("web-1")
	r.Touch("ghost")

	entry, _ := r.Get("web-1")
	assert.Equal(t, time.Unix(30, 0), entry.LastSeenAt)
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentRecordMetrics(t *testing.T) {
	r := New()
	r.Upsert("web-1", "", "")

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			_ = r.RecordMetrics("web-1", record(ts, 1))
		}(int64(i))
	}
	wg.Wait()

	entry, _ := r.Get("web-1")
	assert.Equal(t, int64(100), entry.Latest.Timestamp)
}
