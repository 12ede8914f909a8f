package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/metorial/telemetry-hub/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanConsumer struct {
	id string
	ch chan [][]byte
}

func newChanConsumer(id string, size int) *chanConsumer {
	return &chanConsumer{id: id, ch: make(chan [][]byte, size)}
}

func (c *chanConsumer) ID() string { return c.id }

func (c *chanConsumer) Deliver(frames [][]byte) bool {
	select {
	case c.ch <- frames:
		return true
	default:
		return false
	}
}

func (c *chanConsumer) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for {
		select {
		case batch := <-c.ch:
			for _, f := range batch {
				env, err := protocol.Decode(f)
				require.NoError(t, err)
				out = append(out, env.Type)
			}
		default:
			return out
		}
	}
}

func snapshot() ([]byte, error) {
	return protocol.Encode(protocol.InitialData{})
}

func TestAttachDeliversSnapshotFirst(t *testing.T) {
	h := New(logging.Discard())
	c := newChanConsumer("a", 4)

	require.NoError(t, h.Attach(c, snapshot))
	h.Publish(protocol.HostStatusChanged{HostID: "h", Status: "connected"})

	assert.Equal(t, []string{protocol.TypeInitialData, protocol.TypeHostStatusChanged}, c.types(t))
	assert.Equal(t, 1, h.Len())
}

func TestAttachSnapshotError(t *testing.T) {
	h := New(logging.Discard())
	err := h.Attach(newChanConsumer("a", 1), func() ([]byte, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, h.Len())
}

func TestAttachFullConsumer(t *testing.T) {
	h := New(logging.Discard())
	err := h.Attach(newChanConsumer("a", 0), snapshot)
	assert.ErrorIs(t, err, ErrConsumerFull)
	assert.Equal(t, 0, h.Len())
}

func TestPublishBatchIsContiguous(t *testing.T) {
	h := New(logging.Discard())
	c := newChanConsumer("a", 16)
	require.NoError(t, h.Attach(c, snapshot))
	<-c.ch

	h.Publish(
		protocol.MetricsUpdate{HostID: "h"},
		protocol.AlertsUpdate{HostID: "h"},
	)

	batch := <-c.ch
	require.Len(t, batch, 2)
	first, _ := protocol.Decode(batch[0])
	second, _ := protocol.Decode(batch[1])
	assert.Equal(t, protocol.TypeMetricsUpdate, first.Type)
	assert.Equal(t, protocol.TypeAlertsUpdate, second.Type)
}

func TestPublishSkipsFullConsumer(t *testing.T) {
	h := New(logging.Discard())
	slow := newChanConsumer("slow", 1)
	fast := newChanConsumer("fast", 8)
	require.NoError(t, h.Attach(slow, snapshot))
	require.NoError(t, h.Attach(fast, snapshot))

	n := h.Publish(protocol.Ping{Time: 1})
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), h.Dropped())
	assert.Equal(t, []string{protocol.TypeInitialData, protocol.TypePing}, fast.types(t))
	assert.Equal(t, []string{protocol.TypeInitialData}, slow.types(t))
}

func TestDetach(t *testing.T) {
	h := New(logging.Discard())
	c := newChanConsumer("a", 4)
	require.NoError(t, h.Attach(c, snapshot))
	h.Detach(c)
	h.Detach(c)

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, h.Publish(protocol.Ping{Time: 1}))
}

func TestPublishNothing(t *testing.T) {
	h := New(logging.Discard())
	assert.Equal(t, 0, h.Publish())
}

func TestConcurrentPublishAndAttach(t *testing.T) {
	h := New(logging.Discard())
	var wg sync.WaitGroup
	consumers := make([]*chanConsumer, 10)
	for i := range consumers {
		consumers[i] = newChanConsumer(fmt.Sprintf("c%d", i), 1024)
	}

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(c *chanConsumer) {
			defer wg.Done()
			_ = h.Attach(c, snapshot)
		}(consumers[i])
		go func(n int) {
			defer wg.Done()
			h.Publish(protocol.Ping{Time: int64(n)})
		}(i)
	}
	wg.Wait()

	for _, c := range consumers {
		types := c.types(t)
		require.NotEmpty(t, types)
		assert.Equal(t, protocol.TypeInitialData, types[0])
	}
}

func TestPublishDoesNotWaitForSnapshot(t *testing.T) {
	h := New(logging.Discard())
	c := newChanConsumer("a", 8)

	building := make(chan struct{})
	release := make(chan struct{})
	attached := make(chan error, 1)
	go func() {
		attached <- h.Attach(c, func() ([]byte, error) {
			close(building)
			<-release
			return snapshot()
		})
	}()
	<-building

	published := make(chan int, 1)
	go func() { published <- h.Publish(protocol.Ping{Time: 1}) }()

	select {
	case n := <-published:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind snapshot")
	}
	assert.Empty(t, c.ch, "events must wait for the snapshot")

	close(release)
	require.NoError(t, <-attached)
	assert.Equal(t, []string{protocol.TypeInitialData, protocol.TypePing}, c.types(t))

	h.Publish(protocol.Ping{Time: 2})
	assert.Equal(t, []string{protocol.TypePing}, c.types(t))
}

func TestPendingQueueIsBounded(t *testing.T) {
	h := New(logging.Discard())
	c := newChanConsumer("a", pendingLimit+8)

	release := make(chan struct{})
	attached := make(chan error, 1)
	go func() {
		attached <- h.Attach(c, func() ([]byte, error) {
			<-release
			return snapshot()
		})
	}()
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < pendingLimit+3; i++ {
		h.Publish(protocol.Ping{Time: int64(i)})
	}
	assert.Equal(t, uint64(3), h.Dropped())

	close(release)
	require.NoError(t, <-attached)
	assert.Len(t, c.types(t), pendingLimit+1)
}
