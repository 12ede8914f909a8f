package session

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/metorial/telemetry-hub/internal/alerts"
	"github.com/metorial/telemetry-hub/internal/history"
	"github.com/metorial/telemetry-hub/internal/hub"
	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/metorial/telemetry-hub/internal/protocol"
	"github.com/metorial/telemetry-hub/internal/registry"
	"github.com/stretchr/testify/require"
)

const testKey = "secret"

// pipeConn is an in-memory Conn. The test plays the remote end through
// push and next.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteFrame(f []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- f:
		return nil
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) RemoteAddr() string { return "pipe" }

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipeConn) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.pushRaw(frame)
}

func (c *pipeConn) pushRaw(frame []byte) {
	c.in <- frame
}

// next returns the next frame the server wrote, skipping pings.
func (c *pipeConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.out:
			env, err := protocol.Decode(f)
			require.NoError(t, err)
			if env.Type == protocol.TypePing {
				continue
			}
			return env
		case <-timeout:
			t.Fatal("timed out waiting for frame")
			return protocol.Envelope{}
		}
	}
}

func (c *pipeConn) expect(t *testing.T, msgType string, v any) {
	t.Helper()
	env := c.next(t)
	require.Equal(t, msgType, env.Type, "payload: %s", string(env.Data))
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
}

// quiet asserts that nothing but pings arrives within d.
func (c *pipeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case f := <-c.out:
			env, err := protocol.Decode(f)
			require.NoError(t, err)
			if env.Type != protocol.TypePing {
				t.Fatalf("unexpected %s frame: %s", env.Type, string(env.Data))
			}
		case <-timeout:
			return
		}
	}
}

type fixture struct {
	m        *Manager
	registry *registry.Registry
	alerts   *alerts.Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.APIKeys == nil {
		opts.APIKeys = []string{testKey}
	}
	logger := logging.Discard()
	reg := registry.New()
	eng := alerts.NewEngine(alerts.DefaultRules())
	m := NewManager(Deps{
		Registry: reg,
		History:  history.New(history.DefaultMinInterval, history.DefaultCapacity),
		Alerts:   eng,
		Hub:      hub.New(logger),
		Logger:   logger,
	}, opts)
	t.Cleanup(m.Close)
	return &fixture{m: m, registry: reg, alerts: eng}
}

func metrics(hostID string, ts int64, cpu, mem float64) protocol.Metrics {
	return protocol.Metrics{MetricRecord: &models.MetricRecord{
		HostID:    hostID,
		Timestamp: ts,
		CPU:       &models.CPUStats{CurrentLoad: cpu},
		Memory:    &models.MemoryStats{UsedPercent: mem},
	}}
}
