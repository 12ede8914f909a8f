package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/metorial/telemetry-hub/internal/protocol"
	"github.com/metorial/telemetry-hub/internal/registry"
)

var ErrLivenessTimeout = errors.New("agent missed liveness probes")

type producerSession struct {
	id     string
	hostID string
	group  string
	conn   Conn
	out    chan [][]byte
	done   chan struct{}
	once   sync.Once
	state  atomic.Int32
	logger *slog.Logger
}

func (p *producerSession) setState(s State) {
	p.state.Store(int32(s))
	p.logger.Debug("session state", "state", s.String())
}

func (p *producerSession) State() State {
	return State(p.state.Load())
}

func (p *producerSession) send(frame []byte) bool {
	return enqueue(p.out, p.done, [][]byte{frame})
}

func (p *producerSession) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// ServeProducer runs one agent connection until it ends. It returns
// ErrAuthenticationFailed or ErrMissingHostID when the agent is refused,
// in which case the registry is not touched, and ErrLivenessTimeout when
// the agent went silent. A normal disconnect returns nil.
func (m *Manager) ServeProducer(ctx context.Context, conn Conn, hello ProducerHello) error {
	p := &producerSession{
		id:     uuid.NewString(),
		hostID: hello.HostID,
		group:  hello.Group,
		conn:   conn,
		out:    make(chan [][]byte, m.opts.SendBuffer),
		done:   make(chan struct{}),
	}
	p.logger = m.logger.With("role", "agent", "hostId", hello.HostID, "sessionId", p.id, "remote", conn.RemoteAddr())
	p.setState(StateConnecting)

	p.setState(StateAuthenticating)
	if err := m.Authenticate(hello.Credential); err != nil {
		authFailures.Inc()
		p.logger.Warn("agent refused", "error", err)
		p.close()
		p.setState(StateClosed)
		return err
	}
	if hello.HostID == "" {
		p.logger.Warn("agent refused", "error", ErrMissingHostID)
		p.close()
		p.setState(StateClosed)
		return ErrMissingHostID
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeLoop(conn, p.out, p.done, func(err error) {
			p.logger.Info("write to agent failed", "error", err)
			p.close()
		})
	}()

	m.activate(p)
	p.logger.Info("agent connected", "group", hello.Group)

	frames, errc := startReader(conn, p.done, p.logger)
	err := m.runProducer(ctx, p, frames, errc)

	p.setState(StateClosing)
	p.close()
	wg.Wait()
	m.deactivate(p)
	p.setState(StateClosed)

	return err
}

func (m *Manager) runProducer(ctx context.Context, p *producerSession, frames <-chan []byte, errc <-chan error) error {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	deadline := m.opts.ProbeInterval * time.Duration(m.opts.LivenessMultiplier)
	lastSeen := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case err := <-errc:
			p.logger.Info("agent disconnected", "reason", err)
			return nil
		case frame := <-frames:
			lastSeen = time.Now()
			m.handleProducerFrame(p, frame)
		case now := <-ticker.C:
			if now.Sub(lastSeen) >= deadline {
				livenessTimeouts.Inc()
				p.logger.Warn("agent missed liveness probes", "silentFor", now.Sub(lastSeen).String())
				return ErrLivenessTimeout
			}
			frame, err := protocol.Encode(protocol.Ping{Time: now.UnixMilli()})
			if err == nil && !p.send(frame) {
				p.logger.Debug("ping dropped, send buffer full")
			}
		}
	}
}

// activate makes p the current session for its host. An older session for
// the same host is closed once p owns the host.
func (m *Manager) activate(p *producerSession) {
	unlock := m.locks.lock(p.hostID)

	m.mu.Lock()
	prev := m.producers[p.hostID]
	m.producers[p.hostID] = p
	agentsConnected.Set(float64(len(m.producers)))
	m.mu.Unlock()

	entry := m.registry.Upsert(p.hostID, p.group, p.conn.RemoteAddr())
	p.setState(StateActive)

	summary := entry.Summary()
	m.hub.Publish(protocol.HostStatusChanged{
		HostID: p.hostID,
		Status: models.HostConnected,
		Host:   &summary,
	})
	m.journal.HostStatus(p.hostID, models.HostConnected)
	unlock()

	if prev != nil {
		prev.logger.Info("agent session superseded", "newSessionId", p.id)
		prev.close()
	}
}

// deactivate marks the host disconnected, unless a newer session already
// owns it.
func (m *Manager) deactivate(p *producerSession) {
	unlock := m.locks.lock(p.hostID)
	defer unlock()

	m.mu.Lock()
	current := m.producers[p.hostID] == p
	if current {
		delete(m.producers, p.hostID)
	}
	agentsConnected.Set(float64(len(m.producers)))
	m.mu.Unlock()

	if !current {
		p.logger.Debug("superseded session closed")
		return
	}

	entry, ok := m.registry.MarkDisconnected(p.hostID)
	if !ok {
		return
	}
	summary := entry.Summary()
	m.hub.Publish(protocol.HostStatusChanged{
		HostID: p.hostID,
		Status: models.HostDisconnected,
		Host:   &summary,
	})
	m.journal.HostStatus(p.hostID, models.HostDisconnected)
	p.logger.Info("agent marked disconnected")
}

func (m *Manager) handleProducerFrame(p *producerSession, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic handling agent message", "panic", r)
		}
	}()

	if st := p.State(); st != StateActive {
		p.logger.Debug("ignoring message outside active state", "state", st.String())
		return
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		p.logger.Warn("undecodable agent frame", "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeMetrics:
		var rec models.MetricRecord
		if err := env.DecodeData(&rec); err != nil {
			recordsTotal.WithLabelValues("malformed").Inc()
			p.logger.Warn("malformed metrics record", "error", err)
			return
		}
		if rec.HostID != "" && rec.HostID != p.hostID {
			p.logger.Debug("record host id differs from session, using session", "recordHostId", rec.HostID)
		}
		if _, err := m.Ingest(p.hostID, &rec); err != nil {
			if errors.Is(err, registry.ErrStaleRecord) {
				p.logger.Debug("stale record dropped", "timestamp", rec.Timestamp)
				return
			}
			p.logger.Warn("metrics record rejected", "error", err)
		}
	case protocol.TypePong:
		unlock := m.locks.lock(p.hostID)
		m.registry.Touch(p.hostID)
		unlock()
	default:
		p.logger.Debug("ignoring agent message", "type", env.Type)
	}
}
