package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	apierrors "github.com/metorial/telemetry-hub/internal/errors"
	"github.com/metorial/telemetry-hub/internal/protocol"
)

type consumerSession struct {
	id     string
	conn   Conn
	out    chan [][]byte
	done   chan struct{}
	once   sync.Once
	state  atomic.Int32
	logger *slog.Logger
}

func (c *consumerSession) ID() string { return c.id }

func (c *consumerSession) Deliver(frames [][]byte) bool {
	return enqueue(c.out, c.done, frames)
}

func (c *consumerSession) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug("session state", "state", s.String())
}

func (c *consumerSession) State() State {
	return State(c.state.Load())
}

func (c *consumerSession) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *consumerSession) reply(msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode reply", "type", msg.MessageType(), "error", err)
		return
	}
	if !c.Deliver([][]byte{frame}) {
		c.logger.Debug("reply dropped", "type", msg.MessageType())
	}
}

func (c *consumerSession) replyError(code apierrors.ErrorCode, request, message string) {
	c.reply(protocol.Error{Code: string(code), Message: message, Request: request})
}

// ServeConsumer runs one dashboard connection. The first frame the
// dashboard receives is initial_data, followed by every broadcast event.
func (m *Manager) ServeConsumer(ctx context.Context, conn Conn) error {
	c := &consumerSession{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan [][]byte, m.opts.SendBuffer),
		done: make(chan struct{}),
	}
	c.logger = m.logger.With("role", "dashboard", "sessionId", c.id, "remote", conn.RemoteAddr())
	c.setState(StateConnecting)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeLoop(conn, c.out, c.done, func(err error) {
			c.logger.Info("write to dashboard failed", "error", err)
			c.close()
		})
	}()

	if err := m.hub.Attach(c, m.snapshotFrame); err != nil {
		c.close()
		wg.Wait()
		c.setState(StateClosed)
		return fmt.Errorf("attach dashboard: %w", err)
	}
	c.setState(StateActive)
	c.logger.Info("dashboard connected")

	frames, errc := startReader(conn, c.done, c.logger)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-c.done:
			break loop
		case err := <-errc:
			c.logger.Info("dashboard disconnected", "reason", err)
			break loop
		case frame := <-frames:
			m.handleConsumerFrame(c, frame)
		}
	}

	c.setState(StateClosing)
	m.hub.Detach(c)
	c.close()
	wg.Wait()
	c.setState(StateClosed)
	return nil
}

func (m *Manager) handleConsumerFrame(c *consumerSession, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling dashboard message", "panic", r)
		}
	}()

	if st := c.State(); st != StateActive {
		c.logger.Debug("ignoring message outside active state", "state", st.String())
		return
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Warn("undecodable dashboard frame", "error", err)
		c.replyError(apierrors.ErrCodeInvalidRequest, "", err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeGetHistory:
		var req protocol.GetHistory
		if err := env.DecodeData(&req); err != nil || req.HostID == "" {
			c.replyError(apierrors.ErrCodeInvalidRequest, env.Type, "hostId is required")
			return
		}
		c.reply(protocol.HistoryData{HostID: req.HostID, Points: m.History(req.HostID, req.SinceTimestamp)})

	case protocol.TypeAcknowledgeAlert:
		var req protocol.AcknowledgeAlert
		if err := env.DecodeData(&req); err != nil || req.AlertID == "" {
			c.replyError(apierrors.ErrCodeInvalidRequest, env.Type, "alertId is required")
			return
		}
		if _, err := m.AcknowledgeAlert(req.AlertID); err != nil {
			c.logger.Info("acknowledge failed", "alertId", req.AlertID, "error", err)
			c.replyError(apierrors.ErrCodeNotFound, env.Type, "alert not found: "+req.AlertID)
		}

	case protocol.TypeCommand:
		var req protocol.CommandRequest
		if err := env.DecodeData(&req); err != nil || req.HostID == "" || len(req.Command) == 0 {
			c.replyError(apierrors.ErrCodeInvalidRequest, env.Type, "hostId and command are required")
			return
		}
		delivered := m.RouteCommand(req.HostID, req.Command)
		if !delivered {
			c.logger.Info("command not delivered", "hostId", req.HostID)
		}
		c.reply(protocol.CommandStatus{HostID: req.HostID, Delivered: delivered})

	default:
		c.logger.Debug("ignoring dashboard message", "type", env.Type)
	}
}
