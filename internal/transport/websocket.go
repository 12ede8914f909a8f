// Package transport adapts WebSocket connections and gRPC streams to the
// framed connections used by the collector and the agent.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxFrameSize = 1 << 20
)

// WSConn carries one envelope per WebSocket text message.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	once         sync.Once
}

func NewWSConn(conn *websocket.Conn, maxFrameSize int64) *WSConn {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	conn.SetReadLimit(maxFrameSize)
	return &WSConn{conn: conn, writeTimeout: DefaultWriteTimeout}
}

func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) WriteFrame(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame and closes the socket. It is safe to call from
// any goroutine and more than once.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// KeepAlive arms the read deadline and pong handler, then sends WebSocket
// pings every interval from a background goroutine. A peer that sends no
// pong within timeout fails the next read. Call it before reading starts;
// pinging stops when done is closed or a ping cannot be written.
func (c *WSConn) KeepAlive(interval, timeout time.Duration, done <-chan struct{}) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	go c.pingLoop(interval, done)
}

func (c *WSConn) pingLoop(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
