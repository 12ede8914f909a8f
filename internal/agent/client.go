package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metorial/telemetry-hub/internal/protocol"
)

const (
	DefaultInterval = 5 * time.Second
	MinInterval     = time.Second

	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// ErrRestartRequested ends a session when the collector sends
// restart_agent. Run reconnects after it.
var ErrRestartRequested = errors.New("restart requested by collector")

type Config struct {
	Identity Identity
	Interval time.Duration
	// MaxRetryDelay caps the reconnect backoff.
	MaxRetryDelay time.Duration
}

type Client struct {
	cfg    Config
	source Source
	dial   Dialer
	logger *slog.Logger

	lastTimestamp int64
}

func NewClient(cfg Config, source Source, dial Dialer, logger *slog.Logger) *Client {
	if cfg.Interval < MinInterval {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = maxRetryDelay
	}
	return &Client{
		cfg:    cfg,
		source: source,
		dial:   dial,
		logger: logger.With("hostId", cfg.Identity.HostID),
	}
}

// Run keeps a session open against the address produced by addrs until ctx
// is done. A new address from addrs replaces the current one for the next
// connection attempt.
func (c *Client) Run(ctx context.Context, addrs <-chan string) error {
	var addr string
	select {
	case <-ctx.Done():
		return nil
	case next, ok := <-addrs:
		if !ok {
			return nil
		}
		addr = next
	}

	delay := defaultRetryDelay
	for {
		started := time.Now()
		err := c.connectOnce(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) > c.cfg.MaxRetryDelay {
			delay = defaultRetryDelay
		}
		c.logger.Warn("collector session ended, reconnecting", "addr", addr, "error", err, "retryIn", delay.String())

		timer := time.NewTimer(delay)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case next, ok := <-addrs:
				if !ok {
					addrs = nil
					continue
				}
				if next != addr {
					c.logger.Info("collector address changed", "from", addr, "to", next)
					addr = next
				}
			case <-timer.C:
				break wait
			}
		}

		delay *= 2
		if delay > c.cfg.MaxRetryDelay {
			delay = c.cfg.MaxRetryDelay
		}
	}
}

// StaticAddress feeds Run a single fixed address.
func StaticAddress(addr string) <-chan string {
	ch := make(chan string, 1)
	ch <- addr
	return ch
}

func (c *Client) connectOnce(ctx context.Context, addr string) error {
	c.logger.Info("connecting to collector", "addr", addr)

	conn, err := c.dial(ctx, addr, c.cfg.Identity)
	if err != nil {
		return fmt.Errorf("dial collector: %w", err)
	}
	defer conn.Close()

	c.logger.Info("connected, streaming metrics", "addr", addr, "interval", c.cfg.Interval.String())
	return c.Session(ctx, conn)
}

// Session streams records over conn until ctx is done, the connection fails
// or the collector asks for a restart. All writes happen on the calling
// goroutine.
func (c *Client) Session(ctx context.Context, conn Conn) error {
	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(conn, frames, readErr, done)

	if err := c.sendSample(ctx, conn); err != nil {
		return err
	}

	interval := c.cfg.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read from collector: %w", err)
		case <-ticker.C:
			if err := c.sendSample(ctx, conn); err != nil {
				return err
			}
		case frame := <-frames:
			next, err := c.handleFrame(ctx, conn, frame, interval)
			if err != nil {
				return err
			}
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// readFrames pumps frames from conn until a read fails or done is closed.
func readFrames(conn Conn, frames chan<- []byte, readErr chan<- error, done <-chan struct{}) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- frame:
		case <-done:
			return
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, conn Conn, frame []byte, interval time.Duration) (time.Duration, error) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Warn("undecodable collector frame", "error", err)
		return interval, nil
	}

	switch env.Type {
	case protocol.TypePing:
		var ping protocol.Ping
		_ = env.DecodeData(&ping)
		return interval, c.write(conn, protocol.Pong{Time: ping.Time})

	case protocol.TypeCommand:
		var cmd protocol.AgentCommand
		if err := env.DecodeData(&cmd); err != nil {
			c.logger.Warn("invalid command", "error", err)
			return interval, nil
		}
		return c.handleCommand(ctx, conn, cmd, interval)

	default:
		c.logger.Debug("ignoring collector message", "type", env.Type)
		return interval, nil
	}
}

func (c *Client) handleCommand(ctx context.Context, conn Conn, cmd protocol.AgentCommand, interval time.Duration) (time.Duration, error) {
	c.logger.Info("command received", "type", cmd.Type)

	switch cmd.Type {
	case protocol.CommandCollectNow:
		return interval, c.sendSample(ctx, conn)

	case protocol.CommandUpdateConfig:
		next := time.Duration(cmd.IntervalMs) * time.Millisecond
		if next < MinInterval {
			c.logger.Warn("ignoring interval below minimum", "intervalMs", cmd.IntervalMs)
			return interval, nil
		}
		c.logger.Info("report interval updated", "interval", next.String())
		c.cfg.Interval = next
		return next, nil

	case protocol.CommandRestartAgent:
		return interval, ErrRestartRequested

	default:
		c.logger.Warn("unknown command", "type", cmd.Type)
		return interval, nil
	}
}

func (c *Client) sendSample(ctx context.Context, conn Conn) error {
	rec, err := c.source.Sample(ctx)
	if err != nil {
		// A failed sample skips one report; it does not end the session.
		c.logger.Warn("sample failed", "error", err)
		return nil
	}

	rec.HostID = c.cfg.Identity.HostID
	// The collector drops records that are not newer than the last one.
	if rec.Timestamp <= c.lastTimestamp {
		rec.Timestamp = c.lastTimestamp + 1
	}
	c.lastTimestamp = rec.Timestamp

	return c.write(conn, protocol.Metrics{MetricRecord: rec})
}

func (c *Client) write(conn Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("write %s: %w", msg.MessageType(), err)
	}
	return nil
}
