// Package hub fans encoded events out to every attached dashboard.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/metorial/telemetry-hub/internal/protocol"
)

var ErrConsumerFull = errors.New("consumer buffer full")

// Consumer receives batches of encoded frames. Deliver must not block; it
// reports false when the batch could not be queued.
type Consumer interface {
	ID() string
	Deliver(frames [][]byte) bool
}

// pendingLimit bounds how many batches queue for a consumer while its
// snapshot is being built.
const pendingLimit = 256

type Hub struct {
	mu        sync.Mutex
	consumers map[string]*entry
	dropped   atomic.Uint64
	logger    *slog.Logger
}

// entry wraps a consumer. While pending, published batches queue here and
// are flushed right after the snapshot.
type entry struct {
	c Consumer

	mu      sync.Mutex
	pending bool
	queue   [][][]byte
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		consumers: make(map[string]*entry),
		logger:    logger,
	}
}

// Attach registers c as pending, builds the snapshot without holding the
// consumer list lock, then delivers the snapshot followed by whatever was
// published in the meantime. Every event published after Attach starts
// reaches c after the snapshot.
func (h *Hub) Attach(c Consumer, snapshot func() ([]byte, error)) error {
	e := &entry{c: c, pending: true}
	h.mu.Lock()
	h.consumers[c.ID()] = e
	h.mu.Unlock()

	frame, err := snapshot()
	if err != nil {
		h.remove(e)
		return fmt.Errorf("build snapshot: %w", err)
	}

	e.mu.Lock()
	if !c.Deliver([][]byte{frame}) {
		e.mu.Unlock()
		h.remove(e)
		return ErrConsumerFull
	}
	for _, frames := range e.queue {
		if !c.Deliver(frames) {
			h.drop(c.ID(), len(frames))
		}
	}
	e.queue = nil
	e.pending = false
	e.mu.Unlock()

	h.mu.Lock()
	connectedConsumers.Set(float64(len(h.consumers)))
	h.mu.Unlock()
	return nil
}

func (h *Hub) Detach(c Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.consumers[c.ID()]; ok && cur.c == c {
		delete(h.consumers, c.ID())
		connectedConsumers.Set(float64(len(h.consumers)))
	}
}

func (h *Hub) remove(e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.consumers[e.c.ID()]; ok && cur == e {
		delete(h.consumers, e.c.ID())
	}
}

// Publish encodes events once and hands the whole batch to every consumer.
// A consumer whose buffer is full misses the batch. It returns the number of
// consumers the batch was queued for.
func (h *Hub) Publish(events ...protocol.Message) int {
	if len(events) == 0 {
		return 0
	}

	frames := make([][]byte, 0, len(events))
	for _, ev := range events {
		frame, err := protocol.Encode(ev)
		if err != nil {
			h.logger.Error("encode event", "type", ev.MessageType(), "error", err)
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return 0
	}

	h.mu.Lock()
	targets := make([]*entry, 0, len(h.consumers))
	for _, e := range h.consumers {
		targets = append(targets, e)
	}
	h.mu.Unlock()

	delivered := 0
	for _, e := range targets {
		if e.deliver(frames) {
			delivered++
			continue
		}
		h.drop(e.c.ID(), len(frames))
	}
	return delivered
}

func (e *entry) deliver(frames [][]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending {
		if len(e.queue) >= pendingLimit {
			return false
		}
		e.queue = append(e.queue, frames)
		return true
	}
	return e.c.Deliver(frames)
}

func (h *Hub) drop(id string, n int) {
	h.dropped.Add(1)
	droppedBatches.Inc()
	h.logger.Debug("dropped broadcast batch", "consumer", id, "frames", n)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.consumers)
}

// Dropped is the number of batches skipped because a consumer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
