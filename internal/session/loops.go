package session

import (
	"fmt"
	"log/slog"
)

// startReader pumps frames from conn until it fails or done is closed. The
// goroutine is not waited on: some transports only unblock ReadFrame once
// their handler has returned.
func startReader(conn Conn, done <-chan struct{}, logger *slog.Logger) (<-chan []byte, <-chan error) {
	frames := make(chan []byte)
	errc := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in reader", "panic", r)
				errc <- fmt.Errorf("reader panic: %v", r)
			}
		}()
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- frame:
			case <-done:
				return
			}
		}
	}()

	return frames, errc
}

// writeLoop writes queued batches in order until done is closed or a write
// fails.
func writeLoop(conn Conn, out <-chan [][]byte, done <-chan struct{}, fail func(error)) {
	for {
		select {
		case batch := <-out:
			for _, frame := range batch {
				if err := conn.WriteFrame(frame); err != nil {
					fail(err)
					return
				}
			}
		case <-done:
			return
		}
	}
}

func enqueue(out chan<- [][]byte, done <-chan struct{}, frames [][]byte) bool {
	select {
	case <-done:
		return false
	default:
	}
	select {
	case out <- frames:
		return true
	default:
		return false
	}
}
