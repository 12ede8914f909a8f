package session

import (
	"sync"
)

// Conn is one framed, bidirectional connection. Each call to ReadFrame
// returns one complete JSON envelope. ReadFrame and WriteFrame are each
// called from a single goroutine; Close may be called from any goroutine
// and must unblock a pending ReadFrame.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
	RemoteAddr() string
}

// ProducerHello is what a transport learned about an agent before handing
// the connection over.
type ProducerHello struct {
	HostID     string
	Group      string
	Credential string
}

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// hostLocks hands out one mutex per host id. Entries are kept for the life
// of the process, like registry entries.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newHostLocks() *hostLocks {
	return &hostLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *hostLocks) lock(hostID string) func() {
	l.mu.Lock()
	m, ok := l.locks[hostID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[hostID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
