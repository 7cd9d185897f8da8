package transport

import (
	"fmt"
	"sync"
)

// peerLink records whether the connection to one peer came up and was
// later lost. A lost peer never comes back for the rest of the run.
type peerLink struct {
	mu       sync.Mutex
	attached bool
	id       uint32
	lost     chan struct{}
	once     sync.Once
}

func newPeerLink() *peerLink {
	return &peerLink{lost: make(chan struct{})}
}

// attach records the first connection; later ones are ignored.
func (l *peerLink) attach(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.attached {
		l.attached, l.id = true, id
	}
}

// detach marks the peer lost when id is the attached connection.
func (l *peerLink) detach(id uint32) {
	l.mu.Lock()
	match := l.attached && l.id == id
	l.mu.Unlock()
	if match {
		l.lose()
	}
}

func (l *peerLink) lose() {
	l.once.Do(func() { close(l.lost) })
}

// err is non-nil once the peer is lost.
func (l *peerLink) err() error {
	select {
	case <-l.lost:
		return fmt.Errorf("peer endpoint: %w", ErrClosed)
	default:
		return nil
	}
}
