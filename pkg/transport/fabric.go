package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// Fabric is an in-process interconnect of size endpoints. Every ordered
// pair of ranks gets its own queue, so frames between two ranks arrive in
// the order they were sent. It stands in for a real interconnect when all
// ranks run as goroutines of one process.
type Fabric struct {
	size         int
	depth        int
	deviceDirect bool
	queues       [][]chan []byte // queues[src][dst]
	closed       []chan struct{}
	closeOnce    []sync.Once
}

// FabricOption configures a Fabric.
type FabricOption func(*Fabric)

// WithDeviceDirect sets the capability every fabric endpoint advertises.
func WithDeviceDirect(ok bool) FabricOption {
	return func(f *Fabric) { f.deviceDirect = ok }
}

// NewFabric creates a fabric for size ranks.
func NewFabric(size int, opts ...FabricOption) *Fabric {
	f := &Fabric{size: size, depth: 16}
	for _, opt := range opts {
		opt(f)
	}
	f.queues = make([][]chan []byte, size)
	for i := range f.queues {
		f.queues[i] = make([]chan []byte, size)
		for j := range f.queues[i] {
			if i != j {
				f.queues[i][j] = make(chan []byte, f.depth)
			}
		}
	}
	f.closed = make([]chan struct{}, size)
	for i := range f.closed {
		f.closed[i] = make(chan struct{})
	}
	f.closeOnce = make([]sync.Once, size)
	return f
}

// Size is the number of ranks on the fabric.
func (f *Fabric) Size() int { return f.size }

// Endpoint returns the transport of rank. Each rank should take its
// endpoint once.
func (f *Fabric) Endpoint(rank int, reg *metrics.Registry) *Endpoint {
	if rank < 0 || rank >= f.size {
		panic(fmt.Sprintf("fabric: rank %d out of range [0, %d)", rank, f.size))
	}
	conns := make(map[int]Conn, f.size-1)
	for peer := 0; peer < f.size; peer++ {
		if peer == rank {
			continue
		}
		conns[peer] = &fabricConn{
			send:       f.queues[rank][peer],
			recv:       f.queues[peer][rank],
			closed:     f.closed[rank],
			peerClosed: f.closed[peer],
		}
	}
	ep := NewEndpoint(rank, f.size, conns, Capabilities{Backend: "fabric", DeviceDirect: f.deviceDirect}, reg)
	ep.onClose = func() error {
		f.closeOnce[rank].Do(func() { close(f.closed[rank]) })
		return nil
	}
	return ep
}

type fabricConn struct {
	send       chan<- []byte
	recv       <-chan []byte
	closed     <-chan struct{}
	peerClosed <-chan struct{}
}

func (c *fabricConn) Send(ctx context.Context, frame []byte) error {
	b := make([]byte, len(frame))
	copy(b, frame)
	select {
	case c.send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case <-c.peerClosed:
		return fmt.Errorf("peer endpoint: %w", ErrClosed)
	}
}

func (c *fabricConn) Recv(ctx context.Context) ([]byte, error) {
	// frames already queued win over a concurrent peer close
	select {
	case b := <-c.recv:
		return b, nil
	default:
	}
	select {
	case b := <-c.recv:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case <-c.peerClosed:
		select {
		case b := <-c.recv:
			return b, nil
		default:
		}
		return nil, fmt.Errorf("peer endpoint: %w", ErrClosed)
	}
}

// Close is a no-op; the endpoint closes the rank's shared close signal.
func (c *fabricConn) Close() error { return nil }
