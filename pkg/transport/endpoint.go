package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// ErrNoConn is returned for a peer this endpoint has no link to.
var ErrNoConn = errors.New("no connection to peer")

// ErrClosed is returned by operations on a closed endpoint or conn.
var ErrClosed = errors.New("transport closed")

// Endpoint implements Transport over one Conn per peer.
type Endpoint struct {
	rank, size int
	conns      map[int]Conn
	caps       Capabilities
	pool       *BufferPool
	metrics    *metrics.Registry

	closeOnce sync.Once
	closeErr  error
	onClose   func() error
}

// NewEndpoint assembles an endpoint from per-peer conns. The endpoint owns
// the conns and closes them on Close.
func NewEndpoint(rank, size int, conns map[int]Conn, caps Capabilities, reg *metrics.Registry) *Endpoint {
	return &Endpoint{
		rank:    rank,
		size:    size,
		conns:   conns,
		caps:    caps,
		pool:    NewBufferPool(reg),
		metrics: reg,
	}
}

func (e *Endpoint) Rank() int                  { return e.rank }
func (e *Endpoint) Size() int                  { return e.size }
func (e *Endpoint) Capabilities() Capabilities { return e.caps }

// Peers lists the ranks this endpoint has a conn to, ascending.
func (e *Endpoint) Peers() []int {
	peers := make([]int, 0, len(e.conns))
	for p := range e.conns {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	return peers
}

func (e *Endpoint) conn(peer int) (Conn, error) {
	c, ok := e.conns[peer]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoConn, peer)
	}
	return c, nil
}

func (e *Endpoint) fail(op string, peer int, tag Tag, err error) error {
	return fault.New(fault.KindCommunication, op).
		Rank(e.rank).Step(tag.Step).Layer(tag.Layer).Peer(peer).
		Cause(fmt.Errorf("%s: %w", tag.Phase, err)).Err()
}

func (e *Endpoint) Send(ctx context.Context, peer int, tag Tag, buf []float64) error {
	if len(buf) == 0 {
		return nil
	}
	c, err := e.conn(peer)
	if err != nil {
		return e.fail("send", peer, tag, err)
	}
	frame := wire.AppendData(e.pool.Bytes(peer, DirSend, wire.DataFrameSize(len(buf)))[:0], tag, buf)
	if err := c.Send(ctx, frame); err != nil {
		return e.fail("send", peer, tag, err)
	}
	e.metrics.RecordSent(tag.Phase.String(), 8*len(buf))
	return nil
}

func (e *Endpoint) Recv(ctx context.Context, peer int, tag Tag, buf []float64) error {
	if len(buf) == 0 {
		return nil
	}
	c, err := e.conn(peer)
	if err != nil {
		return e.fail("recv", peer, tag, err)
	}
	frame, err := c.Recv(ctx)
	if err != nil {
		return e.fail("recv", peer, tag, err)
	}
	if err := wire.DecodeData(frame, tag, buf); err != nil {
		return e.fail("recv", peer, tag, err)
	}
	e.metrics.RecordReceived(tag.Phase.String(), 8*len(buf))
	return nil
}

func (e *Endpoint) SendControl(ctx context.Context, peer int, tag Tag, payload []byte) error {
	c, err := e.conn(peer)
	if err != nil {
		return e.fail("send", peer, tag, err)
	}
	frame := wire.AppendControl(e.pool.Bytes(peer, DirSend, wire.HeaderSize+len(payload))[:0], tag, payload)
	if err := c.Send(ctx, frame); err != nil {
		return e.fail("send", peer, tag, err)
	}
	e.metrics.RecordSent(tag.Phase.String(), len(payload))
	return nil
}

func (e *Endpoint) RecvControl(ctx context.Context, peer int, tag Tag) ([]byte, error) {
	c, err := e.conn(peer)
	if err != nil {
		return nil, e.fail("recv", peer, tag, err)
	}
	frame, err := c.Recv(ctx)
	if err != nil {
		return nil, e.fail("recv", peer, tag, err)
	}
	payload, err := wire.DecodeControl(frame, tag)
	if err != nil {
		return nil, e.fail("recv", peer, tag, err)
	}
	e.metrics.RecordReceived(tag.Phase.String(), len(payload))
	return payload, nil
}

// Close closes every conn. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		for _, p := range e.Peers() {
			if err := e.conns[p].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close conn to %d: %w", p, err))
			}
		}
		if e.onClose != nil {
			if err := e.onClose(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

var _ Transport = (*Endpoint)(nil)
