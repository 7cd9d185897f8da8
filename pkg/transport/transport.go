// Package transport moves float64 buffers between ranks. A Transport is
// point to point and tag checked: every receive names the peer and the
// {step, layer, phase} tag it expects, and anything else is a
// communication error. Backends only provide a framed Conn per peer; the
// Endpoint in this package does the framing, pooling and checks for all of
// them.
package transport

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// Tag versions one message.
type Tag = wire.Tag

// Capabilities describes what a transport can do with device memory.
type Capabilities struct {
	Backend string
	// DeviceDirect means buffers may be handed to the transport without
	// staging them through host memory first.
	DeviceDirect bool
	// HostStaged is set on transports that copy through host buffers.
	HostStaged bool
}

// Transport is a point-to-point link between this rank and its peers.
type Transport interface {
	io.Closer
	Rank() int
	Size() int
	// Send transmits buf to peer. Zero-length buffers are a no-op.
	Send(ctx context.Context, peer int, tag Tag, buf []float64) error
	// Recv fills buf from peer. The frame must carry tag and exactly
	// len(buf) values. Zero-length buffers are a no-op.
	Recv(ctx context.Context, peer int, tag Tag, buf []float64) error
	// SendControl and RecvControl carry variable-size byte payloads. Unlike
	// data messages they are always transmitted, even when empty.
	SendControl(ctx context.Context, peer int, tag Tag, payload []byte) error
	RecvControl(ctx context.Context, peer int, tag Tag) ([]byte, error)
	Capabilities() Capabilities
}

// Conn is one framed, bidirectional link to a single peer. Send and Recv
// may be called concurrently with each other; the frame passed to Send may
// be reused by the caller as soon as Send returns.
type Conn interface {
	io.Closer
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// SendRecv posts a send of send and a receive into recv with the same peer
// and tag and waits for both. Either half is skipped when its buffer is
// empty, so a pair of empty lists issues no primitive at all.
func SendRecv(ctx context.Context, t Transport, peer int, tag Tag, send, recv []float64) error {
	if len(send) == 0 && len(recv) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if len(send) > 0 {
		g.Go(func() error { return t.Send(gctx, peer, tag, send) })
	}
	if len(recv) > 0 {
		g.Go(func() error { return t.Recv(gctx, peer, tag, recv) })
	}
	return g.Wait()
}

// ExchangeControl sends payload to peer and returns the peer's payload for
// the same tag.
func ExchangeControl(ctx context.Context, t Transport, peer int, tag Tag, payload []byte) ([]byte, error) {
	var reply []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.SendControl(gctx, peer, tag, payload) })
	g.Go(func() error {
		var err error
		reply, err = t.RecvControl(gctx, peer, tag)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reply, nil
}
