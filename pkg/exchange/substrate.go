package exchange

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// TransportSubstrate is the default Registrar. All channels of an exchange
// are posted at once; unpacking happens after every channel has completed,
// in ascending peer order with the self channel last, so the order in
// which contributions are summed does not depend on message timing.
type TransportSubstrate struct {
	t       transport.Transport
	pool    *transport.BufferPool
	forward Hook
	reverse Hook
}

// NewTransportSubstrate creates the default substrate over t.
func NewTransportSubstrate(t transport.Transport, reg *metrics.Registry) *TransportSubstrate {
	return &TransportSubstrate{t: t, pool: transport.NewBufferPool(reg)}
}

func (s *TransportSubstrate) APIVersion() int            { return APIVersion }
func (s *TransportSubstrate) RegisterForwardHook(h Hook) { s.forward = h }
func (s *TransportSubstrate) RegisterReverseHook(h Hook) { s.reverse = h }

// direction selects which side of a channel is packed and which unpacked.
type direction struct {
	name   string
	packed func(*Channel) []int
	filled func(*Channel) []int
}

var (
	forwardDir = direction{"forward", func(c *Channel) []int { return c.Send }, func(c *Channel) []int { return c.Recv }}
	reverseDir = direction{"reverse", func(c *Channel) []int { return c.Recv }, func(c *Channel) []int { return c.Send }}
)

func (s *TransportSubstrate) ForwardComm(ctx context.Context, tag wire.Tag, plan *Plan, width int) error {
	return s.comm(ctx, tag, plan, width, s.forward, forwardDir)
}

func (s *TransportSubstrate) ReverseComm(ctx context.Context, tag wire.Tag, plan *Plan, width int) error {
	return s.comm(ctx, tag, plan, width, s.reverse, reverseDir)
}

func (s *TransportSubstrate) comm(ctx context.Context, tag wire.Tag, plan *Plan, width int, h Hook, dir direction) error {
	if h == nil {
		return fault.New(fault.KindConfiguration, dir.name+" exchange").Rank(s.t.Rank()).Step(tag.Step).Layer(tag.Layer).
			Causef("no %s hook registered", dir.name).Err()
	}

	recv := make([][]float64, len(plan.Channels))
	g, gctx := errgroup.WithContext(ctx)
	for ci := range plan.Channels {
		ch := &plan.Channels[ci]
		send := h.Pack(ch.Peer, dir.packed(ch), s.pool.Floats(ch.Peer, transport.DirSend, len(dir.packed(ch))*width))
		recv[ci] = s.pool.Floats(ch.Peer, transport.DirRecv, len(dir.filled(ch))*width)
		if ch.Empty() {
			continue
		}
		g.Go(func() error {
			return transport.SendRecv(gctx, s.t, ch.Peer, tag, send, recv[ci])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for ci := range plan.Channels {
		ch := &plan.Channels[ci]
		if err := h.Unpack(ch.Peer, dir.filled(ch), recv[ci]); err != nil {
			return fault.WithLayer(fault.Annotate(err, s.t.Rank(), tag.Step), tag.Layer)
		}
	}

	self := &plan.Self
	if len(self.Send) > 0 {
		buf := h.Pack(self.Peer, dir.packed(self), s.pool.Floats(self.Peer, transport.DirSend, len(self.Send)*width))
		if err := h.Unpack(self.Peer, dir.filled(self), buf); err != nil {
			return fault.WithLayer(fault.Annotate(err, s.t.Rank(), tag.Step), tag.Layer)
		}
	}
	return nil
}

var _ Registrar = (*TransportSubstrate)(nil)
