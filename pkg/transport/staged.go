package transport

import (
	"context"

	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// Staged wraps a transport that cannot take device buffers. Every outgoing
// buffer is copied into a host staging buffer before it is sent, and every
// incoming buffer is received into a staging buffer and then copied out.
type Staged struct {
	inner   Transport
	pool    *BufferPool
	metrics *metrics.Registry
}

// NewStaged wraps inner with host staging.
func NewStaged(inner Transport, reg *metrics.Registry) *Staged {
	return &Staged{inner: inner, pool: NewBufferPool(reg), metrics: reg}
}

func (s *Staged) Rank() int { return s.inner.Rank() }
func (s *Staged) Size() int { return s.inner.Size() }

func (s *Staged) Capabilities() Capabilities {
	c := s.inner.Capabilities()
	c.DeviceDirect = false
	c.HostStaged = true
	return c
}

func (s *Staged) Send(ctx context.Context, peer int, tag Tag, buf []float64) error {
	if len(buf) == 0 {
		return nil
	}
	stage := s.pool.Floats(peer, DirSend, len(buf))
	copy(stage, buf)
	s.metrics.RecordStaged(8 * len(buf))
	return s.inner.Send(ctx, peer, tag, stage)
}

func (s *Staged) Recv(ctx context.Context, peer int, tag Tag, buf []float64) error {
	if len(buf) == 0 {
		return nil
	}
	stage := s.pool.Floats(peer, DirRecv, len(buf))
	if err := s.inner.Recv(ctx, peer, tag, stage); err != nil {
		return err
	}
	copy(buf, stage)
	s.metrics.RecordStaged(8 * len(buf))
	return nil
}

func (s *Staged) SendControl(ctx context.Context, peer int, tag Tag, payload []byte) error {
	return s.inner.SendControl(ctx, peer, tag, payload)
}

func (s *Staged) RecvControl(ctx context.Context, peer int, tag Tag) ([]byte, error) {
	return s.inner.RecvControl(ctx, peer, tag)
}

func (s *Staged) Close() error { return s.inner.Close() }

var _ Transport = (*Staged)(nil)
