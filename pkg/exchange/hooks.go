package exchange

import (
	"context"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// APIVersion is the version of the hook registration interface. A
// substrate built against another version is refused.
const APIVersion = 1

// Hook packs rows for one channel into a flat buffer and unpacks a
// received buffer back into rows. buf holds len(indices) rows of the row
// width, in indices order.
type Hook interface {
	Pack(peer int, indices []int, buf []float64) []float64
	Unpack(peer int, indices []int, buf []float64) error
}

// Registrar is the communication substrate. Hooks are registered before
// each exchange; the substrate then drives pack, transmit and unpack over
// a plan. The built-in substrate is TransportSubstrate; a host can supply
// its own, e.g. to reuse its communicator.
type Registrar interface {
	APIVersion() int
	RegisterForwardHook(h Hook)
	RegisterReverseHook(h Hook)
	// ForwardComm sends Send rows to each peer and fills Recv slots with
	// what it sends back.
	ForwardComm(ctx context.Context, tag wire.Tag, plan *Plan, width int) error
	// ReverseComm sends Recv (ghost) rows back to their owners, which fold
	// them into their Send rows.
	ReverseComm(ctx context.Context, tag wire.Tag, plan *Plan, width int) error
}

func checkLen(op string, peer, width int, indices []int, buf []float64) error {
	if len(buf) != len(indices)*width {
		return fault.New(fault.KindCommunication, op).Peer(peer).
			Causef("buffer holds %d values, %d rows of width %d expected", len(buf), len(indices), width).Err()
	}
	return nil
}

type forwardHook struct{ rows Rows }

// ForwardHook packs rows and unpacks by overwriting: after a forward
// exchange a ghost row is a bit-exact copy of its owner's row.
func ForwardHook(rows Rows) Hook { return forwardHook{rows} }

func (h forwardHook) Pack(peer int, indices []int, buf []float64) []float64 {
	w := h.rows.Width()
	for n, i := range indices {
		copy(buf[n*w:(n+1)*w], h.rows.Row(i))
	}
	return buf[:len(indices)*w]
}

func (h forwardHook) Unpack(peer int, indices []int, buf []float64) error {
	w := h.rows.Width()
	if err := checkLen("unpack forward", peer, w, indices, buf); err != nil {
		return err
	}
	for n, i := range indices {
		copy(h.rows.Row(i), buf[n*w:(n+1)*w])
	}
	return nil
}

type reverseHook struct{ rows Rows }

// ReverseHook packs ghost rows and zeroes them, so a contribution leaves
// the rank exactly once, and unpacks by adding into the owner's rows.
func ReverseHook(rows Rows) Hook { return reverseHook{rows} }

func (h reverseHook) Pack(peer int, indices []int, buf []float64) []float64 {
	w := h.rows.Width()
	for n, i := range indices {
		row := h.rows.Row(i)
		copy(buf[n*w:(n+1)*w], row)
		clear(row)
	}
	return buf[:len(indices)*w]
}

func (h reverseHook) Unpack(peer int, indices []int, buf []float64) error {
	w := h.rows.Width()
	if err := checkLen("unpack reverse", peer, w, indices, buf); err != nil {
		return err
	}
	for n, i := range indices {
		row := h.rows.Row(i)
		for c, v := range buf[n*w : (n+1)*w] {
			row[c] += v
		}
	}
	return nil
}
