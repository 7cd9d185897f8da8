// Package exchange keeps ghost rows in sync with their owners. Each step
// starts with a topology handshake that turns the host's ghost table into
// per-layer communication plans; after that every exchange moves bare
// float64 rows in plan order, with no index metadata on the wire.
package exchange

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// Channel is the traffic with one peer for one layer. Send lists local
// atom indices this rank owns and the peer mirrors; Recv lists this rank's
// ghost slots (atom indices >= NLocal) owned by the peer. Both are ordered
// and the peer's lists mirror them: our Send has the length of its Recv.
type Channel struct {
	Peer int
	Send []int
	Recv []int
}

// Empty reports whether the channel moves nothing in either direction.
func (c *Channel) Empty() bool {
	return len(c.Send) == 0 && len(c.Recv) == 0
}

// Plan is the communication plan of one layer.
type Plan struct {
	Layer int
	// Cutoff is the range this layer's exchange must cover.
	Cutoff float64
	// Remaining is the receptive range of the layers after this one.
	Remaining float64
	// Channels has one entry per declared neighbour rank, ascending, even
	// when both lists are empty.
	Channels []Channel
	// Self maps periodic self images: ghost slots whose owner is this rank.
	Self Channel
}

// Rows is a row-per-atom matrix that exchanges read and write in place.
type Rows interface {
	Row(i int) []float64
	Width() int
}

func topologyTag(step int64) wire.Tag {
	return wire.Tag{Step: step, Layer: 0, Phase: wire.PhaseTopology}
}

// requests groups, per layer, the ghost slots referenced by that layer's
// edges by owner rank, in ascending slot order.
func requests(g *domain.Graph, a *domain.Adapter) []map[int][]int {
	out := make([]map[int][]int, len(g.Layers))
	seen := make([]bool, g.NGhost)
	for k, edges := range g.Layers {
		clear(seen)
		for _, e := range edges {
			if e.Dst >= g.NLocal {
				seen[e.Dst-g.NLocal] = true
			}
		}
		byOwner := make(map[int][]int)
		for gh, ok := range seen {
			if !ok {
				continue
			}
			owner, _ := a.GhostOwner(gh)
			byOwner[owner] = append(byOwner[owner], g.NLocal+gh)
		}
		out[k] = byOwner
	}
	return out
}

// BuildPlans runs the per-step topology handshake. For every layer this
// rank tells each neighbour, by tag, which of its atoms it mirrors, and
// learns which of its own atoms the neighbour mirrors. A request goes to
// every neighbour every step, empty or not, so both ends always agree on
// the message sequence.
func BuildPlans(ctx context.Context, t transport.Transport, a *domain.Adapter, g *domain.Graph, cutoffs []float64) ([]Plan, error) {
	const op = "build communication plan"
	rank, step := a.Rank(), a.Step()
	nLayers := len(g.Layers)

	plans := make([]Plan, nLayers)
	var remaining float64
	for k := nLayers - 1; k >= 0; k-- {
		plans[k] = Plan{Layer: k, Cutoff: cutoffs[k], Remaining: remaining}
		remaining += cutoffs[k]
	}

	reqs := requests(g, a)
	resolve := func(peer, k int, tags []int64) ([]int, error) {
		idx := make([]int, len(tags))
		for i, tag := range tags {
			li, ok := a.LocalIndex(tag)
			if !ok {
				return nil, fault.New(fault.KindConfiguration, op).Rank(rank).Step(step).Layer(k).Peer(peer).
					Causef("rank %d mirrors tag %d, which is not a local atom here", peer, tag).Err()
			}
			idx[i] = li
		}
		return idx, nil
	}
	tagsOf := func(slots []int) []int64 {
		tags := make([]int64, len(slots))
		for i, s := range slots {
			_, tags[i] = a.GhostOwner(s - g.NLocal)
		}
		return tags
	}

	for k := range plans {
		slots := reqs[k][rank]
		send, err := resolve(rank, k, tagsOf(slots))
		if err != nil {
			return nil, err
		}
		plans[k].Self = Channel{Peer: rank, Send: send, Recv: slots}
	}

	peers := a.Channels()
	channels := make([][]Channel, len(peers)) // [peer][layer]
	grp, gctx := errgroup.WithContext(ctx)
	for pi, peer := range peers {
		pi, peer := pi, peer
		grp.Go(func() error {
			ours := make([][]int64, nLayers)
			for k := range ours {
				ours[k] = tagsOf(reqs[k][peer])
			}
			reply, err := transport.ExchangeControl(gctx, t, peer, topologyTag(step), wire.EncodeRequest(ours))
			if err != nil {
				return err
			}
			theirs, err := wire.DecodeRequest(reply)
			if err != nil {
				return fault.New(fault.KindCommunication, op).Rank(rank).Step(step).Peer(peer).Cause(err).Err()
			}
			if len(theirs) != nLayers {
				return fault.New(fault.KindCommunication, op).Rank(rank).Step(step).Peer(peer).
					Causef("peer plans %d layers, this rank %d", len(theirs), nLayers).Err()
			}
			chs := make([]Channel, nLayers)
			for k := range chs {
				send, err := resolve(peer, k, theirs[k])
				if err != nil {
					return err
				}
				chs[k] = Channel{Peer: peer, Send: send, Recv: slices.Clone(reqs[k][peer])}
			}
			channels[pi] = chs
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	for k := range plans {
		plans[k].Channels = make([]Channel, len(peers))
		for pi := range peers {
			plans[k].Channels[pi] = channels[pi][k]
		}
	}
	return plans, nil
}

// timed wraps an exchange for metrics.
func timed(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}
