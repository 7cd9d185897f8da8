// Package cluster starts the ranks of a run. In a real deployment every
// rank is its own process; for tests, demos and single-node runs RunLocal
// hosts all of them as goroutines.
package cluster

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/transport"
)

// RankFunc is the body of one rank.
type RankFunc func(ctx context.Context, t transport.Transport) error

// PeerFunc returns the ranks a rank exchanges with. The relation must be
// symmetric.
type PeerFunc func(rank int) []int

// Open creates the transports of the ranks this process hosts, in
// HostedRanks order.
func Open(cfg WorldConfig, peers PeerFunc, reg *metrics.Registry, logger logging.Logger) ([]transport.Transport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ranks := cfg.HostedRanks()

	if cfg.Transport == BackendFabric {
		f := transport.NewFabric(cfg.Size, transport.WithDeviceDirect(cfg.DeviceDirect))
		out := make([]transport.Transport, len(ranks))
		for i, r := range ranks {
			out[i] = f.Endpoint(r, reg)
		}
		return out, nil
	}

	out := make([]transport.Transport, 0, len(ranks))
	for _, r := range ranks {
		sc := cfg.SocketConfig(r, peers(r))
		var (
			ep  *transport.Endpoint
			err error
		)
		switch cfg.Transport {
		case BackendNNG:
			ep, err = transport.NewNNG(sc, reg, logger)
		case BackendZMQ:
			ep, err = transport.NewZMQ(sc, reg, logger)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Transport)
		}
		if err != nil {
			for _, t := range out {
				_ = t.Close()
			}
			return nil, fmt.Errorf("failed to open rank %d: %w", r, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Run executes fn once per transport and waits for all of them. The first
// failure cancels the others' context and closes the failing rank's
// transport, so peers blocked on it return instead of waiting forever; peers
// in other processes see the socket backends' connection drop.
// Every transport is closed when Run returns.
func Run(ctx context.Context, ts []transport.Transport, fn RankFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range ts {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("%w: rank %d: %v\n%s", ErrRankPanicked, t.Rank(), p, debug.Stack())
				}
				if err != nil {
					_ = t.Close()
				}
			}()
			return fn(ctx, t)
		})
	}
	err := g.Wait()
	for _, t := range ts {
		_ = t.Close()
	}
	return err
}

// RunLocal runs size ranks over an in-memory fabric.
func RunLocal(ctx context.Context, size int, reg *metrics.Registry, fn RankFunc, opts ...transport.FabricOption) error {
	f := transport.NewFabric(size, opts...)
	ts := make([]transport.Transport, size)
	for r := range ts {
		ts[r] = f.Endpoint(r, reg)
	}
	return Run(ctx, ts, fn)
}
