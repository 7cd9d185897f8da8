package potential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/geom"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/partition"
	"github.com/dd0wney/gnn-halo/pkg/transport"
)

// world is an in-process run: one ParallelPotential per rank on a shared
// fabric, kept across steps.
type world struct {
	t     *testing.T
	model *model.Model
	grid  *partition.Grid
	pots  []*ParallelPotential
}

func newWorld(t *testing.T, m *model.Model, box geom.Box, split [3]int, reg *metrics.Registry) *world {
	t.Helper()
	grid, err := partition.NewGrid(box, split)
	require.NoError(t, err)
	fabric := transport.NewFabric(grid.Count())
	w := &world{t: t, model: m, grid: grid}
	for r := 0; r < grid.Count(); r++ {
		ep := fabric.Endpoint(r, reg)
		t.Cleanup(func() { _ = ep.Close() })
		p, err := NewParallel(m, ep, Config{Segments: m.NumLayers(), Metrics: reg})
		require.NoError(t, err)
		w.pots = append(w.pots, p)
	}
	return w
}

func (w *world) evaluate(frames []domain.Frame) ([]*Result, error) {
	results := make([]*Result, len(frames))
	g, ctx := errgroup.WithContext(context.Background())
	for r, f := range frames {
		g.Go(func() error {
			res, err := w.pots[r].Evaluate(ctx, f)
			results[r] = res
			return err
		})
	}
	return results, g.Wait()
}

func (w *world) step(sys *partition.System) *Result {
	w.t.Helper()
	snaps, err := partition.Decompose(sys, w.grid, w.model.MaxCutoff())
	require.NoError(w.t, err)
	frames := make([]domain.Frame, len(snaps))
	for r, s := range snaps {
		frames[r] = s
	}
	parts, err := w.evaluate(frames)
	require.NoError(w.t, err)
	return Merge(parts)
}

func serialResult(t *testing.T, m *model.Model, sys *partition.System) *Result {
	t.Helper()
	res, err := NewSerial(m, nil, nil, nil).Evaluate(context.Background(), sys.Frame())
	require.NoError(t, err)
	return Merge([]*Result{res})
}

func serialEnergy(t *testing.T, m *model.Model, sys *partition.System) EnergyFunc {
	pot := NewSerial(m, nil, nil, nil)
	return func(box geom.Box, positions []geom.Vec3) (float64, error) {
		moved := sys.Clone()
		moved.Box = box
		moved.Positions = positions
		res, err := pot.Evaluate(context.Background(), moved.Frame())
		if err != nil {
			return 0, err
		}
		return res.Energy, nil
	}
}

func assertSameResult(t *testing.T, want, got *Result, tol float64) {
	t.Helper()
	require.Equal(t, want.Tags, got.Tags)
	assert.InDelta(t, want.Energy, got.Energy, tol, "energy")
	for i := range want.Tags {
		assert.InDelta(t, want.AtomEnergies[i], got.AtomEnergies[i], tol, "energy of tag %d", want.Tags[i])
		for d := 0; d < 3; d++ {
			assert.InDelta(t, want.Forces[i][d], got.Forces[i][d], tol, "force on tag %d dim %d", want.Tags[i], d)
		}
	}
	for c := range want.Virial {
		assert.InDelta(t, want.Virial[c], got.Virial[c], tol, "virial component %d", c)
	}
}

func netForce(r *Result) geom.Vec3 {
	var f geom.Vec3
	for _, v := range r.Forces {
		f = f.Add(v)
	}
	return f
}
