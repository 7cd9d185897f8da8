package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/geom"
	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

var cutoffs = []float64{5}

// frame builds a snapshot in which every local atom neighbours every other
// atom; positions are spread along x so all pairs are distinct and within
// the cutoff.
func frame(rank int, locals []int64, ghosts map[int64]int, ghostOrder []int64, channels []int) *domain.Snapshot {
	s := &domain.Snapshot{
		RankID:   rank,
		StepNo:   1,
		Cell:     geom.NewCubicBox(100),
		Region:   domain.Bounds{Hi: geom.Vec3{100, 100, 100}, Split: [3]int{1, 1, 1}},
		Channels: channels,
	}
	pos := func(tag int64) geom.Vec3 { return geom.Vec3{0.1 * float64(tag%37), 0.01 * float64(tag%11), 0} }
	for _, tag := range locals {
		s.Locals = append(s.Locals, domain.Atom{Tag: tag, Position: pos(tag)})
	}
	for _, tag := range ghostOrder {
		s.Ghosts = append(s.Ghosts, domain.Atom{Tag: tag, Position: pos(tag).Add(geom.Vec3{0, 0, 0.5}), Owner: ghosts[tag]})
	}
	n := len(s.Locals) + len(s.Ghosts)
	for i := range s.Locals {
		var nb []int
		for j := 0; j < n; j++ {
			if j != i {
				nb = append(nb, j)
			}
		}
		s.NeighLst = append(s.NeighLst, nb)
	}
	return s
}

type rankState struct {
	adapter *domain.Adapter
	graph   *domain.Graph
	sched   *Scheduler
}

// setup rebuilds every rank's adapter and runs the handshake on a fabric.
func setup(t *testing.T, frames []*domain.Snapshot, reg *metrics.Registry) []*rankState {
	t.Helper()
	fab := transport.NewFabric(len(frames))
	states := make([]*rankState, len(frames))
	var g errgroup.Group
	for r, f := range frames {
		r, f := r, f
		a := domain.NewAdapter([]int{0})
		require.NoError(t, a.Rebuild(f))
		graph, err := a.Graph(cutoffs)
		require.NoError(t, err)
		sched, err := NewScheduler(fab.Endpoint(r, reg), nil, nil, reg)
		require.NoError(t, err)
		states[r] = &rankState{adapter: a, graph: graph, sched: sched}
		g.Go(func() error { return sched.Build(context.Background(), a, graph, cutoffs) })
	}
	require.NoError(t, g.Wait())
	return states
}

func parallel(states []*rankState, fn func(r int, s *rankState) error) error {
	var g errgroup.Group
	for r, s := range states {
		r, s := r, s
		g.Go(func() error { return fn(r, s) })
	}
	return g.Wait()
}

// seed fills each local row with values derived from the atom's tag, and
// each ghost row with NaN so a missed slot is visible.
func seed(s *rankState, width int) *model.Features {
	var f model.Features
	f.Resize(s.graph.N(), width)
	for i := 0; i < s.graph.N(); i++ {
		for c := range f.Row(i) {
			if i < s.graph.NLocal {
				f.Row(i)[c] = float64(s.graph.Tags[i]) + 1/float64(c+3)
			} else {
				f.Row(i)[c] = math.NaN()
			}
		}
	}
	return &f
}

func TestForwardExchange_GhostRowsAreBitExactCopies(t *testing.T) {
	// tags deliberately sparse and in a different order on each side
	frames := []*domain.Snapshot{
		frame(0, []int64{900, 4}, map[int64]int{7: 1, 300: 1}, []int64{7, 300}, []int{1}),
		frame(1, []int64{300, 7, 55}, map[int64]int{4: 0}, []int64{4}, []int{0}),
	}
	states := setup(t, frames, nil)

	const width = 4
	rows := make([]*model.Features, len(states))
	for r, s := range states {
		rows[r] = seed(s, width)
	}
	require.NoError(t, parallel(states, func(r int, s *rankState) error {
		return s.sched.ForwardExchange(context.Background(), 0, rows[r])
	}))

	for r, s := range states {
		for i := s.graph.NLocal; i < s.graph.N(); i++ {
			owner, tag := s.adapter.GhostOwner(i - s.graph.NLocal)
			li, ok := states[owner].adapter.LocalIndex(tag)
			require.True(t, ok)
			want := rows[owner].Row(li)
			got := rows[r].Row(i)
			for c := range want {
				assert.Equal(t, math.Float64bits(want[c]), math.Float64bits(got[c]), "rank %d ghost tag %d col %d", r, tag, c)
			}
		}
	}
}

func TestReverseExchange_AccumulatesFromTwoNeighbours(t *testing.T) {
	// ranks 1 and 2 both mirror rank 0's atom 5
	frames := []*domain.Snapshot{
		frame(0, []int64{5}, map[int64]int{11: 1, 22: 2}, []int64{11, 22}, []int{1, 2}),
		frame(1, []int64{11}, map[int64]int{5: 0}, []int64{5}, []int{0, 2}),
		frame(2, []int64{22}, map[int64]int{5: 0}, []int64{5}, []int{0, 1}),
	}
	states := setup(t, frames, nil)

	const width = accumulateWidth
	rows := make([]*model.Features, len(states))
	for r, s := range states {
		rows[r] = &model.Features{}
		rows[r].Resize(s.graph.N(), width)
		if r == 0 {
			for c := range rows[r].Row(0) {
				rows[r].Row(0)[c] = 1
			}
			// rank 0's own contributions to the ghosts it holds
			for i := s.graph.NLocal; i < s.graph.N(); i++ {
				rows[r].Row(i)[0] = 0.25
			}
			continue
		}
		for c := range rows[r].Row(1) {
			rows[r].Row(1)[c] = float64(r)
		}
	}

	require.NoError(t, parallel(states, func(r int, s *rankState) error {
		return s.sched.ReverseExchange(context.Background(), 0, wire.PhaseReverseForce, rows[r])
	}))

	// 1 (own) + 1 (from rank 1) + 2 (from rank 2)
	for c, v := range rows[0].Row(0) {
		assert.Equal(t, 4.0, v, "column %d", c)
	}
	// owners of rank 0's ghosts received rank 0's 0.25
	assert.Equal(t, 0.25, rows[1].Row(0)[0])
	assert.Equal(t, 0.25, rows[2].Row(0)[0])

	for r, s := range states {
		for i := s.graph.NLocal; i < s.graph.N(); i++ {
			for c, v := range rows[r].Row(i) {
				assert.Zero(t, v, "rank %d ghost slot %d col %d not cleared", r, i, c)
			}
		}
	}
}

const accumulateWidth = 9

func TestExchange_EmptyPlansIssueNoDataMessages(t *testing.T) {
	reg := metrics.NewRegistry()
	frames := []*domain.Snapshot{
		frame(0, []int64{1, 2}, nil, nil, []int{1}),
		frame(1, []int64{3}, nil, nil, []int{0}),
	}
	states := setup(t, frames, reg)

	for _, s := range states {
		require.Len(t, s.sched.Plans(), 1)
		for _, ch := range s.sched.Plans()[0].Channels {
			assert.True(t, ch.Empty())
		}
	}

	rows := make([]*model.Features, len(states))
	for r, s := range states {
		rows[r] = seed(s, 3)
	}
	before0 := append([]float64(nil), rows[0].Data()...)

	require.NoError(t, parallel(states, func(r int, s *rankState) error {
		if err := s.sched.ForwardExchange(context.Background(), 0, rows[r]); err != nil {
			return err
		}
		return s.sched.ReverseExchange(context.Background(), 0, wire.PhaseReverseAdjoint, rows[r])
	}))

	assert.Equal(t, before0, rows[0].Data())
	for _, phase := range []string{"forward", "reverse-adjoint"} {
		m, err := reg.ExchangeMessagesTotal.GetMetricWithLabelValues(phase, "sent")
		require.NoError(t, err)
		assert.Zero(t, testCounter(t, m), "%s messages sent", phase)
	}
	// the handshake itself is never skipped
	m, _ := reg.ExchangeMessagesTotal.GetMetricWithLabelValues("topology", "sent")
	assert.Equal(t, 2.0, testCounter(t, m))
}

func TestExchange_SelfImagesUseDirectCopy(t *testing.T) {
	// a single rank whose only ghost is a periodic image of its own atom 8
	frames := []*domain.Snapshot{
		frame(0, []int64{8, 9}, map[int64]int{8: 0}, []int64{8}, nil),
	}
	states := setup(t, frames, nil)
	s := states[0]
	plan := s.sched.Plans()[0]
	require.Empty(t, plan.Channels)
	require.Equal(t, []int{0}, plan.Self.Send)
	require.Equal(t, []int{2}, plan.Self.Recv)

	rows := seed(s, 2)
	require.NoError(t, s.sched.ForwardExchange(context.Background(), 0, rows))
	assert.Equal(t, rows.Row(0), rows.Row(2))

	rows.Row(2)[0], rows.Row(2)[1] = 10, 20
	local := append([]float64(nil), rows.Row(0)...)
	require.NoError(t, s.sched.ReverseExchange(context.Background(), 0, wire.PhaseReverseForce, rows))
	assert.Equal(t, local[0]+10, rows.Row(0)[0])
	assert.Equal(t, local[1]+20, rows.Row(0)[1])
	assert.Equal(t, []float64{0, 0}, rows.Row(2))
}

func TestBuildPlans_UnknownMirroredTag(t *testing.T) {
	frames := []*domain.Snapshot{
		frame(0, []int64{1}, map[int64]int{2: 1}, []int64{2}, []int{1}),
		// rank 1 believes rank 0 owns tag 99
		frame(1, []int64{2}, map[int64]int{99: 0}, []int64{99}, []int{0}),
	}
	fab := transport.NewFabric(2)
	errs := make([]error, 2)
	var g errgroup.Group
	for r, f := range frames {
		r, f := r, f
		g.Go(func() error {
			a := domain.NewAdapter([]int{0})
			if err := a.Rebuild(f); err != nil {
				return err
			}
			graph, err := a.Graph(cutoffs)
			if err != nil {
				return err
			}
			_, errs[r] = BuildPlans(context.Background(), fab.Endpoint(r, nil), a, graph, cutoffs)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.ErrorIs(t, errs[0], fault.ErrConfiguration)
	assert.NoError(t, errs[1])
}

func TestBuildPlans_RemainingRange(t *testing.T) {
	frames := []*domain.Snapshot{frame(0, []int64{1, 2}, nil, nil, nil)}
	a := domain.NewAdapter([]int{0})
	require.NoError(t, a.Rebuild(frames[0]))
	cut := []float64{4, 3, 2}
	graph, err := a.Graph(cut)
	require.NoError(t, err)

	plans, err := BuildPlans(context.Background(), transport.NewFabric(1).Endpoint(0, nil), a, graph, cut)
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, 5.0, plans[0].Remaining)
	assert.Equal(t, 2.0, plans[1].Remaining)
	assert.Equal(t, 0.0, plans[2].Remaining)
	assert.Equal(t, 3.0, plans[1].Cutoff)
}

func TestScheduler_BuildLogsPlanSummary(t *testing.T) {
	a := domain.NewAdapter([]int{0})
	require.NoError(t, a.Rebuild(frame(0, []int64{1, 2}, nil, nil, nil)))
	cut := []float64{4, 3, 2}
	graph, err := a.Graph(cut)
	require.NoError(t, err)

	var buf bytes.Buffer
	s, err := NewScheduler(transport.NewFabric(1).Endpoint(0, nil), nil, logging.NewJSONLogger(&buf, logging.DebugLevel), nil)
	require.NoError(t, err)
	require.NoError(t, s.Build(context.Background(), a, graph, cut))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry logging.LogEntry
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	assert.Equal(t, "communication plans built", entry.Message)
	assert.Equal(t, s.Summary(), entry.Fields["plan"])
	assert.Equal(t, 9.0, entry.Fields["receptive_range"])
	assert.Contains(t, s.Summary(), "3 layers")
}

type oldSubstrate struct{ *TransportSubstrate }

func (oldSubstrate) APIVersion() int { return APIVersion + 1 }

func TestNewScheduler_APIVersionMismatch(t *testing.T) {
	ep := transport.NewFabric(1).Endpoint(0, nil)
	_, err := NewScheduler(ep, oldSubstrate{NewTransportSubstrate(ep, nil)}, nil, nil)
	assert.ErrorIs(t, err, fault.ErrConfiguration)
}

func TestScheduler_RejectsForwardPhaseInReverse(t *testing.T) {
	states := setup(t, []*domain.Snapshot{frame(0, []int64{1}, nil, nil, nil)}, nil)
	rows := seed(states[0], 1)
	err := states[0].sched.ReverseExchange(context.Background(), 0, wire.PhaseForward, rows)
	assert.ErrorIs(t, err, fault.ErrConfiguration)
	err = states[0].sched.ForwardExchange(context.Background(), 3, rows)
	assert.ErrorIs(t, err, fault.ErrConfiguration)
}

func TestHooks_UnpackLengthMismatch(t *testing.T) {
	var f model.Features
	f.Resize(2, 3)
	err := ForwardHook(&f).Unpack(1, []int{0, 1}, make([]float64, 5))
	assert.ErrorIs(t, err, fault.ErrCommunication)
	err = ReverseHook(&f).Unpack(1, []int{0}, make([]float64, 6))
	assert.True(t, errors.Is(err, fault.ErrCommunication))
}
