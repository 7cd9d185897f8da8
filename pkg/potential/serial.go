package potential

import (
	"context"

	"github.com/dd0wney/gnn-halo/pkg/accumulate"
	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/geom"
	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/pipeline"
)

// SerialPotential evaluates a whole system on one process. It ignores any
// ghosts in the frame and enumerates periodic images itself.
type SerialPotential struct {
	model      *model.Model
	speciesMap []int
	pipeline   *pipeline.Pipeline
	acc        accumulate.Accumulator
	logger     logging.Logger
}

var _ InteratomicPotential = (*SerialPotential)(nil)

// NewSerial creates a serial evaluator. A nil speciesMap maps host species
// index i to model species i.
func NewSerial(m *model.Model, speciesMap []int, logger logging.Logger, reg *metrics.Registry) *SerialPotential {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if speciesMap == nil {
		speciesMap = identityMap(len(m.Species))
	}
	return &SerialPotential{
		model:      m,
		speciesMap: speciesMap,
		pipeline:   pipeline.New(m, nil, nil, reg),
		logger:     logger.With(logging.Component("serial-potential")),
	}
}

func identityMap(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Evaluate computes the frame's local atoms as a closed periodic system.
func (s *SerialPotential) Evaluate(ctx context.Context, f domain.Frame) (*Result, error) {
	const op = "serial evaluate"

	box := f.Box()
	if err := box.Validate(); err != nil {
		return nil, fault.New(fault.KindConfiguration, op).Step(f.Step()).Cause(err).Err()
	}

	n := f.LocalCount()
	tags := make([]int64, n)
	species := make([]int, n)
	positions := make([]geom.Vec3, n)
	for i := 0; i < n; i++ {
		tags[i] = f.Tag(i)
		hs := f.Species(i)
		if hs < 0 || hs >= len(s.speciesMap) {
			return nil, fault.New(fault.KindConfiguration, op).Step(f.Step()).
				Causef("atom tag %d has unknown species index %d", tags[i], hs).Err()
		}
		species[i] = s.speciesMap[hs]
		positions[i] = box.Wrap(f.Position(i))
	}

	g, err := domain.SerialGraph(box, tags, species, positions, s.model.Cutoffs())
	if err != nil {
		return nil, fault.Annotate(err, f.Rank(), f.Step())
	}
	tr, err := s.pipeline.RunStep(ctx, g)
	if err != nil {
		return nil, fault.Annotate(err, f.Rank(), f.Step())
	}
	s.acc.Reset(n, 0)
	if err := s.pipeline.Backward(ctx, tr, &s.acc); err != nil {
		return nil, fault.Annotate(err, f.Rank(), f.Step())
	}
	tot, err := s.acc.Finalize()
	if err != nil {
		return nil, fault.Annotate(err, f.Rank(), f.Step())
	}

	s.logger.Debug("serial step evaluated", logging.Step(f.Step()), logging.Count(n), logging.Float64("energy", tr.Energy))
	return &Result{
		Rank:         f.Rank(),
		Step:         f.Step(),
		Energy:       tr.Energy,
		AtomEnergies: append([]float64(nil), tr.Energies...),
		Forces:       tot.Forces,
		Virials:      tot.Virials,
		Virial:       tot.Virial,
		Tags:         tags,
	}, nil
}
