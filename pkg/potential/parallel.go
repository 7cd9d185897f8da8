package potential

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/gnn-halo/pkg/accumulate"
	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/exchange"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/geom"
	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/pipeline"
	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/validation"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// Config configures a ParallelPotential.
type Config struct {
	// Segments is the number of model segments the host declared; it must
	// equal the model's layer count.
	Segments int
	// SpeciesMap maps host species indices to model species; nil is the
	// identity.
	SpeciesMap []int
	// Substrate drives pack/unpack; nil selects the built-in transport
	// substrate.
	Substrate exchange.Registrar
	Logger    logging.Logger
	Metrics   *metrics.Registry
	// Domain, when set, is checked against the model cutoffs before the
	// first step.
	Domain *domain.Bounds
	Box    geom.Box
	// OnTransition is called on every state change.
	OnTransition func(Status)
}

// Context is everything one rank's evaluator owns for the run.
type Context struct {
	Adapter     *domain.Adapter
	Pipeline    *pipeline.Pipeline
	Scheduler   *exchange.Scheduler
	Accumulator *accumulate.Accumulator
	Logger      logging.Logger
	Metrics     *metrics.Registry
	Transport   transport.Transport
}

// ParallelPotential evaluates one rank's share of every step. Steps run
// strictly in sequence; any error moves it to Failed for good.
type ParallelPotential struct {
	model   *model.Model
	cutoffs []float64
	ctx     Context

	status       Status
	failure      error
	onTransition func(Status)
}

var _ InteratomicPotential = (*ParallelPotential)(nil)

// NewParallel creates the evaluator for the rank behind t.
func NewParallel(m *model.Model, t transport.Transport, cfg Config) (*ParallelPotential, error) {
	const op = "create parallel evaluator"

	v := validation.NewConfigValidator("parallel evaluator")
	v.Positive("segments", cfg.Segments)
	v.Custom("segments", func() error {
		if cfg.Segments != m.NumLayers() {
			return fmt.Errorf("host declared %d segments, model has %d layers", cfg.Segments, m.NumLayers())
		}
		return nil
	})
	for h, ms := range cfg.SpeciesMap {
		v.RangeInt(fmt.Sprintf("species_map[%d]", h), ms, 0, len(m.Species)-1)
	}
	if err := v.Validate(); err != nil {
		return nil, fault.New(fault.KindConfiguration, op).Rank(t.Rank()).Cause(err).Err()
	}
	if cfg.Domain != nil {
		if err := accumulate.CheckDomain(*cfg.Domain, cfg.Box, m.Cutoffs()); err != nil {
			return nil, fault.Annotate(err, t.Rank(), -1)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("potential"), logging.Rank(t.Rank()))
	speciesMap := cfg.SpeciesMap
	if speciesMap == nil {
		speciesMap = identityMap(len(m.Species))
	}

	sched, err := exchange.NewScheduler(t, cfg.Substrate, logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	p := &ParallelPotential{
		model:        m,
		cutoffs:      m.Cutoffs(),
		status:       Status{State: Idle, Layer: -1},
		onTransition: cfg.OnTransition,
	}
	p.ctx = Context{
		Adapter:     domain.NewAdapter(speciesMap),
		Scheduler:   sched,
		Accumulator: &accumulate.Accumulator{},
		Logger:      logger,
		Metrics:     cfg.Metrics,
		Transport:   t,
	}
	p.ctx.Pipeline = pipeline.New(m, sched, stateObserver{p}, cfg.Metrics)

	logger.Info("parallel evaluator ready",
		logging.Int("size", t.Size()),
		logging.Int("layers", m.NumLayers()),
		logging.Float64("max_cutoff", m.MaxCutoff()),
		logging.String("backend", t.Capabilities().Backend),
		logging.Bool("host_staged", t.Capabilities().HostStaged))
	return p, nil
}

// Context exposes the evaluator's collaborators.
func (p *ParallelPotential) Context() *Context { return &p.ctx }

// Status returns the current state.
func (p *ParallelPotential) Status() Status { return p.status }

// Err returns the error that failed the evaluator, if any.
func (p *ParallelPotential) Err() error { return p.failure }

func (p *ParallelPotential) enter(s State, layer int) {
	next := Status{State: s, Layer: layer}
	if next == p.status {
		return
	}
	p.status = next
	if p.onTransition != nil {
		p.onTransition(next)
	}
}

type stateObserver struct{ p *ParallelPotential }

func (o stateObserver) OnExchange(layer int, phase wire.Phase) {
	if phase == wire.PhaseForward {
		o.p.enter(Exchanging, layer)
	}
}

func (o stateObserver) OnCompute(layer int)  { o.p.enter(ComputingLayer, layer) }
func (o stateObserver) OnBackward(layer int) { o.p.enter(ReducingGradients, -1) }

// Evaluate runs one step for the frame's rank. Every rank of the run must
// call it for the same step.
func (p *ParallelPotential) Evaluate(ctx context.Context, f domain.Frame) (*Result, error) {
	if p.status.State == Failed {
		return nil, fmt.Errorf("%w: %w", ErrFailed, p.failure)
	}
	start := time.Now()
	res, err := p.evaluate(ctx, f)
	p.ctx.Metrics.RecordStep(err == nil, time.Since(start))
	if err != nil {
		err = fault.Annotate(err, p.ctx.Transport.Rank(), f.Step())
		p.failure = err
		p.enter(Failed, -1)
		kind, _ := fault.KindOf(err)
		p.ctx.Metrics.RecordError(kind.Label())
		p.ctx.Logger.Error("step failed", logging.Step(f.Step()), logging.Error(err))
		return nil, err
	}
	p.enter(Done, -1)
	p.ctx.Logger.Debug("step evaluated",
		logging.Step(f.Step()), logging.Float64("energy", res.Energy), logging.Latency(time.Since(start)))
	return res, nil
}

func (p *ParallelPotential) evaluate(ctx context.Context, f domain.Frame) (*Result, error) {
	c := &p.ctx
	if f.Rank() != c.Transport.Rank() {
		return nil, fault.Configurationf("evaluate", "frame is for rank %d, transport is rank %d", f.Rank(), c.Transport.Rank())
	}

	step := f.Step()
	phase := logging.StartPhase(c.Logger, "topology built", logging.Step(step))
	p.enter(BuildingTopology, -1)
	if err := c.Adapter.Rebuild(f); err != nil {
		return nil, err
	}
	if err := accumulate.CheckDomain(c.Adapter.Bounds(), c.Adapter.Box(), p.cutoffs); err != nil {
		return nil, err
	}
	g, err := c.Adapter.Graph(p.cutoffs)
	if err != nil {
		return nil, err
	}
	edges := make([]int, len(g.Layers))
	for k, l := range g.Layers {
		edges[k] = len(l)
	}
	c.Metrics.SetGraphSize(g.NLocal, g.NGhost, edges)

	if err := c.Scheduler.Build(ctx, c.Adapter, g, p.cutoffs); err != nil {
		return nil, err
	}
	phase.End()

	phase = logging.StartPhase(c.Logger, "forward pass", logging.Step(step))
	tr, err := c.Pipeline.RunStep(ctx, g)
	if err != nil {
		return nil, err
	}
	phase.End()

	phase = logging.StartPhase(c.Logger, "backward pass", logging.Step(step))
	c.Accumulator.Reset(g.NLocal, g.NGhost)
	if err := c.Pipeline.Backward(ctx, tr, c.Accumulator); err != nil {
		return nil, err
	}
	phase.End()
	tot, err := c.Accumulator.Finalize()
	if err != nil {
		return nil, err
	}

	return &Result{
		Rank:         c.Adapter.Rank(),
		Step:         c.Adapter.Step(),
		Energy:       tr.Energy,
		AtomEnergies: append([]float64(nil), tr.Energies...),
		Forces:       tot.Forces,
		Virials:      tot.Virials,
		Virial:       tot.Virial,
		Tags:         c.Adapter.LocalTags(),
	}, nil
}
