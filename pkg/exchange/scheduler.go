package exchange

import (
	"context"
	"fmt"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// Scheduler owns the step's plans and runs the forward and reverse
// exchanges over a Registrar.
type Scheduler struct {
	t       transport.Transport
	sub     Registrar
	logger  logging.Logger
	metrics *metrics.Registry

	step  int64
	plans []Plan
}

// NewScheduler creates a scheduler. A nil sub selects TransportSubstrate.
func NewScheduler(t transport.Transport, sub Registrar, logger logging.Logger, reg *metrics.Registry) (*Scheduler, error) {
	if sub == nil {
		sub = NewTransportSubstrate(t, reg)
	}
	if v := sub.APIVersion(); v != APIVersion {
		return nil, fault.New(fault.KindConfiguration, "register exchange hooks").Rank(t.Rank()).
			Causef("substrate speaks hook API version %d, evaluator requires %d", v, APIVersion).Err()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{
		t:       t,
		sub:     sub,
		logger:  logger.With(logging.Component("exchange")),
		metrics: reg,
	}, nil
}

// Build runs the topology handshake for the adapter's current step.
func (s *Scheduler) Build(ctx context.Context, a *domain.Adapter, g *domain.Graph, cutoffs []float64) error {
	d, err := timed(func() error {
		plans, err := BuildPlans(ctx, s.t, a, g, cutoffs)
		if err != nil {
			return err
		}
		s.plans = plans
		return nil
	})
	if err != nil {
		s.plans = nil
		return err
	}
	s.step = a.Step()
	s.metrics.ObserveHandshake(d)
	var reach float64
	if len(s.plans) > 0 {
		reach = s.plans[0].Cutoff + s.plans[0].Remaining
	}
	s.logger.Debug("communication plans built",
		logging.Step(s.step), logging.Count(len(s.plans)), logging.Latency(d),
		logging.String("plan", s.Summary()), logging.Float64("receptive_range", reach))
	return nil
}

// Plans returns the current step's plans, one per layer.
func (s *Scheduler) Plans() []Plan { return s.plans }

func (s *Scheduler) plan(op string, layer int) (*Plan, error) {
	if layer < 0 || layer >= len(s.plans) {
		return nil, fault.New(fault.KindConfiguration, op).Rank(s.t.Rank()).Step(s.step).Layer(layer).
			Causef("no plan for layer %d (%d planned)", layer, len(s.plans)).Err()
	}
	return &s.plans[layer], nil
}

// ForwardExchange overwrites the ghost rows of rows with their owners'
// values for layer.
func (s *Scheduler) ForwardExchange(ctx context.Context, layer int, rows Rows) error {
	p, err := s.plan("forward exchange", layer)
	if err != nil {
		return err
	}
	s.sub.RegisterForwardHook(ForwardHook(rows))
	tag := wire.Tag{Step: s.step, Layer: layer, Phase: wire.PhaseForward}
	return s.run(tag, func() error { return s.sub.ForwardComm(ctx, tag, p, rows.Width()) })
}

// ReverseExchange adds the ghost rows of rows into their owners' rows for
// layer and clears the ghost rows.
func (s *Scheduler) ReverseExchange(ctx context.Context, layer int, phase wire.Phase, rows Rows) error {
	if phase != wire.PhaseReverseAdjoint && phase != wire.PhaseReverseForce {
		return fault.New(fault.KindConfiguration, "reverse exchange").Rank(s.t.Rank()).Step(s.step).Layer(layer).
			Causef("%s is not a reverse phase", phase).Err()
	}
	p, err := s.plan("reverse exchange", layer)
	if err != nil {
		return err
	}
	s.sub.RegisterReverseHook(ReverseHook(rows))
	tag := wire.Tag{Step: s.step, Layer: layer, Phase: phase}
	return s.run(tag, func() error { return s.sub.ReverseComm(ctx, tag, p, rows.Width()) })
}

func (s *Scheduler) run(tag wire.Tag, fn func() error) error {
	d, err := timed(fn)
	if err != nil {
		return fault.Annotate(err, s.t.Rank(), tag.Step)
	}
	s.metrics.ObserveExchange(tag.Phase.String(), d)
	s.logger.Debug("exchange complete",
		logging.Step(tag.Step), logging.Layer(tag.Layer), logging.Phase(tag.Phase.String()), logging.Latency(d))
	return nil
}

// Summary describes the step's plan sizes, for diagnostics.
func (s *Scheduler) Summary() string {
	var sent, received, self int
	for _, p := range s.plans {
		for _, ch := range p.Channels {
			sent += len(ch.Send)
			received += len(ch.Recv)
		}
		self += len(p.Self.Send)
	}
	return fmt.Sprintf("%d layers, %d rows sent, %d received, %d self-image", len(s.plans), sent, received, self)
}
