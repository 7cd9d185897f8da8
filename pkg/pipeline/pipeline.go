// Package pipeline runs the model one layer at a time, refreshing ghost
// features before every layer and sending ghost gradients home after every
// layer of the backward pass. The sequence of exchanges depends only on the
// number of layers, so every rank issues the same sequence.
package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/dd0wney/gnn-halo/pkg/accumulate"
	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/exchange"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
	"github.com/dd0wney/gnn-halo/pkg/model"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

// Exchanger synchronises ghost rows; *exchange.Scheduler implements it.
type Exchanger interface {
	ForwardExchange(ctx context.Context, layer int, rows exchange.Rows) error
	ReverseExchange(ctx context.Context, layer int, phase wire.Phase, rows exchange.Rows) error
}

// Observer is told about every phase the pipeline enters.
type Observer interface {
	OnExchange(layer int, phase wire.Phase)
	OnCompute(layer int)
	OnBackward(layer int)
}

// Trace is what the forward pass leaves for the backward pass. It is owned
// by the pipeline and reused by the next RunStep.
type Trace struct {
	Graph *domain.Graph
	// H[k] is layer k's input; H[len(H)-1] is the last layer's output.
	H        []model.Features
	Energies []float64
	Energy   float64
}

// Pipeline holds the ordered layers of one model.
type Pipeline struct {
	model    *model.Model
	ex       Exchanger
	observer Observer
	metrics  *metrics.Registry

	trace  Trace
	adjOut model.Features
	adjIn  model.Features
}

// New creates a pipeline. A nil Exchanger means a single domain with no
// ghosts; obs and reg may be nil.
func New(m *model.Model, ex Exchanger, obs Observer, reg *metrics.Registry) *Pipeline {
	return &Pipeline{model: m, ex: ex, observer: obs, metrics: reg}
}

// Model returns the pipeline's model.
func (p *Pipeline) Model() *model.Model { return p.model }

func (p *Pipeline) onExchange(k int, phase wire.Phase) {
	if p.observer != nil {
		p.observer.OnExchange(k, phase)
	}
}

func (p *Pipeline) onCompute(k int) {
	if p.observer != nil {
		p.observer.OnCompute(k)
	}
}

func (p *Pipeline) onBackward(k int) {
	if p.observer != nil {
		p.observer.OnBackward(k)
	}
}

// RunStep evaluates per-atom energies for the local atoms of g.
func (p *Pipeline) RunStep(ctx context.Context, g *domain.Graph) (*Trace, error) {
	m := p.model
	nLayers, n, w := m.NumLayers(), g.N(), m.Width
	if len(g.Layers) != nLayers {
		return nil, fault.Configurationf("run layers", "graph has %d edge layers, model %d", len(g.Layers), nLayers)
	}

	tr := &p.trace
	tr.Graph = g
	if len(tr.H) != nLayers+1 {
		tr.H = make([]model.Features, nLayers+1)
	}
	tr.H[0].Resize(n, w)
	m.Embed(g.Species, g.NLocal, &tr.H[0])

	for k := 0; k < nLayers; k++ {
		if p.ex != nil {
			p.onExchange(k, wire.PhaseForward)
			if err := p.ex.ForwardExchange(ctx, k, &tr.H[k]); err != nil {
				return nil, fault.WithLayer(err, k)
			}
		}
		p.onCompute(k)
		start := time.Now()
		tr.H[k+1].Resize(n, w)
		m.Layers[k].Forward(g.Layers[k], &tr.H[k], g.NLocal, &tr.H[k+1])
		p.metrics.ObserveLayer(k, time.Since(start))
	}

	if cap(tr.Energies) < g.NLocal {
		tr.Energies = make([]float64, g.NLocal)
	}
	tr.Energies = tr.Energies[:g.NLocal]
	tr.Energy = m.Energies(&tr.H[nLayers], g.Species, g.NLocal, tr.Energies)
	if math.IsNaN(tr.Energy) || math.IsInf(tr.Energy, 0) {
		return nil, fault.Numericalf("readout", "non-finite energy %g", tr.Energy)
	}
	return tr, nil
}

// Backward pushes the readout gradient back through every layer, adding
// edge gradients into acc. After layer k's local backward step the ghost
// adjoint rows of layer k's input and the ghost force rows are reverse
// exchanged to their owners. Layer 0's input depends on species only, so
// its adjoint exchange is skipped.
func (p *Pipeline) Backward(ctx context.Context, tr *Trace, acc *accumulate.Accumulator) error {
	m := p.model
	g := tr.Graph
	n, w := g.N(), m.Width

	p.adjOut.Resize(n, w)
	m.SeedAdjoint(g.NLocal, &p.adjOut)

	for k := m.NumLayers() - 1; k >= 0; k-- {
		p.onBackward(k)
		p.adjIn.Resize(n, w)
		m.Layers[k].Backward(g.Layers[k], &tr.H[k], &tr.H[k+1], &p.adjOut, g.NLocal, &p.adjIn, acc)

		if p.ex != nil {
			if k > 0 {
				p.onExchange(k, wire.PhaseReverseAdjoint)
				if err := p.ex.ReverseExchange(ctx, k, wire.PhaseReverseAdjoint, &p.adjIn); err != nil {
					return fault.WithLayer(err, k)
				}
			}
			p.onExchange(k, wire.PhaseReverseForce)
			if err := p.ex.ReverseExchange(ctx, k, wire.PhaseReverseForce, acc.Rows()); err != nil {
				return fault.WithLayer(err, k)
			}
		}
		p.adjOut, p.adjIn = p.adjIn, p.adjOut
	}
	return nil
}
