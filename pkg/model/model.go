// Package model is the reference message-passing potential: a species
// embedding, a stack of per-layer sub-models each with its own cutoff, and
// a linear readout to per-atom energies. Each layer only looks one cutoff
// away, which is what lets the evaluator split the network at layer
// boundaries and exchange ghost features in between.
package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/validation"
)

// Layer is one message-passing step:
//
//	z_i = U h_i + B + sum over edges i->j of phi(|r_ij|) W h_j
//	h'_i = tanh(z_i)
//
// with the smooth envelope phi(r) = (1 - (r/rc)^2)^2 inside the cutoff.
type Layer struct {
	Cutoff float64
	W      []float64 // Width x Width, row major
	U      []float64 // Width x Width, row major
	B      []float64 // Width
}

// Model is immutable once loaded and shared by every step of a run.
type Model struct {
	Version string
	Width   int
	// Species is sorted; a species' model index is its position here.
	Species []string
	// Embedding holds one Width row per species.
	Embedding []float64
	Layers    []Layer
	// Readout maps the last layer's features to an energy; Shift is the
	// per-species energy offset.
	Readout []float64
	Shift   []float64
	Hash    string
}

// NumLayers is the number of message-passing layers.
func (m *Model) NumLayers() int { return len(m.Layers) }

// Cutoffs returns each layer's cutoff.
func (m *Model) Cutoffs() []float64 {
	c := make([]float64, len(m.Layers))
	for k, l := range m.Layers {
		c[k] = l.Cutoff
	}
	return c
}

// MaxCutoff is the largest layer cutoff.
func (m *Model) MaxCutoff() float64 {
	var rc float64
	for _, l := range m.Layers {
		rc = math.Max(rc, l.Cutoff)
	}
	return rc
}

// SpeciesIndex returns the model index of a species name.
func (m *Model) SpeciesIndex(name string) (int, bool) {
	i := sort.SearchStrings(m.Species, name)
	if i < len(m.Species) && m.Species[i] == name {
		return i, true
	}
	return 0, false
}

// TypeMap maps the host's species ordering onto model indices: out[h] is
// the model index of host species h.
func (m *Model) TypeMap(host []string) ([]int, error) {
	out := make([]int, len(host))
	for h, name := range host {
		idx, ok := m.SpeciesIndex(name)
		if !ok {
			return nil, fault.Configurationf("species map", "species %q is not in the model (known: %v)", name, m.Species)
		}
		out[h] = idx
	}
	return out, nil
}

// Envelope returns phi(r) and dphi/dr for cutoff rc. Both are zero at and
// beyond the cutoff.
func Envelope(r, rc float64) (phi, dphi float64) {
	if r >= rc {
		return 0, 0
	}
	x := r / rc
	s := 1 - x*x
	return s * s, -4 * s * r / (rc * rc)
}

// Validate checks the model's internal shape.
func (m *Model) Validate() error {
	w := m.Width
	nSpecies := len(m.Species)
	switch {
	case w <= 0:
		return fault.Configurationf("model", "width %d must be positive", w)
	case nSpecies == 0:
		return fault.Configurationf("model", "no species")
	case !sort.StringsAreSorted(m.Species):
		return fault.Configurationf("model", "species %v are not sorted", m.Species)
	case len(m.Layers) == 0:
		return fault.Configurationf("model", "no layers")
	case len(m.Embedding) != nSpecies*w:
		return fault.Configurationf("model", "embedding has %d values, want %d", len(m.Embedding), nSpecies*w)
	case len(m.Readout) != w || len(m.Shift) != nSpecies:
		return fault.Configurationf("model", "readout has %d weights and %d shifts, want %d and %d", len(m.Readout), len(m.Shift), w, nSpecies)
	}
	for i := 1; i < nSpecies; i++ {
		if m.Species[i] == m.Species[i-1] {
			return fault.Configurationf("model", "duplicate species %q", m.Species[i])
		}
	}
	for k, l := range m.Layers {
		if !(l.Cutoff > 0) || math.IsInf(l.Cutoff, 0) {
			return fault.New(fault.KindConfiguration, "model").Layer(k).Causef("cutoff %g must be positive", l.Cutoff).Err()
		}
		if len(l.W) != w*w || len(l.U) != w*w || len(l.B) != w {
			return fault.New(fault.KindConfiguration, "model").Layer(k).Causef("weights do not match width %d", w).Err()
		}
	}

	v := validation.NewConfigValidator("model")
	v.Finite("embedding", m.Embedding...).
		Finite("readout", m.Readout...).
		Finite("shift", m.Shift...)
	for k, l := range m.Layers {
		v.Finite(fmt.Sprintf("layers[%d].W", k), l.W...).
			Finite(fmt.Sprintf("layers[%d].U", k), l.U...).
			Finite(fmt.Sprintf("layers[%d].B", k), l.B...)
	}
	if err := v.Validate(); err != nil {
		return fault.New(fault.KindConfiguration, "model").Cause(err).Err()
	}
	return nil
}
