// Package potential evaluates a layered message-passing potential for one
// rank of a domain-decomposed simulation. ParallelPotential interleaves the
// layer pipeline with ghost exchanges; SerialPotential evaluates a whole
// periodic system on one process and is the reference the parallel path
// must reproduce.
package potential

import (
	"context"
	"errors"
	"sort"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// ErrFailed is returned by every Evaluate after a fatal error.
var ErrFailed = errors.New("evaluator has failed")

// InteratomicPotential evaluates energies, forces and virials for a frame.
type InteratomicPotential interface {
	Evaluate(ctx context.Context, frame domain.Frame) (*Result, error)
}

// Result holds one rank's contribution to a step. Per-atom slices are in
// local index order; Tags identifies the atoms.
type Result struct {
	Rank         int
	Step         int64
	Energy       float64
	AtomEnergies []float64
	Forces       []geom.Vec3
	Virials      []geom.Voigt
	Virial       geom.Voigt
	Tags         []int64
}

// Stress converts the result's virial to stress in kbar.
func (r *Result) Stress(box geom.Box) geom.Voigt {
	return geom.StressKBar(r.Virial, box.Volume())
}

// Merge combines the results of every rank of a step into one result with
// atoms in ascending tag order.
func Merge(parts []*Result) *Result {
	out := &Result{Rank: -1}
	type atom struct {
		tag    int64
		energy float64
		force  geom.Vec3
		virial geom.Voigt
	}
	var atoms []atom
	for _, p := range parts {
		out.Step = p.Step
		out.Energy += p.Energy
		out.Virial = out.Virial.Add(p.Virial)
		for i, tag := range p.Tags {
			atoms = append(atoms, atom{tag, p.AtomEnergies[i], p.Forces[i], p.Virials[i]})
		}
	}
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].tag < atoms[j].tag })

	out.Tags = make([]int64, len(atoms))
	out.AtomEnergies = make([]float64, len(atoms))
	out.Forces = make([]geom.Vec3, len(atoms))
	out.Virials = make([]geom.Voigt, len(atoms))
	for i, a := range atoms {
		out.Tags[i] = a.tag
		out.AtomEnergies[i] = a.energy
		out.Forces[i] = a.force
		out.Virials[i] = a.virial
	}
	return out
}
