// Package accumulate turns per-edge gradients into per-atom forces and
// virials. Contributions that land on ghost rows belong to another rank's
// atoms; they stay in the ghost rows until the reverse exchange ships them
// to their owners and clears them.
package accumulate

import (
	"fmt"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/geom"
	"github.com/dd0wney/gnn-halo/pkg/model"
)

// Width of an accumulator row: three force components then the Voigt
// virial xx, yy, zz, xy, yz, zx.
const Width = 9

// Accumulator holds one row per local and ghost atom.
type Accumulator struct {
	nLocal int
	rows   model.Features
}

// Reset sizes the accumulator for a step and zeroes it.
func (a *Accumulator) Reset(nLocal, nGhost int) {
	a.nLocal = nLocal
	a.rows.Resize(nLocal+nGhost, Width)
}

// Rows exposes the row matrix to the reverse exchange.
func (a *Accumulator) Rows() *model.Features { return &a.rows }

// NLocal is the number of local rows.
func (a *Accumulator) NLocal() int { return a.nLocal }

// AddEdge accounts the gradient g = dE/dr of edge src->dst with
// r = x_dst - x_src: F_src += g, F_dst -= g, and the edge virial -r(x)g
// split evenly between the two endpoints.
func (a *Accumulator) AddEdge(src, dst int, r, g geom.Vec3) {
	s, d := a.rows.Row(src), a.rows.Row(dst)
	for c := 0; c < 3; c++ {
		s[c] += g[c]
		d[c] -= g[c]
	}
	v := geom.PairVirial(r, g)
	for c := 0; c < 6; c++ {
		half := 0.5 * v[c]
		s[3+c] += half
		d[3+c] += half
	}
}

// Totals is the reduced result for the local atoms.
type Totals struct {
	Forces  []geom.Vec3
	Virials []geom.Voigt
	// Virial is the sum of this rank's per-atom virials.
	Virial geom.Voigt
}

// Finalize checks that every ghost row was drained by the reverse exchange
// and that all values are finite, and returns the local rows.
func (a *Accumulator) Finalize() (*Totals, error) {
	for g := a.nLocal; g < a.rows.Rows(); g++ {
		for c, v := range a.rows.Row(g) {
			if v != 0 {
				return nil, fault.Numericalf("finalize gradients",
					"ghost slot %d column %d still holds %g after reverse exchange", g-a.nLocal, c, v)
			}
		}
	}
	t := &Totals{
		Forces:  make([]geom.Vec3, a.nLocal),
		Virials: make([]geom.Voigt, a.nLocal),
	}
	for i := 0; i < a.nLocal; i++ {
		row := a.rows.Row(i)
		t.Forces[i] = geom.Vec3{row[0], row[1], row[2]}
		copy(t.Virials[i][:], row[3:Width])
		if !t.Forces[i].IsFinite() || !t.Virials[i].IsFinite() {
			return nil, fault.Numericalf("finalize gradients", "non-finite force or virial on local atom %d: %v %v", i, t.Forces[i], t.Virials[i])
		}
		t.Virial = t.Virial.Add(t.Virials[i])
	}
	return t, nil
}

// CheckDomain rejects a decomposition whose subdomains are too thin: along
// every decomposed dimension the subdomain must be at least as wide as the
// largest layer cutoff, or ghosts would have to come from beyond the
// one-hop neighbours.
func CheckDomain(bounds domain.Bounds, box geom.Box, cutoffs []float64) error {
	var rc float64
	for _, c := range cutoffs {
		if c > rc {
			rc = c
		}
	}
	for d := 0; d < 3; d++ {
		if bounds.Split[d] <= 1 {
			continue
		}
		if w := bounds.Width(d); w < rc {
			return fault.DomainSizingf("check domain",
				"subdomain width %.4g along %s is below the largest cutoff %.4g (%d subdomains over box length %.4g)",
				w, axis(d), rc, bounds.Split[d], box.Lengths[d])
		}
	}
	return nil
}

func axis(d int) string {
	if d >= 0 && d < 3 {
		return string("xyz"[d])
	}
	return fmt.Sprintf("dim %d", d)
}
