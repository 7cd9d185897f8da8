package potential

import (
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// EnergyFunc returns the total energy of a configuration.
type EnergyFunc func(box geom.Box, positions []geom.Vec3) (float64, error)

// FiniteDifferenceForces estimates F = -dE/dx by central differences with
// step h.
func FiniteDifferenceForces(energy EnergyFunc, box geom.Box, positions []geom.Vec3, h float64) ([]geom.Vec3, error) {
	forces := make([]geom.Vec3, len(positions))
	moved := append([]geom.Vec3(nil), positions...)
	for i := range positions {
		for d := 0; d < 3; d++ {
			moved[i][d] = positions[i][d] + h
			plus, err := energy(box, moved)
			if err != nil {
				return nil, err
			}
			moved[i][d] = positions[i][d] - h
			minus, err := energy(box, moved)
			if err != nil {
				return nil, err
			}
			moved[i][d] = positions[i][d]
			forces[i][d] = -(plus - minus) / (2 * h)
		}
	}
	return forces, nil
}

// voigtAxes lists the tensor index pair of each Voigt component.
var voigtAxes = [6][2]int{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {1, 2}, {2, 0}}

// strain applies the symmetric strain with magnitude eps on component
// (a, b). Diagonal strains scale the box with the atoms; the box stays
// orthorhombic under shear, so off-diagonal strains are only meaningful
// when no edge crosses a periodic boundary.
func strain(box geom.Box, positions []geom.Vec3, a, b int, eps float64) (geom.Box, []geom.Vec3) {
	out := make([]geom.Vec3, len(positions))
	if a == b {
		box.Lo[a] *= 1 + eps
		box.Lengths[a] *= 1 + eps
		for i, p := range positions {
			p[a] *= 1 + eps
			out[i] = p
		}
		return box, out
	}
	for i, p := range positions {
		q := p
		q[a] += eps / 2 * p[b]
		q[b] += eps / 2 * p[a]
		out[i] = q
	}
	return box, out
}

// FiniteDifferenceVirial estimates the virial W = -dE/d(strain) by central
// differences with strain step h, in Voigt order.
func FiniteDifferenceVirial(energy EnergyFunc, box geom.Box, positions []geom.Vec3, h float64) (geom.Voigt, error) {
	var w geom.Voigt
	for c, ax := range voigtAxes {
		bp, pp := strain(box, positions, ax[0], ax[1], h)
		plus, err := energy(bp, pp)
		if err != nil {
			return w, err
		}
		bm, pm := strain(box, positions, ax[0], ax[1], -h)
		minus, err := energy(bm, pm)
		if err != nil {
			return w, err
		}
		w[c] = -(plus - minus) / (2 * h)
	}
	return w, nil
}
