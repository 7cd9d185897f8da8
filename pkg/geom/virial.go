package geom

// EVPerA3ToKBar converts eV/Å³ to kbar.
const EVPerA3ToKBar = 1602.1766208

// Voigt is a symmetric tensor in the order xx, yy, zz, xy, yz, zx.
type Voigt [6]float64

func (v Voigt) Add(o Voigt) Voigt {
	var out Voigt
	for i := range v {
		out[i] = v[i] + o[i]
	}
	return out
}

func (v Voigt) Scale(s float64) Voigt {
	var out Voigt
	for i := range v {
		out[i] = v[i] * s
	}
	return out
}

// IsFinite reports whether every component is finite.
func (v Voigt) IsFinite() bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}

// PairVirial is the virial of one edge, -r ⊗ g, where g = ∂E/∂r.
func PairVirial(r, g Vec3) Voigt {
	return Voigt{
		-r[0] * g[0],
		-r[1] * g[1],
		-r[2] * g[2],
		-r[0] * g[1],
		-r[1] * g[2],
		-r[2] * g[0],
	}
}

// StressKBar converts a summed virial to stress in kbar using the
// convention stress = -virial / volume.
func StressKBar(virial Voigt, volume float64) Voigt {
	return virial.Scale(-EVPerA3ToKBar / volume)
}
