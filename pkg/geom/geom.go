// Package geom holds the small amount of 3-vector and periodic-box math the
// evaluator needs.
package geom

import (
	"fmt"
	"math"
)

// Vec3 is a Cartesian vector in Å (positions, displacements) or eV/Å (forces).
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a Vec3) Norm() float64      { return math.Sqrt(a.Dot(a)) }

// IsFinite reports whether no component is NaN or Inf.
func (a Vec3) IsFinite() bool {
	return isFinite(a[0]) && isFinite(a[1]) && isFinite(a[2])
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Image is an integer periodic image offset.
type Image [3]int

// Box is an orthorhombic simulation cell anchored at Lo.
type Box struct {
	Lo       Vec3
	Lengths  Vec3
	Periodic [3]bool
}

// NewCubicBox returns a fully periodic cube with corner at the origin.
func NewCubicBox(l float64) Box {
	return Box{Lengths: Vec3{l, l, l}, Periodic: [3]bool{true, true, true}}
}

// Validate rejects degenerate cells.
func (b Box) Validate() error {
	for d := 0; d < 3; d++ {
		if !(b.Lengths[d] > 0) || !isFinite(b.Lengths[d]) {
			return fmt.Errorf("box length %d is %v", d, b.Lengths[d])
		}
	}
	return nil
}

// Volume in Å³.
func (b Box) Volume() float64 {
	return b.Lengths[0] * b.Lengths[1] * b.Lengths[2]
}

// Shift returns the translation of a periodic image.
func (b Box) Shift(img Image) Vec3 {
	return Vec3{
		float64(img[0]) * b.Lengths[0],
		float64(img[1]) * b.Lengths[1],
		float64(img[2]) * b.Lengths[2],
	}
}

// Wrap maps a position into the primary cell along periodic dimensions.
func (b Box) Wrap(p Vec3) Vec3 {
	for d := 0; d < 3; d++ {
		if !b.Periodic[d] {
			continue
		}
		rel := p[d] - b.Lo[d]
		rel -= math.Floor(rel/b.Lengths[d]) * b.Lengths[d]
		if rel >= b.Lengths[d] {
			rel = 0
		}
		p[d] = b.Lo[d] + rel
	}
	return p
}

// MinimumImage reduces a displacement to its nearest periodic image.
func (b Box) MinimumImage(d Vec3) Vec3 {
	for k := 0; k < 3; k++ {
		if b.Periodic[k] {
			d[k] -= math.Round(d[k]/b.Lengths[k]) * b.Lengths[k]
		}
	}
	return d
}

// ImageRange returns how many periodic images per dimension are needed so
// that every point within cutoff of the primary cell is reached.
func (b Box) ImageRange(cutoff float64) Image {
	var n Image
	for d := 0; d < 3; d++ {
		if b.Periodic[d] {
			n[d] = int(math.Ceil(cutoff / b.Lengths[d]))
		}
	}
	return n
}
