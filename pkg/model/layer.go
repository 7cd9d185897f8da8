package model

import (
	"math"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// GradientSink receives dE/dr for each edge of the backward pass.
type GradientSink interface {
	AddEdge(src, dst int, r, g geom.Vec3)
}

// matVec computes out = M x for a w x w row-major M.
func matVec(m []float64, x, out []float64, w int) {
	for a := 0; a < w; a++ {
		var s float64
		row := m[a*w : (a+1)*w]
		for b, xb := range x {
			s += row[b] * xb
		}
		out[a] = s
	}
}

// addMatTVec adds scale * M^T x into out.
func addMatTVec(m []float64, x []float64, scale float64, out []float64, w int) {
	for a := 0; a < w; a++ {
		xa := scale * x[a]
		if xa == 0 {
			continue
		}
		row := m[a*w : (a+1)*w]
		for b := range out {
			out[b] += row[b] * xa
		}
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Forward computes the layer output for the nLocal local atoms. in must
// hold every row an edge can reach (locals and ghosts); only rows
// [0, nLocal) of out are written.
func (l *Layer) Forward(edges []domain.Edge, in *Features, nLocal int, out *Features) {
	w := in.Width()
	for i := 0; i < nLocal; i++ {
		z := out.Row(i)
		matVec(l.U, in.Row(i), z, w)
		for a := range z {
			z[a] += l.B[a]
		}
	}
	msg := make([]float64, w)
	for _, e := range edges {
		phi, _ := Envelope(e.Len, l.Cutoff)
		if phi == 0 {
			continue
		}
		matVec(l.W, in.Row(e.Dst), msg, w)
		z := out.Row(e.Src)
		for a := range z {
			z[a] += phi * msg[a]
		}
	}
	for i := 0; i < nLocal; i++ {
		row := out.Row(i)
		for a, z := range row {
			row[a] = math.Tanh(z)
		}
	}
}

// Backward propagates adjOut (dE/dh' for local rows) back through the
// layer. It adds dE/dh into adjIn, including ghost rows that edges reach,
// and reports dE/dr for every edge to sink. adjIn is only added to.
func (l *Layer) Backward(edges []domain.Edge, in, out, adjOut *Features, nLocal int, adjIn *Features, sink GradientSink) {
	w := in.Width()
	delta := make([]float64, nLocal*w)
	for i := 0; i < nLocal; i++ {
		d := delta[i*w : (i+1)*w]
		h, a := out.Row(i), adjOut.Row(i)
		for c := range d {
			d[c] = a[c] * (1 - h[c]*h[c])
		}
		addMatTVec(l.U, d, 1, adjIn.Row(i), w)
	}
	msg := make([]float64, w)
	for _, e := range edges {
		phi, dphi := Envelope(e.Len, l.Cutoff)
		if phi == 0 && dphi == 0 {
			continue
		}
		d := delta[e.Src*w : (e.Src+1)*w]
		addMatTVec(l.W, d, phi, adjIn.Row(e.Dst), w)
		if sink == nil {
			continue
		}
		matVec(l.W, in.Row(e.Dst), msg, w)
		s := dphi * dot(d, msg) / e.Len
		sink.AddEdge(e.Src, e.Dst, e.R, e.R.Scale(s))
	}
}

// Embed writes the species embedding rows for atoms [0, n).
func (m *Model) Embed(species []int, n int, out *Features) {
	w := m.Width
	for i := 0; i < n; i++ {
		copy(out.Row(i), m.Embedding[species[i]*w:(species[i]+1)*w])
	}
}

// Energies writes per-atom energies of the nLocal local atoms from the
// final layer's features and returns their sum.
func (m *Model) Energies(h *Features, species []int, nLocal int, out []float64) float64 {
	var total float64
	for i := 0; i < nLocal; i++ {
		out[i] = dot(m.Readout, h.Row(i)) + m.Shift[species[i]]
		total += out[i]
	}
	return total
}

// SeedAdjoint writes dE/dh for the final layer's local rows.
func (m *Model) SeedAdjoint(nLocal int, adj *Features) {
	for i := 0; i < nLocal; i++ {
		copy(adj.Row(i), m.Readout)
	}
}
