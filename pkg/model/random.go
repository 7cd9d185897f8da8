package model

import (
	"math"
	"math/rand"
	"sort"
)

// NewRandom builds a reference model with small random weights, for demos
// and tests. The same seed always yields the same model.
func NewRandom(seed int64, species []string, width int, cutoffs []float64) *Model {
	rng := rand.New(rand.NewSource(seed))
	sorted := append([]string(nil), species...)
	sort.Strings(sorted)
	scale := 0.8 / math.Sqrt(float64(width))

	fill := func(n int, s float64) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = s * (2*rng.Float64() - 1)
		}
		return v
	}

	m := &Model{
		Version:   FormatVersion,
		Width:     width,
		Species:   sorted,
		Embedding: fill(len(sorted)*width, 1),
		Layers:    make([]Layer, len(cutoffs)),
		Readout:   fill(width, 1),
		Shift:     fill(len(sorted), 0.5),
	}
	for k, rc := range cutoffs {
		m.Layers[k] = Layer{
			Cutoff: rc,
			W:      fill(width*width, scale),
			U:      fill(width*width, scale),
			B:      fill(width, 0.1),
		}
	}
	return m
}
