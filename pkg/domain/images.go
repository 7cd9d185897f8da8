package domain

import (
	"math"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// SerialGraph builds the graph of a whole periodic system on one process by
// explicit image enumeration. All atoms are local; edges to periodic images
// point at the original atom.
func SerialGraph(box geom.Box, tags []int64, species []int, positions []geom.Vec3, cutoffs []float64) (*Graph, error) {
	n := len(positions)
	g := &Graph{
		NLocal:  n,
		Tags:    append([]int64(nil), tags...),
		Species: append([]int(nil), species...),
		Layers:  make([][]Edge, len(cutoffs)),
	}
	maxCut := 0.0
	for _, rc := range cutoffs {
		maxCut = math.Max(maxCut, rc)
	}
	for i := 0; i < n; i++ {
		for _, e := range ImageEdges(box, positions, i, maxCut) {
			if !(e.Len > 0) {
				return nil, fault.Numericalf("build serial graph", "atoms tag %d and %d overlap", tags[i], tags[e.Dst])
			}
			for k, rc := range cutoffs {
				if e.Len < rc {
					g.Layers[k] = append(g.Layers[k], e)
				}
			}
		}
	}
	return g, nil
}

// ImageEdges lists every periodic image of every atom within cutoff of atom
// i, excluding i itself in the primary cell.
func ImageEdges(box geom.Box, positions []geom.Vec3, i int, cutoff float64) []Edge {
	span := box.ImageRange(cutoff)
	var out []Edge
	for j := range positions {
		base := positions[j].Sub(positions[i])
		for a := -span[0]; a <= span[0]; a++ {
			for b := -span[1]; b <= span[1]; b++ {
				for c := -span[2]; c <= span[2]; c++ {
					img := geom.Image{a, b, c}
					if j == i && img == (geom.Image{}) {
						continue
					}
					r := base.Add(box.Shift(img))
					if d := r.Norm(); d < cutoff {
						out = append(out, Edge{Src: i, Dst: j, R: r, Len: d})
					}
				}
			}
		}
	}
	return out
}
