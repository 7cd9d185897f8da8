// Package domain is the evaluator's view of the host's spatial partition:
// which atoms this rank owns, which are ghost mirrors of atoms owned
// elsewhere, and the per-layer edge lists built from the host neighbour list.
package domain

import (
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// Kind distinguishes owned atoms from read-only mirrors.
type Kind uint8

const (
	Local Kind = iota
	Ghost
)

func (k Kind) String() string {
	if k == Ghost {
		return "ghost"
	}
	return "local"
}

// Atom is one entry of a rank's atom table. Owner and Image are only
// meaningful for ghosts.
type Atom struct {
	Tag      int64
	Kind     Kind
	Species  int
	Position geom.Vec3
	Owner    int
	Image    geom.Image
}

// Bounds is the rank's subdomain together with the decomposition grid.
type Bounds struct {
	Lo, Hi geom.Vec3
	// Split is the number of subdomains along each dimension.
	Split [3]int
}

// Width of the subdomain along dimension d.
func (b Bounds) Width(d int) float64 {
	return b.Hi[d] - b.Lo[d]
}

// Frame is what the host supplies for one step. Atom indices run over
// locals first, then ghosts: [0, LocalCount) are local and
// [LocalCount, LocalCount+GhostCount) are ghosts. Ghost accessors take the
// ghost ordinal g in [0, GhostCount).
type Frame interface {
	Rank() int
	Step() int64
	Box() geom.Box
	Bounds() Bounds
	LocalCount() int
	GhostCount() int
	Tag(i int) int64
	// Species is the host's species index; the adapter maps it onto the model's.
	Species(i int) int
	Position(i int) geom.Vec3
	GhostOwner(g int) int
	GhostImage(g int) geom.Image
	// Neighbors is the full neighbour list of local atom i.
	Neighbors(i int) []int
	// NeighborRanks are the ranks this rank has a channel to. The relation
	// must be symmetric across the run.
	NeighborRanks() []int
}

// Edge is a directed edge from a local source to a local or ghost target.
// R is x_target - x_source with the periodic image already applied.
type Edge struct {
	Src, Dst int
	R        geom.Vec3
	Len      float64
}

// Graph holds everything the layer pipeline needs for one step.
type Graph struct {
	NLocal  int
	NGhost  int
	Tags    []int64
	Species []int // model species index, locals then ghosts
	// Layers[k] are the edges within layer k's cutoff.
	Layers [][]Edge
}

// N is the number of atoms known to the rank.
func (g *Graph) N() int {
	return g.NLocal + g.NGhost
}
