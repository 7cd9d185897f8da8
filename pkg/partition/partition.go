// Package partition is a reference host decomposition: it splits a periodic
// box into a grid of subdomains and builds, for every rank, the frame a
// domain-decomposed MD engine would hand to the evaluator.
package partition

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// Strategy decides which rank owns a position.
type Strategy interface {
	Owner(p geom.Vec3) int
	Count() int
}

// Grid partitions an orthorhombic box into Split[0] x Split[1] x Split[2]
// equal subdomains. Rank r has cell coordinates (x, y, z) with
// r = x + Split[0]*(y + Split[1]*z).
type Grid struct {
	box   geom.Box
	split [3]int
}

var _ Strategy = (*Grid)(nil)

// NewGrid creates a grid decomposition of box.
func NewGrid(box geom.Box, split [3]int) (*Grid, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	for d, s := range split {
		if s < 1 {
			return nil, fmt.Errorf("split along dimension %d must be at least 1, got %d", d, s)
		}
	}
	return &Grid{box: box, split: split}, nil
}

// AutoSplit factors size into a grid, giving each prime factor to the
// dimension whose subdomains are currently longest.
func AutoSplit(size int, box geom.Box) [3]int {
	split := [3]int{1, 1, 1}
	var factors []int
	for n, p := size, 2; n > 1; {
		if n%p == 0 {
			factors = append(factors, p)
			n /= p
			continue
		}
		p++
	}
	sort.Sort(sort.Reverse(sort.IntSlice(factors)))
	for _, p := range factors {
		best := 0
		for d := 1; d < 3; d++ {
			if box.Lengths[d]/float64(split[d]) > box.Lengths[best]/float64(split[best]) {
				best = d
			}
		}
		split[best] *= p
	}
	return split
}

// Count returns the number of subdomains.
func (g *Grid) Count() int {
	return g.split[0] * g.split[1] * g.split[2]
}

// Split returns the number of subdomains per dimension.
func (g *Grid) Split() [3]int { return g.split }

// Box returns the decomposed box.
func (g *Grid) Box() geom.Box { return g.box }

func (g *Grid) cell(p geom.Vec3) [3]int {
	p = g.box.Wrap(p)
	var c [3]int
	for d := 0; d < 3; d++ {
		w := g.box.Lengths[d] / float64(g.split[d])
		c[d] = int(math.Floor((p[d] - g.box.Lo[d]) / w))
		c[d] = min(max(c[d], 0), g.split[d]-1)
	}
	return c
}

func (g *Grid) rank(c [3]int) int {
	return c[0] + g.split[0]*(c[1]+g.split[1]*c[2])
}

// Coords returns the cell coordinates of rank.
func (g *Grid) Coords(rank int) [3]int {
	return [3]int{
		rank % g.split[0],
		(rank / g.split[0]) % g.split[1],
		rank / (g.split[0] * g.split[1]),
	}
}

// Owner returns the rank whose subdomain contains p after wrapping.
func (g *Grid) Owner(p geom.Vec3) int {
	return g.rank(g.cell(p))
}

// Bounds returns the subdomain of rank.
func (g *Grid) Bounds(rank int) domain.Bounds {
	c := g.Coords(rank)
	b := domain.Bounds{Split: g.split}
	for d := 0; d < 3; d++ {
		w := g.box.Lengths[d] / float64(g.split[d])
		b.Lo[d] = g.box.Lo[d] + float64(c[d])*w
		b.Hi[d] = b.Lo[d] + w
	}
	return b
}

// Neighbors returns the sorted ranks of the cells adjacent to rank,
// including periodic wrap-around. rank itself appears when a periodic
// dimension is not split.
func (g *Grid) Neighbors(rank int) []int {
	c := g.Coords(rank)
	var out []int
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				n, ok := g.offset(c, [3]int{dx, dy, dz})
				if ok {
					out = append(out, g.rank(n))
				}
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (g *Grid) offset(c, delta [3]int) ([3]int, bool) {
	for d := 0; d < 3; d++ {
		c[d] += delta[d]
		if c[d] >= 0 && c[d] < g.split[d] {
			continue
		}
		if !g.box.Periodic[d] {
			return c, false
		}
		c[d] = (c[d] + g.split[d]) % g.split[d]
	}
	return c, true
}

// System is a whole configuration as the host sees it before
// decomposition. Species are host species indices.
type System struct {
	Step      int64
	Box       geom.Box
	Tags      []int64
	Species   []int
	Positions []geom.Vec3
}

// Validate checks that the per-atom slices agree.
func (s *System) Validate() error {
	n := len(s.Positions)
	if len(s.Tags) != n || len(s.Species) != n {
		return fmt.Errorf("system has %d positions, %d tags and %d species", n, len(s.Tags), len(s.Species))
	}
	return s.Box.Validate()
}

// distanceToBounds is the Euclidean distance from p to the subdomain.
func distanceToBounds(p geom.Vec3, b domain.Bounds) float64 {
	var s float64
	for d := 0; d < 3; d++ {
		v := max(b.Lo[d]-p[d], 0, p[d]-b.Hi[d])
		s += v * v
	}
	return math.Sqrt(s)
}

// Decompose builds one frame per rank. Every atom within shell of a
// rank's subdomain that is not one of its locals becomes a ghost, including
// periodic images of the rank's own atoms. Neighbour lists hold every atom
// within shell of each local atom.
func Decompose(sys *System, grid *Grid, shell float64) ([]*domain.Snapshot, error) {
	if err := sys.Validate(); err != nil {
		return nil, err
	}
	if !(shell > 0) {
		return nil, fmt.Errorf("ghost shell must be positive, got %v", shell)
	}

	box := grid.box
	wrapped := make([]geom.Vec3, len(sys.Positions))
	owner := make([]int, len(sys.Positions))
	for i, p := range sys.Positions {
		wrapped[i] = box.Wrap(p)
		owner[i] = grid.Owner(wrapped[i])
	}

	span := box.ImageRange(shell)
	snaps := make([]*domain.Snapshot, grid.Count())
	for r := range snaps {
		bounds := grid.Bounds(r)
		s := &domain.Snapshot{
			RankID:   r,
			StepNo:   sys.Step,
			Cell:     box,
			Region:   bounds,
			Channels: grid.Neighbors(r),
		}
		for i := range wrapped {
			if owner[i] == r {
				s.Locals = append(s.Locals, domain.Atom{
					Tag: sys.Tags[i], Kind: domain.Local, Species: sys.Species[i], Position: wrapped[i], Owner: r,
				})
			}
		}
		for i := range wrapped {
			for a := -span[0]; a <= span[0]; a++ {
				for b := -span[1]; b <= span[1]; b++ {
					for c := -span[2]; c <= span[2]; c++ {
						img := geom.Image{a, b, c}
						if owner[i] == r && img == (geom.Image{}) {
							continue
						}
						p := wrapped[i].Add(box.Shift(img))
						if distanceToBounds(p, bounds) >= shell {
							continue
						}
						s.Ghosts = append(s.Ghosts, domain.Atom{
							Tag: sys.Tags[i], Kind: domain.Ghost, Species: sys.Species[i],
							Position: p, Owner: owner[i], Image: img,
						})
					}
				}
			}
		}
		s.NeighLst = neighborLists(s, shell)
		snaps[r] = s
	}
	return snaps, nil
}

func neighborLists(s *domain.Snapshot, shell float64) [][]int {
	nl := len(s.Locals)
	n := nl + len(s.Ghosts)
	lists := make([][]int, nl)
	for i := 0; i < nl; i++ {
		xi := s.Position(i)
		for j := 0; j < n; j++ {
			if j != i && s.Position(j).Sub(xi).Norm() < shell {
				lists[i] = append(lists[i], j)
			}
		}
	}
	return lists
}

// Stats summarises how evenly a decomposition spreads the atoms.
type Stats struct {
	LocalCounts []int
	GhostCounts []int
	// LoadBalance is 1 for a perfectly even split and tends to 0 as the
	// local counts spread out.
	LoadBalance float64
	// GhostRatio is ghosts per local atom over all ranks.
	GhostRatio float64
}

// ComputeStats analyses a decomposition.
func ComputeStats(snaps []*domain.Snapshot) Stats {
	st := Stats{
		LocalCounts: make([]int, len(snaps)),
		GhostCounts: make([]int, len(snaps)),
		LoadBalance: 1,
	}
	var locals, ghosts int
	for r, s := range snaps {
		st.LocalCounts[r] = len(s.Locals)
		st.GhostCounts[r] = len(s.Ghosts)
		locals += len(s.Locals)
		ghosts += len(s.Ghosts)
	}
	if locals == 0 || len(snaps) == 0 {
		return st
	}

	avg := float64(locals) / float64(len(snaps))
	var variance float64
	for _, n := range st.LocalCounts {
		diff := float64(n) - avg
		variance += diff * diff
	}
	variance /= float64(len(snaps))
	st.LoadBalance = 1 / (1 + variance/avg)
	st.GhostRatio = float64(ghosts) / float64(locals)
	return st
}
