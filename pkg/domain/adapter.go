package domain

import (
	"math"
	"slices"

	"github.com/dd0wney/gnn-halo/pkg/fault"
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// Adapter is the per-step view over a host Frame. Every Rebuild discards
// the previous tag map, so deleted atoms and non-consecutive tags never
// leave stale indices behind.
type Adapter struct {
	speciesMap []int

	rank     int
	step     int64
	box      geom.Box
	bounds   Bounds
	nLocal   int
	atoms    []Atom
	neigh    [][]int
	channels []int

	localByTag map[int64]int
}

// NewAdapter creates an adapter. speciesMap[h] is the model species index
// of host species h.
func NewAdapter(speciesMap []int) *Adapter {
	return &Adapter{
		speciesMap: speciesMap,
		localByTag: make(map[int64]int),
	}
}

// Rebuild refreshes the atom table, the tag map and the channel set from
// the host's current configuration.
func (a *Adapter) Rebuild(f Frame) error {
	const op = "rebuild partition view"

	a.rank = f.Rank()
	a.step = f.Step()
	a.box = f.Box()
	a.bounds = f.Bounds()
	a.nLocal = f.LocalCount()
	nGhost := f.GhostCount()
	n := a.nLocal + nGhost

	a.atoms = slices.Grow(a.atoms[:0], n)[:n]
	a.neigh = slices.Grow(a.neigh[:0], a.nLocal)[:a.nLocal]
	clear(a.localByTag)

	a.channels = append(a.channels[:0], f.NeighborRanks()...)
	slices.Sort(a.channels)
	a.channels = slices.Compact(a.channels)

	for i := 0; i < n; i++ {
		hostSpecies := f.Species(i)
		if hostSpecies < 0 || hostSpecies >= len(a.speciesMap) {
			return fault.New(fault.KindConfiguration, op).Rank(a.rank).Step(a.step).
				Causef("atom tag %d has unknown species index %d", f.Tag(i), hostSpecies).Err()
		}
		pos := f.Position(i)
		if !pos.IsFinite() {
			return fault.New(fault.KindNumerical, op).Rank(a.rank).Step(a.step).
				Causef("atom tag %d has non-finite position %v", f.Tag(i), pos).Err()
		}

		atom := Atom{
			Tag:      f.Tag(i),
			Species:  a.speciesMap[hostSpecies],
			Position: pos,
			Owner:    a.rank,
		}
		if i < a.nLocal {
			atom.Kind = Local
			if prev, dup := a.localByTag[atom.Tag]; dup {
				return fault.New(fault.KindConfiguration, op).Rank(a.rank).Step(a.step).
					Causef("local atoms %d and %d share tag %d", prev, i, atom.Tag).Err()
			}
			a.localByTag[atom.Tag] = i
			a.neigh[i] = f.Neighbors(i)
		} else {
			g := i - a.nLocal
			atom.Kind = Ghost
			atom.Owner = f.GhostOwner(g)
			atom.Image = f.GhostImage(g)
			if atom.Owner != a.rank && !a.HasChannel(atom.Owner) {
				return fault.New(fault.KindDomainSizing, op).Rank(a.rank).Step(a.step).Peer(atom.Owner).
					Causef("ghost tag %d is owned by rank %d, which is more than one hop away", atom.Tag, atom.Owner).Err()
			}
		}
		a.atoms[i] = atom
	}
	return nil
}

// HasChannel reports whether peer is a declared neighbour rank.
func (a *Adapter) HasChannel(peer int) bool {
	_, ok := slices.BinarySearch(a.channels, peer)
	return ok
}

func (a *Adapter) Rank() int       { return a.rank }
func (a *Adapter) Step() int64     { return a.step }
func (a *Adapter) Box() geom.Box   { return a.box }
func (a *Adapter) Bounds() Bounds  { return a.bounds }
func (a *Adapter) LocalCount() int { return a.nLocal }
func (a *Adapter) GhostCount() int { return len(a.atoms) - a.nLocal }
func (a *Adapter) Atom(i int) Atom { return a.atoms[i] }

// Channels returns the sorted neighbour ranks, excluding self.
func (a *Adapter) Channels() []int {
	out := make([]int, 0, len(a.channels))
	for _, r := range a.channels {
		if r != a.rank {
			out = append(out, r)
		}
	}
	return out
}

// LocalIndex resolves a tag to this step's local index.
func (a *Adapter) LocalIndex(tag int64) (int, bool) {
	i, ok := a.localByTag[tag]
	return i, ok
}

// GhostOwner returns the owning rank and tag of ghost ordinal g.
func (a *Adapter) GhostOwner(g int) (rank int, tag int64) {
	atom := a.atoms[a.nLocal+g]
	return atom.Owner, atom.Tag
}

// LocalTags returns the tags of the local atoms in index order.
func (a *Adapter) LocalTags() []int64 {
	tags := make([]int64, a.nLocal)
	for i := range tags {
		tags[i] = a.atoms[i].Tag
	}
	return tags
}

// Graph builds the per-layer edge lists from the host neighbour list.
// Displacements are x_j - x_i as given by the host; ghosts carry their
// image-shifted position, so no wrapping is applied here.
func (a *Adapter) Graph(cutoffs []float64) (*Graph, error) {
	const op = "build graph"

	n := len(a.atoms)
	g := &Graph{
		NLocal:  a.nLocal,
		NGhost:  n - a.nLocal,
		Tags:    make([]int64, n),
		Species: make([]int, n),
		Layers:  make([][]Edge, len(cutoffs)),
	}
	for i, atom := range a.atoms {
		g.Tags[i] = atom.Tag
		g.Species[i] = atom.Species
	}

	for i := 0; i < a.nLocal; i++ {
		src := a.atoms[i].Position
		for _, j := range a.neigh[i] {
			if j < 0 || j >= n || j == i {
				return nil, fault.New(fault.KindConfiguration, op).Rank(a.rank).Step(a.step).
					Causef("neighbour list of atom tag %d references invalid index %d", a.atoms[i].Tag, j).Err()
			}
			r := a.atoms[j].Position.Sub(src)
			dist := r.Norm()
			if !(dist > 0) || math.IsInf(dist, 0) {
				return nil, fault.New(fault.KindNumerical, op).Rank(a.rank).Step(a.step).
					Causef("edge %d->%d has displacement %v", a.atoms[i].Tag, a.atoms[j].Tag, r).Err()
			}
			for k, rc := range cutoffs {
				if dist < rc {
					g.Layers[k] = append(g.Layers[k], Edge{Src: i, Dst: j, R: r, Len: dist})
				}
			}
		}
	}
	return g, nil
}
