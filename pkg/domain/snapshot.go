package domain

import (
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// Snapshot is a plain in-memory Frame. Hosts that already own their atom
// tables can implement Frame directly instead.
type Snapshot struct {
	RankID   int
	StepNo   int64
	Cell     geom.Box
	Region   Bounds
	Locals   []Atom
	Ghosts   []Atom
	NeighLst [][]int
	Channels []int
}

var _ Frame = (*Snapshot)(nil)

func (s *Snapshot) Rank() int            { return s.RankID }
func (s *Snapshot) Step() int64          { return s.StepNo }
func (s *Snapshot) Box() geom.Box        { return s.Cell }
func (s *Snapshot) Bounds() Bounds       { return s.Region }
func (s *Snapshot) LocalCount() int      { return len(s.Locals) }
func (s *Snapshot) GhostCount() int      { return len(s.Ghosts) }
func (s *Snapshot) NeighborRanks() []int { return s.Channels }

func (s *Snapshot) atom(i int) *Atom {
	if i < len(s.Locals) {
		return &s.Locals[i]
	}
	return &s.Ghosts[i-len(s.Locals)]
}

func (s *Snapshot) Tag(i int) int64             { return s.atom(i).Tag }
func (s *Snapshot) Species(i int) int           { return s.atom(i).Species }
func (s *Snapshot) Position(i int) geom.Vec3    { return s.atom(i).Position }
func (s *Snapshot) GhostOwner(g int) int        { return s.Ghosts[g].Owner }
func (s *Snapshot) GhostImage(g int) geom.Image { return s.Ghosts[g].Image }

func (s *Snapshot) Neighbors(i int) []int {
	if i >= len(s.NeighLst) {
		return nil
	}
	return s.NeighLst[i]
}
