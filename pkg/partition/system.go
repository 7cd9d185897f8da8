package partition

import (
	"fmt"
	"math/rand"

	"github.com/dd0wney/gnn-halo/pkg/domain"
	"github.com/dd0wney/gnn-halo/pkg/geom"
)

// RandomSystem scatters n atoms uniformly in box with no pair closer than
// minDist under the minimum image convention. Tags run 1..n and species
// cycle through [0, species).
func RandomSystem(seed int64, box geom.Box, n, species int, minDist float64) (*System, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	if species < 1 {
		return nil, fmt.Errorf("need at least one species, got %d", species)
	}
	rng := rand.New(rand.NewSource(seed))
	sys := &System{
		Box:       box,
		Tags:      make([]int64, 0, n),
		Species:   make([]int, 0, n),
		Positions: make([]geom.Vec3, 0, n),
	}

	const maxAttempts = 1000
	for i := 0; i < n; i++ {
		placed := false
		for attempt := 0; attempt < maxAttempts && !placed; attempt++ {
			var p geom.Vec3
			for d := 0; d < 3; d++ {
				p[d] = box.Lo[d] + rng.Float64()*box.Lengths[d]
			}
			placed = true
			for _, q := range sys.Positions {
				if box.MinimumImage(p.Sub(q)).Norm() < minDist {
					placed = false
					break
				}
			}
			if placed {
				sys.Positions = append(sys.Positions, p)
			}
		}
		if !placed {
			return nil, fmt.Errorf("could not place atom %d of %d with spacing %v", i+1, n, minDist)
		}
		sys.Tags = append(sys.Tags, int64(i+1))
		sys.Species = append(sys.Species, i%species)
	}
	return sys, nil
}

// Clone returns a deep copy of the system.
func (s *System) Clone() *System {
	return &System{
		Step:      s.Step,
		Box:       s.Box,
		Tags:      append([]int64(nil), s.Tags...),
		Species:   append([]int(nil), s.Species...),
		Positions: append([]geom.Vec3(nil), s.Positions...),
	}
}

// Shuffle reorders the atoms, keeping each atom's tag, species and position
// together.
func (s *System) Shuffle(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(s.Positions), func(i, j int) {
		s.Tags[i], s.Tags[j] = s.Tags[j], s.Tags[i]
		s.Species[i], s.Species[j] = s.Species[j], s.Species[i]
		s.Positions[i], s.Positions[j] = s.Positions[j], s.Positions[i]
	})
}

// Frame returns the whole system as a single rank's frame with no ghosts,
// the view a serial evaluator takes.
func (s *System) Frame() *domain.Snapshot {
	snap := &domain.Snapshot{
		StepNo: s.Step,
		Cell:   s.Box,
		Region: domain.Bounds{Lo: s.Box.Lo, Hi: s.Box.Lo.Add(s.Box.Lengths), Split: [3]int{1, 1, 1}},
		Locals: make([]domain.Atom, len(s.Positions)),
	}
	for i, p := range s.Positions {
		snap.Locals[i] = domain.Atom{Tag: s.Tags[i], Kind: domain.Local, Species: s.Species[i], Position: p}
	}
	return snap
}
