package evo

import (
	"fmt"
	"math/rand"
)

// Selector chooses the elite donor a culled agent is cloned from.
type Selector interface {
	Name() string
	PickDonor(rng *rand.Rand, ranked []Scored, eliteCount int) (Scored, error)
}

// EliteSelector picks uniformly from the top elite set.
type EliteSelector struct{}

func (EliteSelector) Name() string {
	return "elite"
}

func (EliteSelector) PickDonor(rng *rand.Rand, ranked []Scored, eliteCount int) (Scored, error) {
	if rng == nil {
		return Scored{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return Scored{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}
	return ranked[rng.Intn(eliteCount)], nil
}

// TournamentSelector samples elites and keeps the fittest of the sample.
type TournamentSelector struct {
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickDonor(rng *rand.Rand, ranked []Scored, eliteCount int) (Scored, error) {
	if rng == nil {
		return Scored{}, fmt.Errorf("random source is required")
	}
	if eliteCount <= 0 || eliteCount > len(ranked) {
		return Scored{}, fmt.Errorf("invalid elite count: %d", eliteCount)
	}

	size := s.TournamentSize
	if size <= 0 {
		size = 2
	}
	if size > eliteCount {
		size = eliteCount
	}

	best := ranked[rng.Intn(eliteCount)]
	for i := 1; i < size; i++ {
		candidate := ranked[rng.Intn(eliteCount)]
		if candidate.Fitness > best.Fitness {
			best = candidate
		}
	}
	return best, nil
}

// SelectorByName resolves a configured selector.
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", "elite":
		return EliteSelector{}, nil
	case "tournament":
		return TournamentSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown selector: %s", name)
	}
}
