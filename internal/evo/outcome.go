package evo

import (
	"math"
	"sort"

	"forkevo/internal/scape"
)

// Scored is one agent's standing at a generation boundary.
type Scored struct {
	AgentID string
	Slot    int
	GroupID string
	Fitness float64
	Pose    scape.Pose
}

// Outcome is the ranking of one generation.
type Outcome struct {
	Ranked     []Scored
	EliteCount int
	Elites     []Scored
	Culled     []Scored
}

// EliteCount is max(1, round(n·rate)) capped at n. Halves round to even.
func EliteCount(n int, rate float64) int {
	if n <= 0 {
		return 0
	}
	count := int(math.RoundToEven(float64(n) * rate))
	if count < 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	return count
}

// Rank sorts by descending fitness, keeping registration order among ties,
// and splits into elites and culled.
func Rank(scored []Scored, survivalRate float64) Outcome {
	ranked := make([]Scored, len(scored))
	copy(ranked, scored)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Fitness > ranked[j].Fitness
	})
	keep := EliteCount(len(ranked), survivalRate)
	return Outcome{
		Ranked:     ranked,
		EliteCount: keep,
		Elites:     ranked[:keep],
		Culled:     ranked[keep:],
	}
}
