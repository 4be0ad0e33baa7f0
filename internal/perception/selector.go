package perception

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/scape"
)

// Slot is one entry of a k-nearest result. Slots without a target carry the
// agent position itself as sentinel and Present=false.
type Slot struct {
	Handle   scape.ObjectHandle
	Name     string
	Position r3.Vec
	Distance float64
	Present  bool
}

type candidate struct {
	handle scape.ObjectHandle
	pos    r3.Vec
	dist   float64
}

// Nearest returns the closest candidate that is not secured. Nil and removed
// handles are skipped.
func Nearest(agentPos r3.Vec, candidates []scape.ObjectHandle, secured map[string]struct{}) (scape.ObjectHandle, bool) {
	filtered := filter(agentPos, candidates, secured)
	if len(filtered) == 0 {
		return nil, false
	}
	best := filtered[0]
	for _, c := range filtered[1:] {
		if c.dist < best.dist {
			best = c
		}
	}
	return best.handle, true
}

// NearestK returns exactly k slots sorted by ascending distance.
func NearestK(agentPos r3.Vec, k int, candidates []scape.ObjectHandle, secured map[string]struct{}) []Slot {
	if k <= 0 {
		return nil
	}
	filtered := filter(agentPos, candidates, secured)
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].dist < filtered[j].dist
	})

	out := make([]Slot, k)
	for i := range out {
		if i < len(filtered) {
			c := filtered[i]
			out[i] = Slot{
				Handle:   c.handle,
				Name:     c.handle.Name(),
				Position: c.pos,
				Distance: c.dist,
				Present:  true,
			}
			continue
		}
		out[i] = Slot{Position: agentPos}
	}
	return out
}

func filter(agentPos r3.Vec, candidates []scape.ObjectHandle, secured map[string]struct{}) []candidate {
	out := make([]candidate, 0, len(candidates))
	for _, handle := range candidates {
		if handle == nil {
			continue
		}
		pos, ok := handle.Position()
		if !ok {
			continue
		}
		if _, done := secured[handle.Name()]; done {
			continue
		}
		out = append(out, candidate{
			handle: handle,
			pos:    pos,
			dist:   r3.Norm(r3.Sub(pos, agentPos)),
		})
	}
	return out
}
