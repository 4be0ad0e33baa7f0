package trainer

import (
	"context"
	"fmt"
	"math"

	"forkevo/internal/perception"
	"forkevo/internal/scape"
)

const (
	carryLift    = 0.5
	steerGain    = 2.0
	approachGain = 10.0
)

// Heuristic is a scripted pick-and-deliver policy that reads only the
// observation vector.
type Heuristic struct {
	ledger

	// InterruptAfter ends an episode from the trainer side after that many
	// decisions; zero disables it.
	InterruptAfter int
}

func NewHeuristic() *Heuristic {
	return &Heuristic{ledger: newLedger()}
}

func (h *Heuristic) Decide(ctx context.Context, agentID string, obs []float64) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if len(obs) < perception.ObservationSize(1) {
		return Decision{}, fmt.Errorf("%w: got %d values", ErrObservationSize, len(obs))
	}

	h.mu.Lock()
	decisions := h.step(agentID)
	interrupt := h.InterruptAfter > 0 && decisions >= h.InterruptAfter
	if interrupt {
		h.entry(agentID).decisions = 0
	}
	h.mu.Unlock()
	if interrupt {
		return Decision{Interrupted: true}, nil
	}
	return Decision{Action: policy(obs)}, nil
}

func policy(obs []float64) scape.Action {
	lift := obs[perception.ObsLift]
	holding := obs[perception.ObsHolding] > 0.5
	touching := obs[perception.ObsTouching] > 0.5
	inGoal := obs[perception.ObsInGoal] > 0.5

	switch {
	case holding && inGoal:
		return scape.Action{Move: 0.2, Lift: -1}
	case holding:
		return seek(obs[perception.ObsGoalForward], obs[perception.ObsGoalRight], liftToward(lift, carryLift))
	case touching && inGoal:
		return scape.Action{Move: -0.5, Lift: -1}
	case touching:
		return scape.Action{Lift: liftToward(lift, carryLift)}
	}

	slot := perception.SlotOffset(0)
	if obs[slot+3] > 0.5 {
		action := seek(obs[slot], obs[slot+1], liftToward(lift, 0))
		action.Move = clamp(obs[slot+2]*approachGain, 0.3, 1)
		return action
	}
	if inGoal {
		return scape.Action{Move: -0.5, Lift: -1}
	}
	return scape.Action{Brake: true, Lift: -1}
}

// seek steers toward a point given in the agent frame.
func seek(forward, right, lift float64) scape.Action {
	angle := math.Atan2(right, forward)
	move := 1.0
	if math.Abs(angle) > math.Pi/2 {
		move = 0.3
	}
	return scape.Action{
		Move:  move,
		Steer: clamp(angle*steerGain, -1, 1),
		Lift:  lift,
	}
}

func liftToward(current, target float64) float64 {
	return clamp((target-current)*4, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
