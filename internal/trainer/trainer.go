package trainer

import (
	"context"
	"errors"

	"forkevo/internal/reward"
	"forkevo/internal/scape"
)

var ErrObservationSize = errors.New("observation too short")

// Decision is the trainer's answer for one observation. Interrupted reports
// that the trainer ended the episode on its own.
type Decision struct {
	Action      scape.Action
	Interrupted bool
}

// Trainer is the policy driving agents. Implementations must be safe for
// concurrent use by distinct agents.
type Trainer interface {
	Decide(ctx context.Context, agentID string, observation []float64) (Decision, error)
	Reward(agentID string, value float64)
	EndEpisode(agentID string, reason reward.Reason)
}

// Inheritor is implemented by trainers holding per-agent parameters. Inherit
// gives childID a mutated copy of donorID's parameters when a culled agent
// respawns as the donor's clone.
type Inheritor interface {
	Inherit(childID, donorID string) error
}
