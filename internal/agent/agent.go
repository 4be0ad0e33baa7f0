package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forkevo/internal/perception"
	"forkevo/internal/reward"
	"forkevo/internal/scape"
	"forkevo/internal/trainer"
)

var ErrInvalidAgent = errors.New("invalid agent")

type Config struct {
	ID       string
	Slot     int
	GroupID  string
	Spawn    scape.Pose
	MaxSteps int
	// RestartEpisodes restarts the episode after a terminal outcome instead
	// of marking the agent done.
	RestartEpisodes bool
	// TotalObjects is the expected group size; zero counts live objects.
	TotalObjects int
}

type Deps struct {
	Actuator scape.Actuator
	Layout   scape.Layout
	Trainer  trainer.Trainer
	Encoder  perception.Encoder
	Reward   reward.Config
	Logger   *slog.Logger
}

// TickResult reports what happened to an agent during one tick.
type TickResult struct {
	Stepped bool
	Outcome reward.Outcome
	Ended   reward.Reason
	State   scape.State
	Target  perception.Slot
	Secured int
	Total   int
	// EpisodeReward is the reward accumulated in the episode that this tick
	// belongs to.
	EpisodeReward float64
}

// Agent couples a tracker, a reward engine and the collaborators of one
// population member.
type Agent struct {
	ID      string
	Slot    int
	GroupID string
	Spawn   scape.Pose
	Tracker *Tracker
	Engine  *reward.Engine

	MaxSteps        int
	RestartEpisodes bool
	TotalObjects    int

	episodeStep   int
	episodeReward float64
	episodes      int
	lastAction    scape.Action
	hasAction     bool
	resetsSeen    int

	actuator scape.Actuator
	layout   scape.Layout
	trainer  trainer.Trainer
	encoder  perception.Encoder
	logger   *slog.Logger
}

func New(cfg Config, deps Deps) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidAgent)
	}
	if deps.Actuator == nil || deps.Layout == nil || deps.Trainer == nil {
		return nil, fmt.Errorf("%w: %s: actuator, layout and trainer are required", ErrInvalidAgent, cfg.ID)
	}
	if cfg.MaxSteps < 0 {
		return nil, fmt.Errorf("%w: %s: max steps must be >= 0", ErrInvalidAgent, cfg.ID)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", cfg.ID)
	return &Agent{
		ID:              cfg.ID,
		Slot:            cfg.Slot,
		GroupID:         cfg.GroupID,
		Spawn:           cfg.Spawn,
		Tracker:         NewTracker(cfg.ID, deps.Actuator, logger),
		Engine:          reward.NewEngine(deps.Reward),
		MaxSteps:        cfg.MaxSteps,
		RestartEpisodes: cfg.RestartEpisodes,
		TotalObjects:    cfg.TotalObjects,
		actuator:        deps.Actuator,
		layout:          deps.Layout,
		trainer:         deps.Trainer,
		encoder:         deps.Encoder,
		logger:          logger,
	}, nil
}

func (a *Agent) EpisodeStep() int {
	return a.episodeStep
}

// Episodes counts episodes begun since the agent was created.
func (a *Agent) Episodes() int {
	return a.episodes
}

// Rebind points the agent at another object group and rebuilds its reward
// engine so no baseline from the previous group survives.
func (a *Agent) Rebind(groupID string) {
	a.GroupID = groupID
	a.Engine = reward.NewEngine(a.Engine.Config())
	a.resetsSeen = a.groupResets()
}

// BeginEpisode resets per-episode state, seeds the delivery baseline from the
// layout and resumes actuation.
func (a *Agent) BeginEpisode() error {
	secured, err := a.layout.SecuredCount(a.GroupID)
	if err != nil {
		return fmt.Errorf("begin episode %s: %w", a.ID, err)
	}
	a.Engine.Reset(secured)
	a.resetsSeen = a.groupResets()
	a.episodeStep = 0
	a.episodeReward = 0
	a.episodes++
	a.hasAction = false
	a.lastAction = scape.Action{}
	if err := a.actuator.SetSuspended(a.ID, false); err != nil {
		return fmt.Errorf("begin episode %s: %w", a.ID, err)
	}
	return nil
}

// Truncate reports a running episode as interrupted to the trainer. The
// controller calls it when a generation boundary cuts an episode short.
func (a *Agent) Truncate() {
	if a.episodeStep == 0 || a.Tracker.Done() {
		return
	}
	a.Engine.Terminate(reward.ReasonInterrupted, a.episodeStep, a.MaxSteps)
	a.trainer.EndEpisode(a.ID, reward.ReasonInterrupted)
}

// Tick runs one decision step. Done agents are skipped.
func (a *Agent) Tick(ctx context.Context, dt time.Duration) (TickResult, error) {
	if a.Tracker.Done() {
		return TickResult{}, nil
	}

	state, err := a.actuator.QueryState(a.ID)
	if err != nil {
		return TickResult{}, fmt.Errorf("query state %s: %w", a.ID, err)
	}
	objects, err := a.layout.ObjectsInGroup(a.GroupID)
	if err != nil {
		return TickResult{}, fmt.Errorf("objects of %s: %w", a.GroupID, err)
	}
	resetsBefore := a.groupResets()
	secured, err := a.layout.SecuredSet(a.GroupID)
	if err != nil {
		return TickResult{}, fmt.Errorf("secured set of %s: %w", a.GroupID, err)
	}
	// Another agent bound to the same group restarted it. The secured set
	// read next to a concurrent reset is ambiguous, so it is adopted again
	// on the following tick.
	if resetsAfter := a.groupResets(); resetsAfter != a.resetsSeen {
		a.Engine.Rebaseline(len(secured))
		a.resetsSeen = resetsBefore
	}
	total := a.expectedTotal(objects)
	complete, err := a.layout.IsComplete(a.GroupID, total)
	if err != nil {
		return TickResult{}, fmt.Errorf("completion of %s: %w", a.GroupID, err)
	}

	slots := perception.NearestK(state.Position, a.encoder.Targets(), objects, secured)
	var target perception.Slot
	if len(slots) > 0 {
		target = slots[0]
	}

	a.episodeStep++
	out := a.Engine.Step(reward.Signals{
		Step:         a.episodeStep,
		MaxSteps:     a.MaxSteps,
		Dt:           dt,
		State:        state,
		Action:       a.lastAction,
		HasAction:    a.hasAction,
		SecuredCount: len(secured),
		Complete:     complete,
		Target:       target,
	})
	a.episodeReward += out.Reward
	a.Tracker.AddFitness(out.Reward)
	a.trainer.Reward(a.ID, out.Reward)

	result := TickResult{
		Stepped:       true,
		Outcome:       out,
		State:         state,
		Target:        target,
		Secured:       len(secured),
		Total:         total,
		EpisodeReward: a.episodeReward,
	}
	if out.Terminal != reward.ReasonNone {
		result.Ended = out.Terminal
		a.trainer.EndEpisode(a.ID, out.Terminal)
		return result, a.endEpisode(out.Terminal)
	}

	fraction := 0.0
	if total > 0 {
		fraction = float64(len(secured)) / float64(total)
	}
	obs := a.encoder.Encode(state, slots, fraction)
	decision, err := a.trainer.Decide(ctx, a.ID, obs)
	if err != nil {
		return result, fmt.Errorf("decide %s: %w", a.ID, err)
	}
	if decision.Interrupted {
		result.Ended = reward.ReasonInterrupted
		a.Engine.Terminate(reward.ReasonInterrupted, a.episodeStep, a.MaxSteps)
		return result, a.endEpisode(reward.ReasonInterrupted)
	}

	if err := a.actuator.ApplyAction(a.ID, decision.Action); err != nil {
		return result, fmt.Errorf("apply action %s: %w", a.ID, err)
	}
	a.lastAction = decision.Action
	a.hasAction = true
	return result, nil
}

// endEpisode either restarts the episode in place or retires the agent for
// the rest of the generation.
func (a *Agent) endEpisode(reason reward.Reason) error {
	a.logger.Debug("episode ended", "reason", string(reason), "step", a.episodeStep, "fitness", a.Tracker.Fitness())
	if !a.RestartEpisodes {
		a.Tracker.MarkDone(reason)
		return nil
	}
	if reason == reward.ReasonSuccess {
		if err := a.layout.ResetObjectPositions(a.GroupID); err != nil {
			return fmt.Errorf("restart episode %s: %w", a.ID, err)
		}
	}
	if reason != reward.ReasonInterrupted {
		if err := a.actuator.ResetPose(a.ID, a.Spawn); err != nil {
			return fmt.Errorf("restart episode %s: %w", a.ID, err)
		}
	}
	return a.BeginEpisode()
}

func (a *Agent) groupResets() int {
	if rc, ok := a.layout.(scape.ResetCounter); ok {
		return rc.ResetCount(a.GroupID)
	}
	return 0
}

func (a *Agent) expectedTotal(objects []scape.ObjectHandle) int {
	if a.TotalObjects > 0 {
		return a.TotalObjects
	}
	live := 0
	for _, obj := range objects {
		if obj == nil {
			continue
		}
		if _, ok := obj.Position(); ok {
			live++
		}
	}
	return live
}
