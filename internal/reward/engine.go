package reward

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/perception"
	"forkevo/internal/scape"
)

// Phase is the manipulation phase derived from the collaborator's contact flags.
type Phase int

const (
	PhaseSearching Phase = iota
	PhaseTouching
	PhaseHolding
)

func (p Phase) String() string {
	switch p {
	case PhaseTouching:
		return "touching"
	case PhaseHolding:
		return "holding"
	default:
		return "searching"
	}
}

// Reason names why an episode ended.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSuccess     Reason = "success"
	ReasonTimeout     Reason = "timeout"
	ReasonCollision   Reason = "collision"
	ReasonDropped     Reason = "dropped"
	ReasonInterrupted Reason = "interrupted"
)

// Term keys reported in Outcome.Terms.
const (
	TermTime           = "time"
	TermDelivery       = "delivery"
	TermTargetProgress = "target_progress"
	TermGoalProgress   = "goal_progress"
	TermTouchBonus     = "touch_bonus"
	TermHoldBonus      = "hold_bonus"
	TermRelease        = "release"
	TermDrop           = "drop"
	TermLiftRaised     = "lift_raised"
	TermLiftLowered    = "lift_lowered"
	TermLiftCeiling    = "lift_ceiling"
	TermReverse        = "reverse"
	TermStandstill     = "standstill"
	TermMotion         = "motion"
	TermJitter         = "jitter"
	TermWall           = "wall"
	TermStagnation     = "stagnation"
	TermTerminal       = "terminal"
)

// Signals is the per-tick input of the engine.
type Signals struct {
	Step     int
	MaxSteps int
	Dt       time.Duration

	State scape.State
	// Action is the command applied on the previous tick. HasAction is false
	// until one has been applied in the episode.
	Action    scape.Action
	HasAction bool

	SecuredCount int
	Complete     bool
	Target       perception.Slot
}

// Outcome is the engine result for one tick.
type Outcome struct {
	Reward   float64
	Terms    map[string]float64
	Phase    Phase
	Terminal Reason
}

type sample struct {
	at  time.Duration
	pos r3.Vec
}

// Engine computes the shaped reward of one agent. It is not safe for
// concurrent use; each agent owns its engine.
type Engine struct {
	cfg Config

	now      time.Duration
	finished bool

	phase        Phase
	prevTouching bool
	prevHolding  bool
	everTouched  bool

	lastSecured int

	targetName     string
	prevTargetDist float64
	targetKnown    bool
	prevGoalDist   float64
	goalKnown      bool

	touchBonusAt  time.Duration
	touchBonusSet bool
	holdBonusAt   time.Duration
	holdBonusSet  bool

	prevAction    scape.Action
	hasPrevAction bool

	outsideSince time.Duration
	outsideKnown bool

	samples []sample
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Reset clears all episode state. initialSecured seeds the delivery baseline
// so objects secured before the episode do not pay out.
func (e *Engine) Reset(initialSecured int) {
	cfg := e.cfg
	samples := e.samples[:0]
	*e = Engine{cfg: cfg, samples: samples}
	e.lastSecured = initialSecured
}

// Rebaseline adopts secured as the delivery baseline after the objects of
// the group were moved back by someone else. A pallet lost to that reset
// does not count as a drop, and progress baselines start over.
func (e *Engine) Rebaseline(secured int) {
	e.lastSecured = secured
	e.prevTouching = false
	e.prevHolding = false
	e.targetKnown = false
	e.goalKnown = false
}

func (e *Engine) Phase() Phase {
	return e.phase
}

func (e *Engine) Finished() bool {
	return e.finished
}

// Terminate returns the terminal reward for reason and marks the episode
// finished. Interrupted and unknown reasons carry no reward.
func (e *Engine) Terminate(reason Reason, step, maxSteps int) float64 {
	e.finished = true
	switch reason {
	case ReasonSuccess:
		remaining := 0.0
		if maxSteps > 0 {
			remaining = clamp(1-float64(step)/float64(maxSteps), 0, 1)
		}
		return e.cfg.SuccessReward + e.cfg.TimeBonus*remaining
	case ReasonTimeout, ReasonCollision, ReasonDropped:
		return -e.cfg.FailurePenalty
	default:
		return 0
	}
}

// Step folds one tick of signals into a reward. After a terminal outcome the
// engine returns zero outcomes until Reset.
func (e *Engine) Step(sig Signals) Outcome {
	if e.finished {
		return Outcome{Phase: e.phase}
	}
	e.now += sig.Dt
	st := sig.State

	out := Outcome{Terms: make(map[string]float64)}
	add := func(key string, v float64) {
		if v == 0 {
			return
		}
		out.Terms[key] += v
		out.Reward += v
	}

	add(TermTime, -e.cfg.TimePenalty)

	switch {
	case sig.SecuredCount > e.lastSecured:
		add(TermDelivery, e.cfg.DeliveryReward)
	case sig.SecuredCount < e.lastSecured:
		add(TermDelivery, -e.cfg.DeliveryReward)
	}
	e.lastSecured = sig.SecuredCount

	phase := phaseOf(st)
	if phase != e.phase {
		e.targetKnown = false
		e.goalKnown = false
	}
	e.phase = phase
	out.Phase = phase

	e.progress(sig, add)

	if st.Touching {
		e.everTouched = true
	}
	if st.Touching && !e.prevTouching && e.cooledDown(e.touchBonusAt, e.touchBonusSet) {
		add(TermTouchBonus, e.cfg.TouchBonus)
		e.touchBonusAt, e.touchBonusSet = e.now, true
	}
	if st.Holding && !e.prevHolding && e.cooledDown(e.holdBonusAt, e.holdBonusSet) {
		add(TermHoldBonus, e.cfg.HoldBonus)
		e.holdBonusAt, e.holdBonusSet = e.now, true
	}

	lostHold := e.prevHolding && !st.Holding
	lostTouch := e.prevTouching && !st.Touching
	if lostHold || lostTouch {
		e.release(st.InGoalZone, add)
	}
	dropped := lostHold && !st.InGoalZone
	e.prevTouching = st.Touching
	e.prevHolding = st.Holding

	e.posture(sig, add)
	e.stagnation(st.Position, add)

	if reason := e.terminal(sig, dropped); reason != ReasonNone {
		add(TermTerminal, e.Terminate(reason, sig.Step, sig.MaxSteps))
		out.Terminal = reason
	}
	return out
}

func (e *Engine) progress(sig Signals, add func(string, float64)) {
	st := sig.State
	switch e.phase {
	case PhaseSearching:
		e.goalKnown = false
		if !sig.Target.Present {
			e.targetKnown = false
			e.targetName = ""
			return
		}
		if sig.Target.Name != e.targetName {
			e.targetKnown = false
			e.targetName = sig.Target.Name
		}
		dist := sig.Target.Distance
		if e.targetKnown {
			add(TermTargetProgress, e.cfg.SearchProgressScale*(e.prevTargetDist-dist))
		}
		e.prevTargetDist, e.targetKnown = dist, true
	case PhaseHolding:
		e.targetKnown = false
		dist := planar(r3.Sub(st.GoalPosition, st.Position))
		if e.goalKnown {
			add(TermGoalProgress, e.cfg.CarryProgressScale*(e.prevGoalDist-dist))
		}
		e.prevGoalDist, e.goalKnown = dist, true
	default:
		e.targetKnown = false
		e.goalKnown = false
	}
}

func (e *Engine) release(inGoal bool, add func(string, float64)) {
	if inGoal {
		add(TermRelease, e.cfg.ReleaseBonus)
		return
	}
	add(TermDrop, -e.cfg.DropPenalty)
}

func (e *Engine) posture(sig Signals, add func(string, float64)) {
	st := sig.State
	switch e.phase {
	case PhaseSearching:
		if st.Lift > 0 {
			add(TermLiftRaised, -e.cfg.LiftPenalty*st.Lift)
		}
		if sig.HasAction && sig.Action.Move < 0 {
			add(TermReverse, -e.cfg.ReversePenalty*math.Abs(sig.Action.Move))
		}
	case PhaseHolding:
		if !st.InGoalZone && st.Lift < e.cfg.CarryLiftFloor {
			add(TermLiftLowered, -e.cfg.LiftPenalty*(1-st.Lift))
		}
		if st.InGoalZone && st.Lift > e.cfg.CarryLiftFloor {
			add(TermLiftRaised, -e.cfg.LiftPenalty*st.Lift)
		}
	}
	if e.cfg.LiftCeiling > 0 && st.Lift > e.cfg.LiftCeiling {
		add(TermLiftCeiling, -e.cfg.LiftPenalty*(st.Lift-e.cfg.LiftCeiling))
	}

	if st.Speed() < e.cfg.StandstillSpeed {
		add(TermStandstill, -e.cfg.StandstillPenalty)
	} else {
		add(TermMotion, e.cfg.MotionBonus)
	}

	if sig.HasAction {
		if e.hasPrevAction {
			cur, prev := sig.Action.Vector(), e.prevAction.Vector()
			add(TermJitter, -e.cfg.JitterScale*floats.Distance(cur[:], prev[:], 1))
		}
		e.prevAction, e.hasPrevAction = sig.Action, true
	}

	if st.WallImpulse > 0 && !st.Collided {
		add(TermWall, -e.cfg.WallImpactScale*clamp(st.WallImpulse, 0.5, 3))
	}
}

// stagnation penalizes an agent whose every sample over the window lies
// within the radius of its current position.
func (e *Engine) stagnation(pos r3.Vec, add func(string, float64)) {
	window := e.cfg.StagnationWindow
	if window <= 0 {
		return
	}
	e.samples = append(e.samples, sample{at: e.now, pos: pos})
	horizon := e.now - window
	drop := 0
	for drop+1 < len(e.samples) && e.samples[drop+1].at <= horizon {
		drop++
	}
	if drop > 0 {
		e.samples = append(e.samples[:0], e.samples[drop:]...)
	}
	if e.now-e.samples[0].at < window {
		return
	}
	for _, s := range e.samples {
		if r3.Norm(r3.Sub(s.pos, pos)) > e.cfg.StagnationRadius {
			return
		}
	}
	add(TermStagnation, -e.cfg.StagnationPenalty)
}

func (e *Engine) terminal(sig Signals, dropped bool) Reason {
	st := sig.State
	if st.InGoalZone {
		e.outsideKnown = false
	} else if !e.outsideKnown {
		e.outsideSince, e.outsideKnown = e.now, true
	}

	switch {
	case st.Collided:
		return ReasonCollision
	case sig.Complete && e.outsideKnown && e.now-e.outsideSince >= e.cfg.SuccessGrace:
		return ReasonSuccess
	case sig.MaxSteps > 0 && sig.Step >= sig.MaxSteps:
		return ReasonTimeout
	case sig.MaxSteps > 0 && !e.everTouched && float64(sig.Step) > float64(sig.MaxSteps)*e.cfg.TouchDeadline:
		return ReasonTimeout
	case dropped && e.cfg.TerminateOnDrop:
		return ReasonDropped
	}
	return ReasonNone
}

func (e *Engine) cooledDown(at time.Duration, set bool) bool {
	return !set || e.now-at >= e.cfg.BonusCooldown
}

func phaseOf(st scape.State) Phase {
	switch {
	case st.Holding:
		return PhaseHolding
	case st.Touching:
		return PhaseTouching
	default:
		return PhaseSearching
	}
}

func planar(v r3.Vec) float64 {
	return math.Hypot(v.X, v.Z)
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
