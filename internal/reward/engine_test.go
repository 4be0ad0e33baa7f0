package reward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/perception"
	"forkevo/internal/scape"
)

const tick = 100 * time.Millisecond

func signals(step int) Signals {
	return Signals{Step: step, MaxSteps: 1000, Dt: tick}
}

func TestDeliveryFollowsSecuredCountChanges(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	secured := []int{0, 0, 1, 1, 0}
	want := []float64{0, 0, cfg.DeliveryReward, 0, -cfg.DeliveryReward}
	for i, count := range secured {
		sig := signals(i + 1)
		sig.SecuredCount = count
		out := e.Step(sig)
		assert.Equalf(t, want[i], out.Terms[TermDelivery], "tick %d", i+1)
	}
}

func TestResetSeedsDeliveryBaseline(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Reset(2)

	sig := signals(1)
	sig.SecuredCount = 2
	out := e.Step(sig)
	assert.Zero(t, out.Terms[TermDelivery])
}

func TestTouchBonusRespectsCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BonusCooldown = 5 * time.Second
	e := NewEngine(cfg)
	e.Reset(0)

	touching := []bool{true, false, true, false, false, false, true}
	var rewarded []int
	for i, touch := range touching {
		sig := signals(i + 1)
		sig.Dt = time.Second
		sig.State.Touching = touch
		out := e.Step(sig)
		if out.Terms[TermTouchBonus] > 0 {
			rewarded = append(rewarded, i+1)
		}
	}
	assert.Equal(t, []int{1, 7}, rewarded)
}

func TestDropOutsideGoalCostsMoreThanRelease(t *testing.T) {
	run := func(cfg Config, inGoal bool) Outcome {
		e := NewEngine(cfg)
		e.Reset(0)
		sig := signals(1)
		sig.State.Touching = true
		sig.State.Holding = true
		sig.State.Lift = 0.5
		e.Step(sig)

		sig = signals(2)
		sig.State.InGoalZone = inGoal
		return e.Step(sig)
	}

	cfg := DefaultConfig()
	released := run(cfg, true)
	dropped := run(cfg, false)

	assert.Equal(t, cfg.ReleaseBonus, released.Terms[TermRelease])
	assert.Equal(t, -cfg.DropPenalty, dropped.Terms[TermDrop])
	assert.GreaterOrEqual(t, released.Reward-dropped.Reward, cfg.DropPenalty+cfg.ReleaseBonus-1e-9)
	assert.Equal(t, ReasonNone, dropped.Terminal)

	cfg.TerminateOnDrop = true
	assert.Equal(t, ReasonDropped, run(cfg, false).Terminal)
	assert.Equal(t, ReasonNone, run(cfg, true).Terminal)
}

func TestTimeoutWithoutTouch(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	for step := 1; step <= 500; step++ {
		out := e.Step(signals(step))
		require.Equalf(t, ReasonNone, out.Terminal, "step %d", step)
	}
	out := e.Step(signals(501))
	assert.Equal(t, ReasonTimeout, out.Terminal)
	assert.Equal(t, -cfg.FailurePenalty, out.Terms[TermTerminal])
	assert.True(t, e.Finished())

	after := e.Step(signals(502))
	assert.Zero(t, after.Reward)
	assert.Equal(t, ReasonNone, after.Terminal)
}

func TestTimeoutAtStepBudget(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Reset(0)

	sig := Signals{Step: 10, MaxSteps: 10, Dt: tick}
	sig.State.Touching = true
	assert.Equal(t, ReasonTimeout, e.Step(sig).Terminal)
}

func TestSuccessAfterGraceOutsideGoal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuccessGrace = 2 * time.Second
	e := NewEngine(cfg)
	e.Reset(0)

	const maxSteps = 5000
	for step := 1; step <= 400; step++ {
		sig := Signals{Step: step, MaxSteps: maxSteps, Dt: tick}
		sig.State.Touching = step < 300
		sig.State.InGoalZone = step < 310
		sig.Complete = step >= 300
		out := e.Step(sig)
		if step < 330 {
			require.Equalf(t, ReasonNone, out.Terminal, "step %d", step)
			continue
		}
		require.Equal(t, ReasonSuccess, out.Terminal)
		want := cfg.SuccessReward + cfg.TimeBonus*(1-330.0/maxSteps)
		assert.InDelta(t, want, out.Terms[TermTerminal], 1e-9)
		return
	}
	t.Fatal("success never fired")
}

func TestCollisionTerminates(t *testing.T) {
	e := NewEngine(DefaultConfig())
	e.Reset(0)

	sig := signals(3)
	sig.State.Collided = true
	sig.State.WallImpulse = 2
	out := e.Step(sig)
	assert.Equal(t, ReasonCollision, out.Terminal)
	assert.Zero(t, out.Terms[TermWall])
}

func TestWallImpactIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	sig := signals(1)
	sig.State.WallImpulse = 10
	out := e.Step(sig)
	assert.InDelta(t, -3*cfg.WallImpactScale, out.Terms[TermWall], 1e-9)
}

func TestStagnationAfterFullWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StagnationWindow = 500 * time.Millisecond
	e := NewEngine(cfg)
	e.Reset(0)

	for step := 1; step <= 6; step++ {
		out := e.Step(signals(step))
		if step < 6 {
			assert.Zerof(t, out.Terms[TermStagnation], "step %d", step)
			continue
		}
		assert.Equal(t, -cfg.StagnationPenalty, out.Terms[TermStagnation])
	}

	moving := NewEngine(cfg)
	moving.Reset(0)
	for step := 1; step <= 20; step++ {
		sig := signals(step)
		sig.State.Position = r3.Vec{X: 0.1 * float64(step)}
		out := moving.Step(sig)
		assert.Zero(t, out.Terms[TermStagnation])
	}
}

func TestJitterNeedsPreviousAction(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	sig := signals(1)
	sig.HasAction = true
	sig.Action = scape.Action{Move: 1, Steer: 0.5}
	assert.Zero(t, e.Step(sig).Terms[TermJitter])

	sig = signals(2)
	sig.HasAction = true
	sig.Action = scape.Action{Move: 0, Steer: -0.5, Lift: 1}
	out := e.Step(sig)
	assert.InDelta(t, -cfg.JitterScale*3, out.Terms[TermJitter], 1e-12)
}

func TestPostureAndMotionTerms(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name  string
		state scape.State
		term  string
		want  float64
	}{
		{
			name:  "searching with raised forks",
			state: scape.State{Lift: 0.5},
			term:  TermLiftRaised,
			want:  -cfg.LiftPenalty * 0.5,
		},
		{
			name:  "carrying with lowered forks",
			state: scape.State{Touching: true, Holding: true},
			term:  TermLiftLowered,
			want:  -cfg.LiftPenalty,
		},
		{
			name:  "standing still",
			state: scape.State{},
			term:  TermStandstill,
			want:  -cfg.StandstillPenalty,
		},
		{
			name:  "moving",
			state: scape.State{Velocity: r3.Vec{X: 1}},
			term:  TermMotion,
			want:  cfg.MotionBonus,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(cfg)
			e.Reset(0)
			sig := signals(1)
			sig.State = tc.state
			out := e.Step(sig)
			assert.InDelta(t, tc.want, out.Terms[tc.term], 1e-12)
		})
	}
}

func TestProgressBaselineResetsOnTargetChange(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	steps := []struct {
		target string
		dist   float64
		want   float64
	}{
		{target: "a", dist: 10, want: 0},
		{target: "a", dist: 8, want: cfg.SearchProgressScale * 2},
		{target: "b", dist: 3, want: 0},
		{target: "b", dist: 2, want: cfg.SearchProgressScale},
	}
	for i, s := range steps {
		sig := signals(i + 1)
		sig.Target = perception.Slot{Name: s.target, Distance: s.dist, Present: true}
		out := e.Step(sig)
		assert.InDeltaf(t, s.want, out.Terms[TermTargetProgress], 1e-12, "tick %d", i+1)
	}
}

func TestTerminateRewards(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)

	assert.InDelta(t, cfg.SuccessReward+cfg.TimeBonus*0.5, e.Terminate(ReasonSuccess, 50, 100), 1e-9)
	assert.Equal(t, cfg.SuccessReward, e.Terminate(ReasonSuccess, 200, 100))
	assert.Equal(t, -cfg.FailurePenalty, e.Terminate(ReasonCollision, 1, 100))
	assert.Zero(t, e.Terminate(ReasonInterrupted, 1, 100))
}

func TestHoldBonusRespectsCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BonusCooldown = 5 * time.Second
	e := NewEngine(cfg)
	e.Reset(0)

	holding := []bool{true, false, true, false, false, false, true}
	var rewarded []int
	for i, hold := range holding {
		sig := signals(i + 1)
		sig.Dt = time.Second
		sig.State.Touching = hold
		sig.State.Holding = hold
		sig.State.Lift = 0.5
		out := e.Step(sig)
		if out.Terms[TermHoldBonus] > 0 {
			assert.Equal(t, cfg.HoldBonus, out.Terms[TermHoldBonus])
			rewarded = append(rewarded, i+1)
		}
	}
	assert.Equal(t, []int{1, 7}, rewarded)
}

func TestCarryProgressTowardsGoal(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	steps := []struct {
		x    float64
		want float64
	}{
		{x: 0, want: 0},
		{x: 2, want: cfg.CarryProgressScale * 2},
		{x: 3, want: cfg.CarryProgressScale},
		{x: 1, want: -cfg.CarryProgressScale * 2},
	}
	for i, s := range steps {
		sig := signals(i + 1)
		sig.State = scape.State{
			Touching:     true,
			Holding:      true,
			Lift:         0.5,
			Position:     r3.Vec{X: s.x},
			GoalPosition: r3.Vec{X: 10},
		}
		out := e.Step(sig)
		assert.Equal(t, PhaseHolding, out.Phase)
		assert.InDeltaf(t, s.want, out.Terms[TermGoalProgress], 1e-12, "tick %d", i+1)
		assert.Zerof(t, out.Terms[TermTargetProgress], "tick %d", i+1)
	}
}

func TestProgressBaselineResetsOnPhaseChange(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(0)

	target := perception.Slot{Name: "a", Present: true}
	steps := []struct {
		holding    bool
		x          float64
		targetDist float64
		wantTarget float64
		wantGoal   float64
	}{
		{targetDist: 10},
		{targetDist: 9, wantTarget: cfg.SearchProgressScale},
		{holding: true, x: 0},
		{holding: true, x: 1, wantGoal: cfg.CarryProgressScale},
		{targetDist: 4},
		{targetDist: 3, wantTarget: cfg.SearchProgressScale},
	}
	for i, s := range steps {
		sig := signals(i + 1)
		sig.State.Touching = s.holding
		sig.State.Holding = s.holding
		sig.State.Position = r3.Vec{X: s.x}
		sig.State.GoalPosition = r3.Vec{X: 20}
		if !s.holding {
			sig.Target = target
			sig.Target.Distance = s.targetDist
		}
		out := e.Step(sig)
		assert.InDeltaf(t, s.wantTarget, out.Terms[TermTargetProgress], 1e-12, "tick %d", i+1)
		assert.InDeltaf(t, s.wantGoal, out.Terms[TermGoalProgress], 1e-12, "tick %d", i+1)
	}
}

func TestRebaselineAfterExternalReset(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg)
	e.Reset(2)

	sig := signals(1)
	sig.SecuredCount = 2
	sig.State = scape.State{Touching: true, Holding: true, Lift: 0.5}
	e.Step(sig)

	e.Rebaseline(0)
	out := e.Step(signals(2))
	assert.Zero(t, out.Terms[TermDelivery])
	assert.Zero(t, out.Terms[TermDrop])
	assert.Zero(t, out.Terms[TermRelease])

	sig = signals(3)
	sig.SecuredCount = 1
	assert.Equal(t, cfg.DeliveryReward, e.Step(sig).Terms[TermDelivery])
}
