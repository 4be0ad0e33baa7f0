package evo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/agent"
	"forkevo/internal/model"
	"forkevo/internal/perception"
	"forkevo/internal/reward"
	"forkevo/internal/scape"
	"forkevo/internal/scape/scapetest"
	"forkevo/internal/telemetry"
	"forkevo/internal/trainer"
)

const dt = 100 * time.Millisecond

type stubTrainer struct {
	interrupt bool
}

func (s stubTrainer) Decide(context.Context, string, []float64) (trainer.Decision, error) {
	return trainer.Decision{Action: scape.Action{Move: 1}, Interrupted: s.interrupt}, nil
}

func (stubTrainer) Reward(string, float64) {}

func (stubTrainer) EndEpisode(string, reward.Reason) {}

type population struct {
	ctrl     *Controller
	actuator *scapetest.Actuator
	layout   *scapetest.Layout
	agents   []*agent.Agent
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPopulation(t *testing.T, n int, cfg ControllerConfig, policy trainer.Trainer) population {
	t.Helper()
	act := scapetest.NewActuator()
	layout := scapetest.NewLayout()
	cfg.Actuator = act
	cfg.Layout = layout
	cfg.Logger = discardLogger()
	if policy == nil {
		policy = stubTrainer{}
	}

	ctrl, err := NewController(cfg)
	require.NoError(t, err)

	agents := make([]*agent.Agent, 0, n)
	for i := 0; i < n; i++ {
		group := fmt.Sprintf("g%d", i)
		layout.AddGroup(group, 2)
		a, err := agent.New(agent.Config{
			ID:       fmt.Sprintf("a%d", i),
			Slot:     i,
			GroupID:  group,
			MaxSteps: 1000,
		}, agent.Deps{
			Actuator: act,
			Layout:   layout,
			Trainer:  policy,
			Encoder:  perception.NewEncoder(perception.EncoderConfig{}),
			Reward:   reward.DefaultConfig(),
			Logger:   discardLogger(),
		})
		require.NoError(t, err)
		require.NoError(t, ctrl.Register(a))
		agents = append(agents, a)
	}
	return population{ctrl: ctrl, actuator: act, layout: layout, agents: agents}
}

func timeBased(d time.Duration) ControllerConfig {
	return ControllerConfig{
		Mode:               ModeTimeBased,
		GenerationDuration: d,
		SurvivalRate:       0.2,
		RespawnAtElite:     true,
	}
}

func survival(ceiling time.Duration) ControllerConfig {
	return ControllerConfig{
		Mode:            ModeSurvival,
		FailsafeCeiling: ceiling,
		SurvivalRate:    0.5,
		RespawnAtElite:  true,
	}
}

func TestEliteCount(t *testing.T) {
	tests := []struct {
		n    int
		rate float64
		want int
	}{
		{n: 5, rate: 0.2, want: 1},
		{n: 5, rate: 0, want: 1},
		{n: 10, rate: 0.25, want: 2},
		{n: 10, rate: 0.35, want: 4},
		{n: 3, rate: 0.5, want: 2},
		{n: 1, rate: 1, want: 1},
		{n: 20, rate: 1, want: 20},
		{n: 0, rate: 0.5, want: 0},
	}
	for _, tc := range tests {
		assert.Equalf(t, tc.want, EliteCount(tc.n, tc.rate), "n=%d rate=%v", tc.n, tc.rate)
	}

	for n := 1; n <= MaxPopulation; n++ {
		for step := 0; step <= 20; step++ {
			k := EliteCount(n, float64(step)/20)
			require.GreaterOrEqual(t, k, 1)
			require.LessOrEqual(t, k, n)
		}
	}
}

func TestRankIsStableOnTies(t *testing.T) {
	out := Rank([]Scored{
		{AgentID: "a", Fitness: 1},
		{AgentID: "b", Fitness: 3},
		{AgentID: "c", Fitness: 1},
		{AgentID: "d", Fitness: 1},
	}, 0.5)

	ids := make([]string, 0, len(out.Ranked))
	for _, s := range out.Ranked {
		ids = append(ids, s.AgentID)
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, ids)
	assert.Equal(t, 2, out.EliteCount)
	assert.Len(t, out.Culled, 2)
}

func TestSingleEliteRebindsEveryCulledAgent(t *testing.T) {
	cfg := timeBased(time.Minute)
	cfg.SpawnOffset = 2
	cfg.SpawnClearance = 0.5
	cfg.ResetLayoutEachGeneration = true
	p := newPopulation(t, 5, cfg, nil)
	require.NoError(t, p.ctrl.Start(context.Background()))

	p.actuator.SetState("a3", scape.State{Position: r3.Vec{X: 10, Z: 5}})
	for i, fitness := range []float64{1, 2, 3, 10, 4} {
		p.agents[i].Tracker.AddFitness(fitness)
	}
	require.NoError(t, p.ctrl.EndGeneration())

	assert.Equal(t, 2, p.ctrl.Generation())
	for _, a := range p.agents {
		assert.Equalf(t, "g3", a.GroupID, "agent %s", a.ID)
		assert.Zero(t, a.Tracker.Fitness())
		assert.Equal(t, agent.StatusActive, a.Tracker.Status())
		assert.Equal(t, reward.PhaseSearching, a.Engine.Phase())
	}
	for _, id := range []string{"a0", "a1", "a2", "a4"} {
		assert.Equal(t, "g3", p.actuator.Bindings[id])
	}

	lineage := p.ctrl.Lineage()
	require.Len(t, lineage, 4)
	for _, rec := range lineage {
		assert.Equal(t, "a3", rec.DonorID)
		assert.Equal(t, "respawn", rec.Operation)
		assert.Equal(t, 1, rec.Generation)
	}

	// culled in rank order a4, a2, a1, a0 stack sideways from the donor
	assert.Equal(t, r3.Vec{X: 12, Y: 0.5, Z: 5}, p.agents[4].Spawn.Position)
	assert.Equal(t, r3.Vec{X: 18, Y: 0.5, Z: 5}, p.agents[0].Spawn.Position)

	assert.Equal(t, 2, p.layout.ResetCount("g3"))
	assert.Equal(t, 1, p.layout.ResetCount("g0"))

	diags := p.ctrl.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, 10.0, diags[0].BestFitness)
	assert.Equal(t, 1.0, diags[0].MinFitness)
	assert.Equal(t, 4.0, diags[0].MeanFitness)
	assert.Equal(t, "a3", diags[0].BestAgentID)
	assert.Equal(t, "manual", diags[0].Trigger)
	assert.Equal(t, 1, diags[0].EliteCount)
	assert.Equal(t, 4, diags[0].CulledCount)
}

func TestRespawnUsesSuspendResetResumeSequence(t *testing.T) {
	p := newPopulation(t, 2, timeBased(time.Minute), nil)
	require.NoError(t, p.ctrl.Start(context.Background()))
	p.agents[1].Tracker.AddFitness(5)
	before := len(p.actuator.CallLog())
	require.NoError(t, p.ctrl.EndGeneration())

	calls := p.actuator.CallLog()[before:]
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{"suspend a0 true", "pose a0", "suspend a0 false"}, calls[:3])
}

func TestRespawnAtOwnSpawnWhenDisabled(t *testing.T) {
	cfg := timeBased(time.Minute)
	cfg.RespawnAtElite = false
	p := newPopulation(t, 3, cfg, nil)
	require.NoError(t, p.ctrl.Start(context.Background()))
	p.agents[2].Tracker.AddFitness(5)
	require.NoError(t, p.ctrl.EndGeneration())

	assert.Equal(t, "g0", p.agents[0].GroupID)
	assert.Equal(t, "g1", p.agents[1].GroupID)
	for _, rec := range p.ctrl.Lineage() {
		assert.Equal(t, "reset", rec.Operation)
		assert.Empty(t, rec.DonorID)
	}
}

func TestTimeBasedGenerationEndsOnTimer(t *testing.T) {
	p := newPopulation(t, 3, timeBased(time.Second), nil)
	ctx := context.Background()
	require.NoError(t, p.ctrl.Start(ctx))

	for i := 1; i <= 9; i++ {
		require.NoError(t, p.ctrl.Tick(ctx, dt))
		require.Equalf(t, 1, p.ctrl.Generation(), "tick %d", i)
	}
	require.NoError(t, p.ctrl.Tick(ctx, dt))
	assert.Equal(t, 2, p.ctrl.Generation())
	assert.Zero(t, p.ctrl.Timer())

	diags := p.ctrl.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, "timer", diags[0].Trigger)
	assert.Equal(t, 10, diags[0].Ticks)
	assert.Equal(t, int64(1000), diags[0].DurationMS)
}

func TestSurvivalEndsWhenLastAgentIsDone(t *testing.T) {
	p := newPopulation(t, 3, survival(time.Minute), nil)
	require.NoError(t, p.ctrl.Start(context.Background()))
	require.Equal(t, 3, p.ctrl.ActiveCount())

	p.agents[0].Tracker.MarkDone(reward.ReasonSuccess)
	p.agents[1].Tracker.MarkDone(reward.ReasonTimeout)
	assert.Equal(t, 1, p.ctrl.Generation())
	assert.Equal(t, 1, p.ctrl.ActiveCount())

	p.agents[2].Tracker.MarkDone(reward.ReasonCollision)
	assert.Equal(t, 2, p.ctrl.Generation())
	assert.Equal(t, 3, p.ctrl.ActiveCount())
	assert.Equal(t, "all_done", p.ctrl.Diagnostics()[0].Trigger)
}

func TestSurvivalEndsAfterCollisionsWithinTick(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			cfg := survival(time.Minute)
			cfg.Workers = workers
			sink := telemetry.NewMemorySink(0)
			cfg.Sink = sink
			p := newPopulation(t, 6, cfg, nil)
			ctx := context.Background()
			require.NoError(t, p.ctrl.Start(ctx))

			for _, a := range p.agents {
				p.actuator.SetState(a.ID, scape.State{Collided: true})
			}
			require.NoError(t, p.ctrl.Tick(ctx, dt))

			assert.Equal(t, 2, p.ctrl.Generation())
			diags := p.ctrl.Diagnostics()
			require.Len(t, diags, 1)
			assert.Equal(t, "all_done", diags[0].Trigger)
			assert.Equal(t, 6, diags[0].Terminations["collision"])

			snap, ok := sink.Latest("a0")
			require.True(t, ok)
			assert.Equal(t, "collision", snap.Ended)
			assert.Equal(t, 1, snap.Generation)
		})
	}
}

func TestSurvivalFailsafeCeiling(t *testing.T) {
	p := newPopulation(t, 2, survival(time.Second), nil)
	ctx := context.Background()
	require.NoError(t, p.ctrl.Start(ctx))

	for i := 1; i <= 9; i++ {
		require.NoError(t, p.ctrl.Tick(ctx, dt))
	}
	require.Equal(t, 1, p.ctrl.Generation())
	require.NoError(t, p.ctrl.Tick(ctx, dt))
	assert.Equal(t, 2, p.ctrl.Generation())
	assert.Equal(t, "failsafe", p.ctrl.Diagnostics()[0].Trigger)
}

func TestTrainerInterruptRetiresAgentsInSurvival(t *testing.T) {
	p := newPopulation(t, 2, survival(time.Minute), stubTrainer{interrupt: true})
	ctx := context.Background()
	require.NoError(t, p.ctrl.Start(ctx))

	require.NoError(t, p.ctrl.Tick(ctx, dt))
	assert.Equal(t, 2, p.ctrl.Generation())
	assert.Equal(t, 2, p.ctrl.Diagnostics()[0].Terminations["interrupted"])
}

func TestCulledAgentsResetToActiveWithZeroFitness(t *testing.T) {
	p := newPopulation(t, 4, survival(time.Minute), nil)
	require.NoError(t, p.ctrl.Start(context.Background()))

	for i, a := range p.agents {
		a.Tracker.AddFitness(float64(i))
	}
	for _, a := range p.agents {
		a.Tracker.MarkDone(reward.ReasonSuccess)
	}

	require.Equal(t, 2, p.ctrl.Generation())
	for _, a := range p.agents {
		assert.Zero(t, a.Tracker.Fitness())
		assert.False(t, a.Tracker.Done())
		assert.False(t, p.actuator.Suspended[a.ID])
		assert.Zero(t, a.EpisodeStep())
	}
	assert.Equal(t, 4, p.ctrl.ActiveCount())
}

func TestHooksFireOncePerBoundary(t *testing.T) {
	var (
		ends     []model.GenerationDiagnostics
		survived []string
		culled   []string
		respawns int
	)
	cfg := timeBased(time.Second)
	cfg.SurvivalRate = 0.5
	cfg.Hooks = Hooks{
		OnSurvive:       func(_ int, s Scored) { survived = append(survived, s.AgentID) },
		OnCull:          func(_ int, s Scored) { culled = append(culled, s.AgentID) },
		OnRespawn:       func(model.LineageRecord) { respawns++ },
		OnGenerationEnd: func(d model.GenerationDiagnostics) { ends = append(ends, d) },
	}
	p := newPopulation(t, 4, cfg, nil)
	ctx := context.Background()
	require.NoError(t, p.ctrl.Start(ctx))

	for i := 0; i < 20; i++ {
		require.NoError(t, p.ctrl.Tick(ctx, dt))
	}

	require.Len(t, ends, 2)
	assert.Equal(t, 1, ends[0].Generation)
	assert.Equal(t, 2, ends[1].Generation)
	assert.Len(t, survived, 4)
	assert.Len(t, culled, 4)
	assert.Equal(t, 4, respawns)
}

func TestRegisterAndStartErrors(t *testing.T) {
	p := newPopulation(t, 1, timeBased(time.Second), nil)

	orphan, err := agent.New(agent.Config{ID: "orphan", GroupID: "missing"}, agent.Deps{
		Actuator: p.actuator,
		Layout:   p.layout,
		Trainer:  stubTrainer{},
	})
	require.NoError(t, err)
	err = p.ctrl.Register(orphan)
	assert.ErrorIs(t, err, ErrAgentExcluded)
	assert.ErrorIs(t, err, scape.ErrGroupNotFound)
	assert.Equal(t, 1, p.ctrl.PopulationSize())

	assert.ErrorIs(t, p.ctrl.Register(p.agents[0]), ErrDuplicateAgent)
	assert.ErrorIs(t, p.ctrl.Tick(context.Background(), dt), ErrNotStarted)

	empty, err := NewController(ControllerConfig{
		Mode:     ModeSurvival,
		Actuator: p.actuator,
		Layout:   p.layout,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, empty.Start(context.Background()), ErrEmptyPopulation)

	require.NoError(t, p.ctrl.Start(context.Background()))
	assert.ErrorIs(t, p.ctrl.Start(context.Background()), ErrAlreadyStarted)
}

func TestRegisterRejectsOversizedPopulation(t *testing.T) {
	p := newPopulation(t, MaxPopulation, timeBased(time.Second), nil)
	p.layout.AddGroup("extra", 1)
	extra, err := agent.New(agent.Config{ID: "extra", GroupID: "extra"}, agent.Deps{
		Actuator: p.actuator,
		Layout:   p.layout,
		Trainer:  stubTrainer{},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, p.ctrl.Register(extra), ErrPopulationFull)
}

func TestNewControllerValidation(t *testing.T) {
	act := scapetest.NewActuator()
	layout := scapetest.NewLayout()
	tests := []struct {
		name string
		cfg  ControllerConfig
	}{
		{name: "no actuator", cfg: ControllerConfig{Layout: layout, Mode: ModeSurvival}},
		{name: "no layout", cfg: ControllerConfig{Actuator: act, Mode: ModeSurvival}},
		{name: "bad rate", cfg: ControllerConfig{Actuator: act, Layout: layout, Mode: ModeSurvival, SurvivalRate: 1.5}},
		{name: "no duration", cfg: ControllerConfig{Actuator: act, Layout: layout, Mode: ModeTimeBased}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewController(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("survival")
	require.NoError(t, err)
	assert.Equal(t, ModeSurvival, m)
	m, err = ParseMode("time_based")
	require.NoError(t, err)
	assert.Equal(t, ModeTimeBased, m)
	_, err = ParseMode("forever")
	assert.Error(t, err)
}

func newWarehousePopulation(t *testing.T, n int, cfg ControllerConfig) (*Controller, *scape.Warehouse, []*agent.Agent) {
	t.Helper()
	w := scape.NewWarehouse(scape.DefaultWarehouseConfig())
	cfg.Actuator = w
	cfg.Layout = w
	cfg.Logger = discardLogger()
	ctrl, err := NewController(cfg)
	require.NoError(t, err)

	agents := make([]*agent.Agent, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("a%d", i)
		spawn, err := w.AddSlot(i, id)
		require.NoError(t, err)
		a, err := agent.New(agent.Config{
			ID:       id,
			Slot:     i,
			GroupID:  scape.GroupName(i),
			Spawn:    spawn,
			MaxSteps: 1000,
		}, agent.Deps{
			Actuator: w,
			Layout:   w,
			Trainer:  stubTrainer{},
			Encoder:  perception.NewEncoder(perception.EncoderConfig{}),
			Reward:   reward.DefaultConfig(),
			Logger:   discardLogger(),
		})
		require.NoError(t, err)
		require.NoError(t, ctrl.Register(a))
		agents = append(agents, a)
	}
	return ctrl, w, agents
}

func TestSurvivalCloneSpawnsBesideDonorSpawnAfterWallDeath(t *testing.T) {
	cfg := survival(time.Minute)
	cfg.SpawnOffset = 4
	cfg.SpawnClearance = 0.5
	ctrl, w, agents := newWarehousePopulation(t, 2, cfg)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))

	for i := 0; i < 200 && ctrl.Generation() == 1; i++ {
		w.Step(dt)
		require.NoError(t, ctrl.Tick(ctx, dt))
	}
	require.Equal(t, 2, ctrl.Generation())
	diags := ctrl.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, 2, diags[0].Terminations["collision"])

	lineage := ctrl.Lineage()
	require.Len(t, lineage, 1)
	byID := map[string]*agent.Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	child, donor := byID[lineage[0].AgentID], byID[lineage[0].DonorID]
	require.NotNil(t, child)
	require.NotNil(t, donor)

	donorState, err := w.QueryState(donor.ID)
	require.NoError(t, err)
	childState, err := w.QueryState(child.ID)
	require.NoError(t, err)
	assert.Equal(t, donor.Spawn.Position, donorState.Position)
	want := r3.Add(donor.Spawn.Position, r3.Vec{X: 4, Y: 0.5})
	assert.Equal(t, want, child.Spawn.Position)
	assert.Equal(t, want, childState.Position)
	assert.Equal(t, donor.GroupID, child.GroupID)

	w.Step(dt)
	require.NoError(t, ctrl.Tick(ctx, dt))
	childState, err = w.QueryState(child.ID)
	require.NoError(t, err)
	assert.False(t, childState.Collided)
	assert.False(t, child.Tracker.Done())
}

func TestClonePoseIsClampedToDonorSlot(t *testing.T) {
	cfg := timeBased(time.Minute)
	cfg.SurvivalRate = 0.5
	cfg.SpawnOffset = 5
	ctrl, w, agents := newWarehousePopulation(t, 2, cfg)
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, w.ResetPose("a0", scape.Pose{Position: r3.Vec{X: 14, Z: 2}}))
	agents[0].Tracker.AddFitness(5)
	require.NoError(t, ctrl.EndGeneration())

	limit := scape.DefaultWarehouseConfig().HalfExtent - scape.DefaultWarehouseConfig().ForkReach
	assert.Equal(t, r3.Vec{X: limit, Z: 2}, agents[1].Spawn.Position)
	assert.Equal(t, scape.GroupName(0), agents[1].GroupID)
}

func TestHooksFireInBoundaryOrderAfterRespawn(t *testing.T) {
	var events []string
	var ctrl *Controller
	cfg := timeBased(time.Minute)
	cfg.SurvivalRate = 0.5
	cfg.Hooks = Hooks{
		OnSurvive: func(gen int, s Scored) {
			events = append(events, fmt.Sprintf("survive %s gen=%d next=%d", s.AgentID, gen, ctrl.Generation()))
		},
		OnCull: func(gen int, s Scored) {
			events = append(events, fmt.Sprintf("cull %s gen=%d", s.AgentID, gen))
		},
		OnRespawn: func(rec model.LineageRecord) {
			events = append(events, fmt.Sprintf("respawn %s from %s", rec.AgentID, rec.DonorID))
		},
		OnGenerationEnd: func(d model.GenerationDiagnostics) {
			events = append(events, fmt.Sprintf("end gen=%d", d.Generation))
		},
	}
	p := newPopulation(t, 2, cfg, nil)
	ctrl = p.ctrl
	require.NoError(t, ctrl.Start(context.Background()))
	p.agents[1].Tracker.AddFitness(3)
	require.NoError(t, ctrl.EndGeneration())

	assert.Equal(t, []string{
		"survive a1 gen=1 next=2",
		"cull a0 gen=1",
		"respawn a0 from a1",
		"end gen=1",
	}, events)
	assert.Equal(t, "g1", p.agents[0].GroupID)
}
