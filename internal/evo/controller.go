package evo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/agent"
	"forkevo/internal/model"
	"forkevo/internal/reward"
	"forkevo/internal/scape"
	"forkevo/internal/telemetry"
)

const (
	MaxPopulation          = 20
	DefaultFailsafeCeiling = 300 * time.Second
)

var (
	ErrPopulationFull  = errors.New("population is full")
	ErrDuplicateAgent  = errors.New("duplicate agent")
	ErrAgentExcluded   = errors.New("agent excluded")
	ErrEmptyPopulation = errors.New("population is empty")
	ErrNotStarted      = errors.New("controller not started")
	ErrAlreadyStarted  = errors.New("controller already started")
)

// Mode selects how a generation ends.
type Mode int

const (
	ModeTimeBased Mode = iota
	ModeSurvival
)

func (m Mode) String() string {
	if m == ModeSurvival {
		return "survival"
	}
	return "time_based"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "time_based", "timebased", "time":
		return ModeTimeBased, nil
	case "survival":
		return ModeSurvival, nil
	default:
		return 0, fmt.Errorf("unknown mode: %s", s)
	}
}

// Trigger names what ended a generation.
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerAllDone
	TriggerFailsafe
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerAllDone:
		return "all_done"
	case TriggerFailsafe:
		return "failsafe"
	case TriggerManual:
		return "manual"
	default:
		return "timer"
	}
}

// Hooks observe generation boundaries. They fire once the boundary has been
// applied in full: culled agents are already respawned and the next
// generation has started. Within a boundary the order is OnSurvive for every
// elite, OnCull for every culled agent, OnRespawn for every lineage record,
// then OnGenerationEnd. Hooks run outside the controller lock and may call
// back into the controller.
type Hooks struct {
	OnSurvive       func(generation int, s Scored)
	OnCull          func(generation int, s Scored)
	OnRespawn       func(record model.LineageRecord)
	OnGenerationEnd func(diag model.GenerationDiagnostics)
}

type ControllerConfig struct {
	Mode               Mode
	GenerationDuration time.Duration
	FailsafeCeiling    time.Duration
	SurvivalRate       float64
	// RespawnAtElite clones culled agents at an elite donor. When false they
	// only return to their own spawn pose.
	RespawnAtElite            bool
	SpawnOffset               float64
	SpawnClearance            float64
	ResetLayoutEachGeneration bool
	Workers                   int
	Seed                      int64

	Selector Selector
	Actuator scape.Actuator
	Layout   scape.Layout
	Sink     telemetry.Sink
	Hooks    Hooks
	Logger   *slog.Logger
}

// Controller runs generations over a fixed population of agents.
type Controller struct {
	cfg    ControllerConfig
	rng    *rand.Rand
	logger *slog.Logger

	mu           sync.Mutex
	agents       []*agent.Agent
	byID         map[string]*agent.Agent
	active       map[string]struct{}
	generation   int
	timer        time.Duration
	ticks        int
	terminations map[string]int
	started      bool
	ticking      bool
	pendingEnd   bool
	deferred     []string
	diagnostics  []model.GenerationDiagnostics
	lineage      []model.LineageRecord

	transitioning atomic.Bool
}

type boundary struct {
	generation int
	outcome    Outcome
	diag       model.GenerationDiagnostics
	lineage    []model.LineageRecord
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Actuator == nil {
		return nil, fmt.Errorf("actuator is required")
	}
	if cfg.Layout == nil {
		return nil, fmt.Errorf("layout is required")
	}
	if cfg.SurvivalRate < 0 || cfg.SurvivalRate > 1 {
		return nil, fmt.Errorf("survival rate must be in [0, 1]")
	}
	if cfg.Mode == ModeTimeBased && cfg.GenerationDuration <= 0 {
		return nil, fmt.Errorf("generation duration must be > 0 in %s mode", cfg.Mode)
	}
	if cfg.FailsafeCeiling <= 0 {
		cfg.FailsafeCeiling = DefaultFailsafeCeiling
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Selector == nil {
		cfg.Selector = EliteSelector{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		logger:       logger,
		byID:         make(map[string]*agent.Agent),
		active:       make(map[string]struct{}),
		terminations: make(map[string]int),
	}, nil
}

// Register adds an agent to the population. Agents whose object group is
// unavailable are excluded with a warning.
func (c *Controller) Register(a *agent.Agent) error {
	if a == nil {
		return fmt.Errorf("%w: nil agent", ErrAgentExcluded)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if len(c.agents) >= MaxPopulation {
		return fmt.Errorf("%w: max %d agents", ErrPopulationFull, MaxPopulation)
	}
	if _, ok := c.byID[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	if _, err := c.cfg.Layout.ObjectsInGroup(a.GroupID); err != nil {
		c.logger.Warn("agent excluded: object group unavailable", "agent_id", a.ID, "group_id", a.GroupID, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrAgentExcluded, a.ID, err)
	}

	a.RestartEpisodes = c.cfg.Mode == ModeTimeBased
	a.Tracker.SetDoneFunc(func(id string, _ reward.Reason) {
		c.NotifyAgentDone(id)
	})
	c.agents = append(c.agents, a)
	c.byID[a.ID] = a
	return nil
}

// Start begins generation 1.
func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if len(c.agents) == 0 {
		return ErrEmptyPopulation
	}
	c.started = true
	c.generation = 1
	c.transitioning.Store(true)
	c.startGenerationLocked(nil)
	c.transitioning.Store(false)
	return nil
}

// Tick steps every active agent once, then advances the generation timer
// and evaluates the end-of-generation triggers.
func (c *Controller) Tick(ctx context.Context, dt time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.ticking = true
	agents := append([]*agent.Agent(nil), c.agents...)
	generation := c.generation
	c.mu.Unlock()

	stepErr := c.stepAgents(ctx, agents, dt, generation)

	c.mu.Lock()
	c.ticking = false
	for _, id := range c.deferred {
		c.applyDoneLocked(id)
	}
	c.deferred = c.deferred[:0]
	if stepErr != nil {
		c.mu.Unlock()
		return stepErr
	}

	c.timer += dt
	c.ticks++
	b, ended := c.checkTriggersLocked()
	c.mu.Unlock()

	if ended {
		c.fireHooks(b)
	}
	return nil
}

// NotifyAgentDone removes a done agent from the active set. During a tick the
// notification is applied once all agents have stepped.
func (c *Controller) NotifyAgentDone(agentID string) {
	if c.transitioning.Load() {
		return
	}
	c.mu.Lock()
	if c.ticking {
		c.deferred = append(c.deferred, agentID)
		c.mu.Unlock()
		return
	}
	c.applyDoneLocked(agentID)
	var (
		b     boundary
		ended bool
	)
	if c.started && c.cfg.Mode == ModeSurvival && len(c.active) == 0 {
		b, ended = c.endGenerationLocked(TriggerAllDone), true
	}
	c.mu.Unlock()

	if ended {
		c.fireHooks(b)
	}
}

// EndGeneration forces a generation boundary. Requested during a tick, it
// takes effect once the tick completes.
func (c *Controller) EndGeneration() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.ticking {
		c.pendingEnd = true
		c.mu.Unlock()
		return nil
	}
	b := c.endGenerationLocked(TriggerManual)
	c.mu.Unlock()

	c.fireHooks(b)
	return nil
}

func (c *Controller) PopulationSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

func (c *Controller) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Controller) Mode() Mode {
	return c.cfg.Mode
}

func (c *Controller) Timer() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer
}

func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Agents returns the population in registration order.
func (c *Controller) Agents() []*agent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*agent.Agent(nil), c.agents...)
}

func (c *Controller) Diagnostics() []model.GenerationDiagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.GenerationDiagnostics(nil), c.diagnostics...)
}

func (c *Controller) Lineage() []model.LineageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.LineageRecord(nil), c.lineage...)
}

func (c *Controller) stepAgents(ctx context.Context, agents []*agent.Agent, dt time.Duration, generation int) error {
	if c.cfg.Workers <= 1 || len(agents) <= 1 {
		for _, a := range agents {
			if err := c.stepAgent(ctx, a, dt, generation); err != nil {
				return err
			}
		}
		return nil
	}

	p := pool.New().WithMaxGoroutines(c.cfg.Workers).WithErrors()
	for _, a := range agents {
		p.Go(func() error {
			return c.stepAgent(ctx, a, dt, generation)
		})
	}
	return p.Wait()
}

func (c *Controller) stepAgent(ctx context.Context, a *agent.Agent, dt time.Duration, generation int) error {
	res, err := a.Tick(ctx, dt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.logger.Warn("agent tick failed, retiring agent", "agent_id", a.ID, "error", err)
		a.Tracker.MarkDone(reward.ReasonInterrupted)
		return nil
	}
	if !res.Stepped {
		return nil
	}
	if res.Ended != reward.ReasonNone {
		c.mu.Lock()
		c.terminations[string(res.Ended)]++
		c.mu.Unlock()
	}
	if c.cfg.Sink != nil {
		c.cfg.Sink.Publish(snapshot(generation, a, res))
	}
	return nil
}

func (c *Controller) applyDoneLocked(agentID string) {
	a, ok := c.byID[agentID]
	if !ok || !a.Tracker.Done() {
		return
	}
	delete(c.active, agentID)
}

func (c *Controller) checkTriggersLocked() (boundary, bool) {
	if c.pendingEnd {
		c.pendingEnd = false
		return c.endGenerationLocked(TriggerManual), true
	}
	switch c.cfg.Mode {
	case ModeTimeBased:
		if c.timer >= c.cfg.GenerationDuration {
			return c.endGenerationLocked(TriggerTimer), true
		}
	case ModeSurvival:
		for id := range c.active {
			c.applyDoneLocked(id)
		}
		if len(c.active) == 0 {
			return c.endGenerationLocked(TriggerAllDone), true
		}
		if c.timer >= c.cfg.FailsafeCeiling {
			return c.endGenerationLocked(TriggerFailsafe), true
		}
	}
	return boundary{}, false
}

// endGenerationLocked ranks the population, respawns the culled agents and
// starts the next generation.
func (c *Controller) endGenerationLocked(trigger Trigger) boundary {
	c.transitioning.Store(true)
	defer c.transitioning.Store(false)

	scored := make([]Scored, 0, len(c.agents))
	for _, a := range c.agents {
		scored = append(scored, Scored{
			AgentID: a.ID,
			Slot:    a.Slot,
			GroupID: a.GroupID,
			Fitness: a.Tracker.Fitness(),
			Pose:    a.Spawn,
		})
	}
	out := Rank(scored, c.cfg.SurvivalRate)
	diag := summarizeGeneration(out, c.generation, trigger, c.timer, c.ticks, c.terminations)

	respawned := make(map[string]bool, len(out.Culled))
	clones := make(map[string]int)
	lineage := make([]model.LineageRecord, 0, len(out.Culled))
	for _, culled := range out.Culled {
		a := c.byID[culled.AgentID]
		record, err := c.respawnLocked(a, out, clones)
		if err != nil {
			c.logger.Warn("respawn failed", "agent_id", a.ID, "generation", c.generation, "error", err)
			continue
		}
		record.Fitness = culled.Fitness
		respawned[a.ID] = true
		lineage = append(lineage, record)
	}

	c.logger.Info("generation ended",
		"generation", c.generation,
		"trigger", trigger.String(),
		"best_fitness", diag.BestFitness,
		"mean_fitness", diag.MeanFitness,
		"elites", out.EliteCount,
		"culled", len(out.Culled),
	)

	b := boundary{generation: c.generation, outcome: out, diag: diag, lineage: lineage}
	c.diagnostics = append(c.diagnostics, diag)
	c.lineage = append(c.lineage, lineage...)
	c.generation++
	c.startGenerationLocked(respawned)
	return b
}

func (c *Controller) respawnLocked(a *agent.Agent, out Outcome, clones map[string]int) (model.LineageRecord, error) {
	record := model.LineageRecord{
		AgentID:    a.ID,
		Generation: c.generation,
	}
	if !c.cfg.RespawnAtElite {
		if err := c.resetPose(a, a.Spawn); err != nil {
			return record, err
		}
		record.Operation = "reset"
		record.GroupID = a.GroupID
		return record, nil
	}

	donor, err := c.cfg.Selector.PickDonor(c.rng, out.Ranked, out.EliteCount)
	if err != nil {
		return record, err
	}
	donorAgent, ok := c.byID[donor.AgentID]
	if !ok {
		return record, fmt.Errorf("%w: donor %s", scape.ErrUnknownAgent, donor.AgentID)
	}

	clones[donor.AgentID]++
	pose, err := c.clonePose(donorAgent, clones[donor.AgentID])
	if err != nil {
		return record, err
	}

	if err := c.resetPose(a, pose); err != nil {
		return record, err
	}
	a.Spawn = pose
	a.Rebind(donorAgent.GroupID)
	if binder, ok := c.cfg.Actuator.(scape.GroupBinder); ok {
		if err := binder.BindGroup(a.ID, a.GroupID); err != nil {
			return record, err
		}
	}

	record.DonorID = donorAgent.ID
	record.Operation = "respawn"
	record.GroupID = donorAgent.GroupID
	return record, nil
}

// donorOrigin is the pose the donor starts the next generation from. A done
// donor goes back to its spawn; a running one keeps its live pose.
func (c *Controller) donorOrigin(donor *agent.Agent) scape.Pose {
	if donor.Tracker.Done() {
		return donor.Spawn
	}
	state, err := c.cfg.Actuator.QueryState(donor.ID)
	if err != nil {
		return donor.Spawn
	}
	return scape.Pose{Position: state.Position, Heading: state.Heading}
}

// clonePose places the nth clone of donor beside it, clamped to the region
// of the donor's group when the scene confines agents.
func (c *Controller) clonePose(donor *agent.Agent, nth int) (scape.Pose, error) {
	origin := c.donorOrigin(donor)
	right := r3.Vec{X: math.Cos(origin.Heading), Z: -math.Sin(origin.Heading)}
	pos := r3.Add(origin.Position, r3.Scale(c.cfg.SpawnOffset*float64(nth), right))
	pos.Y += c.cfg.SpawnClearance

	bounds, ok := c.cfg.Actuator.(scape.Bounds)
	if !ok {
		bounds, ok = c.cfg.Layout.(scape.Bounds)
	}
	if ok {
		clamped, err := bounds.Clamp(donor.GroupID, pos)
		if err != nil {
			return scape.Pose{}, fmt.Errorf("clamp clone of %s: %w", donor.ID, err)
		}
		pos = clamped
	}
	return scape.Pose{Position: pos, Heading: origin.Heading}, nil
}

// resetPose runs the mandatory suspend, reposition, resume sequence.
func (c *Controller) resetPose(a *agent.Agent, pose scape.Pose) error {
	if err := c.cfg.Actuator.SetSuspended(a.ID, true); err != nil {
		return err
	}
	if err := c.cfg.Actuator.ResetPose(a.ID, pose); err != nil {
		return err
	}
	return c.cfg.Actuator.SetSuspended(a.ID, false)
}

func (c *Controller) startGenerationLocked(respawned map[string]bool) {
	c.timer = 0
	c.ticks = 0
	c.pendingEnd = false
	c.terminations = make(map[string]int)
	c.active = make(map[string]struct{}, len(c.agents))

	if c.cfg.ResetLayoutEachGeneration {
		seen := make(map[string]bool)
		for _, a := range c.agents {
			if seen[a.GroupID] {
				continue
			}
			seen[a.GroupID] = true
			if err := c.cfg.Layout.ResetObjectPositions(a.GroupID); err != nil {
				c.logger.Warn("reset object group failed", "group_id", a.GroupID, "error", err)
			}
		}
	}

	for _, a := range c.agents {
		done := a.Tracker.Done()
		if !done {
			a.Truncate()
		}
		a.Tracker.Reset()
		if done && !respawned[a.ID] {
			if err := c.resetPose(a, a.Spawn); err != nil {
				c.logger.Warn("reset pose failed", "agent_id", a.ID, "error", err)
			}
		}
		if err := a.BeginEpisode(); err != nil {
			c.logger.Warn("begin episode failed, agent sits out the generation", "agent_id", a.ID, "error", err)
			a.Tracker.MarkDone(reward.ReasonInterrupted)
			continue
		}
		if c.cfg.Mode == ModeSurvival {
			c.active[a.ID] = struct{}{}
		}
	}

	c.logger.Info("generation started",
		"generation", c.generation,
		"mode", c.cfg.Mode.String(),
		"agents", len(c.agents),
	)
}

func (c *Controller) fireHooks(b boundary) {
	h := c.cfg.Hooks
	if h.OnSurvive != nil {
		for _, s := range b.outcome.Elites {
			h.OnSurvive(b.generation, s)
		}
	}
	if h.OnCull != nil {
		for _, s := range b.outcome.Culled {
			h.OnCull(b.generation, s)
		}
	}
	if h.OnRespawn != nil {
		for _, record := range b.lineage {
			h.OnRespawn(record)
		}
	}
	if h.OnGenerationEnd != nil {
		h.OnGenerationEnd(b.diag)
	}
}

func snapshot(generation int, a *agent.Agent, res agent.TickResult) telemetry.Snapshot {
	return telemetry.Snapshot{
		Generation:       generation,
		AgentID:          a.ID,
		Step:             a.EpisodeStep(),
		Reward:           res.Outcome.Reward,
		CumulativeReward: res.EpisodeReward,
		Fitness:          a.Tracker.Fitness(),
		Secured:          res.Secured,
		Total:            res.Total,
		Touching:         res.State.Touching,
		Holding:          res.State.Holding,
		TargetName:       res.Target.Name,
		TargetDistance:   res.Target.Distance,
		Phase:            res.Outcome.Phase.String(),
		Status:           a.Tracker.Status().String(),
		Ended:            string(res.Ended),
		Terms:            res.Outcome.Terms,
	}
}
