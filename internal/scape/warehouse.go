package scape

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// GroupBinder is implemented by actuators that need to know which object
// group and goal region an agent currently works against.
type GroupBinder interface {
	BindGroup(agentID, groupID string) error
}

type WarehouseConfig struct {
	HalfExtent     float64 `yaml:"half_extent" toml:"half_extent"`
	SlotSpacing    float64 `yaml:"slot_spacing" toml:"slot_spacing"`
	GoalHalfSize   float64 `yaml:"goal_half_size" toml:"goal_half_size"`
	MaxSpeed       float64 `yaml:"max_speed" toml:"max_speed"`
	TurnRate       float64 `yaml:"turn_rate" toml:"turn_rate"`
	LiftRate       float64 `yaml:"lift_rate" toml:"lift_rate"`
	ForkReach      float64 `yaml:"fork_reach" toml:"fork_reach"`
	TouchRadius    float64 `yaml:"touch_radius" toml:"touch_radius"`
	CarryThreshold float64 `yaml:"carry_threshold" toml:"carry_threshold"`
	PalletsPerSlot int     `yaml:"pallets_per_slot" toml:"pallets_per_slot"`
}

func DefaultWarehouseConfig() WarehouseConfig {
	return WarehouseConfig{
		HalfExtent:     15,
		SlotSpacing:    40,
		GoalHalfSize:   3,
		MaxSpeed:       3,
		TurnRate:       2.5,
		LiftRate:       2,
		ForkReach:      1.2,
		TouchRadius:    0.8,
		CarryThreshold: 0.3,
		PalletsPerSlot: 2,
	}
}

// Pallet is a collectable object of the warehouse scape.
type Pallet struct {
	name    string
	pos     r3.Vec
	origin  r3.Vec
	heldBy  string
	removed bool
}

func (p *Pallet) Name() string {
	return p.name
}

func (p *Pallet) Position() (r3.Vec, bool) {
	if p == nil || p.removed {
		return r3.Vec{}, false
	}
	return p.pos, true
}

type palletGroup struct {
	id      string
	center  r3.Vec
	goal    r3.Vec
	pallets []*Pallet
	resets  int
}

type forklift struct {
	pose      Pose
	velocity  r3.Vec
	angular   float64
	lift      float64
	action    Action
	suspended bool
	collided  bool
	impulse   float64
	group     string
	held      *Pallet
}

// Warehouse is a minimal kinematic arena: one slot per population member,
// each with its own pallet group and drop zone. Leaving the slot boundary is
// a fatal collision.
type Warehouse struct {
	cfg WarehouseConfig

	mu     sync.RWMutex
	groups map[string]*palletGroup
	bodies map[string]*forklift
}

func NewWarehouse(cfg WarehouseConfig) *Warehouse {
	def := DefaultWarehouseConfig()
	if cfg.HalfExtent <= 0 {
		cfg.HalfExtent = def.HalfExtent
	}
	if cfg.SlotSpacing <= 2*cfg.HalfExtent {
		cfg.SlotSpacing = 2*cfg.HalfExtent + 10
	}
	if cfg.GoalHalfSize <= 0 {
		cfg.GoalHalfSize = def.GoalHalfSize
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = def.MaxSpeed
	}
	if cfg.TurnRate <= 0 {
		cfg.TurnRate = def.TurnRate
	}
	if cfg.LiftRate <= 0 {
		cfg.LiftRate = def.LiftRate
	}
	if cfg.ForkReach <= 0 {
		cfg.ForkReach = def.ForkReach
	}
	if cfg.TouchRadius <= 0 {
		cfg.TouchRadius = def.TouchRadius
	}
	if cfg.CarryThreshold <= 0 || cfg.CarryThreshold >= 1 {
		cfg.CarryThreshold = def.CarryThreshold
	}
	if cfg.PalletsPerSlot <= 0 {
		cfg.PalletsPerSlot = def.PalletsPerSlot
	}
	return &Warehouse{
		cfg:    cfg,
		groups: make(map[string]*palletGroup),
		bodies: make(map[string]*forklift),
	}
}

// GroupName is the object group of a population slot.
func GroupName(slot int) string {
	return fmt.Sprintf("Pallets (%d)", slot+1)
}

// AddSlot lays out one slot with its pallets, drop zone and a forklift and
// returns the spawn pose of the agent.
func (w *Warehouse) AddSlot(slot int, agentID string) (Pose, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.bodies[agentID]; ok {
		return Pose{}, fmt.Errorf("agent %s already placed", agentID)
	}
	groupID := GroupName(slot)
	center := r3.Vec{X: float64(slot) * w.cfg.SlotSpacing}
	group := &palletGroup{
		id:     groupID,
		center: center,
		goal:   r3.Add(center, r3.Vec{X: 8, Z: 8}),
	}
	for i := 0; i < w.cfg.PalletsPerSlot; i++ {
		angle := float64(i) * 2 * math.Pi / float64(w.cfg.PalletsPerSlot)
		pos := r3.Add(center, r3.Vec{X: -6 * math.Cos(angle), Z: -6 * math.Sin(angle)})
		group.pallets = append(group.pallets, &Pallet{
			name:   fmt.Sprintf("%s/pallet-%d", groupID, i+1),
			pos:    pos,
			origin: pos,
		})
	}
	w.groups[groupID] = group

	pose := Pose{Position: center}
	w.bodies[agentID] = &forklift{pose: pose, group: groupID}
	return pose, nil
}

// RemoveObject takes a pallet out of the scene; handles to it go stale.
func (w *Warehouse) RemoveObject(groupID, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	group, ok := w.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	for _, p := range group.pallets {
		if p.name == name {
			p.removed = true
			if body, ok := w.bodies[p.heldBy]; ok && body.held == p {
				body.held = nil
			}
			p.heldBy = ""
			return nil
		}
	}
	return fmt.Errorf("object %s not in group %s", name, groupID)
}

func (w *Warehouse) BindGroup(agentID, groupID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, ok := w.bodies[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if _, ok := w.groups[groupID]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	body.group = groupID
	return nil
}

func (w *Warehouse) ApplyAction(agentID string, action Action) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, ok := w.bodies[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if body.suspended {
		return nil
	}
	body.action = Action{
		Move:  clamp(action.Move, -1, 1),
		Steer: clamp(action.Steer, -1, 1),
		Lift:  clamp(action.Lift, -1, 1),
		Brake: action.Brake,
	}
	return nil
}

func (w *Warehouse) QueryState(agentID string) (State, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	body, ok := w.bodies[agentID]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	group := w.groups[body.group]
	state := State{
		Position:        body.pose.Position,
		Velocity:        body.velocity,
		AngularVelocity: body.angular,
		Heading:         body.pose.Heading,
		Lift:            body.lift,
		Holding:         body.held != nil,
		Collided:        body.collided,
		WallImpulse:     body.impulse,
	}
	state.Touching = state.Holding || w.touchedPallet(body, group) != nil
	if group != nil {
		state.GoalPosition = group.goal
		state.InGoalZone = w.insideGoal(group, body.pose.Position)
	}
	return state, nil
}

func (w *Warehouse) SetSuspended(agentID string, suspended bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, ok := w.bodies[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	body.suspended = suspended
	body.velocity = r3.Vec{}
	body.angular = 0
	body.action = Action{}
	return nil
}

func (w *Warehouse) ResetPose(agentID string, pose Pose) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, ok := w.bodies[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if body.held != nil {
		body.held.heldBy = ""
		body.held = nil
	}
	body.pose = pose
	body.velocity = r3.Vec{}
	body.angular = 0
	body.lift = 0
	body.collided = false
	body.impulse = 0
	return nil
}

func (w *Warehouse) ResetObjectPositions(groupID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	group, ok := w.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	for _, p := range group.pallets {
		if body, ok := w.bodies[p.heldBy]; ok && body.held == p {
			body.held = nil
		}
		p.heldBy = ""
		p.pos = p.origin
	}
	group.resets++
	return nil
}

func (w *Warehouse) ResetCount(groupID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if group, ok := w.groups[groupID]; ok {
		return group.resets
	}
	return 0
}

// Clamp keeps pos at least one fork reach inside the slot boundary of
// groupID. The vertical component is left untouched.
func (w *Warehouse) Clamp(groupID string, pos r3.Vec) (r3.Vec, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	group, ok := w.groups[groupID]
	if !ok {
		return pos, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	limit := math.Max(w.cfg.HalfExtent-w.cfg.ForkReach, 0)
	pos.X = clamp(pos.X, group.center.X-limit, group.center.X+limit)
	pos.Z = clamp(pos.Z, group.center.Z-limit, group.center.Z+limit)
	return pos, nil
}

func (w *Warehouse) ObjectsInGroup(groupID string) ([]ObjectHandle, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	group, ok := w.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	out := make([]ObjectHandle, 0, len(group.pallets))
	for _, p := range group.pallets {
		out = append(out, p)
	}
	return out, nil
}

func (w *Warehouse) SecuredCount(groupID string) (int, error) {
	set, err := w.SecuredSet(groupID)
	if err != nil {
		return 0, err
	}
	return len(set), nil
}

func (w *Warehouse) SecuredSet(groupID string) (map[string]struct{}, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	group, ok := w.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	secured := make(map[string]struct{}, len(group.pallets))
	for _, p := range group.pallets {
		if p.removed || p.heldBy != "" {
			continue
		}
		if w.insideGoal(group, p.pos) {
			secured[p.name] = struct{}{}
		}
	}
	return secured, nil
}

func (w *Warehouse) IsComplete(groupID string, totalExpected int) (bool, error) {
	count, err := w.SecuredCount(groupID)
	if err != nil {
		return false, err
	}
	return count >= totalExpected, nil
}

// Step advances every non-suspended forklift by dt.
func (w *Warehouse) Step(dt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seconds := dt.Seconds()
	ids := make([]string, 0, len(w.bodies))
	for id := range w.bodies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		body := w.bodies[id]
		body.impulse = 0
		if body.suspended {
			body.velocity = r3.Vec{}
			body.angular = 0
			continue
		}
		action := body.action

		body.angular = action.Steer * w.cfg.TurnRate
		body.pose.Heading += body.angular * seconds
		forward := r3.Vec{X: math.Sin(body.pose.Heading), Z: math.Cos(body.pose.Heading)}
		speed := action.Move * w.cfg.MaxSpeed
		if action.Brake {
			speed = 0
		}
		body.velocity = r3.Scale(speed, forward)
		body.pose.Position = r3.Add(body.pose.Position, r3.Scale(seconds, body.velocity))
		body.lift = clamp(body.lift+action.Lift*w.cfg.LiftRate*seconds, 0, 1)

		group := w.groups[body.group]
		if group != nil {
			local := r3.Sub(body.pose.Position, group.center)
			if math.Abs(local.X) > w.cfg.HalfExtent || math.Abs(local.Z) > w.cfg.HalfExtent {
				body.collided = true
				body.impulse = math.Abs(speed)
				body.velocity = r3.Vec{}
			}
		}

		tip := w.forkTip(body)
		if body.held != nil {
			if body.lift < w.cfg.CarryThreshold {
				body.held.heldBy = ""
				body.held.pos = r3.Vec{X: tip.X, Z: tip.Z}
				body.held = nil
			} else {
				body.held.pos = r3.Vec{X: tip.X, Y: body.lift, Z: tip.Z}
			}
			continue
		}
		if body.lift >= w.cfg.CarryThreshold {
			if p := w.touchedPallet(body, group); p != nil && p.heldBy == "" {
				p.heldBy = id
				body.held = p
			}
		}
	}
}

func (w *Warehouse) forkTip(body *forklift) r3.Vec {
	forward := r3.Vec{X: math.Sin(body.pose.Heading), Z: math.Cos(body.pose.Heading)}
	return r3.Add(body.pose.Position, r3.Scale(w.cfg.ForkReach, forward))
}

func (w *Warehouse) touchedPallet(body *forklift, group *palletGroup) *Pallet {
	if group == nil {
		return nil
	}
	tip := w.forkTip(body)
	var best *Pallet
	bestDist := w.cfg.TouchRadius
	for _, p := range group.pallets {
		if p.removed {
			continue
		}
		d := r3.Norm(r3.Sub(r3.Vec{X: p.pos.X, Z: p.pos.Z}, r3.Vec{X: tip.X, Z: tip.Z}))
		if d <= bestDist {
			best = p
			bestDist = d
		}
	}
	return best
}

func (w *Warehouse) insideGoal(group *palletGroup, pos r3.Vec) bool {
	return math.Abs(pos.X-group.goal.X) <= w.cfg.GoalHalfSize &&
		math.Abs(pos.Z-group.goal.Z) <= w.cfg.GoalHalfSize
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
