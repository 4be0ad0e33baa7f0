package scape

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrGroupNotFound = errors.New("object group not found")
)

// Action is one decision of the policy. Move and Steer are in [-1, 1];
// Lift drives the lift mechanism up (positive) or down (negative).
type Action struct {
	Move  float64 `json:"move"`
	Steer float64 `json:"steer"`
	Lift  float64 `json:"lift"`
	Brake bool    `json:"brake"`
}

// Vector returns the continuous components in a fixed order.
func (a Action) Vector() [3]float64 {
	return [3]float64{a.Move, a.Steer, a.Lift}
}

// Pose places an agent in the world.
type Pose struct {
	Position r3.Vec
	Heading  float64
}

// State is what the actuation collaborator reports for one agent.
type State struct {
	Position        r3.Vec
	Velocity        r3.Vec
	AngularVelocity float64
	Heading         float64
	Lift            float64
	Touching        bool
	Holding         bool
	InGoalZone      bool
	GoalPosition    r3.Vec
	Collided        bool
	WallImpulse     float64
}

// Speed is the planar linear speed.
func (s State) Speed() float64 {
	return r3.Norm(r3.Vec{X: s.Velocity.X, Z: s.Velocity.Z})
}

// Actuator drives the physical representation of agents.
type Actuator interface {
	ApplyAction(agentID string, action Action) error
	QueryState(agentID string) (State, error)
	SetSuspended(agentID string, suspended bool) error
	ResetPose(agentID string, pose Pose) error
}

// ObjectHandle references a collectable object owned by the scene. Position
// reports false once the object has been removed.
type ObjectHandle interface {
	Name() string
	Position() (r3.Vec, bool)
}

// Layout owns the collectable object groups and the goal regions.
type Layout interface {
	ResetObjectPositions(groupID string) error
	ObjectsInGroup(groupID string) ([]ObjectHandle, error)
	SecuredCount(groupID string) (int, error)
	SecuredSet(groupID string) (map[string]struct{}, error)
	IsComplete(groupID string, totalExpected int) (bool, error)
}

// ResetCounter is implemented by layouts that count ResetObjectPositions
// calls per group. Agents sharing a group use it to notice a reset made by
// another member.
type ResetCounter interface {
	ResetCount(groupID string) int
}

// Bounds is implemented by scenes that confine the agents of an object
// group to a region. Clamp returns the nearest admissible position.
type Bounds interface {
	Clamp(groupID string, pos r3.Vec) (r3.Vec, error)
}
