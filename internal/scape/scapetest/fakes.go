// Package scapetest provides in-memory scene collaborators for tests.
package scapetest

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/scape"
)

// Actuator records every call and serves scripted states.
type Actuator struct {
	mu sync.Mutex

	States    map[string]scape.State
	Actions   map[string][]scape.Action
	Suspended map[string]bool
	Poses     map[string][]scape.Pose
	Bindings  map[string]string
	Calls     []string
}

func NewActuator() *Actuator {
	return &Actuator{
		States:    make(map[string]scape.State),
		Actions:   make(map[string][]scape.Action),
		Suspended: make(map[string]bool),
		Poses:     make(map[string][]scape.Pose),
		Bindings:  make(map[string]string),
	}
}

func (a *Actuator) SetState(agentID string, state scape.State) {
	a.mu.Lock()
	a.States[agentID] = state
	a.mu.Unlock()
}

func (a *Actuator) ApplyAction(agentID string, action scape.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Actions[agentID] = append(a.Actions[agentID], action)
	return nil
}

func (a *Actuator) QueryState(agentID string) (scape.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.States[agentID], nil
}

func (a *Actuator) SetSuspended(agentID string, suspended bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Suspended[agentID] = suspended
	a.Calls = append(a.Calls, fmt.Sprintf("suspend %s %t", agentID, suspended))
	return nil
}

func (a *Actuator) ResetPose(agentID string, pose scape.Pose) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Poses[agentID] = append(a.Poses[agentID], pose)
	state := a.States[agentID]
	state.Position = pose.Position
	state.Heading = pose.Heading
	state.Collided = false
	a.States[agentID] = state
	a.Calls = append(a.Calls, fmt.Sprintf("pose %s", agentID))
	return nil
}

func (a *Actuator) BindGroup(agentID, groupID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Bindings[agentID] = groupID
	return nil
}

// CallLog returns a copy of the ordered suspend and pose calls.
func (a *Actuator) CallLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Calls...)
}

// Object is a named point that can be removed.
type Object struct {
	ObjName string
	Pos     r3.Vec
	Removed bool
}

func (o *Object) Name() string { return o.ObjName }

func (o *Object) Position() (r3.Vec, bool) {
	if o == nil || o.Removed {
		return r3.Vec{}, false
	}
	return o.Pos, true
}

// Layout keeps groups of objects and a scripted secured set per group.
type Layout struct {
	mu sync.Mutex

	Groups  map[string][]*Object
	Secured map[string]map[string]struct{}
	Resets  map[string]int
}

func NewLayout() *Layout {
	return &Layout{
		Groups:  make(map[string][]*Object),
		Secured: make(map[string]map[string]struct{}),
		Resets:  make(map[string]int),
	}
}

// AddGroup registers a group with n objects spaced along X.
func (l *Layout) AddGroup(groupID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	objects := make([]*Object, 0, n)
	for i := 0; i < n; i++ {
		objects = append(objects, &Object{
			ObjName: fmt.Sprintf("%s/%d", groupID, i),
			Pos:     r3.Vec{X: float64(i + 1)},
		})
	}
	l.Groups[groupID] = objects
	l.Secured[groupID] = make(map[string]struct{})
}

// Secure marks an object of a group as secured.
func (l *Layout) Secure(groupID, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Secured[groupID] == nil {
		l.Secured[groupID] = make(map[string]struct{})
	}
	l.Secured[groupID][name] = struct{}{}
}

func (l *Layout) ResetObjectPositions(groupID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.Groups[groupID]; !ok {
		return fmt.Errorf("%w: %s", scape.ErrGroupNotFound, groupID)
	}
	l.Resets[groupID]++
	l.Secured[groupID] = make(map[string]struct{})
	return nil
}

func (l *Layout) ObjectsInGroup(groupID string) ([]scape.ObjectHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	objects, ok := l.Groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scape.ErrGroupNotFound, groupID)
	}
	out := make([]scape.ObjectHandle, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj)
	}
	return out, nil
}

func (l *Layout) SecuredCount(groupID string) (int, error) {
	set, err := l.SecuredSet(groupID)
	return len(set), err
}

func (l *Layout) SecuredSet(groupID string) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.Groups[groupID]; !ok {
		return nil, fmt.Errorf("%w: %s", scape.ErrGroupNotFound, groupID)
	}
	out := make(map[string]struct{}, len(l.Secured[groupID]))
	for name := range l.Secured[groupID] {
		out[name] = struct{}{}
	}
	return out, nil
}

func (l *Layout) IsComplete(groupID string, totalExpected int) (bool, error) {
	count, err := l.SecuredCount(groupID)
	if err != nil {
		return false, err
	}
	return count >= totalExpected, nil
}

func (l *Layout) ResetCount(groupID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Resets[groupID]
}
