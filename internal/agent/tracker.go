package agent

import (
	"log/slog"
	"sync"

	"forkevo/internal/reward"
	"forkevo/internal/scape"
)

// Status is the lifecycle state of an agent within a generation.
type Status int

const (
	StatusActive Status = iota
	StatusDone
)

func (s Status) String() string {
	if s == StatusDone {
		return "done"
	}
	return "active"
}

// DoneFunc receives the id of an agent that just finished and why.
type DoneFunc func(agentID string, reason reward.Reason)

// Tracker accumulates an agent's fitness for the current generation.
type Tracker struct {
	mu sync.Mutex

	id       string
	fitness  float64
	status   Status
	reason   reward.Reason
	onDone   DoneFunc
	actuator scape.Actuator
	logger   *slog.Logger
}

// NewTracker builds an active tracker. actuator may be nil when the agent has
// no physical body to suspend.
func NewTracker(id string, actuator scape.Actuator, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{id: id, actuator: actuator, logger: logger}
}

func (t *Tracker) ID() string {
	return t.id
}

// SetDoneFunc installs the completion notifier.
func (t *Tracker) SetDoneFunc(fn DoneFunc) {
	t.mu.Lock()
	t.onDone = fn
	t.mu.Unlock()
}

func (t *Tracker) Fitness() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fitness
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Reason is why the agent finished; empty while active.
func (t *Tracker) Reason() reward.Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Tracker) Done() bool {
	return t.Status() == StatusDone
}

// AddFitness accumulates delta while the agent is active. Done agents keep
// their final fitness.
func (t *Tracker) AddFitness(delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusDone {
		return
	}
	t.fitness += delta
}

// MarkDone transitions the agent to done, suspends its actuation and notifies
// the controller. It reports false when the agent was already done.
func (t *Tracker) MarkDone(reason reward.Reason) bool {
	t.mu.Lock()
	if t.status == StatusDone {
		t.mu.Unlock()
		return false
	}
	t.status = StatusDone
	t.reason = reason
	notify := t.onDone
	t.mu.Unlock()

	if t.actuator != nil {
		if err := t.actuator.SetSuspended(t.id, true); err != nil {
			t.logger.Warn("suspend agent failed", "agent_id", t.id, "error", err)
		}
	}
	if notify != nil {
		notify(t.id, reason)
	}
	return true
}

// Reset clears fitness and reactivates the agent for a new generation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.fitness = 0
	t.status = StatusActive
	t.reason = reward.ReasonNone
	t.mu.Unlock()
}
