package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SupervisorPolicy bounds how a failing task is restarted.
type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts of zero restarts forever.
	MaxRestarts int
}

type SupervisorHooks struct {
	OnTaskRestart          func(name string, err error, restartCount int)
	OnTaskPermanentFailure func(name string, err error, restartCount int)
}

type SupervisorChildStatus struct {
	Name            string `json:"name"`
	RestartCount    int    `json:"restart_count"`
	LastError       string `json:"last_error,omitempty"`
	PermanentFailed bool   `json:"permanent_failed"`
	Running         bool   `json:"running"`
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = 0
	}
	return policy
}

// Supervisor keeps long-running support tasks alive, restarting a task
// that returns an error with exponential backoff. A task that returns nil
// is finished and not restarted.
type Supervisor struct {
	policy SupervisorPolicy
	hooks  SupervisorHooks

	mu    sync.Mutex
	tasks map[string]*supervisorTask
}

type supervisorTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	restartCount    int
	lastErr         error
	permanentFailed bool
	running         bool
}

func NewSupervisor(policy SupervisorPolicy, hooks SupervisorHooks) *Supervisor {
	return &Supervisor{
		policy: normalizeSupervisorPolicy(policy),
		hooks:  hooks,
		tasks:  make(map[string]*supervisorTask),
	}
}

func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}

	s.mu.Lock()
	if existing, ok := s.tasks[name]; ok && existing.running {
		s.mu.Unlock()
		return fmt.Errorf("task already running: %s", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &supervisorTask{
		cancel:  cancel,
		done:    make(chan struct{}),
		running: true,
	}
	s.tasks[name] = task
	s.mu.Unlock()

	go s.runTask(ctx, name, task, run)
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, name string, task *supervisorTask, run func(ctx context.Context) error) {
	defer func() {
		s.mu.Lock()
		task.running = false
		s.mu.Unlock()
		close(task.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil || err == nil {
			return
		}

		s.mu.Lock()
		task.lastErr = err
		restarts := task.restartCount
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			task.permanentFailed = true
			s.mu.Unlock()
			if s.hooks.OnTaskPermanentFailure != nil {
				s.hooks.OnTaskPermanentFailure(name, err, restarts)
			}
			return
		}
		restarts++
		task.restartCount = restarts
		s.mu.Unlock()

		if s.hooks.OnTaskRestart != nil {
			s.hooks.OnTaskRestart(name, err, restarts)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}
}

// Stop cancels a task and waits for it to return.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

func (s *Supervisor) StopAll() {
	for _, name := range s.Tasks() {
		s.Stop(name)
	}
}

// Tasks lists every task ever started, sorted by name.
func (s *Supervisor) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) Children() []SupervisorChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SupervisorChildStatus, 0, len(s.tasks))
	for name, task := range s.tasks {
		status := SupervisorChildStatus{
			Name:            name,
			RestartCount:    task.restartCount,
			PermanentFailed: task.permanentFailed,
			Running:         task.running,
		}
		if task.lastErr != nil {
			status.LastError = task.lastErr.Error()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
