package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"forkevo/internal/evo"
	"forkevo/internal/storage"
)

var (
	ErrNotInitialized = errors.New("polis is not initialized")
	ErrRunActive      = errors.New("run already active")
)

type Config struct {
	Store          storage.Store
	SupportModules []SupportModule
	Logger         *slog.Logger
}

// SupportModule is a service that lives as long as the polis, such as the
// metrics endpoint.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// Polis owns the store and support modules shared by every run.
type Polis struct {
	store  storage.Store
	logger *slog.Logger

	mu             sync.RWMutex
	supportModules []SupportModule
	started        bool
	lastStopReason StopReason
	runs           map[string]*evo.Controller

	config Config
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Polis{
		store:          cfg.Store,
		logger:         logger,
		runs:           make(map[string]*evo.Controller),
		config:         cfg,
		lastStopReason: StopReasonNormal,
	}
}

// Init initializes the store and starts the support modules in order. A
// module that fails to start stops the ones started before it.
func (p *Polis) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	started := make([]SupportModule, 0, len(p.config.SupportModules))
	for _, module := range p.config.SupportModules {
		if module == nil {
			continue
		}
		if err := module.Start(ctx); err != nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("start support module %s: %w", module.Name(), err)
		}
		p.logger.Info("support module started", "module", module.Name())
		started = append(started, module)
	}

	p.supportModules = started
	p.started = true
	return nil
}

func (p *Polis) Store() storage.Store {
	return p.store
}

func (p *Polis) Stop() error {
	return p.StopWithReason(StopReasonNormal)
}

// StopWithReason stops the support modules in reverse start order. Active
// runs are left to their own contexts.
func (p *Polis) StopWithReason(reason StopReason) error {
	if !isValidStopReason(reason) {
		return fmt.Errorf("invalid stop reason: %s", reason)
	}
	p.mu.Lock()
	modules := p.supportModules
	p.supportModules = nil
	p.started = false
	p.lastStopReason = reason
	p.mu.Unlock()

	stopSupportModules(context.Background(), modules)
	p.logger.Info("polis stopped", "reason", string(reason))
	return nil
}

func (p *Polis) ActiveSupportModules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.supportModules))
	for _, module := range p.supportModules {
		names = append(names, module.Name())
	}
	sort.Strings(names)
	return names
}

func (p *Polis) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Polis) LastStopReason() StopReason {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastStopReason
}

func (p *Polis) registerRun(runID string, controller *evo.Controller) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotInitialized
	}
	if _, ok := p.runs[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	p.runs[runID] = controller
	return nil
}

func (p *Polis) unregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}

func isValidStopReason(reason StopReason) bool {
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
		return true
	default:
		return false
	}
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
