package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"forkevo/internal/nn"
	"forkevo/internal/scape"
)

// actionOutputs is move, steer, lift and brake.
const actionOutputs = 4

type NeuralConfig struct {
	// Inputs is the observation size the networks read.
	Inputs     int
	Hidden     []int
	Activation string
	// MaxDelta bounds the per-parameter perturbation applied on inheritance.
	MaxDelta float64
	Seed     int64
}

// Neural drives every agent with its own feedforward network. Networks are
// created lazily from the shared seed and only change through Inherit.
type Neural struct {
	ledger

	cfg  NeuralConfig
	rng  *rand.Rand
	nets map[string]*nn.Network
}

func NewNeural(cfg NeuralConfig) (*Neural, error) {
	if cfg.Inputs <= 0 {
		return nil, errors.New("neural trainer inputs must be > 0")
	}
	if cfg.MaxDelta <= 0 {
		return nil, errors.New("neural trainer max delta must be > 0")
	}
	if cfg.Activation == "" {
		cfg.Activation = "tanh"
	}
	if _, err := nn.GetActivation(cfg.Activation); err != nil {
		return nil, err
	}
	for _, h := range cfg.Hidden {
		if h <= 0 {
			return nil, fmt.Errorf("neural trainer hidden sizes must be > 0, got %v", cfg.Hidden)
		}
	}
	return &Neural{
		ledger: newLedger(),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		nets:   make(map[string]*nn.Network),
	}, nil
}

func (n *Neural) Decide(ctx context.Context, agentID string, obs []float64) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if len(obs) < n.cfg.Inputs {
		return Decision{}, fmt.Errorf("%w: got %d values, want %d", ErrObservationSize, len(obs), n.cfg.Inputs)
	}

	n.mu.Lock()
	n.step(agentID)
	net, err := n.network(agentID)
	n.mu.Unlock()
	if err != nil {
		return Decision{}, err
	}

	out, err := net.Forward(obs)
	if err != nil {
		return Decision{}, fmt.Errorf("decide %s: %w", agentID, err)
	}
	return Decision{Action: scape.Action{
		Move:  out[0],
		Steer: out[1],
		Lift:  out[2],
		Brake: out[3] > 0.5,
	}}, nil
}

func (n *Neural) Inherit(childID, donorID string) error {
	if childID == "" || donorID == "" {
		return errors.New("inherit requires child and donor ids")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	donor, err := n.network(donorID)
	if err != nil {
		return err
	}
	child := donor.Clone()
	if _, err := child.Perturb(n.rng, n.cfg.MaxDelta); err != nil {
		return fmt.Errorf("inherit %s from %s: %w", childID, donorID, err)
	}
	n.nets[childID] = child
	return nil
}

// Prepare creates networks for agentIDs in order, so runs stepping agents in
// parallel still draw initial weights deterministically.
func (n *Neural) Prepare(agentIDs ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range agentIDs {
		if _, err := n.network(id); err != nil {
			return err
		}
	}
	return nil
}

// Network returns a copy of the network driving agentID.
func (n *Neural) Network(agentID string) (*nn.Network, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	net, ok := n.nets[agentID]
	if !ok {
		return nil, false
	}
	return net.Clone(), true
}

// network returns agentID's network, creating it on first use. Callers hold
// n.mu; the returned network is never mutated in place, so it may be
// evaluated after the lock is released.
func (n *Neural) network(agentID string) (*nn.Network, error) {
	if net, ok := n.nets[agentID]; ok {
		return net, nil
	}
	sizes := append([]int{n.cfg.Inputs}, n.cfg.Hidden...)
	sizes = append(sizes, actionOutputs)
	net, err := nn.NewNetwork(n.rng, sizes, n.cfg.Activation)
	if err != nil {
		return nil, fmt.Errorf("network for %s: %w", agentID, err)
	}
	n.nets[agentID] = net
	return net, nil
}
