package perception

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"forkevo/internal/scape"
)

const (
	baseObservationSize = 10
	slotObservationSize = 4
)

// Observation indices of the fixed prefix.
const (
	ObsVelocityX = iota
	ObsVelocityZ
	ObsAngularVelocity
	ObsLift
	ObsTouching
	ObsHolding
	ObsInGoal
	ObsSecuredFraction
	ObsGoalForward
	ObsGoalRight
)

type EncoderConfig struct {
	Targets       int     `yaml:"targets" toml:"targets"`
	VelocityScale float64 `yaml:"velocity_scale" toml:"velocity_scale"`
	AngularScale  float64 `yaml:"angular_scale" toml:"angular_scale"`
	DistanceScale float64 `yaml:"distance_scale" toml:"distance_scale"`
}

func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Targets:       1,
		VelocityScale: 8,
		AngularScale:  4,
		DistanceScale: 50,
	}
}

// ObservationSize is the vector length for k target slots.
func ObservationSize(k int) int {
	if k < 0 {
		k = 0
	}
	return baseObservationSize + k*slotObservationSize
}

// SlotOffset is the index of the first value of target slot i.
func SlotOffset(i int) int {
	return baseObservationSize + i*slotObservationSize
}

// Encoder turns collaborator state into the fixed-size vector consumed by the trainer.
type Encoder struct {
	cfg EncoderConfig
}

func NewEncoder(cfg EncoderConfig) Encoder {
	def := DefaultEncoderConfig()
	if cfg.Targets <= 0 {
		cfg.Targets = def.Targets
	}
	if cfg.VelocityScale <= 0 {
		cfg.VelocityScale = def.VelocityScale
	}
	if cfg.AngularScale <= 0 {
		cfg.AngularScale = def.AngularScale
	}
	if cfg.DistanceScale <= 0 {
		cfg.DistanceScale = def.DistanceScale
	}
	return Encoder{cfg: cfg}
}

func (e Encoder) Targets() int {
	return e.cfg.Targets
}

func (e Encoder) Size() int {
	return ObservationSize(e.cfg.Targets)
}

// Encode builds the observation. slots shorter than Targets are padded with
// absent entries.
func (e Encoder) Encode(state scape.State, slots []Slot, securedFraction float64) []float64 {
	obs := make([]float64, e.Size())
	obs[ObsVelocityX] = clamp(state.Velocity.X/e.cfg.VelocityScale, -1, 1)
	obs[ObsVelocityZ] = clamp(state.Velocity.Z/e.cfg.VelocityScale, -1, 1)
	obs[ObsAngularVelocity] = clamp(state.AngularVelocity/e.cfg.AngularScale, -1, 1)
	obs[ObsLift] = clamp(state.Lift, 0, 1)
	obs[ObsTouching] = flag(state.Touching)
	obs[ObsHolding] = flag(state.Holding)
	obs[ObsInGoal] = flag(state.InGoalZone)
	obs[ObsSecuredFraction] = clamp(securedFraction, 0, 1)

	forward, right := e.local(state, state.GoalPosition)
	obs[ObsGoalForward] = forward
	obs[ObsGoalRight] = right

	for i := 0; i < e.cfg.Targets && i < len(slots); i++ {
		slot := slots[i]
		if !slot.Present {
			continue
		}
		base := SlotOffset(i)
		forward, right := e.local(state, slot.Position)
		obs[base] = forward
		obs[base+1] = right
		obs[base+2] = clamp(slot.Distance/e.cfg.DistanceScale, 0, 1)
		obs[base+3] = 1
	}
	return obs
}

// local projects a world point into the agent frame, normalized and clamped.
func (e Encoder) local(state scape.State, point r3.Vec) (float64, float64) {
	d := r3.Sub(point, state.Position)
	forwardAxis := r3.Vec{X: math.Sin(state.Heading), Z: math.Cos(state.Heading)}
	rightAxis := r3.Vec{X: math.Cos(state.Heading), Z: -math.Sin(state.Heading)}
	forward := r3.Dot(d, forwardAxis) / e.cfg.DistanceScale
	right := r3.Dot(d, rightAxis) / e.cfg.DistanceScale
	return clamp(forward, -1, 1), clamp(right, -1, 1)
}

func flag(v bool) float64 {
	if v {
		return 1
	}
	return 0
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
