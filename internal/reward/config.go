package reward

import "time"

// Config holds reward magnitudes. Every value is a non-negative magnitude;
// the engine applies the sign of each term.
type Config struct {
	TimePenalty float64 `yaml:"time_penalty" toml:"time_penalty"`

	DeliveryReward float64 `yaml:"delivery_reward" toml:"delivery_reward"`

	SearchProgressScale float64 `yaml:"search_progress_scale" toml:"search_progress_scale"`
	CarryProgressScale  float64 `yaml:"carry_progress_scale" toml:"carry_progress_scale"`

	TouchBonus    float64       `yaml:"touch_bonus" toml:"touch_bonus"`
	HoldBonus     float64       `yaml:"hold_bonus" toml:"hold_bonus"`
	BonusCooldown time.Duration `yaml:"-" toml:"-"`

	DropPenalty  float64 `yaml:"drop_penalty" toml:"drop_penalty"`
	ReleaseBonus float64 `yaml:"release_bonus" toml:"release_bonus"`

	LiftPenalty       float64 `yaml:"lift_penalty" toml:"lift_penalty"`
	CarryLiftFloor    float64 `yaml:"carry_lift_floor" toml:"carry_lift_floor"`
	LiftCeiling       float64 `yaml:"lift_ceiling" toml:"lift_ceiling"`
	ReversePenalty    float64 `yaml:"reverse_penalty" toml:"reverse_penalty"`
	StandstillSpeed   float64 `yaml:"standstill_speed" toml:"standstill_speed"`
	StandstillPenalty float64 `yaml:"standstill_penalty" toml:"standstill_penalty"`
	MotionBonus       float64 `yaml:"motion_bonus" toml:"motion_bonus"`
	JitterScale       float64 `yaml:"jitter_scale" toml:"jitter_scale"`
	WallImpactScale   float64 `yaml:"wall_impact_scale" toml:"wall_impact_scale"`

	StagnationWindow  time.Duration `yaml:"-" toml:"-"`
	StagnationRadius  float64       `yaml:"stagnation_radius" toml:"stagnation_radius"`
	StagnationPenalty float64       `yaml:"stagnation_penalty" toml:"stagnation_penalty"`

	// TouchDeadline is the fraction of the step budget within which the
	// agent must have touched a target at least once.
	TouchDeadline float64       `yaml:"touch_deadline" toml:"touch_deadline"`
	SuccessGrace  time.Duration `yaml:"-" toml:"-"`

	SuccessReward  float64 `yaml:"success_reward" toml:"success_reward"`
	TimeBonus      float64 `yaml:"time_bonus" toml:"time_bonus"`
	FailurePenalty float64 `yaml:"failure_penalty" toml:"failure_penalty"`

	TerminateOnDrop bool `yaml:"terminate_on_drop" toml:"terminate_on_drop"`
}

func DefaultConfig() Config {
	return Config{
		TimePenalty:         0.001,
		DeliveryReward:      1.0,
		SearchProgressScale: 0.1,
		CarryProgressScale:  0.5,
		TouchBonus:          0.2,
		HoldBonus:           0.5,
		BonusCooldown:       5 * time.Second,
		DropPenalty:         1.0,
		ReleaseBonus:        0.5,
		LiftPenalty:         0.005,
		CarryLiftFloor:      0.1,
		LiftCeiling:         0.9,
		ReversePenalty:      0.005,
		StandstillSpeed:     0.1,
		StandstillPenalty:   0.005,
		MotionBonus:         0.003,
		JitterScale:         0.0005,
		WallImpactScale:     1.0,
		StagnationWindow:    500 * time.Millisecond,
		StagnationRadius:    0.05,
		StagnationPenalty:   0.01,
		TouchDeadline:       0.5,
		SuccessGrace:        2 * time.Second,
		SuccessReward:       10,
		TimeBonus:           20,
		FailurePenalty:      20,
	}
}
