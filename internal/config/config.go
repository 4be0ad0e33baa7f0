package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"forkevo/internal/evo"
	"forkevo/internal/nn"
	"forkevo/internal/perception"
	"forkevo/internal/reward"
	"forkevo/internal/scape"
)

type Config struct {
	Population PopulationConfig         `yaml:"population" toml:"population"`
	Episode    EpisodeConfig            `yaml:"episode" toml:"episode"`
	Reward     RewardConfig             `yaml:"reward" toml:"reward"`
	Perception perception.EncoderConfig `yaml:"perception" toml:"perception"`
	Arena      scape.WarehouseConfig    `yaml:"arena" toml:"arena"`
	Trainer    TrainerConfig            `yaml:"trainer" toml:"trainer"`
	Storage    StorageConfig            `yaml:"storage" toml:"storage"`
	Logging    LoggingConfig            `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig            `yaml:"metrics" toml:"metrics"`
	Run        RunConfig                `yaml:"run" toml:"run"`
}

type PopulationConfig struct {
	Size                      int     `yaml:"size" toml:"size"`
	Mode                      string  `yaml:"mode" toml:"mode"`
	SurvivalRate              float64 `yaml:"survival_rate" toml:"survival_rate"`
	RespawnAtElite            bool    `yaml:"respawn_at_elite" toml:"respawn_at_elite"`
	SpawnOffset               float64 `yaml:"spawn_offset" toml:"spawn_offset"`
	SpawnClearance            float64 `yaml:"spawn_clearance" toml:"spawn_clearance"`
	ResetLayoutEachGeneration bool    `yaml:"reset_layout_each_generation" toml:"reset_layout_each_generation"`
	Selection                 string  `yaml:"selection" toml:"selection"`
	Workers                   int     `yaml:"workers" toml:"workers"`
	Seed                      int64   `yaml:"seed" toml:"seed"`

	GenerationDuration time.Duration `yaml:"-" toml:"-"`
	FailsafeCeiling    time.Duration `yaml:"-" toml:"-"`

	GenerationDurationRaw string `yaml:"generation_duration" toml:"generation_duration"`
	FailsafeCeilingRaw    string `yaml:"failsafe_ceiling" toml:"failsafe_ceiling"`
}

type EpisodeConfig struct {
	MaxSteps int           `yaml:"max_steps" toml:"max_steps"`
	Tick     time.Duration `yaml:"-" toml:"-"`
	TickRaw  string        `yaml:"tick" toml:"tick"`
}

// RewardConfig carries the reward magnitudes plus the raw forms of their
// durations.
type RewardConfig struct {
	reward.Config `yaml:",inline"`

	BonusCooldownRaw    string `yaml:"bonus_cooldown" toml:"bonus_cooldown"`
	StagnationWindowRaw string `yaml:"stagnation_window" toml:"stagnation_window"`
	SuccessGraceRaw     string `yaml:"success_grace" toml:"success_grace"`
}

// TrainerConfig picks the policy driving the population. The neural trainer
// evolves one network per agent; respawned agents inherit a mutated copy of
// their donor's network.
type TrainerConfig struct {
	Kind          string  `yaml:"kind" toml:"kind"`
	Hidden        []int   `yaml:"hidden" toml:"hidden"`
	Activation    string  `yaml:"activation" toml:"activation"`
	MutationDelta float64 `yaml:"mutation_delta" toml:"mutation_delta"`
}

type StorageConfig struct {
	Kind string `yaml:"kind" toml:"kind"`
	Path string `yaml:"path" toml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

type RunConfig struct {
	Generations  int    `yaml:"generations" toml:"generations"`
	ArtifactsDir string `yaml:"artifacts_dir" toml:"artifacts_dir"`
	// MaxTicks bounds a single generation; zero derives it from the
	// generation duration or failsafe ceiling.
	MaxTicks int `yaml:"max_ticks" toml:"max_ticks"`
}

func Default() *Config {
	return &Config{
		Population: PopulationConfig{
			Size:                      5,
			Mode:                      evo.ModeTimeBased.String(),
			SurvivalRate:              0.2,
			RespawnAtElite:            true,
			SpawnOffset:               4,
			SpawnClearance:            0.5,
			ResetLayoutEachGeneration: true,
			Selection:                 "elite",
			Workers:                   1,
			Seed:                      1,
			GenerationDuration:        60 * time.Second,
			FailsafeCeiling:           evo.DefaultFailsafeCeiling,
		},
		Episode: EpisodeConfig{
			MaxSteps: 1000,
			Tick:     20 * time.Millisecond,
		},
		Reward:     RewardConfig{Config: reward.DefaultConfig()},
		Perception: perception.DefaultEncoderConfig(),
		Arena:      scape.DefaultWarehouseConfig(),
		Trainer: TrainerConfig{
			Kind:          "heuristic",
			Hidden:        []int{8},
			Activation:    "tanh",
			MutationDelta: 0.5,
		},
		Storage:    StorageConfig{Kind: "memory"},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Metrics:    MetricsConfig{Addr: ":9464"},
		Run: RunConfig{
			Generations:  10,
			ArtifactsDir: "forkevo-runs",
		},
	}
}

// Load reads path over Default. Files ending in .toml are decoded as TOML,
// everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value; unset variables
// expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) Validate() error {
	p := c.Population
	if p.Size < 1 || p.Size > evo.MaxPopulation {
		return fmt.Errorf("population.size must be in [1, %d], got %d", evo.MaxPopulation, p.Size)
	}
	if _, err := evo.ParseMode(p.Mode); err != nil {
		return fmt.Errorf("population.mode: %w", err)
	}
	if p.SurvivalRate < 0 || p.SurvivalRate > 1 {
		return fmt.Errorf("population.survival_rate must be in [0, 1], got %g", p.SurvivalRate)
	}
	if p.GenerationDuration <= 0 {
		return fmt.Errorf("population.generation_duration must be positive")
	}
	if p.FailsafeCeiling < 0 {
		return fmt.Errorf("population.failsafe_ceiling must be >= 0")
	}
	if p.SpawnOffset < 0 || p.SpawnClearance < 0 {
		return fmt.Errorf("population.spawn_offset and spawn_clearance must be >= 0")
	}
	if p.Workers < 0 {
		return fmt.Errorf("population.workers must be >= 0")
	}
	if _, err := evo.SelectorByName(p.Selection); err != nil {
		return fmt.Errorf("population.selection: %w", err)
	}

	if c.Episode.MaxSteps < 0 {
		return fmt.Errorf("episode.max_steps must be >= 0")
	}
	if c.Episode.Tick <= 0 {
		return fmt.Errorf("episode.tick must be positive")
	}

	if err := validateReward(c.Reward.Config); err != nil {
		return err
	}

	if c.Perception.Targets < 1 {
		return fmt.Errorf("perception.targets must be >= 1")
	}

	if err := validateTrainer(c.Trainer); err != nil {
		return err
	}

	switch c.Storage.Kind {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	default:
		return fmt.Errorf("storage.kind %q is not supported", c.Storage.Kind)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	if c.Run.Generations < 1 {
		return fmt.Errorf("run.generations must be >= 1")
	}
	if c.Run.MaxTicks < 0 {
		return fmt.Errorf("run.max_ticks must be >= 0")
	}

	return nil
}

func validateTrainer(t TrainerConfig) error {
	switch t.Kind {
	case "", "heuristic":
		return nil
	case "neural":
	default:
		return fmt.Errorf("trainer.kind %q is not supported", t.Kind)
	}
	for _, h := range t.Hidden {
		if h < 1 {
			return fmt.Errorf("trainer.hidden sizes must be >= 1, got %v", t.Hidden)
		}
	}
	if t.Activation != "" {
		if _, err := nn.GetActivation(t.Activation); err != nil {
			return fmt.Errorf("trainer.activation: %w", err)
		}
	}
	if t.MutationDelta <= 0 {
		return fmt.Errorf("trainer.mutation_delta must be positive, got %g", t.MutationDelta)
	}
	return nil
}

func validateReward(r reward.Config) error {
	magnitudes := map[string]float64{
		"time_penalty":          r.TimePenalty,
		"delivery_reward":       r.DeliveryReward,
		"search_progress_scale": r.SearchProgressScale,
		"carry_progress_scale":  r.CarryProgressScale,
		"touch_bonus":           r.TouchBonus,
		"hold_bonus":            r.HoldBonus,
		"drop_penalty":          r.DropPenalty,
		"release_bonus":         r.ReleaseBonus,
		"lift_penalty":          r.LiftPenalty,
		"reverse_penalty":       r.ReversePenalty,
		"standstill_penalty":    r.StandstillPenalty,
		"motion_bonus":          r.MotionBonus,
		"jitter_scale":          r.JitterScale,
		"wall_impact_scale":     r.WallImpactScale,
		"stagnation_radius":     r.StagnationRadius,
		"stagnation_penalty":    r.StagnationPenalty,
		"success_reward":        r.SuccessReward,
		"time_bonus":            r.TimeBonus,
		"failure_penalty":       r.FailurePenalty,
	}
	for name, v := range magnitudes {
		if v < 0 {
			return fmt.Errorf("reward.%s must be >= 0, got %g", name, v)
		}
	}
	if r.TouchDeadline < 0 || r.TouchDeadline > 1 {
		return fmt.Errorf("reward.touch_deadline must be in [0, 1], got %g", r.TouchDeadline)
	}
	if r.BonusCooldown < 0 || r.StagnationWindow < 0 || r.SuccessGrace < 0 {
		return fmt.Errorf("reward durations must be >= 0")
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"population.generation_duration", cfg.Population.GenerationDurationRaw, &cfg.Population.GenerationDuration},
		{"population.failsafe_ceiling", cfg.Population.FailsafeCeilingRaw, &cfg.Population.FailsafeCeiling},
		{"episode.tick", cfg.Episode.TickRaw, &cfg.Episode.Tick},
		{"reward.bonus_cooldown", cfg.Reward.BonusCooldownRaw, &cfg.Reward.BonusCooldown},
		{"reward.stagnation_window", cfg.Reward.StagnationWindowRaw, &cfg.Reward.StagnationWindow},
		{"reward.success_grace", cfg.Reward.SuccessGraceRaw, &cfg.Reward.SuccessGrace},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
