package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkevo/internal/reward"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, reward.DefaultConfig(), cfg.Reward.Config)
	assert.Equal(t, 300*time.Second, cfg.Population.FailsafeCeiling)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, "forkevo.yaml", `
population:
  size: 8
  mode: survival
  survival_rate: 0.25
  generation_duration: "90s"
  failsafe_ceiling: "2m"
episode:
  max_steps: 400
  tick: "50ms"
reward:
  delivery_reward: 2.5
  success_grace: "3s"
  terminate_on_drop: true
arena:
  pallets_per_slot: 3
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Population.Size)
	assert.Equal(t, "survival", cfg.Population.Mode)
	assert.Equal(t, 0.25, cfg.Population.SurvivalRate)
	assert.Equal(t, 90*time.Second, cfg.Population.GenerationDuration)
	assert.Equal(t, 2*time.Minute, cfg.Population.FailsafeCeiling)
	assert.Equal(t, 400, cfg.Episode.MaxSteps)
	assert.Equal(t, 50*time.Millisecond, cfg.Episode.Tick)
	assert.Equal(t, 2.5, cfg.Reward.DeliveryReward)
	assert.Equal(t, 3*time.Second, cfg.Reward.SuccessGrace)
	assert.True(t, cfg.Reward.TerminateOnDrop)
	assert.Equal(t, 3, cfg.Arena.PalletsPerSlot)
	assert.Equal(t, "json", cfg.Logging.Format)

	// untouched values keep their defaults
	def := Default()
	assert.Equal(t, def.Reward.TimePenalty, cfg.Reward.TimePenalty)
	assert.Equal(t, def.Reward.BonusCooldown, cfg.Reward.BonusCooldown)
	assert.Equal(t, def.Perception, cfg.Perception)
	assert.True(t, cfg.Population.RespawnAtElite)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "forkevo.toml", `
[population]
size = 4
mode = "time_based"
generation_duration = "45s"
selection = "tournament"

[reward]
time_penalty = 0.002
bonus_cooldown = "1s"

[storage]
kind = "sqlite"
path = "runs.db"

[run]
generations = 3

[trainer]
kind = "neural"
hidden = [12, 6]
activation = "relu"
mutation_delta = 0.25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Population.Size)
	assert.Equal(t, 45*time.Second, cfg.Population.GenerationDuration)
	assert.Equal(t, "tournament", cfg.Population.Selection)
	assert.Equal(t, 0.002, cfg.Reward.TimePenalty)
	assert.Equal(t, time.Second, cfg.Reward.BonusCooldown)
	assert.Equal(t, "sqlite", cfg.Storage.Kind)
	assert.Equal(t, 3, cfg.Run.Generations)
	assert.Equal(t, TrainerConfig{Kind: "neural", Hidden: []int{12, 6}, Activation: "relu", MutationDelta: 0.25}, cfg.Trainer)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("FORKEVO_TEST_DB", "/tmp/forkevo-test.db")
	path := writeConfig(t, "forkevo.yaml", `
storage:
  kind: sqlite
  path: "${FORKEVO_TEST_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/forkevo-test.db", cfg.Storage.Path)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "population:\n  generation_duration: soon\n", "parsing durations"},
		{"population too large", "population:\n  size: 21\n", "population.size"},
		{"empty population", "population:\n  size: 0\n", "population.size"},
		{"unknown mode", "population:\n  mode: forever\n", "population.mode"},
		{"survival rate", "population:\n  survival_rate: 1.5\n", "survival_rate"},
		{"unknown selection", "population:\n  selection: roulette\n", "population.selection"},
		{"negative reward", "reward:\n  drop_penalty: -1\n", "reward.drop_penalty"},
		{"sqlite without path", "storage:\n  kind: sqlite\n", "storage.path"},
		{"unknown store", "storage:\n  kind: redis\n", "storage.kind"},
		{"unknown trainer", "trainer:\n  kind: ppo\n", "trainer.kind"},
		{"empty hidden layer", "trainer:\n  kind: neural\n  hidden: [4, 0]\n", "trainer.hidden"},
		{"unknown activation", "trainer:\n  kind: neural\n  activation: softsign\n", "trainer.activation"},
		{"zero mutation delta", "trainer:\n  kind: neural\n  mutation_delta: 0\n", "trainer.mutation_delta"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
		{"invalid yaml", "population: [\n", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "forkevo.yaml", tt.content))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
