package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"forkevo/internal/agent"
	"forkevo/internal/config"
	"forkevo/internal/evo"
	"forkevo/internal/metrics"
	"forkevo/internal/model"
	"forkevo/internal/perception"
	"forkevo/internal/scape"
	"forkevo/internal/stats"
	"forkevo/internal/storage"
	"forkevo/internal/telemetry"
	"forkevo/internal/trainer"
)

type EvolutionConfig struct {
	// RunID defaults to a random UUID.
	RunID    string
	Settings *config.Config
	// Trainer defaults to the heuristic policy.
	Trainer trainer.Trainer
	Sink    telemetry.Sink
	Hooks   evo.Hooks
	Metrics *metrics.Collector
	// ArtifactsDir enables per-run artifact files when set.
	ArtifactsDir string
	Now          func() time.Time
}

type EvolutionResult struct {
	RunID                 string
	BestByGeneration      []float64
	MeanByGeneration      []float64
	GenerationDiagnostics []model.GenerationDiagnostics
	Lineage               []model.LineageRecord
	BestFinalFitness      float64
	Episodes              []telemetry.Summary
	RunDir                string
}

// RunEvolution builds a warehouse population from cfg.Settings, runs the
// configured number of generations and persists the results.
func (p *Polis) RunEvolution(ctx context.Context, cfg EvolutionConfig) (EvolutionResult, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return EvolutionResult{}, fmt.Errorf("invalid settings: %w", err)
	}
	mode, err := evo.ParseMode(settings.Population.Mode)
	if err != nil {
		return EvolutionResult{}, err
	}
	selector, err := evo.SelectorByName(settings.Population.Selection)
	if err != nil {
		return EvolutionResult{}, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	createdAt := now().UTC()
	logger := p.logger.With("run_id", runID)

	policy := cfg.Trainer
	if policy == nil {
		policy, err = newTrainer(settings)
		if err != nil {
			return EvolutionResult{}, err
		}
	}
	recorder := telemetry.NewRecorder()
	sink := telemetry.Multi(recorder, telemetry.LogSink{Logger: logger}, cfg.Sink)
	hooks := cfg.Hooks
	if inheritor, ok := policy.(trainer.Inheritor); ok {
		hooks = inheritHooks(hooks, inheritor, logger)
	}
	if cfg.Metrics != nil {
		hooks = cfg.Metrics.Hooks(hooks)
	}

	warehouse := scape.NewWarehouse(settings.Arena)
	controller, err := evo.NewController(evo.ControllerConfig{
		Mode:                      mode,
		GenerationDuration:        settings.Population.GenerationDuration,
		FailsafeCeiling:           settings.Population.FailsafeCeiling,
		SurvivalRate:              settings.Population.SurvivalRate,
		RespawnAtElite:            settings.Population.RespawnAtElite,
		SpawnOffset:               settings.Population.SpawnOffset,
		SpawnClearance:            settings.Population.SpawnClearance,
		ResetLayoutEachGeneration: settings.Population.ResetLayoutEachGeneration,
		Workers:                   settings.Population.Workers,
		Seed:                      settings.Population.Seed,
		Selector:                  selector,
		Actuator:                  warehouse,
		Layout:                    warehouse,
		Sink:                      sink,
		Hooks:                     hooks,
		Logger:                    logger,
	})
	if err != nil {
		return EvolutionResult{}, err
	}

	encoder := perception.NewEncoder(settings.Perception)
	ids := agentIDs(settings.Population.Size)
	if neural, ok := policy.(*trainer.Neural); ok {
		if err := neural.Prepare(ids...); err != nil {
			return EvolutionResult{}, err
		}
	}
	for slot, id := range ids {
		spawn, err := warehouse.AddSlot(slot, id)
		if err != nil {
			return EvolutionResult{}, err
		}
		a, err := agent.New(agent.Config{
			ID:           id,
			Slot:         slot,
			GroupID:      scape.GroupName(slot),
			Spawn:        spawn,
			MaxSteps:     settings.Episode.MaxSteps,
			TotalObjects: settings.Arena.PalletsPerSlot,
		}, agent.Deps{
			Actuator: warehouse,
			Layout:   warehouse,
			Trainer:  policy,
			Encoder:  encoder,
			Reward:   settings.Reward.Config,
			Logger:   logger,
		})
		if err != nil {
			return EvolutionResult{}, err
		}
		if err := controller.Register(a); err != nil {
			return EvolutionResult{}, err
		}
	}

	if err := p.registerRun(runID, controller); err != nil {
		return EvolutionResult{}, err
	}
	defer p.unregisterRun(runID)

	logger.Info("run started",
		"mode", mode.String(),
		"population", controller.PopulationSize(),
		"generations", settings.Run.Generations,
	)
	if err := controller.Start(ctx); err != nil {
		return EvolutionResult{}, err
	}
	if err := drive(ctx, warehouse, controller, settings, mode); err != nil {
		return EvolutionResult{}, err
	}

	diagnostics := controller.Diagnostics()
	if len(diagnostics) > settings.Run.Generations {
		diagnostics = diagnostics[:settings.Run.Generations]
	}
	lineage := controller.Lineage()
	result := EvolutionResult{
		RunID:                 runID,
		BestByGeneration:      make([]float64, 0, len(diagnostics)),
		MeanByGeneration:      make([]float64, 0, len(diagnostics)),
		GenerationDiagnostics: diagnostics,
		Lineage:               storage.StampLineage(lineage),
		Episodes:              recorder.Flush(),
	}
	bestOverall := 0.0
	for i, diag := range diagnostics {
		result.BestByGeneration = append(result.BestByGeneration, diag.BestFitness)
		result.MeanByGeneration = append(result.MeanByGeneration, diag.MeanFitness)
		if i == 0 || diag.BestFitness > bestOverall {
			bestOverall = diag.BestFitness
		}
	}
	if n := len(diagnostics); n > 0 {
		result.BestFinalFitness = diagnostics[n-1].BestFitness
	}

	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              runID,
		CreatedAtUTC:    createdAt.Format(time.RFC3339Nano),
		Mode:            mode.String(),
		PopulationSize:  controller.PopulationSize(),
		SurvivalRate:    settings.Population.SurvivalRate,
		Generations:     len(diagnostics),
		Seed:            settings.Population.Seed,
		BestFitness:     bestOverall,
	}
	if err := p.persist(ctx, run, result); err != nil {
		return EvolutionResult{}, err
	}

	if cfg.ArtifactsDir != "" {
		runDir, err := writeArtifacts(cfg.ArtifactsDir, run, settings, result)
		if err != nil {
			return EvolutionResult{}, fmt.Errorf("write artifacts: %w", err)
		}
		result.RunDir = runDir
	}

	logger.Info("run finished",
		"generations", len(diagnostics),
		"best_fitness", bestOverall,
		"final_best_fitness", result.BestFinalFitness,
	)
	return result, nil
}

func agentIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%02d", i+1)
	}
	return ids
}

func newTrainer(settings *config.Config) (trainer.Trainer, error) {
	t := settings.Trainer
	if t.Kind != "neural" {
		return trainer.NewHeuristic(), nil
	}
	return trainer.NewNeural(trainer.NeuralConfig{
		Inputs:     perception.ObservationSize(settings.Perception.Targets),
		Hidden:     t.Hidden,
		Activation: t.Activation,
		MaxDelta:   t.MutationDelta,
		Seed:       settings.Population.Seed,
	})
}

// inheritHooks hands each respawned agent a mutated copy of its donor's
// parameters. A failed inheritance leaves the agent with its old ones.
func inheritHooks(next evo.Hooks, inheritor trainer.Inheritor, logger *slog.Logger) evo.Hooks {
	out := next
	out.OnRespawn = func(record model.LineageRecord) {
		if record.Operation == "respawn" && record.DonorID != "" {
			if err := inheritor.Inherit(record.AgentID, record.DonorID); err != nil {
				logger.Warn("inherit failed", "agent_id", record.AgentID, "donor_id", record.DonorID, "error", err)
			}
		}
		if next.OnRespawn != nil {
			next.OnRespawn(record)
		}
	}
	return out
}

// drive alternates scape steps and controller ticks until the requested
// number of generation boundaries has been crossed.
func drive(ctx context.Context, warehouse *scape.Warehouse, controller *evo.Controller, settings *config.Config, mode evo.Mode) error {
	dt := settings.Episode.Tick
	maxTicks := generationTickBudget(settings, mode)
	last := settings.Run.Generations + 1

	generation := controller.Generation()
	ticks := 0
	for generation < last {
		if err := ctx.Err(); err != nil {
			return err
		}
		warehouse.Step(dt)
		if err := controller.Tick(ctx, dt); err != nil {
			return err
		}
		ticks++
		if current := controller.Generation(); current != generation {
			generation = current
			ticks = 0
			continue
		}
		if ticks >= maxTicks {
			if err := controller.EndGeneration(); err != nil {
				return err
			}
			generation = controller.Generation()
			ticks = 0
		}
	}
	return nil
}

// generationTickBudget is the forced-end guard for one generation. The
// controller's own timer or failsafe normally ends it first.
func generationTickBudget(settings *config.Config, mode evo.Mode) int {
	if settings.Run.MaxTicks > 0 {
		return settings.Run.MaxTicks
	}
	ceiling := settings.Population.FailsafeCeiling
	if ceiling <= 0 {
		ceiling = evo.DefaultFailsafeCeiling
	}
	if mode == evo.ModeTimeBased {
		ceiling = settings.Population.GenerationDuration
	}
	return int(ceiling/settings.Episode.Tick) + 2
}

func (p *Polis) persist(ctx context.Context, run model.RunRecord, result EvolutionResult) error {
	if err := p.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := p.store.SaveFitnessHistory(ctx, run.ID, result.BestByGeneration); err != nil {
		return fmt.Errorf("save fitness history: %w", err)
	}
	if err := p.store.SaveGenerationDiagnostics(ctx, run.ID, result.GenerationDiagnostics); err != nil {
		return fmt.Errorf("save diagnostics: %w", err)
	}
	if err := p.store.SaveLineage(ctx, run.ID, result.Lineage); err != nil {
		return fmt.Errorf("save lineage: %w", err)
	}
	return nil
}

func writeArtifacts(baseDir string, run model.RunRecord, settings *config.Config, result EvolutionResult) (string, error) {
	episodes := make([]stats.EpisodeSummary, 0, len(result.Episodes))
	for _, s := range result.Episodes {
		episodes = append(episodes, stats.EpisodeSummary{Key: s.Key, Count: s.Count, Sum: s.Sum, Mean: s.Mean})
	}
	workers := settings.Population.Workers
	if workers <= 0 {
		workers = 1
	}
	runDir, err := stats.WriteRunArtifacts(baseDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:                     run.ID,
			Mode:                      run.Mode,
			PopulationSize:            run.PopulationSize,
			Generations:               settings.Run.Generations,
			GenerationDurationMS:      settings.Population.GenerationDuration.Milliseconds(),
			FailsafeCeilingMS:         settings.Population.FailsafeCeiling.Milliseconds(),
			SurvivalRate:              settings.Population.SurvivalRate,
			RespawnAtElite:            settings.Population.RespawnAtElite,
			ResetLayoutEachGeneration: settings.Population.ResetLayoutEachGeneration,
			Selection:                 settings.Population.Selection,
			Trainer:                   trainerKind(settings.Trainer.Kind),
			MaxSteps:                  settings.Episode.MaxSteps,
			TickMS:                    settings.Episode.Tick.Milliseconds(),
			Targets:                   settings.Perception.Targets,
			ObjectsPerGroup:           settings.Arena.PalletsPerSlot,
			Workers:                   workers,
			Seed:                      run.Seed,
		},
		BestByGeneration:      result.BestByGeneration,
		MeanByGeneration:      result.MeanByGeneration,
		GenerationDiagnostics: result.GenerationDiagnostics,
		Lineage:               result.Lineage,
		Episodes:              episodes,
		FinalBestFitness:      result.BestFinalFitness,
	})
	if err != nil {
		return "", err
	}
	if err := stats.AppendRunIndex(baseDir, stats.RunIndexEntry{
		RunID:            run.ID,
		Mode:             run.Mode,
		PopulationSize:   run.PopulationSize,
		Generations:      run.Generations,
		Seed:             run.Seed,
		Workers:          workers,
		FinalBestFitness: result.BestFinalFitness,
		CreatedAtUTC:     run.CreatedAtUTC,
	}); err != nil {
		return "", err
	}
	return runDir, nil
}

func trainerKind(kind string) string {
	if kind == "" {
		return "heuristic"
	}
	return kind
}
