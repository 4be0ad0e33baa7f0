package evo

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"forkevo/internal/model"
)

func summarizeGeneration(out Outcome, generation int, trigger Trigger, elapsed time.Duration, ticks int, terminations map[string]int) model.GenerationDiagnostics {
	diag := model.GenerationDiagnostics{
		Generation:   generation,
		Trigger:      trigger.String(),
		DurationMS:   elapsed.Milliseconds(),
		Ticks:        ticks,
		EliteCount:   out.EliteCount,
		CulledCount:  len(out.Culled),
		Terminations: terminations,
	}
	if len(out.Ranked) == 0 {
		return diag
	}

	fitness := make([]float64, len(out.Ranked))
	for i, s := range out.Ranked {
		fitness[i] = s.Fitness
	}
	diag.BestFitness = floats.Max(fitness)
	diag.MinFitness = floats.Min(fitness)
	diag.BestAgentID = out.Ranked[0].AgentID
	if len(fitness) > 1 {
		diag.MeanFitness, diag.StdDevFitness = stat.MeanStdDev(fitness, nil)
	} else {
		diag.MeanFitness = fitness[0]
	}
	return diag
}
