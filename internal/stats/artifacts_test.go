package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"forkevo/internal/model"
)

func sampleArtifacts(runID string) RunArtifacts {
	return RunArtifacts{
		Config: RunConfig{
			RunID:          runID,
			Mode:           "survival",
			PopulationSize: 5,
			Generations:    3,
			SurvivalRate:   0.2,
			Seed:           1,
			Workers:        2,
		},
		BestByGeneration: []float64{0.5, 0.6, 0.7},
		MeanByGeneration: []float64{0.1, 0.2, 0.3},
		FinalBestFitness: 0.7,
		GenerationDiagnostics: []model.GenerationDiagnostics{
			{Generation: 1, Trigger: "all_done", BestFitness: 0.5},
		},
		Lineage: []model.LineageRecord{{
			AgentID:    "agent-3",
			DonorID:    "agent-1",
			Generation: 1,
			Operation:  "respawn",
		}},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts("run-123"))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	written := []string{configFile, historyFile, diagnosticsFile, lineageFile, seriesFile, chartFile}
	for _, file := range written {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}
	if _, err := os.Stat(filepath.Join(runDir, episodeFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no episode summary without episodes, got %v", err)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range written {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	if _, err := ExportRunArtifacts(baseDir, "missing", outDir); err == nil {
		t.Fatal("expected export of unknown run to fail")
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestReadBackRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := sampleArtifacts("run-1")
	if _, err := WriteRunArtifacts(baseDir, artifacts); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	cfg, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if diff := cmp.Diff(artifacts.Config, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	series, ok, err := ReadFitnessSeries(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if diff := cmp.Diff(artifacts.BestByGeneration, series); diff != "" {
		t.Fatalf("series mismatch (-want +got):\n%s", diff)
	}

	lineage, ok, err := ReadLineage(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read lineage: ok=%t err=%v", ok, err)
	}
	if len(lineage) != 1 || lineage[0].DonorID != "agent-1" {
		t.Fatalf("unexpected lineage: %+v", lineage)
	}

	diagnostics, ok, err := ReadGenerationDiagnostics(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read diagnostics: ok=%t err=%v", ok, err)
	}
	if len(diagnostics) != 1 || diagnostics[0].Trigger != "all_done" {
		t.Fatalf("unexpected diagnostics: %+v", diagnostics)
	}

	if _, ok, err := ReadRunConfig(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing config, ok=%t err=%v", ok, err)
	}
}

func TestFitnessChartNamesSeries(t *testing.T) {
	dir := t.TempDir()
	if err := WriteFitnessChart(dir, "run-9", []float64{1, 2}, []float64{0.5, 1}); err != nil {
		t.Fatalf("write chart: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, chartFile))
	if err != nil {
		t.Fatalf("read chart: %v", err)
	}
	html := string(data)
	for _, want := range []string{"Fitness by generation", "run-9", "best", "mean"} {
		if !strings.Contains(html, want) {
			t.Fatalf("chart missing %q", want)
		}
	}
}

func TestRunIndexNewestFirstAndUpsert(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "old", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 1},
		{RunID: "new", CreatedAtUTC: "2026-02-01T00:00:00Z", FinalBestFitness: 2},
		{RunID: "old", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBestFitness: 3},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append index: %v", err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(index))
	}
	if index[0].RunID != "new" || index[1].FinalBestFitness != 3 {
		t.Fatalf("unexpected index: %+v", index)
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected run id error")
	}
}
