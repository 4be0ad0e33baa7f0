// Package forkevo is the public entry point for running and inspecting
// forklift population training runs.
package forkevo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"forkevo/internal/config"
	"forkevo/internal/metrics"
	"forkevo/internal/model"
	"forkevo/internal/platform"
	"forkevo/internal/stats"
	"forkevo/internal/storage"
	"forkevo/internal/telemetry"
)

const (
	defaultArtifactsDir = "forkevo-runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "forkevo.db"
)

var ErrNoRuns = errors.New("no runs available")

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	// Metrics receives generation boundaries of every run when set.
	Metrics *metrics.Collector
}

type Client struct {
	store   storage.Store
	polis   *platform.Polis
	logger  *slog.Logger
	metrics *metrics.Collector

	artifactsDir string
	exportsDir   string
}

type RunRequest struct {
	// Settings defaults to config.Default.
	Settings *config.Config
	RunID    string

	// Non-zero overrides applied on top of Settings.
	Mode        string
	Population  int
	Generations int
	Seed        int64
	Workers     int

	Sink telemetry.Sink
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	BestByGeneration []float64
	MeanByGeneration []float64
	FinalBestFitness float64
	Respawns         int
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Mode             string
	Seed             int64
	Population       int
	Generations      int
	FinalBestFitness float64
}

// RunRef names a run either by id or as the latest one.
type RunRef struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		metrics:      opts.Metrics,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	if c.polis != nil {
		_ = c.polis.Stop()
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensurePolis(ctx)
	return err
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	settings := config.Default()
	if req.Settings != nil {
		copied := *req.Settings
		settings = &copied
	}
	if req.Mode != "" {
		settings.Population.Mode = req.Mode
	}
	if req.Population > 0 {
		settings.Population.Size = req.Population
	}
	if req.Generations > 0 {
		settings.Run.Generations = req.Generations
	}
	if req.Seed != 0 {
		settings.Population.Seed = req.Seed
	}
	if req.Workers > 0 {
		settings.Population.Workers = req.Workers
	}
	if err := settings.Validate(); err != nil {
		return RunSummary{}, err
	}

	p, err := c.ensurePolis(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	result, err := p.RunEvolution(ctx, platform.EvolutionConfig{
		RunID:        req.RunID,
		Settings:     settings,
		Sink:         req.Sink,
		Metrics:      c.metrics,
		ArtifactsDir: c.artifactsDir,
	})
	if err != nil {
		return RunSummary{}, err
	}

	respawns := 0
	for _, record := range result.Lineage {
		if record.Operation == "respawn" {
			respawns++
		}
	}
	return RunSummary{
		RunID:            result.RunID,
		ArtifactsDir:     result.RunDir,
		BestByGeneration: result.BestByGeneration,
		MeanByGeneration: result.MeanByGeneration,
		FinalBestFitness: result.BestFinalFitness,
		Respawns:         respawns,
	}, nil
}

// Runs lists runs newest first from the artifacts index, falling back to
// the store when no index has been written.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Mode:             e.Mode,
			Seed:             e.Seed,
			Population:       e.PopulationSize,
			Generations:      e.Generations,
			FinalBestFitness: e.FinalBestFitness,
		})
	}
	if len(out) == 0 {
		if _, err := c.ensurePolis(ctx); err != nil {
			return nil, err
		}
		runs, err := c.store.ListRuns(ctx)
		if err != nil {
			return nil, err
		}
		for i := len(runs) - 1; i >= 0; i-- {
			r := runs[i]
			out = append(out, RunItem{
				RunID:            r.ID,
				CreatedAtUTC:     r.CreatedAtUTC,
				Mode:             r.Mode,
				Seed:             r.Seed,
				Population:       r.PopulationSize,
				Generations:      r.Generations,
				FinalBestFitness: r.BestFitness,
			})
		}
	}
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	runID, err := c.resolveRunID(ctx, RunRef{RunID: req.RunID, Latest: req.Latest})
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) Lineage(ctx context.Context, ref RunRef) ([]model.LineageRecord, error) {
	runID, err := c.resolveRunID(ctx, ref)
	if err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		lineage, ok, err = stats.ReadLineage(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", runID)
	}
	return limit(lineage, ref.Limit), nil
}

func (c *Client) FitnessHistory(ctx context.Context, ref RunRef) ([]float64, error) {
	runID, err := c.resolveRunID(ctx, ref)
	if err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetFitnessHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadFitnessSeries(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("fitness history not found for run id: %s", runID)
	}
	return limit(history, ref.Limit), nil
}

func (c *Client) Diagnostics(ctx context.Context, ref RunRef) ([]model.GenerationDiagnostics, error) {
	runID, err := c.resolveRunID(ctx, ref)
	if err != nil {
		return nil, err
	}
	diagnostics, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		diagnostics, ok, err = stats.ReadGenerationDiagnostics(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("diagnostics not found for run id: %s", runID)
	}
	return limit(diagnostics, ref.Limit), nil
}

func (c *Client) resolveRunID(ctx context.Context, ref RunRef) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.Limit < 0 {
		return "", errors.New("limit must be >= 0")
	}
	if _, err := c.ensurePolis(ctx); err != nil {
		return "", err
	}
	if !ref.Latest {
		if ref.RunID == "" {
			return "", errors.New("run id or latest is required")
		}
		return ref.RunID, nil
	}
	runs, err := c.Runs(ctx, RunsRequest{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	return runs[0].RunID, nil
}

func (c *Client) ensurePolis(ctx context.Context) (*platform.Polis, error) {
	if c.polis != nil {
		return c.polis, nil
	}
	p := platform.NewPolis(platform.Config{Store: c.store, Logger: c.logger})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.polis = p
	return c.polis, nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return append([]T(nil), items...)
}
