package forkevo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkevo/internal/config"
	"forkevo/internal/logging"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: filepath.Join(t.TempDir(), "runs"),
		ExportsDir:   filepath.Join(t.TempDir(), "exports"),
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func quickSettings() *config.Config {
	cfg := config.Default()
	cfg.Population.GenerationDuration = 500 * time.Millisecond
	cfg.Episode.Tick = 100 * time.Millisecond
	return cfg
}

func TestClientRunRunsAndExport(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	summary, err := client.Run(ctx, RunRequest{
		Settings:    quickSettings(),
		RunID:       "run-a",
		Population:  4,
		Generations: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "run-a", summary.RunID)
	assert.Len(t, summary.BestByGeneration, 3)
	assert.Len(t, summary.MeanByGeneration, 3)
	// four agents, one elite: three respawns per boundary
	assert.Equal(t, 9, summary.Respawns)
	assert.DirExists(t, summary.ArtifactsDir)

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-a", runs[0].RunID)
	assert.Equal(t, 4, runs[0].Population)

	history, err := client.FitnessHistory(ctx, RunRef{Latest: true})
	require.NoError(t, err)
	assert.Equal(t, summary.BestByGeneration, history)

	diagnostics, err := client.Diagnostics(ctx, RunRef{RunID: "run-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, diagnostics, 2)
	assert.Equal(t, 1, diagnostics[0].Generation)

	lineage, err := client.Lineage(ctx, RunRef{Latest: true})
	require.NoError(t, err)
	assert.Len(t, lineage, 9)

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	require.NoError(t, err)
	assert.Equal(t, "run-a", exported.RunID)
	_, err = os.Stat(filepath.Join(exported.Directory, "config.json"))
	assert.NoError(t, err)
}

func TestClientReadsArtifactsFromEarlierProcess(t *testing.T) {
	ctx := context.Background()
	artifacts := filepath.Join(t.TempDir(), "runs")

	first, err := New(Options{StoreKind: "memory", ArtifactsDir: artifacts, Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = first.Run(ctx, RunRequest{Settings: quickSettings(), RunID: "run-b", Generations: 2})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(Options{StoreKind: "memory", ArtifactsDir: artifacts, Logger: logging.Discard()})
	require.NoError(t, err)
	defer second.Close()

	history, err := second.FitnessHistory(ctx, RunRef{RunID: "run-b"})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	lineage, err := second.Lineage(ctx, RunRef{RunID: "run-b"})
	require.NoError(t, err)
	assert.NotEmpty(t, lineage)

	_, err = second.Diagnostics(ctx, RunRef{RunID: "missing"})
	assert.Error(t, err)
}

func TestClientRequestValidation(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.Lineage(ctx, RunRef{RunID: "x", Latest: true})
	assert.Error(t, err)
	_, err = client.FitnessHistory(ctx, RunRef{Limit: -1, RunID: "x"})
	assert.Error(t, err)
	_, err = client.Diagnostics(ctx, RunRef{})
	assert.Error(t, err)
	_, err = client.Export(ctx, ExportRequest{})
	assert.Error(t, err)
	_, err = client.FitnessHistory(ctx, RunRef{Latest: true})
	assert.True(t, errors.Is(err, ErrNoRuns))

	_, err = client.Run(ctx, RunRequest{Population: 21})
	assert.Error(t, err)
	_, err = client.Run(ctx, RunRequest{Mode: "forever"})
	assert.Error(t, err)
}

func TestNewRejectsUnknownStore(t *testing.T) {
	_, err := New(Options{StoreKind: "etcd"})
	assert.Error(t, err)
}
