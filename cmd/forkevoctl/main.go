package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"forkevo/internal/config"
	"forkevo/internal/logging"
	"forkevo/internal/metrics"
	"forkevo/internal/platform"
	"forkevo/internal/storage"
	"forkevo/pkg/forkevo"
)

const (
	defaultArtifactsDir = "forkevo-runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "forkevo.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:], out)
	case "runs":
		return runRuns(ctx, args[1:], out)
	case "diagnostics":
		return runDiagnostics(ctx, args[1:], out)
	case "lineage":
		return runLineage(ctx, args[1:], out)
	case "fitness":
		return runFitness(ctx, args[1:], out)
	case "export":
		return runExport(ctx, args[1:], out)
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// storeFlags are shared by every command that opens a client.
type storeFlags struct {
	storeKind    string
	dbPath       string
	artifactsDir string
}

func addStoreFlags(fs *pflag.FlagSet) *storeFlags {
	f := &storeFlags{}
	fs.StringVar(&f.storeKind, "store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	fs.StringVar(&f.dbPath, "db-path", defaultDBPath, "sqlite database path")
	fs.StringVar(&f.artifactsDir, "artifacts-dir", defaultArtifactsDir, "per-run artifacts directory")
	return f
}

func (f *storeFlags) client(logger *slog.Logger, collector *metrics.Collector) (*forkevo.Client, error) {
	return forkevo.New(forkevo.Options{
		StoreKind:    f.storeKind,
		DBPath:       f.dbPath,
		ArtifactsDir: f.artifactsDir,
		Logger:       logger,
		Metrics:      collector,
	})
}

func runRun(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML or TOML config file")
	runID := fs.String("run-id", "", "run id (random uuid when empty)")
	mode := fs.String("mode", "", "generation mode: time_based|survival")
	population := fs.IntP("population", "n", 0, "population size (1..20)")
	generations := fs.IntP("generations", "g", 0, "generations to run")
	seed := fs.Int64("seed", 0, "random seed")
	workers := fs.Int("workers", 0, "agents stepped in parallel")
	trainerKind := fs.String("trainer", "", "policy: heuristic|neural")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	logFormat := fs.String("log-format", "", "text|json")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address during the run")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	stores := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		settings = loaded
		if !fs.Changed("store") && settings.Storage.Kind != "" {
			stores.storeKind = settings.Storage.Kind
		}
		if !fs.Changed("db-path") && settings.Storage.Path != "" {
			stores.dbPath = settings.Storage.Path
		}
		if !fs.Changed("artifacts-dir") && settings.Run.ArtifactsDir != "" {
			stores.artifactsDir = settings.Run.ArtifactsDir
		}
	}
	if *trainerKind != "" {
		settings.Trainer.Kind = *trainerKind
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		settings.Logging.Format = *logFormat
	}
	if *metricsAddr != "" {
		settings.Metrics.Enabled = true
		settings.Metrics.Addr = *metricsAddr
	}
	logger := logging.New(settings.Logging, os.Stderr)

	var collector *metrics.Collector
	if settings.Metrics.Enabled {
		var err error
		collector, err = metrics.New(nil)
		if err != nil {
			return err
		}
		server := platform.NewMetricsServer(settings.Metrics.Addr, collector, logger)
		if err := server.Start(ctx); err != nil {
			return err
		}
		defer func() {
			_ = server.Stop(context.Background())
		}()
	}

	client, err := stores.client(logger, collector)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	started := time.Now()
	summary, err := client.Run(ctx, forkevo.RunRequest{
		Settings:    settings,
		RunID:       *runID,
		Mode:        *mode,
		Population:  *population,
		Generations: *generations,
		Seed:        *seed,
		Workers:     *workers,
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		return writeJSON(out, summary)
	}
	fmt.Fprintf(out, "%s run_id=%s generations=%d respawns=%s final_best_fitness=%s elapsed=%s\n",
		color.GreenString("run finished"),
		summary.RunID,
		len(summary.BestByGeneration),
		humanize.Comma(int64(summary.Respawns)),
		humanize.FormatFloat("#,###.####", summary.FinalBestFitness),
		time.Since(started).Round(time.Millisecond),
	)
	if summary.ArtifactsDir != "" {
		fmt.Fprintf(out, "artifacts=%s\n", summary.ArtifactsDir)
	}
	return nil
}

func runRuns(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("runs", pflag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	stores := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := stores.client(logging.Discard(), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, forkevo.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s created=%s mode=%s pop=%d gens=%d seed=%d final_best_fitness=%.6f\n",
			color.CyanString(r.RunID),
			relativeTime(r.CreatedAtUTC),
			r.Mode,
			r.Population,
			r.Generations,
			r.Seed,
			r.FinalBestFitness,
		)
	}
	return nil
}

// refFlags select a run by id or as the latest one.
type refFlags struct {
	runID  string
	latest bool
	limit  int
}

func addRefFlags(fs *pflag.FlagSet, limitDefault int) *refFlags {
	f := &refFlags{}
	fs.StringVar(&f.runID, "run-id", "", "run id")
	fs.BoolVar(&f.latest, "latest", false, "use the most recent run")
	fs.IntVar(&f.limit, "limit", limitDefault, "max entries to print (<=0 for all)")
	return f
}

func (f *refFlags) ref(command string) (forkevo.RunRef, error) {
	if f.runID != "" && f.latest {
		return forkevo.RunRef{}, errors.New("use either --run-id or --latest, not both")
	}
	if f.runID == "" && !f.latest {
		return forkevo.RunRef{}, fmt.Errorf("%s requires --run-id or --latest", command)
	}
	limit := f.limit
	if limit < 0 {
		limit = 0
	}
	return forkevo.RunRef{RunID: f.runID, Latest: f.latest, Limit: limit}, nil
}

func runDiagnostics(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("diagnostics", pflag.ContinueOnError)
	refs := addRefFlags(fs, 50)
	jsonOut := fs.Bool("json", false, "emit diagnostics as JSON")
	stores := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := refs.ref("diagnostics")
	if err != nil {
		return err
	}

	client, err := stores.client(logging.Discard(), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	diagnostics, err := client.Diagnostics(ctx, ref)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(out, diagnostics)
	}
	if len(diagnostics) == 0 {
		fmt.Fprintln(out, "no diagnostics")
		return nil
	}
	for _, d := range diagnostics {
		fmt.Fprintf(out, "%s generation trigger=%s ticks=%s best=%.6f mean=%.6f min=%.6f std=%.6f elites=%d culled=%d best_agent=%s\n",
			humanize.Ordinal(d.Generation),
			d.Trigger,
			humanize.Comma(int64(d.Ticks)),
			d.BestFitness,
			d.MeanFitness,
			d.MinFitness,
			d.StdDevFitness,
			d.EliteCount,
			d.CulledCount,
			d.BestAgentID,
		)
	}
	return nil
}

func runLineage(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("lineage", pflag.ContinueOnError)
	refs := addRefFlags(fs, 100)
	jsonOut := fs.Bool("json", false, "emit lineage as JSON")
	stores := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := refs.ref("lineage")
	if err != nil {
		return err
	}

	client, err := stores.client(logging.Discard(), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	lineage, err := client.Lineage(ctx, ref)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(out, lineage)
	}
	if len(lineage) == 0 {
		fmt.Fprintln(out, "no lineage")
		return nil
	}
	for _, rec := range lineage {
		donor := rec.DonorID
		if donor == "" {
			donor = "-"
		}
		fmt.Fprintf(out, "generation=%d agent=%s donor=%s operation=%s group=%s fitness=%.6f\n",
			rec.Generation,
			rec.AgentID,
			donor,
			rec.Operation,
			rec.GroupID,
			rec.Fitness,
		)
	}
	return nil
}

func runFitness(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("fitness", pflag.ContinueOnError)
	refs := addRefFlags(fs, 50)
	jsonOut := fs.Bool("json", false, "emit fitness history as JSON")
	stores := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := refs.ref("fitness")
	if err != nil {
		return err
	}

	client, err := stores.client(logging.Discard(), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.FitnessHistory(ctx, ref)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(out, history)
	}
	if len(history) == 0 {
		fmt.Fprintln(out, "no fitness history")
		return nil
	}
	for i, best := range history {
		fmt.Fprintf(out, "generation=%d best_fitness=%.6f\n", i+1, best)
	}
	return nil
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", defaultExportsDir, "export output directory")
	stores := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := stores.client(logging.Discard(), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, forkevo.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func relativeTime(createdAtUTC string) string {
	t, err := time.Parse(time.RFC3339Nano, createdAtUTC)
	if err != nil {
		return createdAtUTC
	}
	return humanize.Time(t)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: forkevoctl <run|runs|diagnostics|lineage|fitness|export> [flags]", msg)
}
