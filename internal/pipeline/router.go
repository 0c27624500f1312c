package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"showerreco/internal/aggregate"
	"showerreco/internal/config"
	"showerreco/internal/eventio"
	"showerreco/internal/fsutil"
	"showerreco/internal/instrument"
	"showerreco/internal/logging"
	"showerreco/internal/metrics"
	"showerreco/internal/reco"
	"showerreco/internal/report"
	"showerreco/internal/simulate"
	"showerreco/internal/storage"
	"showerreco/internal/tracing"
)

// Option keys understood by the router.
const (
	OptWeighting         = "weighting"
	OptHeight            = "height"
	OptConstantHeight    = "constant_height"
	OptParallelTolerance = "parallel_tolerance"
	OptWorkers           = "workers"
	OptReportDir         = "report"
	OptEvents            = "events"
	OptSeed              = "seed"
	OptNoise             = "noise"
	OptTruth             = "truth"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	store   *storage.Store
	metrics *metrics.Collector
	cfg     *config.Config
	loadFn  func(path string) (*instrument.Subarray, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, mc *metrics.Collector, cfg *config.Config) *router {
	return &router{
		log:     logger,
		store:   store,
		metrics: mc,
		cfg:     cfg,
		loadFn:  instrument.Load,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobReconstruct:
		return r.handleReconstruct(ctx, job)
	case JobSimulate:
		return r.handleSimulate(ctx, job)
	case JobReport:
		return r.handleReport(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleReconstruct(ctx context.Context, job Job) (res Result) {
	ctx, span := tracing.Start(ctx, "pipeline.reconstruct",
		attribute.String("job.id", job.ID),
		attribute.String("job.input", job.InputPath),
	)
	defer func() {
		if res.Error != nil {
			span.RecordError(res.Error)
			span.SetStatus(codes.Error, res.Error.Error())
		}
		span.End()
	}()

	meta := map[string]any{}
	fail := func(err error) Result { return Result{Job: job, Error: err, Meta: meta} }

	inst, err := r.instrument(job)
	if err != nil {
		return fail(err)
	}
	table, err := eventio.ReadFile(job.InputPath)
	if err != nil {
		return fail(err)
	}
	events := table.Events()
	logging.LogProcessingStep(r.log, job.ID, "read", "completed", map[string]any{
		"rows":   len(table.Rows),
		"events": len(events),
	})

	rec, err := r.reconstructor(inst, job.Options)
	if err != nil {
		return fail(err)
	}
	workers := intOption(job.Options, OptWorkers, r.cfg.Processing.WorkersPerJob)
	results, err := reco.Batch(ctx, rec, events, workers)
	if err != nil {
		return fail(fmt.Errorf("reconstruct: %w", err))
	}

	stats := reco.Summarize(results)
	if r.metrics != nil {
		r.metrics.ObserveStats(stats)
	}
	failed := make(map[string]int, len(stats.Failed))
	for status, n := range stats.Failed {
		failed[string(status)] = n
	}
	logging.LogUnreconstructed(r.log, job.ID, failed)
	span.SetAttributes(
		attribute.Int("events", stats.Events),
		attribute.Int("reconstructed", stats.Reconstructed),
	)
	meta["events"] = stats.Events
	meta["reconstructed"] = stats.Reconstructed
	meta["failed"] = failed
	meta["excluded_pairs"] = stats.ExcludedPairs
	meta["weighting"] = rec.Weighting.Name()
	meta["height"] = rec.Height.Name()

	preds := make([]reco.Prediction, len(results))
	for i, rr := range results {
		preds[i] = rr.Prediction()
	}

	output := job.Output
	if output == "" {
		output = fsutil.PredictionPath(job.InputPath, r.cfg.Paths.DefaultOutput)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fail(err)
	}
	opts := eventio.WriteOptions{
		HMax:  rec.Height.Name() != (reco.NoHeight{}).Name(),
		Extra: aggregate.Columns(table),
	}
	if err := eventio.WritePredictionsFile(output, preds, opts); err != nil {
		return fail(fmt.Errorf("write predictions: %w", err))
	}
	meta["output"] = output
	logging.LogProcessingStep(r.log, job.ID, "write", "completed", map[string]any{"output": output})

	if err := r.store.RecordPredictions(job.ID, results); err != nil {
		r.log.Warn("failed to persist predictions", "job_id", job.ID, "error", err)
	}

	if dir := stringOption(job.Options, OptReportDir, ""); dir != "" {
		files, err := report.Render(dir, filepath.Base(job.InputPath), preds, inst)
		switch {
		case errors.Is(err, report.ErrNoPredictions):
			r.log.Warn("report skipped", "job_id", job.ID, "reason", err)
		case err != nil:
			return fail(fmt.Errorf("render report: %w", err))
		default:
			meta["report"] = files
		}
	}

	return Result{Job: job, Meta: meta}
}

func (r *router) handleSimulate(ctx context.Context, job Job) Result {
	_, span := tracing.Start(ctx, "pipeline.simulate", attribute.String("job.id", job.ID))
	defer span.End()

	inst, err := r.instrument(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if job.Output == "" {
		return Result{Job: job, Error: errors.New("simulate requires an output path")}
	}

	gen := simulate.New(inst, int64(intOption(job.Options, OptSeed, 1)))
	if noise := floatOption(job.Options, OptNoise, 0); noise > 0 {
		gen.PsiNoise = noise
		gen.CentroidNoise = noise / 5
	}
	n := intOption(job.Options, OptEvents, 1000)
	events := gen.Events(n)

	if err := os.MkdirAll(filepath.Dir(job.Output), 0o755); err != nil {
		return Result{Job: job, Error: err}
	}
	f, err := os.Create(job.Output)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	rows := simulate.Rows(events)
	if err := eventio.WriteRows(f, rows, true, true); err != nil {
		f.Close()
		return Result{Job: job, Error: fmt.Errorf("write events: %w", err)}
	}
	if err := f.Close(); err != nil {
		return Result{Job: job, Error: err}
	}

	meta := map[string]any{"events": n, "rows": len(rows), "output": job.Output}
	if truthPath := stringOption(job.Options, OptTruth, ""); truthPath != "" {
		truth := make([]reco.Prediction, len(events))
		for i, ev := range events {
			truth[i] = reco.Result{
				EventID: ev.ID,
				Alt:     ev.Truth.Alt,
				Az:      ev.Truth.Az,
				CoreX:   ev.Truth.CoreX,
				CoreY:   ev.Truth.CoreY,
				HMax:    math.NaN(),
			}.Prediction()
		}
		if err := eventio.WritePredictionsFile(truthPath, truth, eventio.WriteOptions{}); err != nil {
			return Result{Job: job, Error: fmt.Errorf("write truth: %w", err), Meta: meta}
		}
		meta["truth"] = truthPath
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleReport(ctx context.Context, job Job) Result {
	_, span := tracing.Start(ctx, "pipeline.report", attribute.String("job.id", job.ID))
	defer span.End()

	preds, err := eventio.ReadPredictionsFile(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var inst *instrument.Subarray
	if path := r.instrumentPath(job); path != "" {
		if inst, err = r.loadFn(path); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	dir := job.Output
	if dir == "" {
		dir = r.cfg.Paths.DefaultOutput
	}
	files, err := report.Render(dir, filepath.Base(job.InputPath), preds, inst)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{"events": len(preds), "report": files}}
}

func (r *router) instrumentPath(job Job) string {
	if job.Instrument != "" {
		return job.Instrument
	}
	return r.cfg.Paths.InstrumentPath
}

func (r *router) instrument(job Job) (*instrument.Subarray, error) {
	path := r.instrumentPath(job)
	if path == "" {
		return nil, errors.New("no instrument description given")
	}
	return r.loadFn(path)
}

// reconstructor applies job options on top of the configured defaults.
func (r *router) reconstructor(inst *instrument.Subarray, options map[string]any) (*reco.Reconstructor, error) {
	rc := r.cfg.Reconstruction
	weighting, err := reco.WeightingByName(stringOption(options, OptWeighting, rc.Weighting))
	if err != nil {
		return nil, err
	}
	height, err := reco.HeightByName(
		stringOption(options, OptHeight, rc.Height),
		floatOption(options, OptConstantHeight, rc.ConstantHeight),
	)
	if err != nil {
		return nil, err
	}
	rec := reco.New(inst)
	rec.Weighting = weighting
	rec.Height = height
	if tol := floatOption(options, OptParallelTolerance, rc.ParallelTolerance); tol > 0 {
		rec.ParallelTolerance = tol
	}
	return rec, nil
}

func stringOption(options map[string]any, key, def string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// intOption accepts the numeric types produced by flags and by JSON decoding.
func intOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatOption(options map[string]any, key string, def float64) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}
