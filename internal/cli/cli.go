package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"showerreco/internal/config"
	"showerreco/internal/fsutil"
	"showerreco/internal/grpcserver"
	"showerreco/internal/instrument"
	"showerreco/internal/metrics"
	"showerreco/internal/pipeline"
	"showerreco/internal/reco"
	"showerreco/internal/server"
	"showerreco/internal/storage"
)

// defaultInstrumentFile is tried in the working directory when no instrument
// is configured.
const defaultInstrumentFile = "instrument.json"

// Version is reported by the version command.
var Version = "0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serveFunc func(ctx context.Context, opts server.Options) error

type grpcFunc func(ctx context.Context, addr string, srv *grpcserver.Server) error

func defaultServe(ctx context.Context, opts server.Options) error {
	return server.New(opts).Start(ctx)
}

func defaultGRPC(ctx context.Context, addr string, srv *grpcserver.Server) error {
	return srv.Serve(ctx, addr)
}

// Root holds what the commands share.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	metrics  *metrics.Collector
	serveFn  serveFunc
	grpcFn   grpcFunc
}

// NewRoot wires the CLI to a running pipeline. store and mc may be nil.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, mc *metrics.Collector) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		metrics:  mc,
		serveFn:  defaultServe,
		grpcFn:   defaultGRPC,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, errors.New("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// reconstructor builds a Reconstructor for the services from the instrument
// at path (or the configured one) and the reconstruction settings.
func (r *Root) reconstructor(path string) (*reco.Reconstructor, error) {
	if path == "" {
		path = fsutil.FirstExisting(r.cfg.Paths.InstrumentPath, defaultInstrumentFile)
	}
	if path == "" {
		return nil, errors.New("no instrument description: pass --instrument or set paths.instrument_path")
	}
	inst, err := instrument.Load(path)
	if err != nil {
		return nil, err
	}
	rc := r.cfg.Reconstruction
	weighting, err := reco.WeightingByName(rc.Weighting)
	if err != nil {
		return nil, err
	}
	height, err := reco.HeightByName(rc.Height, rc.ConstantHeight)
	if err != nil {
		return nil, err
	}
	rec := reco.New(inst)
	rec.Weighting = weighting
	rec.Height = height
	if rc.ParallelTolerance > 0 {
		rec.ParallelTolerance = rc.ParallelTolerance
	}
	return rec, nil
}

func (r *Root) requireStore() error {
	if r.store == nil {
		return errors.New("no job database available")
	}
	return nil
}

// printMeta writes a job's meta as sorted key: value lines.
func printMeta(w io.Writer, res pipeline.Result) {
	fmt.Fprintf(w, "job %s (%s) completed\n", res.Job.ID, res.Job.Type)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, res.Meta[k])
	}
}
