package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"showerreco/internal/config"
	"showerreco/internal/logging"
	"showerreco/internal/metrics"
	"showerreco/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobReconstruct JobType = "reconstruct"
	JobSimulate    JobType = "simulate"
	JobReport      JobType = "report"
)

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID         string
	Type       JobType
	InputPath  string
	Output     string
	Instrument string
	Options    map[string]any
}

// NewJob returns a job with a fresh id.
func NewJob(typ JobType, input, output, instrumentPath string, options map[string]any) Job {
	if options == nil {
		options = map[string]any{}
	}
	return Job{
		ID:         uuid.NewString(),
		Type:       typ,
		InputPath:  input,
		Output:     output,
		Instrument: instrumentPath,
		Options:    options,
	}
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *metrics.Collector
	mu        sync.Mutex
	stopped   bool // guarded by mu; jobs is closed once set
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline running cfg.Processing.ParallelJobs workers. store
// and mc may be nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store, mc *metrics.Collector) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	return NewWithProcessor(ctx, cfg.Processing.ParallelJobs, logger, store, mc, newRouter(logger, store, mc, cfg))
}

// NewWithProcessor is New with an explicit processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, mc *metrics.Collector, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		metrics:   mc,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if p.isStopped() {
		return ErrStopped
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:             job.ID,
			JobType:        string(job.Type),
			Status:         "queued",
			InputPath:      job.InputPath,
			OutputPath:     job.Output,
			InstrumentPath: job.Instrument,
			OptionsJSON:    string(optsJSON),
		})
	}

	err := p.enqueue(job)
	if err != nil && p.store != nil {
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, err.Error())
	}
	return err
}

// enqueue never blocks, so holding mu keeps Stop from closing jobs mid-send.
func (p *Pipeline) enqueue(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Run submits job and blocks until its result is broadcast.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	resCh, unsubscribe := p.Subscribe()
	defer unsubscribe()
	if err := p.Submit(job); err != nil {
		return Result{Job: job, Error: err}
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Job: job, Error: ctx.Err()}
		case res, ok := <-resCh:
			if !ok {
				return Result{Job: job, Error: errors.New("pipeline stopped before completion")}
			}
			if res.Job.ID == job.ID {
				return res
			}
		}
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.execute(ctx, job))
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":      job.InputPath,
			"output":     job.Output,
			"instrument": job.Instrument,
			"options":    job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}
	if p.metrics != nil {
		p.metrics.ObserveJob(string(job.Type), res.Error, duration)
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
