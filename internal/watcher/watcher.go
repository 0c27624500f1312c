// Package watcher submits a reconstruction job for every event table that
// appears in a watched directory.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"showerreco/internal/fsutil"
	"showerreco/internal/pipeline"
)

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Dirs       []string
	OutputDir  string // predictions go next to the input when empty
	Instrument string
	JobOptions map[string]any
	// Settle is how long a file must stay unchanged before it is submitted.
	Settle time.Duration
	// Backfill submits tables already present when the watcher starts.
	Backfill bool
}

// Watcher turns file system events into pipeline jobs.
type Watcher struct {
	opts   Options
	submit Submitter
	log    *slog.Logger
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]time.Time // path -> modification time last submitted
	ready   chan string
}

// New creates a watcher on opts.Dirs.
func New(opts Options, submit Submitter, logger *slog.Logger) (*Watcher, error) {
	if len(opts.Dirs) == 0 {
		return nil, errors.New("no directories to watch")
	}
	if submit == nil {
		return nil, errors.New("no job submitter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:    opts,
		submit:  submit,
		log:     logger,
		fsw:     fsw,
		pending: make(map[string]*time.Timer),
		seen:    make(map[string]time.Time),
		ready:   make(chan string, 64),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	for _, dir := range w.opts.Dirs {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	if w.opts.Backfill {
		for _, dir := range w.opts.Dirs {
			files, err := fsutil.ListEventFiles(dir)
			if err != nil {
				w.log.Warn("backfill listing failed", "dir", dir, "error", err)
				continue
			}
			for _, f := range files {
				w.dispatch(f)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsEventFile(event.Name) {
				continue
			}
			w.schedule(event.Name)
		case path := <-w.ready:
			w.dispatch(path)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("file system watcher error", "error", err)
		}
	}
}

// schedule restarts the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		default:
			w.log.Warn("watch queue full, dropping file", "path", path)
		}
	})
}

func (w *Watcher) dispatch(path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.log.Debug("file vanished before submission", "path", path)
		return
	}
	w.mu.Lock()
	if last, ok := w.seen[path]; ok && last.Equal(info.ModTime()) {
		w.mu.Unlock()
		return
	}
	w.seen[path] = info.ModTime()
	w.mu.Unlock()

	output := fsutil.PredictionPath(path, w.opts.OutputDir)
	opts := make(map[string]any, len(w.opts.JobOptions))
	for k, v := range w.opts.JobOptions {
		opts[k] = v
	}
	job := pipeline.NewJob(pipeline.JobReconstruct, path, output, w.opts.Instrument, opts)
	if err := w.submit.Submit(job); err != nil {
		w.log.Error("failed to submit job", "path", path, "error", err)
		w.mu.Lock()
		delete(w.seen, path)
		w.mu.Unlock()
		return
	}
	w.log.Info("job queued", "type", job.Type, "id", job.ID, "input", path)
}

func (w *Watcher) close() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	_ = w.fsw.Close()
}
