package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"showerreco/internal/pipeline"
)

type recordingSubmitter struct {
	jobs chan pipeline.Job
	err  error
}

func (r *recordingSubmitter) Submit(job pipeline.Job) error {
	if r.err != nil {
		return r.err
	}
	r.jobs <- job
	return nil
}

func startWatcher(t *testing.T, opts Options, sub Submitter) context.CancelFunc {
	t.Helper()
	w, err := New(opts, sub, slog.Default())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitJob(t *testing.T, jobs <-chan pipeline.Job) pipeline.Job {
	t.Helper()
	select {
	case job := <-jobs:
		return job
	case <-time.After(5 * time.Second):
		t.Fatalf("no job submitted")
		return pipeline.Job{}
	}
}

func TestWatcherSubmitsNewTables(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	sub := &recordingSubmitter{jobs: make(chan pipeline.Job, 4)}
	startWatcher(t, Options{
		Dirs:       []string{dir},
		OutputDir:  out,
		Instrument: "array.json",
		JobOptions: map[string]any{"workers": 2},
		Settle:     20 * time.Millisecond,
	}, sub)

	// give the watcher a moment to register
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	input := filepath.Join(dir, "run7.csv")
	require.NoError(t, os.WriteFile(input, []byte("array_event_id\n"), 0o644))

	job := waitJob(t, sub.jobs)
	require.Equal(t, pipeline.JobReconstruct, job.Type)
	require.Equal(t, input, job.InputPath)
	require.Equal(t, filepath.Join(out, "run7_predictions.csv"), job.Output)
	require.Equal(t, "array.json", job.Instrument)
	require.Equal(t, 2, job.Options["workers"])
	require.NotEmpty(t, job.ID)

	select {
	case extra := <-sub.jobs:
		t.Fatalf("expected a single job, got another for %s", extra.InputPath)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherBackfill(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.csv")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old_predictions.csv"), []byte("x"), 0o644))

	sub := &recordingSubmitter{jobs: make(chan pipeline.Job, 4)}
	startWatcher(t, Options{Dirs: []string{dir}, Backfill: true}, sub)

	job := waitJob(t, sub.jobs)
	require.Equal(t, existing, job.InputPath)
	require.Equal(t, filepath.Join(dir, "old_predictions.csv"), job.Output)
}

func TestWatcherDispatchSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	sub := &recordingSubmitter{jobs: make(chan pipeline.Job, 4)}
	w, err := New(Options{Dirs: []string{dir}}, sub, slog.Default())
	require.NoError(t, err)
	defer w.close()

	w.dispatch(path)
	w.dispatch(path)
	require.Len(t, sub.jobs, 1)

	w.dispatch(filepath.Join(dir, "missing.csv"))
	require.Len(t, sub.jobs, 1)
}

func TestWatcherRetriesAfterSubmitFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	sub := &recordingSubmitter{jobs: make(chan pipeline.Job, 4), err: errors.New("job queue is full")}
	w, err := New(Options{Dirs: []string{dir}}, sub, slog.Default())
	require.NoError(t, err)
	defer w.close()

	w.dispatch(path)
	sub.err = nil
	w.dispatch(path)
	require.Len(t, sub.jobs, 1)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{}, &recordingSubmitter{}, nil)
	require.Error(t, err)
	_, err = New(Options{Dirs: []string{t.TempDir()}}, nil, nil)
	require.Error(t, err)
}
