package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"showerreco/internal/config"
	"showerreco/internal/grpcserver"
	"showerreco/internal/instrument"
	"showerreco/internal/pipeline"
	"showerreco/internal/reco"
	"showerreco/internal/server"
	"showerreco/internal/storage"
)

func TestCommandsDispatchJobs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		expectOpt  string
	}{
		{"reconstruct", []string{"reconstruct", filepath.Join(temp, "events.csv"), "--weighting", "size-sine-elongation"}, pipeline.JobReconstruct, pipeline.OptWeighting},
		{"reconstruct full", []string{"reconstruct", "in.csv", "out.csv", "array.json", "--height", "triangulate", "--workers", "3", "--report", temp}, pipeline.JobReconstruct, pipeline.OptReportDir},
		{"simulate", []string{"simulate", "array.json", filepath.Join(temp, "sim.csv"), "--events", "50", "--seed", "7"}, pipeline.JobSimulate, pipeline.OptSeed},
		{"report", []string{"report", "preds.csv", temp}, pipeline.JobReport, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if _, err := execute(t, root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			jobs := fakePipe.submitted()
			if len(jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(jobs))
			}
			if jobs[0].Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, jobs[0].Type)
			}
			if tc.expectOpt != "" {
				if _, ok := jobs[0].Options[tc.expectOpt]; !ok {
					t.Fatalf("expected option %s in %v", tc.expectOpt, jobs[0].Options)
				}
			}
		})
	}
}

func TestReconstructCommandMapsArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	out, err := execute(t, root, "reconstruct", "in.csv", "out.csv", "array.json", "--constant-height", "9000", "--height", "constant")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	job := fakePipe.submitted()[0]
	if job.InputPath != "in.csv" || job.Output != "out.csv" || job.Instrument != "array.json" {
		t.Fatalf("unexpected job paths %+v", job)
	}
	if job.Options[pipeline.OptConstantHeight] != 9000.0 || job.Options[pipeline.OptHeight] != "constant" {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if _, ok := job.Options[pipeline.OptWorkers]; ok {
		t.Fatalf("workers should fall back to config when unset")
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "ok: true") {
		t.Fatalf("expected job summary in output, got %q", out)
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	for _, args := range [][]string{
		{"reconstruct"},
		{"simulate", "only-one.json"},
		{"report"},
		{"serve", "extra"},
	} {
		if _, err := execute(t, root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if n := len(fakePipe.submitted()); n != 0 {
		t.Fatalf("expected no jobs submitted, got %d", n)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.NewJob(pipeline.JobReconstruct, "in.csv", "", "", nil)
	boom := errors.New("no instrument")
	fakePipe.jobErrors[job.ID] = boom

	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := root.enqueueAndWait(ctx, pipeline.NewJob(pipeline.JobReport, "p.csv", "", "", nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestServeCommandWiresServer(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Paths.InstrumentPath = writeInstrument(t)

	var got server.Options
	root.serveFn = func(ctx context.Context, opts server.Options) error {
		got = opts
		return nil
	}
	if _, err := execute(t, root, "serve", "--addr", "127.0.0.1:0"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.Addr != "127.0.0.1:0" || got.Pipeline == nil || got.Reconstructor == nil {
		t.Fatalf("unexpected server options %+v", got)
	}

	root.cfg.Paths.InstrumentPath = ""
	if _, err := execute(t, root, "serve"); err != nil {
		t.Fatalf("serve without instrument failed: %v", err)
	}
	if got.Addr != root.cfg.Server.HTTPAddr || got.Reconstructor != nil {
		t.Fatalf("expected configured address and no reconstructor, got %+v", got)
	}
}

func TestGRPCCommandUsesConfiguredAddress(t *testing.T) {
	root, _ := newTestRoot(t)
	var (
		addr string
		srv  *grpcserver.Server
	)
	root.grpcFn = func(ctx context.Context, a string, s *grpcserver.Server) error {
		addr, srv = a, s
		return nil
	}
	if _, err := execute(t, root, "grpc", "--instrument", writeInstrument(t)); err != nil {
		t.Fatalf("grpc failed: %v", err)
	}
	if addr != root.cfg.Server.GRPCAddr || srv == nil {
		t.Fatalf("expected server on %s, got %q", root.cfg.Server.GRPCAddr, addr)
	}
}

func TestSendCommandCallsRemoteService(t *testing.T) {
	root, _ := newTestRoot(t)
	inst, err := instrument.Load(writeInstrument(t))
	if err != nil {
		t.Fatalf("load instrument: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpcserver.New(reco.New(inst), nil, root.log).NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	eventPath := filepath.Join(t.TempDir(), "event.json")
	event := `{"array_event_id": 5, "observations": {"1": {"moments": {"size": 100, "cen_x": 0.01, "cen_y": 0, "length": 0.02, "width": 0.01, "psi": 0}, "pointing": {"azimuth": 0, "altitude": 1.2}}}}`
	if err := os.WriteFile(eventPath, []byte(event), 0o644); err != nil {
		t.Fatalf("write event: %v", err)
	}

	out, err := execute(t, root, "send", eventPath, "--addr", lis.Addr().String(), "--insecure")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	// a single telescope cannot be reconstructed
	if !strings.Contains(out, `"array_event_id": 5`) || !strings.Contains(out, `"reconstructed": false`) {
		t.Fatalf("unexpected response %q", out)
	}

	if _, err := execute(t, root, "send", filepath.Join(t.TempDir(), "absent.json"), "--insecure"); err == nil {
		t.Fatalf("expected error for missing event file")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, `"weighting": "size-sine"`) {
		t.Fatalf("expected reconstruction settings in %q", out)
	}
	if out, err := execute(t, root, "config", "validate"); err != nil || !strings.Contains(out, "ok") {
		t.Fatalf("expected valid config, got %q %v", out, err)
	}

	root.cfg.Reconstruction.Height = "guess"
	if _, err := execute(t, root, "config", "validate"); err == nil || !strings.Contains(err.Error(), "guess") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestJobsAndMigrateCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "jobs"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordJobQueued(storage.JobRecord{ID: "job-1", JobType: "reconstruct", Status: "queued", InputPath: "events.csv"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	out, err := execute(t, root, "jobs", "--limit", "5")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, "job-1") || !strings.Contains(out, "events.csv") {
		t.Fatalf("expected job listed in %q", out)
	}

	if out, err := execute(t, root, "migrate", "up"); err != nil || !strings.Contains(out, "up to date") {
		t.Fatalf("migrate up: %q %v", out, err)
	}
	out, err = execute(t, root, "migrate", "version")
	if err != nil {
		t.Fatalf("migrate version: %v", err)
	}
	if !strings.HasPrefix(out, "version ") || strings.Contains(out, "dirty") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "version")
	if err != nil || !strings.Contains(out, Version) {
		t.Fatalf("unexpected version output %q %v", out, err)
	}
}

func TestPrintMetaSortsKeys(t *testing.T) {
	var buf bytes.Buffer
	printMeta(&buf, pipeline.Result{
		Job:  pipeline.Job{ID: "j", Type: pipeline.JobReconstruct},
		Meta: map[string]any{"reconstructed": 3, "events": 4},
	})
	out := buf.String()
	if strings.Index(out, "events") > strings.Index(out, "reconstructed") {
		t.Fatalf("expected sorted keys in %q", out)
	}
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newCommand(root)
	cmd.SetArgs(args)
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeInstrument(t *testing.T) string {
	t.Helper()
	inst, err := instrument.New("pair", []instrument.Telescope{
		{ID: 1, Position: [3]float64{0, 0, 0}, FocalLength: 28, MirrorArea: 386},
		{ID: 2, Position: [3]float64{100, 0, 0}, FocalLength: 28, MirrorArea: 386},
	})
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	path := filepath.Join(t.TempDir(), "array.json")
	if err := inst.Save(path); err != nil {
		t.Fatalf("save instrument: %v", err)
	}
	return path
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "showerreco.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		serveFn:  defaultServe,
		grpcFn:   defaultGRPC,
	}
	return root, pipe
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

// Submit completes the job at once and delivers the result to every
// subscriber.
func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.jobErrors[job.ID], Meta: map[string]any{"ok": true}}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 4)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}
