package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"showerreco/internal/api"
	"showerreco/internal/metrics"
	"showerreco/internal/pipeline"
	"showerreco/internal/reco"
	"showerreco/internal/report"
	"showerreco/internal/storage"
)

// maxEventBody bounds POST /reconstruct bodies.
const maxEventBody = 1 << 20

// JobQueue is the part of the pipeline the server needs.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Options configures a Server. Store, Pipeline, Reconstructor and Metrics
// are optional; the routes depending on a missing one answer 503.
type Options struct {
	Addr          string
	Store         *storage.Store
	Pipeline      JobQueue
	Reconstructor *reco.Reconstructor
	Metrics       *metrics.Collector
	Logger        *slog.Logger
}

// Server is the HTTP API over jobs, stored predictions and single-event
// reconstruction.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline JobQueue
	rec      *reco.Reconstructor
	metrics  *metrics.Collector
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a server from opts.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     opts.Addr,
		store:    opts.Store,
		pipeline: opts.Pipeline,
		rec:      opts.Reconstructor,
		metrics:  opts.Metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/events", s.handleJobEvents).Methods("GET")
	r.HandleFunc("/jobs/{id}/skymap", s.handleSkyMap).Methods("GET")
	r.HandleFunc("/reconstruct", s.handleReconstruct).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no job store configured", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Type       pipeline.JobType `json:"type"`
	Input      string           `json:"input"`
	Output     string           `json:"output"`
	Instrument string           `json:"instrument"`
	Options    map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode job: %v", err), http.StatusBadRequest)
		return
	}
	switch req.Type {
	case pipeline.JobReconstruct, pipeline.JobSimulate, pipeline.JobReport:
	default:
		http.Error(w, fmt.Sprintf("unknown job type %q", req.Type), http.StatusBadRequest)
		return
	}
	job := pipeline.NewJob(req.Type, req.Input, req.Output, req.Instrument, req.Options)
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no job store configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if err != nil {
		storeError(w, err)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		storage.JobRecord
		Meta map[string]any `json:"meta,omitempty"`
	}{rec, meta})
}

func (s *Server) jobPredictions(w http.ResponseWriter, r *http.Request) ([]storage.EventRecord, bool) {
	if s.store == nil {
		http.Error(w, "no job store configured", http.StatusServiceUnavailable)
		return nil, false
	}
	id := mux.Vars(r)["id"]
	if _, err := s.store.Job(id); err != nil {
		storeError(w, err)
		return nil, false
	}
	events, err := s.store.EventPredictions(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return events, true
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, ok := s.jobPredictions(w, r)
	if !ok {
		return
	}
	if events == nil {
		events = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSkyMap(w http.ResponseWriter, r *http.Request) {
	events, ok := s.jobPredictions(w, r)
	if !ok {
		return
	}
	preds := make([]reco.Prediction, len(events))
	for i, ev := range events {
		preds[i] = ev.Prediction
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.SkyMap(w, "job "+mux.Vars(r)["id"], preds); err != nil {
		if errors.Is(err, report.ErrNoPredictions) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("sky map render failed", "error", err)
	}
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	if s.rec == nil {
		http.Error(w, "no instrument loaded", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := api.Reconstruct(s.rec, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveStats(reco.Summarize([]reco.Result{res}))
	}
	writeJSON(w, http.StatusOK, api.NewResponse(res))
}

// JobEvent is the JSON form of a pipeline result on /stream and /ws.
type JobEvent struct {
	ID     string           `json:"id"`
	Type   pipeline.JobType `json:"type"`
	Input  string           `json:"input"`
	Output string           `json:"output"`
	Status string           `json:"status"`
	Error  string           `json:"error,omitempty"`
	Meta   map[string]any   `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) JobEvent {
	ev := JobEvent{
		ID:     res.Job.ID,
		Type:   res.Job.Type,
		Input:  res.Job.InputPath,
		Output: res.Job.Output,
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "no pipeline configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// reader detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline stopped"))
				return
			}
			if err := conn.WriteJSON(newJobEvent(res)); err != nil {
				return
			}
		}
	}
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
