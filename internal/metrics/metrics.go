// Package metrics exposes Prometheus collectors for reconstruction jobs, event
// outcomes and the gRPC surface.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"showerreco/internal/reco"
)

// Collector bundles the metrics and the helpers that feed them.
type Collector struct {
	gatherer prometheus.Gatherer

	Events        *prometheus.CounterVec
	ExcludedPairs prometheus.Counter
	Jobs          *prometheus.CounterVec
	JobDurations  *prometheus.HistogramVec
	RPCRequests   *prometheus.CounterVec
	RPCDurations  *prometheus.HistogramVec
}

// New registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice on the same registry reuses the
// existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "showerreco_events_total",
		Help: "Array events processed, labeled by reconstruction status.",
	}, []string{"status"}))
	if err != nil {
		return nil, err
	}
	excluded, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "showerreco_excluded_pairs_total",
		Help: "Telescope pairs dropped as parallel or non-finite.",
	}))
	if err != nil {
		return nil, err
	}
	jobs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "showerreco_jobs_total",
		Help: "Jobs finished, labeled by type and result.",
	}, []string{"type", "result"}))
	if err != nil {
		return nil, err
	}
	jobDurations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "showerreco_job_duration_seconds",
		Help:    "Job wall time in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"type"}))
	if err != nil {
		return nil, err
	}
	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "showerreco_rpc_requests_total",
		Help: "Handled RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}))
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "showerreco_rpc_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"}))
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		Events:        events,
		ExcludedPairs: excluded,
		Jobs:          jobs,
		JobDurations:  jobDurations,
		RPCRequests:   requests,
		RPCDurations:  durations,
	}, nil
}

// ObserveStats adds a batch of reconstruction outcomes.
func (c *Collector) ObserveStats(s reco.Stats) {
	if c == nil {
		return
	}
	if s.Reconstructed > 0 {
		c.Events.WithLabelValues(string(reco.StatusOK)).Add(float64(s.Reconstructed))
	}
	for st, n := range s.Failed {
		c.Events.WithLabelValues(string(st)).Add(float64(n))
	}
	c.ExcludedPairs.Add(float64(s.ExcludedPairs))
}

// ObserveJob records a finished job.
func (c *Collector) ObserveJob(jobType string, err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "completed"
	if err != nil {
		result = "failed"
	}
	c.Jobs.WithLabelValues(jobType, result).Inc()
	c.JobDurations.WithLabelValues(jobType).Observe(d.Seconds())
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses "/pkg.Service/Method" into "Service" and "Method",
// returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := are.ExistingCollector.(T)
		if !ok {
			return c, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return existing, nil
	}
	return c, nil
}
