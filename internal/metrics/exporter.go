// Package metrics exposes live run statistics in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perfx/internal/core"
)

const prefix = "perfx_"

// Run states reported by perfx_run_state.
const (
	StateStarting  = "starting"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var runStates = []string{StateStarting, StateRunning, StateCompleted, StateFailed}

// Exporter keeps one run's metrics on a private registry.
type Exporter struct {
	registry *prometheus.Registry

	users        prometheus.Gauge
	rps          prometheus.Gauge
	failureRatio prometheus.Gauge
	responseTime *prometheus.GaugeVec
	requests     *prometheus.CounterVec
	state        *prometheus.GaugeVec
}

// NewExporter registers the run metrics, each labelled with runID.
func NewExporter(runID string) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, reg))

	e := &Exporter{
		registry: reg,
		users: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "users",
			Help: "Number of active virtual users",
		}),
		rps: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "requests_per_second",
			Help: "Current request rate over the engine's sliding window",
		}),
		failureRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "failure_ratio",
			Help: "Share of failed requests since the run started",
		}),
		responseTime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "response_time_ms",
			Help: "Response time quantiles in milliseconds",
		}, []string{"quantile"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "requests_total",
			Help: "Requests executed, by type, name and outcome",
		}, []string{"type", "name", "success"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "run_state",
			Help: "1 for the current run state, 0 otherwise",
		}, []string{"state"}),
	}
	e.SetState(StateStarting)
	return e
}

// Registry returns the private registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// SetState marks state as the current run state.
func (e *Exporter) SetState(state string) {
	for _, s := range runStates {
		v := 0.0
		if s == state {
			v = 1
		}
		e.state.WithLabelValues(s).Set(v)
	}
}

func (e *Exporter) String() string { return "metrics" }

func (e *Exporter) Started(context.Context, core.LifecycleEvent) error {
	e.SetState(StateRunning)
	return nil
}

func (e *Exporter) Completed(context.Context, core.LifecycleEvent) error {
	e.SetState(StateCompleted)
	e.users.Set(0)
	return nil
}

func (e *Exporter) Failed(context.Context, core.LifecycleEvent) error {
	e.SetState(StateFailed)
	e.users.Set(0)
	return nil
}

func (e *Exporter) Request(_ context.Context, r core.RequestOutcome) error {
	e.requests.WithLabelValues(r.RequestType, r.Name, strconv.FormatBool(r.Success)).Inc()
	return nil
}

func (e *Exporter) Stats(_ context.Context, s core.StatsSnapshot) error {
	e.users.Set(float64(s.UserCount))
	e.rps.Set(s.RPS)
	e.failureRatio.Set(s.FailRatio)
	e.responseTime.WithLabelValues("0").Set(s.MinMs)
	e.responseTime.WithLabelValues("0.5").Set(s.MedianMs)
	e.responseTime.WithLabelValues("0.95").Set(s.P95Ms)
	e.responseTime.WithLabelValues("0.99").Set(s.P99Ms)
	e.responseTime.WithLabelValues("1").Set(s.MaxMs)
	return nil
}
