// Package metrics exposes prometheus collectors for the board host.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/beadsboard/internal/breaker"
	"github.com/steveyegge/beadsboard/internal/errs"
)

const namespace = "beadsboard"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// saves counts physical store writes.
	// Labels: result (ok, error)
	saves        *prometheus.CounterVec
	saveDuration prometheus.Histogram

	// reloads counts working-copy reloads.
	// Labels: reason (external, requested)
	reloads *prometheus.CounterVec

	breakerState      prometheus.Gauge
	breakerRejections prometheus.Counter

	// commands counts bd subprocess invocations.
	// Labels: command, result (ok, error)
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	droppedIDs      prometheus.Counter

	// requests counts bridge requests.
	// Labels: type, result (ok, or the error kind)
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	panels          prometheus.Gauge
}

// New registers all collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "saves_total",
			Help:      "Physical saves of the embedded store by result",
		}, []string{"result"}),
		saveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "save_duration_seconds",
			Help:      "Time to serialize and replace the store file",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "reloads_total",
			Help:      "Reloads of the working copy by reason",
		}, []string{"reason"}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit state: 0 closed, 1 open, 2 half-open",
		}),
		breakerRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls short-circuited by an open circuit",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bd",
			Name:      "commands_total",
			Help:      "bd subprocess invocations by command and result",
		}, []string{"command", "result"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bd",
			Name:      "command_duration_seconds",
			Help:      "bd subprocess wall time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		droppedIDs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bd",
			Name:      "dropped_ids_total",
			Help:      "Items left out of a snapshot after their detail fetch failed",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Bridge requests by type and result",
		}, []string{"type", "result"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Bridge request handling time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		panels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "panels",
			Help:      "Connected panels",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSave records one save attempt.
func (m *Metrics) ObserveSave(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result(err)).Inc()
	m.saveDuration.Observe(d.Seconds())
}

// ObserveReload records a reload.
func (m *Metrics) ObserveReload(reason string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(reason).Inc()
}

// BreakerStateChanged is shaped for breaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(_, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(to))
}

// BreakerRejected records a short-circuited call.
func (m *Metrics) BreakerRejected() {
	if m == nil {
		return
	}
	m.breakerRejections.Inc()
}

// ObserveCommand records one bd invocation.
func (m *Metrics) ObserveCommand(command string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result(err)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// DroppedIDs records items dropped from a snapshot.
func (m *Metrics) DroppedIDs(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedIDs.Add(float64(n))
}

// ObserveRequest records one bridge request. Failures are labelled with
// their error kind.
func (m *Metrics) ObserveRequest(typ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	res := "ok"
	if err != nil {
		res = errs.KindOf(err).String()
	}
	m.requests.WithLabelValues(typ, res).Inc()
	m.requestDuration.WithLabelValues(typ).Observe(d.Seconds())
}

// PanelOpened increments the connected panel gauge.
func (m *Metrics) PanelOpened() {
	if m == nil {
		return
	}
	m.panels.Inc()
}

// PanelClosed decrements the connected panel gauge.
func (m *Metrics) PanelClosed() {
	if m == nil {
		return
	}
	m.panels.Dec()
}
