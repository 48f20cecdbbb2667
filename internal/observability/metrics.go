package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExportCollector bundles Prometheus metrics for export submission and
// polling.
type ExportCollector struct {
	gatherer prometheus.Gatherer

	Started       *prometheus.CounterVec
	Finished      *prometheus.CounterVec
	Elapsed       *prometheus.HistogramVec
	StatusChecks  *prometheus.CounterVec
	ActiveTasks   prometheus.Gauge
	ValueComputes *prometheus.CounterVec
}

// NewExportCollector registers export metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewExportCollector(reg prometheus.Registerer) (*ExportCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	started, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_exports_started_total",
		Help: "Table exports submitted, labeled by target.",
	}, []string{"target"}), "sb_exports_started_total")
	if err != nil {
		return nil, err
	}

	finished, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_exports_finished_total",
		Help: "Table exports that reached a terminal state, labeled by state.",
	}, []string{"state"}), "sb_exports_finished_total")
	if err != nil {
		return nil, err
	}

	elapsed, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sb_export_elapsed_minutes",
		Help:    "Remote export run time in minutes, from creation to last update.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 240, 480, 960},
	}, []string{"state"}), "sb_export_elapsed_minutes")
	if err != nil {
		return nil, err
	}

	checks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_status_checks_total",
		Help: "Export status checks, labeled by result (ok, transient, error).",
	}, []string{"result"}), "sb_status_checks_total")
	if err != nil {
		return nil, err
	}

	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sb_active_tasks",
		Help: "Exports still being polled.",
	}), "sb_active_tasks")
	if err != nil {
		return nil, err
	}

	computes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sb_value_computations_total",
		Help: "Synchronous value computations, labeled by result.",
	}, []string{"result"}), "sb_value_computations_total")
	if err != nil {
		return nil, err
	}

	return &ExportCollector{
		gatherer:      gatherer,
		Started:       started,
		Finished:      finished,
		Elapsed:       elapsed,
		StatusChecks:  checks,
		ActiveTasks:   active,
		ValueComputes: computes,
	}, nil
}

// ExportStarted counts a submitted export.
func (c *ExportCollector) ExportStarted(target string) {
	if c == nil || c.Started == nil {
		return
	}
	c.Started.WithLabelValues(target).Inc()
}

// ExportFinished counts a terminal export and observes its run time.
func (c *ExportCollector) ExportFinished(state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.Finished != nil {
		c.Finished.WithLabelValues(state).Inc()
	}
	if c.Elapsed != nil {
		c.Elapsed.WithLabelValues(state).Observe(elapsed.Minutes())
	}
}

// StatusCheck counts one status query.
func (c *ExportCollector) StatusCheck(result string) {
	if c == nil || c.StatusChecks == nil {
		return
	}
	c.StatusChecks.WithLabelValues(result).Inc()
}

// SetActiveTasks sets the number of exports still being polled.
func (c *ExportCollector) SetActiveTasks(n int) {
	if c == nil || c.ActiveTasks == nil {
		return
	}
	c.ActiveTasks.Set(float64(n))
}

// ValueComputed counts a synchronous value computation.
func (c *ExportCollector) ValueComputed(err error) {
	if c == nil || c.ValueComputes == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ValueComputes.WithLabelValues(result).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ExportCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
