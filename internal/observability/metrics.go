package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daimoniac/servicekit/internal/config"
)

// Metric names exposed on /metrics
const (
	MetricRequestsTotal          = "app_requests_total"
	MetricRequestDuration        = "app_request_duration_seconds"
	MetricErrorsTotal            = "app_errors_total"
	MetricBuildInfo              = "app_build_info"
	MetricIterationsTotal        = "app_iterations_total"
	MetricLastIterationTimestamp = "app_last_iteration_timestamp_seconds"
	MetricUp                     = "app_up"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Build metrics
	BuildInfo *prometheus.GaugeVec

	// Loop metrics
	IterationsTotal        prometheus.Counter
	LastIterationTimestamp prometheus.Gauge

	// Process metrics
	Up prometheus.Gauge

	registry *prometheus.Registry
	now      func() time.Time
	started  time.Time

	mu            sync.Mutex
	lastIteration time.Time
}

// MetricsOption configures Metrics
type MetricsOption func(*Metrics)

// WithMetricsClock overrides the clock used for iteration timestamps
func WithMetricsClock(now func() time.Time) MetricsOption {
	return func(m *Metrics) {
		m.now = now
	}
}

// NewMetrics creates the instrument set on a fresh registry together with
// the Go runtime and process collectors
func NewMetrics(opts ...MetricsOption) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricErrorsTotal,
				Help: "Total number of errors by reason",
			},
			[]string{"reason"},
		),
		BuildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricBuildInfo,
				Help: "Build information",
			},
			[]string{"version", "commit", "env"},
		),
		IterationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricIterationsTotal,
			Help: "Total number of service loop iterations",
		}),
		LastIterationTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricLastIterationTimestamp,
			Help: "Unix timestamp of the last completed service loop iteration",
		}),
		Up: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricUp,
			Help: "1 while the service is running, 0 after shutdown is signaled",
		}),
		registry: reg,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Registry returns the registry holding every instrument
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the scrape handler for the registry
// @Summary Prometheus metrics
// @Description Expose Prometheus-compatible metrics
// @Tags Health
// @Produce plain
// @Success 200 {string} string "Prometheus metrics"
// @Router /metrics [get]
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

// MarkIteration records one completed loop iteration. The timestamp gauge
// never moves backwards when iterations complete concurrently.
func (m *Metrics) MarkIteration() {
	m.IterationsTotal.Inc()

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.After(m.lastIteration) {
		m.lastIteration = now
		m.LastIterationTimestamp.Set(unixSeconds(now))
	}
}

// LastIteration returns the time of the latest iteration, or the zero time
// when none has completed
func (m *Metrics) LastIteration() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIteration
}

// StartedAt returns when the instrument set was created
func (m *Metrics) StartedAt() time.Time {
	return m.started
}

// MarkUp sets app_up to 1
func (m *Metrics) MarkUp() {
	m.Up.Set(1)
}

// MarkShutdown sets app_up to 0. Calling it more than once has no further effect.
func (m *Metrics) MarkShutdown() {
	m.Up.Set(0)
}

// SetBuildInfo publishes the build labels of cfg
func (m *Metrics) SetBuildInfo(cfg *config.Config) {
	m.BuildInfo.WithLabelValues(cfg.Version, cfg.Commit, cfg.Env).Set(1)
}

// ObserveRequest records one served HTTP request
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// RecordError counts one error under reason
func (m *Metrics) RecordError(reason string) {
	m.ErrorsTotal.WithLabelValues(reason).Inc()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
