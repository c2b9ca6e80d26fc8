package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the harness. Both binaries use
// the same set; each only touches the families relevant to it.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Mock inference service metrics
	ActiveStreams      prometheus.Gauge
	ChunksEmitted      prometheus.Counter
	CompletionsTotal   *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec
	SynthesisTotal     *prometheus.CounterVec
	EmbeddingsTotal    prometheus.Counter
	InjectedErrors     prometheus.Counter

	// Load generator metrics
	ActiveUsers      prometheus.Gauge
	TurnsTotal       *prometheus.CounterVec
	TurnLatency      *prometheus.HistogramVec
	TransportLatency *prometheus.HistogramVec
	PollsTotal       *prometheus.CounterVec
	RetriesTotal     prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "convoload",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics on a private
// registry, so test code can construct as many instances as it likes.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_streams",
				Help:      "Number of completion streams currently open",
			},
		),
		ChunksEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "chunks_emitted_total",
				Help:      "Total number of streamed chunks emitted",
			},
		),
		CompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "completions_total",
				Help:      "Total number of completion requests served",
			},
			[]string{"mode", "status"},
		),
		CompletionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "completion_duration_seconds",
				Help:      "Completion handling duration in seconds, including injected latency",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"mode"},
		),
		SynthesisTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "schema_synthesis_total",
				Help:      "Total number of schema-guided synthesis attempts",
			},
			[]string{"result"},
		),
		EmbeddingsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "embeddings_total",
				Help:      "Total number of embedding vectors returned",
			},
		),
		InjectedErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "injected_errors_total",
				Help:      "Total number of chaos-injected error responses",
			},
		),

		ActiveUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_virtual_users",
				Help:      "Number of virtual users currently running scenarios",
			},
		),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "turns_total",
				Help:      "Total number of conversational turns completed",
			},
			[]string{"workload", "status"},
		),
		TurnLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "turn_latency_seconds",
				Help:      "Full conversational turn latency: message send to detected reply",
				Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34, 55},
			},
			[]string{"workload"},
		),
		TransportLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "transport_latency_seconds",
				Help:      "Single HTTP call latency per operation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "polls_total",
				Help:      "Total number of event poll requests by outcome",
			},
			[]string{"result"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Total number of transient-error retries",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ActiveStreams,
		m.ChunksEmitted,
		m.CompletionsTotal,
		m.CompletionDuration,
		m.SynthesisTotal,
		m.EmbeddingsTotal,
		m.InjectedErrors,
		m.ActiveUsers,
		m.TurnsTotal,
		m.TurnLatency,
		m.TransportLatency,
		m.PollsTotal,
		m.RetriesTotal,
		m.ErrorsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordCompletion records a served completion request
func (m *Metrics) RecordCompletion(mode, status string, duration time.Duration) {
	if m.CompletionsTotal == nil {
		return
	}

	m.CompletionsTotal.WithLabelValues(mode, status).Inc()
	m.CompletionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordSynthesis records a schema synthesis attempt
func (m *Metrics) RecordSynthesis(result string) {
	if m.SynthesisTotal == nil {
		return
	}

	m.SynthesisTotal.WithLabelValues(result).Inc()
}

// RecordTurn records a completed (or failed) conversational turn
func (m *Metrics) RecordTurn(workload, status string, fullTurn time.Duration) {
	if m.TurnsTotal == nil {
		return
	}

	m.TurnsTotal.WithLabelValues(workload, status).Inc()
	if status == "ok" {
		m.TurnLatency.WithLabelValues(workload).Observe(fullTurn.Seconds())
	}
}

// RecordTransport records a single HTTP call's latency
func (m *Metrics) RecordTransport(operation string, duration time.Duration) {
	if m.TransportLatency == nil {
		return
	}

	m.TransportLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPoll records a poll outcome: "data", "empty" or "error"
func (m *Metrics) RecordPoll(result string) {
	if m.PollsTotal == nil {
		return
	}

	m.PollsTotal.WithLabelValues(result).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
