package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/convoload/convoload/pkg/logging"
)

// Metric names recorded by the simulator.
const (
	MetricFullTurn      = "full_turn"
	MetricSendTransport = "send_transport"
	MetricSessionCreate = "session_create"
)

// Sample is one measurement emitted by a virtual user.
type Sample struct {
	Metric     string        `json:"metric"`
	Workload   string        `json:"workload"`
	OK         bool          `json:"ok"`
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorType  string        `json:"error_type,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Recorder receives samples from virtual users.
type Recorder interface {
	Record(Sample)
}

// Thresholds define the pass/fail gate evaluated over the finished run.
type Thresholds struct {
	MaxErrorRate  float64       `json:"max_error_rate"`
	MaxP95        time.Duration `json:"max_p95"`
	MinThroughput float64       `json:"min_throughput_per_sec"`
}

// DefaultThresholds mirror the gate the original deployment checks applied
// to full-turn latency.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:  0.05,
		MaxP95:        30 * time.Second,
		MinThroughput: 0,
	}
}

// MetricSummary is the aggregate for one metric name.
type MetricSummary struct {
	Count       int64            `json:"count"`
	Failures    int64            `json:"failures"`
	MeanMs      float64          `json:"mean_ms"`
	MaxMs       float64          `json:"max_ms"`
	P50Ms       float64          `json:"p50_ms"`
	P95Ms       float64          `json:"p95_ms"`
	P99Ms       float64          `json:"p99_ms"`
	StatusCodes map[int]int64    `json:"status_codes,omitempty"`
	Errors      map[string]int64 `json:"errors,omitempty"`
	ByWorkload  map[string]int64 `json:"by_workload,omitempty"`
}

// RunReport is the JSON document written at the end of a run.
type RunReport struct {
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Duration   string                    `json:"duration"`
	Users      int                       `json:"users"`
	Seed       int64                     `json:"seed"`
	Metrics    map[string]*MetricSummary `json:"metrics"`
	Thresholds Thresholds                `json:"thresholds"`
	Passed     bool                      `json:"passed"`
	Violations []string                  `json:"violations,omitempty"`
}

// Collector aggregates samples during a run and renders the final report.
type Collector struct {
	mu      sync.Mutex
	samples map[string][]Sample
	started time.Time
	logger  *logging.Logger
}

// NewCollector creates an empty collector.
func NewCollector(logger *logging.Logger) *Collector {
	return &Collector{
		samples: make(map[string][]Sample),
		started: time.Now(),
		logger:  logger,
	}
}

// Record stores one sample. Safe for concurrent use.
func (c *Collector) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.samples[s.Metric] = append(c.samples[s.Metric], s)
	c.mu.Unlock()
}

// Finalize aggregates everything recorded so far and evaluates thresholds
// against the full-turn metric.
func (c *Collector) Finalize(users int, seed int64, thresholds Thresholds) *RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	rep := &RunReport{
		StartedAt:  c.started,
		FinishedAt: now,
		Duration:   now.Sub(c.started).String(),
		Users:      users,
		Seed:       seed,
		Metrics:    make(map[string]*MetricSummary, len(c.samples)),
		Thresholds: thresholds,
		Passed:     true,
	}

	for metric, samples := range c.samples {
		rep.Metrics[metric] = summarize(samples)
	}

	if turns, ok := rep.Metrics[MetricFullTurn]; ok {
		elapsed := now.Sub(c.started).Seconds()

		if turns.Count > 0 {
			errorRate := float64(turns.Failures) / float64(turns.Count)
			if errorRate > thresholds.MaxErrorRate {
				rep.fail(fmt.Sprintf("error rate %.3f exceeds %.3f", errorRate, thresholds.MaxErrorRate))
			}
		}
		if thresholds.MaxP95 > 0 && turns.P95Ms > float64(thresholds.MaxP95.Milliseconds()) {
			rep.fail(fmt.Sprintf("full-turn p95 %.0fms exceeds %v", turns.P95Ms, thresholds.MaxP95))
		}
		if thresholds.MinThroughput > 0 && elapsed > 0 {
			throughput := float64(turns.Count-turns.Failures) / elapsed
			if throughput < thresholds.MinThroughput {
				rep.fail(fmt.Sprintf("throughput %.2f/s below %.2f/s", throughput, thresholds.MinThroughput))
			}
		}
	} else {
		rep.fail("no full-turn measurements recorded")
	}

	return rep
}

func (r *RunReport) fail(reason string) {
	r.Passed = false
	r.Violations = append(r.Violations, reason)
}

func summarize(samples []Sample) *MetricSummary {
	summary := &MetricSummary{
		StatusCodes: make(map[int]int64),
		Errors:      make(map[string]int64),
		ByWorkload:  make(map[string]int64),
	}

	var durations []float64
	var sum float64

	for _, s := range samples {
		summary.Count++
		if s.Workload != "" {
			summary.ByWorkload[s.Workload]++
		}
		if s.StatusCode != 0 {
			summary.StatusCodes[s.StatusCode]++
		}
		if !s.OK {
			summary.Failures++
			if s.Error != "" {
				summary.Errors[s.Error]++
			}
			continue
		}

		ms := float64(s.Duration.Microseconds()) / 1000.0
		durations = append(durations, ms)
		sum += ms
		if ms > summary.MaxMs {
			summary.MaxMs = ms
		}
	}

	if len(durations) > 0 {
		sort.Float64s(durations)
		summary.MeanMs = sum / float64(len(durations))
		summary.P50Ms = percentile(durations, 0.50)
		summary.P95Ms = percentile(durations, 0.95)
		summary.P99Ms = percentile(durations, 0.99)
	}

	return summary
}

// percentile computes the nearest-rank percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// WriteFile renders the report as indented JSON to path.
func (r *RunReport) WriteFile(path string) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Log writes a one-look summary of the run to the logger.
func (r *RunReport) Log(logger *logging.Logger) {
	fields := logrus.Fields{
		"passed":   r.Passed,
		"duration": r.Duration,
		"users":    r.Users,
	}
	if turns, ok := r.Metrics[MetricFullTurn]; ok {
		fields["turns"] = turns.Count
		fields["turn_failures"] = turns.Failures
		fields["turn_p50_ms"] = turns.P50Ms
		fields["turn_p95_ms"] = turns.P95Ms
		fields["turn_p99_ms"] = turns.P99Ms
	}

	entry := logger.WithComponent("report").WithFields(fields)
	if r.Passed {
		entry.Info("Run finished")
	} else {
		entry.WithField("violations", r.Violations).Error("Run finished with threshold violations")
	}
}
