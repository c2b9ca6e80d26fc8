package mockllm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/convoload/convoload/pkg/config"
)

// Distribution draws a simulated first-token delay. A constant delay is
// deliberately not offered: identical delays synchronize concurrent virtual
// users and hide the queueing behavior the harness exists to measure.
type Distribution interface {
	Sample() time.Duration
	Name() string
}

// Uniform draws uniformly from [Min, Max).
type Uniform struct {
	Min time.Duration
	Max time.Duration
}

func (u Uniform) Sample() time.Duration {
	if u.Max <= u.Min {
		return u.Min
	}
	return u.Min + time.Duration(rand.Int63n(int64(u.Max-u.Min)))
}

func (u Uniform) Name() string { return "uniform" }

// LogNormal draws from a log-normal distribution parameterized by the
// desired mean delay and its spread. Samples are clamped to [Min(0), 10x mean]
// so a tail draw cannot wedge a stream open indefinitely.
type LogNormal struct {
	Mean   time.Duration
	StdDev time.Duration
}

func (l LogNormal) Sample() time.Duration {
	mean := l.Mean.Seconds()
	if mean <= 0 {
		return 0
	}
	sigma := l.StdDev.Seconds() / mean
	sample := math.Exp(rand.NormFloat64()*sigma + math.Log(mean))

	d := time.Duration(sample * float64(time.Second))
	if max := 10 * l.Mean; d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (l LogNormal) Name() string { return "lognormal" }

// NewDistribution builds the configured latency distribution.
func NewDistribution(cfg config.MockConfig) (Distribution, error) {
	switch cfg.LatencyDistribution {
	case "uniform":
		return Uniform{Min: cfg.MinLatency, Max: cfg.MaxLatency}, nil
	case "lognormal":
		return LogNormal{Mean: cfg.LatencyMean, StdDev: cfg.LatencyStdDev}, nil
	default:
		return nil, fmt.Errorf("unsupported latency distribution %q", cfg.LatencyDistribution)
	}
}

// sleep waits for d or until the request is abandoned, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
