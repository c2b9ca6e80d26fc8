package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/convoload/convoload/internal/agentclient"
	"github.com/convoload/convoload/internal/report"
	"github.com/convoload/convoload/pkg/config"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
)

// Stage is one step of a staged ramp.
type Stage struct {
	Name     string
	Duration time.Duration
	Users    int
}

// ParseRamp parses "warmup:30s:5,load:2m:50,cooldown:30s:5" into stages.
func ParseRamp(spec string) ([]Stage, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}

	var stages []Stage
	for _, part := range strings.Split(spec, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("ramp stage %q must be name:duration:users", part)
		}

		duration, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, fmt.Errorf("ramp stage %q has invalid duration: %w", part, err)
		}
		users, err := strconv.Atoi(fields[2])
		if err != nil || users < 0 {
			return nil, fmt.Errorf("ramp stage %q has invalid user count", part)
		}

		stages = append(stages, Stage{Name: fields[0], Duration: duration, Users: users})
	}
	return stages, nil
}

// Runner owns a run: it spawns virtual users, holds the target concurrency
// (flat or staged), and tears everything down on context cancellation.
type Runner struct {
	cfg      config.LoadGenConfig
	client   *agentclient.Client
	logger   *logging.Logger
	metrics  *metrics.Metrics
	recorder report.Recorder
	tracing  *tracing.TracingService
	mix      *Mix
	stages   []Stage

	mu        sync.Mutex
	pool      []userHandle
	nextIndex int
	wg        sync.WaitGroup
}

type userHandle struct {
	cancel context.CancelFunc
}

// NewRunner validates the scenario configuration and builds a runner. A nil
// tracing service disables turn spans.
func NewRunner(cfg config.LoadGenConfig, client *agentclient.Client, logger *logging.Logger, m *metrics.Metrics, rec report.Recorder, ts *tracing.TracingService) (*Runner, error) {
	mix, err := ParseMix(cfg.WorkloadMix)
	if err != nil {
		return nil, err
	}
	stages, err := ParseRamp(cfg.Ramp)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		metrics:  m,
		recorder: rec,
		tracing:  ts,
		mix:      mix,
		stages:   stages,
	}, nil
}

// Run drives the whole load scenario and returns when every virtual user
// has stopped.
func (r *Runner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(r.stages) > 0 {
		r.runStaged(runCtx)
	} else {
		r.runFlat(runCtx)
	}

	cancel()
	r.wg.Wait()
	r.logger.WithComponent("runner").WithField("users_spawned", r.nextIndex).Info("Run complete")
	return ctx.Err()
}

// runFlat holds a fixed concurrency for the run duration, or until every
// user has exhausted its turn bound.
func (r *Runner) runFlat(ctx context.Context) {
	r.scaleTo(ctx, r.cfg.Users)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if r.cfg.RunDuration > 0 {
		timer := time.NewTimer(r.cfg.RunDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
		r.logger.WithComponent("runner").Info("Run duration elapsed")
	case <-done:
		r.logger.WithComponent("runner").Info("All users exhausted their turn bounds")
	}
}

// runStaged walks the ramp stages, adjusting concurrency at each boundary.
func (r *Runner) runStaged(ctx context.Context) {
	for _, stage := range r.stages {
		if ctx.Err() != nil {
			return
		}

		r.logger.WithComponent("runner").WithFields(logrus.Fields{
			"stage":    stage.Name,
			"users":    stage.Users,
			"duration": stage.Duration.String(),
		}).Info("Entering ramp stage")

		r.scaleTo(ctx, stage.Users)
		if err := sleepCtx(ctx, stage.Duration); err != nil {
			return
		}
	}
}

// scaleTo adjusts the live user pool to n, spawning or cancelling from the
// tail. Cancelled users finish their current operation and exit.
func (r *Runner) scaleTo(ctx context.Context, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pool) > n {
		last := len(r.pool) - 1
		r.pool[last].cancel()
		r.pool = r.pool[:last]
	}

	for len(r.pool) < n {
		userCtx, cancel := context.WithCancel(ctx)
		r.pool = append(r.pool, userHandle{cancel: cancel})
		r.spawn(userCtx, r.nextIndex)
		r.nextIndex++
	}
}

func (r *Runner) spawn(ctx context.Context, index int) {
	class := r.mix.Pick(seededRng(r.cfg.Seed, index))
	workload, _ := Preset(class)

	user := NewVirtualUser(UserConfig{
		Index:       index,
		Seed:        r.cfg.Seed,
		Workload:    workload,
		PollWait:    r.cfg.PollWait,
		TurnTimeout: r.cfg.PollTimeout,
		RetryBudget: r.cfg.RetryBudget,
		MaxTurns:    r.cfg.TurnsPerUser,
		Tracing:     r.tracing,
	}, r.client, r.logger, r.metrics, r.recorder)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		user.Run(ctx)
	}()
}

// seededRng derives a per-user rng from the run seed so class assignment is
// reproducible across reruns. The offset keeps it decorrelated from the
// user's own behavioral rng, which uses seed+index directly.
func seededRng(seed int64, index int) *rand.Rand {
	return rand.New(rand.NewSource(seed + int64(index)*7919))
}
