package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/convoload/convoload/internal/agentclient"
	"github.com/convoload/convoload/internal/report"
	"github.com/convoload/convoload/pkg/errors"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/resilience"
	"github.com/convoload/convoload/pkg/tracing"
	"github.com/convoload/convoload/pkg/types"
)

// State tracks where a virtual user is in its scenario.
type State int

const (
	StateUninitialized State = iota
	StateSessionCreated
	StateAwaitingReply
	StateTurnComplete
	StateSessionEnded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSessionCreated:
		return "session_created"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateTurnComplete:
		return "turn_complete"
	case StateSessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// VirtualUser drives one scripted conversation: create a session, send a
// message, long-poll for the agent's reply, measure the full turn, repeat.
type VirtualUser struct {
	id       string
	client   *agentclient.Client
	workload Workload
	rng      *rand.Rand
	logger   *logging.Logger
	metrics  *metrics.Metrics
	recorder report.Recorder
	retrier  *resilience.Retrier
	tracing  *tracing.TracingService

	pollWait    time.Duration
	turnTimeout time.Duration
	maxTurns    int

	state   State
	session types.Session
	// cursor is the next offset to ask for; it only ever moves forward.
	cursor    int64
	turnsDone int
}

// UserConfig holds per-user construction parameters. A nil Tracing service
// disables turn spans.
type UserConfig struct {
	Index       int
	Seed        int64
	Workload    Workload
	PollWait    time.Duration
	TurnTimeout time.Duration
	RetryBudget int
	MaxTurns    int
	Tracing     *tracing.TracingService
}

// NewVirtualUser creates one virtual user. The rng is seeded from the run
// seed plus the user index so a rerun with the same seed replays the same
// message and timing choices.
func NewVirtualUser(cfg UserConfig, client *agentclient.Client, logger *logging.Logger, m *metrics.Metrics, rec report.Recorder) *VirtualUser {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.RetryBudget + 1

	return &VirtualUser{
		id:          fmt.Sprintf("vu-%d", cfg.Index),
		client:      client,
		workload:    cfg.Workload,
		rng:         rand.New(rand.NewSource(cfg.Seed + int64(cfg.Index))),
		logger:      logger,
		metrics:     m,
		recorder:    rec,
		retrier:     resilience.NewRetrier(retryCfg),
		tracing:     cfg.Tracing,
		pollWait:    cfg.PollWait,
		turnTimeout: cfg.TurnTimeout,
		maxTurns:    cfg.MaxTurns,
		state:       StateUninitialized,
	}
}

// State returns the user's current lifecycle state.
func (u *VirtualUser) State() State {
	return u.state
}

// Cursor returns the next offset the user will poll from.
func (u *VirtualUser) Cursor() int64 {
	return u.cursor
}

// Run executes the scenario until the context is cancelled or the turn
// bound is reached. A failed session creation ends the user; a failed turn
// does not.
func (u *VirtualUser) Run(ctx context.Context) {
	ctx = logging.WithVirtualUser(ctx, u.id)

	if u.metrics.ActiveUsers != nil {
		u.metrics.ActiveUsers.Inc()
		defer u.metrics.ActiveUsers.Dec()
	}
	defer func() { u.state = StateSessionEnded }()

	if err := u.createSession(ctx); err != nil {
		return
	}
	ctx = logging.WithSessionID(ctx, u.session.ID)

	for {
		if u.maxTurns > 0 && u.turnsDone >= u.maxTurns {
			return
		}

		if err := sleepCtx(ctx, u.workload.ThinkTime(u.rng, u.turnsDone)); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		u.runTurn(ctx)
		u.turnsDone++
	}
}

func (u *VirtualUser) createSession(ctx context.Context) error {
	start := time.Now()
	session, err := u.client.CreateSession(ctx)
	if err != nil {
		u.recorder.Record(report.Sample{
			Metric:    report.MetricSessionCreate,
			Workload:  string(u.workload.Class),
			OK:        false,
			Error:     errTitle(err),
			ErrorType: string(errors.GetType(err)),
		})
		u.logger.LogTurnEvent(ctx, "session_create_failed", u.id, "", logrus.Fields{
			"error": err.Error(),
		})
		return err
	}

	u.session = session
	u.state = StateSessionCreated
	u.recorder.Record(report.Sample{
		Metric:   report.MetricSessionCreate,
		Workload: string(u.workload.Class),
		OK:       true,
		Duration: time.Since(start),
	})
	return nil
}

// runTurn sends one message and waits for the agent's reply. The full-turn
// measurement starts before the send, so it always covers at least the send
// transport latency.
func (u *VirtualUser) runTurn(ctx context.Context) {
	turnCtx := ctx
	if u.turnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, u.turnTimeout)
		defer cancel()
	}

	var span oteltrace.Span
	if u.tracing != nil {
		turnCtx, span = u.tracing.StartTurnSpan(turnCtx, u.id, u.session.ID)
		defer span.End()
	}

	message := u.workload.PickMessage(u.rng)
	sendStart := time.Now()

	var sendResult agentclient.SendResult
	err := u.retrier.Execute(turnCtx, func(ctx context.Context) error {
		var err error
		sendResult, err = u.client.SendMessage(ctx, u.session.ID, message)
		if err != nil && errors.IsRetryable(err) && u.metrics.RetriesTotal != nil {
			u.metrics.RetriesTotal.Inc()
		}
		return err
	})
	if err != nil {
		if span != nil {
			u.tracing.RecordError(span, err)
		}
		u.failTurn(turnCtx, sendStart, err, "send_failed")
		return
	}

	u.state = StateAwaitingReply
	// Start reading just past our own message so the turn cannot complete
	// on its echo.
	if next := sendResult.Event.Offset + 1; next > u.cursor {
		u.cursor = next
	}

	u.recorder.Record(report.Sample{
		Metric:   report.MetricSendTransport,
		Workload: string(u.workload.Class),
		OK:       true,
		Duration: sendResult.Latency,
	})

	if err := u.awaitReply(turnCtx); err != nil {
		if span != nil {
			u.tracing.RecordError(span, err)
		}
		u.failTurn(turnCtx, sendStart, err, "reply_not_detected")
		return
	}

	fullTurn := time.Since(sendStart)
	u.state = StateTurnComplete
	u.metrics.RecordTurn(string(u.workload.Class), "ok", fullTurn)
	u.recorder.Record(report.Sample{
		Metric:   report.MetricFullTurn,
		Workload: string(u.workload.Class),
		OK:       true,
		Duration: fullTurn,
	})
	u.logger.LogTurnEvent(turnCtx, "reply_detected", u.id, u.session.ID, logrus.Fields{
		"turn_latency_ms": fullTurn.Milliseconds(),
		"cursor":          u.cursor,
	})
}

// awaitReply polls the event log until an agent reply appears past the
// cursor. Transient poll failures retry within the turn's budget; an empty
// poll simply polls again until the turn deadline.
func (u *VirtualUser) awaitReply(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return errors.NewTimeoutError("await_reply").WithCause(ctx.Err())
		}

		var events []types.ConversationEvent
		err := u.retrier.Execute(ctx, func(ctx context.Context) error {
			var err error
			events, err = u.client.PollEvents(ctx, u.session.ID, u.cursor, u.pollWait)
			if err != nil && errors.IsRetryable(err) && u.metrics.RetriesTotal != nil {
				u.metrics.RetriesTotal.Inc()
			}
			return err
		})
		if err != nil {
			return err
		}

		replySeen := false
		for _, event := range events {
			if event.Offset < u.cursor {
				// Re-delivery below the cursor is a contract violation;
				// never process it twice.
				u.logger.LogProtocolViolation(ctx, "event re-delivered below cursor", logrus.Fields{
					"event_offset": event.Offset,
					"cursor":       u.cursor,
				})
				continue
			}
			if next := event.Offset + 1; next > u.cursor {
				u.cursor = next
			}
			if event.IsAgentReply() {
				replySeen = true
			}
		}

		if replySeen {
			return nil
		}
	}
}

func (u *VirtualUser) failTurn(ctx context.Context, sendStart time.Time, err error, event string) {
	u.metrics.RecordTurn(string(u.workload.Class), "fail", time.Since(sendStart))
	u.recorder.Record(report.Sample{
		Metric:    report.MetricFullTurn,
		Workload:  string(u.workload.Class),
		OK:        false,
		Duration:  time.Since(sendStart),
		Error:     errTitle(err),
		ErrorType: string(errors.GetType(err)),
	})
	u.logger.LogTurnEvent(ctx, event, u.id, u.session.ID, logrus.Fields{
		"error":      err.Error(),
		"error_type": string(errors.GetType(err)),
	})
}

// errTitle collapses an error to its classification code so report
// aggregation groups alike failures together.
func errTitle(err error) string {
	if code := errors.GetCode(err); code != "UNKNOWN_ERROR" {
		return code
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
