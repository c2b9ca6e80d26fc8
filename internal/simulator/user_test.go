package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/convoload/convoload/internal/agentclient"
	"github.com/convoload/convoload/internal/report"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
	"github.com/convoload/convoload/pkg/types"
)

// sampleSink collects recorded samples for assertions.
type sampleSink struct {
	mu      sync.Mutex
	samples []report.Sample
}

func (s *sampleSink) Record(sample report.Sample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
}

func (s *sampleSink) byMetric(metric string) []report.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []report.Sample
	for _, sample := range s.samples {
		if sample.Metric == metric {
			out = append(out, sample)
		}
	}
	return out
}

// replyingAgent is a scripted system under test: every customer message is
// answered by an ai_agent event after replyDelay.
type replyingAgent struct {
	mu         sync.Mutex
	events     []types.ConversationEvent
	wake       chan struct{}
	replyDelay time.Duration
	// sendStatus, when non-zero, makes event posts fail with that code.
	sendStatus int
}

func newReplyingAgent(replyDelay time.Duration) *replyingAgent {
	return &replyingAgent{wake: make(chan struct{}), replyDelay: replyDelay}
}

func (a *replyingAgent) append(e types.ConversationEvent) types.ConversationEvent {
	a.mu.Lock()
	e.Offset = int64(len(a.events))
	e.CreatedAt = time.Now()
	a.events = append(a.events, e)
	close(a.wake)
	a.wake = make(chan struct{})
	a.mu.Unlock()
	return e
}

func (a *replyingAgent) since(minOffset int64) ([]types.ConversationEvent, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.ConversationEvent
	for _, e := range a.events {
		if e.Offset >= minOffset {
			out = append(out, e)
		}
	}
	return out, a.wake
}

func (a *replyingAgent) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(types.Session{ID: "sess-1", AgentID: "agent-1"})
	})

	postEvents := func(w http.ResponseWriter, r *http.Request) {
		if a.sendStatus != 0 {
			http.Error(w, "induced failure", a.sendStatus)
			return
		}

		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		stored := a.append(types.ConversationEvent{
			ID:      "evt-customer",
			Kind:    types.EventKind(body["kind"]),
			Source:  types.EventSource(body["source"]),
			Message: body["message"],
		})

		go func() {
			time.Sleep(a.replyDelay)
			a.append(types.ConversationEvent{
				ID:      "evt-reply",
				Kind:    types.EventKindMessage,
				Source:  types.SourceAIAgent,
				Message: "synthetic agent reply",
			})
		}()

		json.NewEncoder(w).Encode(stored)
	}

	getEvents := func(w http.ResponseWriter, r *http.Request) {
		minOffset, _ := strconv.ParseInt(r.URL.Query().Get("min_offset"), 10, 64)
		waitSecs, _ := strconv.Atoi(r.URL.Query().Get("wait_for_data"))
		deadline := time.After(time.Duration(waitSecs) * time.Second)

		for {
			events, wake := a.since(minOffset)
			if len(events) > 0 {
				json.NewEncoder(w).Encode(map[string]interface{}{"events": events})
				return
			}
			select {
			case <-wake:
			case <-deadline:
				json.NewEncoder(w).Encode(map[string]interface{}{"events": []types.ConversationEvent{}})
				return
			case <-r.Context().Done():
				return
			}
		}
	}

	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events") {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			postEvents(w, r)
		case http.MethodGet:
			getEvents(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

func fastWorkload() Workload {
	return Workload{
		Class:    ClassChatter,
		Messages: []string{"hello"},
		ThinkMin: time.Millisecond,
		ThinkMax: 2 * time.Millisecond,
	}
}

func testHarness(t *testing.T, serverURL string) (*agentclient.Client, *logging.Logger, *metrics.Metrics, *sampleSink) {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{
		Level: "error", Format: "json", Output: "stderr",
		ServiceName: "loadgen", Version: "test",
	})
	require.NoError(t, err)

	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true})

	client, err := agentclient.NewClient(agentclient.Config{
		BaseURL:        serverURL,
		AgentID:        "agent-1",
		RequestTimeout: 5 * time.Second,
		PollTimeout:    30 * time.Second,
	}, logger, m)
	require.NoError(t, err)

	return client, logger, m, &sampleSink{}
}

func TestVirtualUserCompletesTurns(t *testing.T) {
	agent := newReplyingAgent(30 * time.Millisecond)
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	client, logger, m, sink := testHarness(t, server.URL)

	user := NewVirtualUser(UserConfig{
		Index:       1,
		Seed:        42,
		Workload:    fastWorkload(),
		PollWait:    2 * time.Second,
		TurnTimeout: 10 * time.Second,
		RetryBudget: 2,
		MaxTurns:    2,
	}, client, logger, m, sink)

	user.Run(context.Background())

	assert.Equal(t, StateSessionEnded, user.State())

	turns := sink.byMetric(report.MetricFullTurn)
	require.Len(t, turns, 2)
	for _, turn := range turns {
		assert.True(t, turn.OK)
	}

	// Two customer messages and two replies, so the cursor sits past them all.
	assert.Equal(t, int64(4), user.Cursor())
}

func TestVirtualUserEmitsTurnSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	ts, err := tracing.NewTracingService(&tracing.Config{ServiceName: "loadgen", Enabled: false})
	require.NoError(t, err)

	agent := newReplyingAgent(10 * time.Millisecond)
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	client, logger, m, sink := testHarness(t, server.URL)

	user := NewVirtualUser(UserConfig{
		Index:       1,
		Seed:        42,
		Workload:    fastWorkload(),
		PollWait:    2 * time.Second,
		TurnTimeout: 10 * time.Second,
		RetryBudget: 2,
		MaxTurns:    2,
		Tracing:     ts,
	}, client, logger, m, sink)

	user.Run(context.Background())

	turnSpans := 0
	for _, span := range sr.Ended() {
		if span.Name() == "turn" {
			turnSpans++
		}
	}
	assert.Equal(t, 2, turnSpans, "one span per completed turn")
}

func TestFullTurnCoversSendTransport(t *testing.T) {
	agent := newReplyingAgent(50 * time.Millisecond)
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	client, logger, m, sink := testHarness(t, server.URL)

	user := NewVirtualUser(UserConfig{
		Index:       1,
		Seed:        42,
		Workload:    fastWorkload(),
		PollWait:    2 * time.Second,
		TurnTimeout: 10 * time.Second,
		MaxTurns:    1,
	}, client, logger, m, sink)

	user.Run(context.Background())

	turns := sink.byMetric(report.MetricFullTurn)
	sends := sink.byMetric(report.MetricSendTransport)
	require.Len(t, turns, 1)
	require.Len(t, sends, 1)

	assert.GreaterOrEqual(t, turns[0].Duration, sends[0].Duration,
		"full-turn latency can never undercut its own send transport")
	assert.GreaterOrEqual(t, turns[0].Duration, 50*time.Millisecond,
		"full turn includes the agent's reply delay")
}

func TestCursorNeverRegressesOnRedelivery(t *testing.T) {
	// This double ignores min_offset and re-delivers the whole log on every
	// poll, which is exactly the contract violation the cursor must absorb.
	var mu sync.Mutex
	var events []types.ConversationEvent

	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(types.Session{ID: "sess-1", AgentID: "agent-1"})
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events") {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			mu.Lock()
			customer := types.ConversationEvent{ID: "c", Kind: types.EventKindMessage, Source: types.SourceCustomer, Offset: int64(len(events))}
			events = append(events, customer)
			reply := types.ConversationEvent{ID: "r", Kind: types.EventKindMessage, Source: types.SourceAIAgent, Offset: int64(len(events))}
			events = append(events, reply)
			mu.Unlock()
			json.NewEncoder(w).Encode(customer)
		case http.MethodGet:
			mu.Lock()
			defer mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{"events": events})
		default:
			http.NotFound(w, r)
		}
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client, logger, m, sink := testHarness(t, server.URL)

	user := NewVirtualUser(UserConfig{
		Index:       1,
		Seed:        42,
		Workload:    fastWorkload(),
		PollWait:    time.Second,
		TurnTimeout: 5 * time.Second,
		MaxTurns:    2,
	}, client, logger, m, sink)

	user.Run(context.Background())

	turns := sink.byMetric(report.MetricFullTurn)
	require.Len(t, turns, 2)
	assert.Equal(t, int64(4), user.Cursor(), "cursor advances past everything seen, once")
}

func TestTurnFailureDoesNotEndUser(t *testing.T) {
	agent := newReplyingAgent(10 * time.Millisecond)
	agent.sendStatus = http.StatusServiceUnavailable
	server := httptest.NewServer(agent.handler())
	defer server.Close()

	client, logger, m, sink := testHarness(t, server.URL)

	user := NewVirtualUser(UserConfig{
		Index:       1,
		Seed:        42,
		Workload:    fastWorkload(),
		PollWait:    time.Second,
		TurnTimeout: 2 * time.Second,
		RetryBudget: 1,
		MaxTurns:    2,
	}, client, logger, m, sink)

	user.Run(context.Background())

	turns := sink.byMetric(report.MetricFullTurn)
	require.Len(t, turns, 2, "each failed turn is recorded, and the user carries on")
	for _, turn := range turns {
		assert.False(t, turn.OK)
		assert.NotEmpty(t, turn.ErrorType)
	}
	assert.Equal(t, StateSessionEnded, user.State())
}

func TestSessionCreateFailureEndsUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, logger, m, sink := testHarness(t, server.URL)

	user := NewVirtualUser(UserConfig{
		Index:    1,
		Seed:     42,
		Workload: fastWorkload(),
		PollWait: time.Second,
		MaxTurns: 5,
	}, client, logger, m, sink)

	user.Run(context.Background())

	creates := sink.byMetric(report.MetricSessionCreate)
	require.Len(t, creates, 1)
	assert.False(t, creates[0].OK)
	assert.Empty(t, sink.byMetric(report.MetricFullTurn), "no turns run without a session")
	assert.Equal(t, StateSessionEnded, user.State())
}
