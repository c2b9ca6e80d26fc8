package agentclient

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

	"github.com/convoload/convoload/pkg/errors"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/types"
)

// agentDouble is an in-memory stand-in for the system under test: one
// session, an append-only event log, and a long-poll that holds until data
// arrives at or beyond the requested offset or the hold elapses.
type agentDouble struct {
	mu     sync.Mutex
	events []types.ConversationEvent
	wake   chan struct{}
}

func newAgentDouble() *agentDouble {
	return &agentDouble{wake: make(chan struct{})}
}

func (d *agentDouble) append(e types.ConversationEvent) {
	d.mu.Lock()
	e.Offset = int64(len(d.events))
	d.events = append(d.events, e)
	close(d.wake)
	d.wake = make(chan struct{})
	d.mu.Unlock()
}

func (d *agentDouble) since(minOffset int64) ([]types.ConversationEvent, <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.ConversationEvent
	for _, e := range d.events {
		if e.Offset >= minOffset {
			out = append(out, e)
		}
	}
	return out, d.wake
}

func (d *agentDouble) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(types.Session{ID: "sess-1", AgentID: "agent-1"})
	})

	postEvents := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		event := types.ConversationEvent{
			ID:        "evt",
			CreatedAt: time.Now(),
			Kind:      types.EventKind(body["kind"]),
			Source:    types.EventSource(body["source"]),
			Message:   body["message"],
		}
		d.append(event)

		d.mu.Lock()
		stored := d.events[len(d.events)-1]
		d.mu.Unlock()
		json.NewEncoder(w).Encode(stored)
	}

	getEvents := func(w http.ResponseWriter, r *http.Request) {
		minOffset, _ := strconv.ParseInt(r.URL.Query().Get("min_offset"), 10, 64)
		waitSecs, _ := strconv.Atoi(r.URL.Query().Get("wait_for_data"))
		deadline := time.After(time.Duration(waitSecs) * time.Second)

		for {
			events, wake := d.since(minOffset)
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

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{
		Level: "error", Format: "json", Output: "stderr",
		ServiceName: "loadgen", Version: "test",
	})
	require.NoError(t, err)

	client, err := NewClient(Config{
		BaseURL:        baseURL,
		AgentID:        "agent-1",
		RequestTimeout: 5 * time.Second,
		PollTimeout:    30 * time.Second,
	}, logger, metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true}))
	require.NoError(t, err)
	return client
}

func TestCreateSession(t *testing.T) {
	server := httptest.NewServer(newAgentDouble().handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	session, err := client.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.ID)
	assert.Equal(t, "agent-1", session.AgentID)
}

func TestSendMessageReturnsStoredEventAndLatency(t *testing.T) {
	server := httptest.NewServer(newAgentDouble().handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.SendMessage(context.Background(), "sess-1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Event.Message)
	assert.Equal(t, types.SourceCustomer, result.Event.Source)
	assert.Greater(t, result.Latency, time.Duration(0))
}

func TestPollEventsReturnsNewEvents(t *testing.T) {
	double := newAgentDouble()
	server := httptest.NewServer(double.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.SendMessage(context.Background(), "sess-1", "question")
	require.NoError(t, err)

	events, err := client.PollEvents(context.Background(), "sess-1", 0, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(0), events[0].Offset)
}

func TestPollBeyondHeadHoldsThenReturnsEmpty(t *testing.T) {
	double := newAgentDouble()
	server := httptest.NewServer(double.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)

	// Seed a few events, then ask for an offset past the head.
	for i := 0; i < 3; i++ {
		_, err := client.SendMessage(context.Background(), "sess-1", "msg")
		require.NoError(t, err)
	}

	hold := 1 * time.Second
	start := time.Now()
	events, err := client.PollEvents(context.Background(), "sess-1", 5, hold)
	elapsed := time.Since(start)

	require.NoError(t, err, "an empty long-poll is a successful outcome")
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, elapsed, hold, "server holds for roughly the requested wait")
	assert.Less(t, elapsed, hold+2*time.Second)
}

func TestPollWakesWhenEventArrivesMidHold(t *testing.T) {
	double := newAgentDouble()
	server := httptest.NewServer(double.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)

	go func() {
		time.Sleep(200 * time.Millisecond)
		double.append(types.ConversationEvent{
			ID:     "reply",
			Kind:   types.EventKindMessage,
			Source: types.SourceAIAgent,
		})
	}()

	start := time.Now()
	events, err := client.PollEvents(context.Background(), "sess-1", 0, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsAgentReply())
	assert.Less(t, time.Since(start), 5*time.Second, "poll returns as soon as data exists, not after the full hold")
}

func TestClientClassifies4xxAsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such agent", http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.CreateSession(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClient))
	assert.False(t, errors.IsRetryable(err))
}

func TestClientClassifies5xxAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.SendMessage(context.Background(), "sess-1", "hi")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient))
	assert.True(t, errors.IsRetryable(err))
}

func TestClientClassifiesMalformedBodyAsProtocolViolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>surprise</html>"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.PollEvents(context.Background(), "sess-1", 0, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocol))
	assert.False(t, errors.IsRetryable(err))
}

func TestClientTransportFailureIsTransient(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	_, err := client.CreateSession(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestDecodeEventsAcceptsBareArray(t *testing.T) {
	events, err := decodeEvents([]byte(`[{"id":"e1","kind":"message","source":"ai_agent","offset":4}]`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(4), events[0].Offset)
}
