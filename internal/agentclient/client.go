package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/convoload/convoload/pkg/errors"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
	"github.com/convoload/convoload/pkg/types"
)

// Client talks to the conversational backend under test. Every call carries
// an explicit timeout; the poll client's timeout must outlast the long-poll
// hold so the server, not the client, decides when an empty poll ends.
type Client struct {
	baseURL    string
	agentID    string
	httpClient *http.Client
	pollClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// Config holds client construction parameters. A non-nil Tracing service
// instruments both underlying HTTP clients with client spans.
type Config struct {
	BaseURL        string
	AgentID        string
	RequestTimeout time.Duration
	PollTimeout    time.Duration
	Tracing        *tracing.TracingService
}

// NewClient creates a client for the system under test.
func NewClient(cfg Config, logger *logging.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollTimeout <= cfg.RequestTimeout {
		cfg.PollTimeout = cfg.RequestTimeout * 4
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	pollClient := &http.Client{Timeout: cfg.PollTimeout}
	if cfg.Tracing != nil {
		httpClient = cfg.Tracing.InstrumentHTTPClient(httpClient)
		pollClient = cfg.Tracing.InstrumentHTTPClient(pollClient)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		agentID:    cfg.AgentID,
		httpClient: httpClient,
		pollClient: pollClient,
		logger:     logger,
		metrics:    m,
	}, nil
}

// SendResult reports the transport outcome of posting a customer message.
type SendResult struct {
	Event   types.ConversationEvent
	Latency time.Duration
}

// CreateSession opens a new conversation for the configured agent.
func (c *Client) CreateSession(ctx context.Context) (types.Session, error) {
	start := time.Now()

	body, err := c.postJSON(ctx, c.httpClient, "/sessions", map[string]string{
		"agent_id": c.agentID,
	}, "create_session")
	if err != nil {
		return types.Session{}, err
	}
	c.metrics.RecordTransport("create_session", time.Since(start))

	var session types.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return types.Session{}, c.protocolViolation(ctx, "create_session", "unparseable session body", err)
	}
	if session.ID == "" {
		return types.Session{}, c.protocolViolation(ctx, "create_session", "session created without an id", nil)
	}

	return session, nil
}

// SendMessage posts one customer message into the session's event log.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (SendResult, error) {
	start := time.Now()

	body, err := c.postJSON(ctx, c.httpClient, "/sessions/"+url.PathEscape(sessionID)+"/events", map[string]string{
		"kind":    string(types.EventKindMessage),
		"source":  string(types.SourceCustomer),
		"message": text,
	}, "send_message")
	latency := time.Since(start)
	if err != nil {
		return SendResult{Latency: latency}, err
	}
	c.metrics.RecordTransport("send_message", latency)

	var event types.ConversationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return SendResult{Latency: latency}, c.protocolViolation(ctx, "send_message", "unparseable event body", err)
	}

	return SendResult{Event: event, Latency: latency}, nil
}

// PollEvents long-polls the session's event log for entries at or beyond
// minOffset, holding up to wait server-side. An empty slice is a successful
// outcome: it means the hold elapsed with nothing new.
func (c *Client) PollEvents(ctx context.Context, sessionID string, minOffset int64, wait time.Duration) ([]types.ConversationEvent, error) {
	start := time.Now()

	endpoint := fmt.Sprintf("%s/sessions/%s/events?min_offset=%d&wait_for_data=%d",
		c.baseURL, url.PathEscape(sessionID), minOffset, int(wait.Seconds()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to build poll request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.pollClient.Do(req)
	if err != nil {
		c.metrics.RecordPoll("error")
		return nil, c.transportError(ctx, "poll_events", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	c.metrics.RecordTransport("poll_events", latency)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordPoll("error")
		return nil, c.transportError(ctx, "poll_events", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordPoll("error")
		return nil, c.statusError(ctx, "poll_events", resp.StatusCode, body)
	}

	events, err := decodeEvents(body)
	if err != nil {
		c.metrics.RecordPoll("error")
		return nil, c.protocolViolation(ctx, "poll_events", "unparseable events body", err)
	}

	if len(events) == 0 {
		c.metrics.RecordPoll("empty")
	} else {
		c.metrics.RecordPoll("data")
	}
	return events, nil
}

// decodeEvents accepts both the wrapped {"events": [...]} form and a bare
// array.
func decodeEvents(body []byte) ([]types.ConversationEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []types.ConversationEvent
		err := json.Unmarshal(trimmed, &events)
		return events, err
	}

	var wrapper struct {
		Events []types.ConversationEvent `json:"events"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Events, nil
}

// postJSON issues a POST and returns the response body on 2xx, or a
// classified error otherwise.
func (c *Client) postJSON(ctx context.Context, client *http.Client, path string, payload interface{}, operation string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.NewInternalError("failed to build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(ctx, operation, resp.StatusCode, body)
	}

	return body, nil
}

func (c *Client) transportError(ctx context.Context, operation string, cause error) error {
	if ctx.Err() != nil {
		return errors.NewTimeoutError(operation).WithCause(ctx.Err())
	}

	err := errors.NewTransientError(fmt.Sprintf("%s transport failure", operation)).WithCause(cause)
	c.metrics.RecordError("agentclient", string(errors.ErrorTypeTransient))
	return err
}

func (c *Client) statusError(ctx context.Context, operation string, status int, body []byte) error {
	err := errors.FromStatusCode(status, operation)
	c.metrics.RecordError("agentclient", string(err.Type))

	c.logger.WithContext(ctx).WithField("operation", operation).
		WithField("status", status).
		WithField("body", truncate(string(body), 256)).
		Warn("Request rejected by system under test")
	return err
}

func (c *Client) protocolViolation(ctx context.Context, operation, message string, cause error) error {
	err := errors.NewProtocolViolation(fmt.Sprintf("%s: %s", operation, message))
	if cause != nil {
		err = err.WithCause(cause)
	}
	c.metrics.RecordError("agentclient", string(errors.ErrorTypeProtocol))
	c.logger.LogProtocolViolation(ctx, err.Message, nil)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
