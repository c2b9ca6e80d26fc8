package types

import (
	"time"

	"github.com/convoload/convoload/internal/schema"
)

// MessageRole identifies the author of a conversation turn in an
// inference request.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a single turn in the conversation sent to the inference service.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Tool declares a function the model may request an invocation of.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  *schema.Schema `json:"parameters,omitempty"`
}

// InferenceRequest is the completion request body accepted by the mock
// inference service.
type InferenceRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Stream         bool           `json:"stream"`
	ResponseSchema *schema.Schema `json:"response_schema,omitempty"`
	Tools          []Tool         `json:"tools,omitempty"`
}

// FinishReason values reported on the terminal chunk of a completion.
const (
	FinishReasonStop     = "stop"
	FinishReasonToolCall = "tool_call"
)

// StreamDoneMarker is the sentinel payload of the final SSE event. Clients
// treat a stream that closes without it as a protocol violation.
const StreamDoneMarker = "[DONE]"

// ToolTriggerPhrase in the last user message makes the mock answer with a
// tool invocation even when the request declares no tools. The thinker
// workload sends it to exercise the tool-call path end to end.
const ToolTriggerPhrase = "please check the system"

// ChunkDelta carries the incremental content of a streamed chunk.
type ChunkDelta struct {
	Role    MessageRole `json:"role,omitempty"`
	Content string      `json:"content,omitempty"`
}

// ToolCall is a requested function invocation returned in place of content.
type ToolCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Usage reports synthetic token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InferenceChunk is one incremental unit of a streaming completion. The
// terminal chunk carries Done=true plus the finish reason and usage totals.
type InferenceChunk struct {
	Model        string     `json:"model"`
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	ToolCall     *ToolCall  `json:"tool_call,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Done         bool       `json:"done"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// InferenceResponse is the non-streaming completion response body.
type InferenceResponse struct {
	Model        string    `json:"model"`
	Content      string    `json:"content,omitempty"`
	ToolCall     *ToolCall `json:"tool_call,omitempty"`
	FinishReason string    `json:"finish_reason"`
	Usage        Usage     `json:"usage"`
}

// EmbeddingRequest carries one or more text fragments to embed.
type EmbeddingRequest struct {
	Model  string   `json:"model,omitempty"`
	Inputs []string `json:"inputs"`
}

// Embedding is one fixed-length vector. The service guarantees at least one
// non-zero component so downstream normalization never divides by zero.
type Embedding struct {
	Index  int       `json:"index"`
	Values []float64 `json:"values"`
}

// EmbeddingResponse returns one vector per input fragment, in order.
type EmbeddingResponse struct {
	Embeddings []Embedding `json:"embeddings"`
}

// EventKind classifies a conversation event.
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindStatus  EventKind = "status"
	EventKindTool    EventKind = "tool"
)

// EventSource identifies who produced a conversation event.
type EventSource string

const (
	SourceCustomer          EventSource = "customer"
	SourceCustomerUI        EventSource = "customer_ui"
	SourceHumanAgent        EventSource = "human_agent"
	SourceHumanAgentAsAgent EventSource = "human_agent_on_behalf_of_ai_agent"
	SourceAIAgent           EventSource = "ai_agent"
	SourceSystem            EventSource = "system"
)

// ConversationEvent is a single entry in a session's append-only event log.
// Offsets are assigned by the system under test and are strictly increasing
// within a session; the load generator only ever observes them.
type ConversationEvent struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Kind      EventKind              `json:"kind"`
	Source    EventSource            `json:"source"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Offset    int64                  `json:"offset"`
}

// IsAgentReply reports whether the event completes a conversational turn:
// either the automated agent's message or an explicit ready status.
func (e ConversationEvent) IsAgentReply() bool {
	if e.Source == SourceAIAgent && e.Kind == EventKindMessage {
		return true
	}
	if e.Kind == EventKindStatus {
		if status, ok := e.Data["status"].(string); ok && status == "ready" {
			return true
		}
	}
	return false
}

// Session identifies a conversation owned by an agent on the system under
// test. The harness creates sessions but never deletes them.
type Session struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}
