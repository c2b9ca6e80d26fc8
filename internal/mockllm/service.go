package mockllm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/convoload/convoload/internal/schema"
	"github.com/convoload/convoload/pkg/config"
	"github.com/convoload/convoload/pkg/errors"
	"github.com/convoload/convoload/pkg/health"
	"github.com/convoload/convoload/pkg/logging"
	"github.com/convoload/convoload/pkg/metrics"
	"github.com/convoload/convoload/pkg/tracing"
	"github.com/convoload/convoload/pkg/types"
)

// Service implements the mock inference endpoints. All per-request state
// lives on the stack; the chaos panel is the only shared mutable state.
type Service struct {
	cfg     config.MockConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracing *tracing.TracingService
	base    Distribution
	synth   *schema.Synthesizer
	chaos   *chaosState
}

// NewService creates the mock inference service. A nil tracing service
// disables completion spans.
func NewService(cfg config.MockConfig, logger *logging.Logger, m *metrics.Metrics, ts *tracing.TracingService) (*Service, error) {
	dist, err := NewDistribution(cfg)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracing: ts,
		base:    dist,
		synth:   schema.NewSynthesizer(schema.DefaultOverrides()),
		chaos:   newChaosState(cfg.ErrorRate),
	}, nil
}

func (s *Service) abortWithError(c *gin.Context, err error) {
	s.metrics.RecordError("mockllm", string(errors.GetType(err)))
	c.JSON(errors.HTTPStatus(err), gin.H{"error": err})
}

// maybeInjectError answers true when chaos decided this request dies with a
// 503. Injection happens before any latency or content work.
func (s *Service) maybeInjectError(c *gin.Context) bool {
	rate := s.chaos.currentErrorRate()
	if rate <= 0 || rand.Float64() >= rate {
		return false
	}

	if s.metrics.InjectedErrors != nil {
		s.metrics.InjectedErrors.Inc()
	}
	s.abortWithError(c, errors.NewTransientError("injected failure"))
	return true
}

func (s *Service) bindRequest(c *gin.Context) (*types.InferenceRequest, error) {
	var req types.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, errors.NewClientError("malformed request body").WithCause(err)
	}
	if len(req.Messages) == 0 {
		return nil, errors.NewValidationError("messages must not be empty")
	}
	if req.Model == "" {
		req.Model = c.Param("model")
	}
	return &req, nil
}

// HandleGenerate serves the non-streaming completion endpoint. A body with
// stream=true is answered as a stream anyway.
func (s *Service) HandleGenerate(c *gin.Context) {
	if s.maybeInjectError(c) {
		return
	}

	req, err := s.bindRequest(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	start := time.Now()
	ctx := c.Request.Context()

	var span oteltrace.Span
	if s.tracing != nil {
		ctx, span = s.tracing.StartCompletionSpan(ctx, req.Model, "generate")
		defer span.End()
	}

	if err := sleep(ctx, s.chaos.distribution(s.base).Sample()); err != nil {
		s.logger.LogStreamEvent(ctx, "client_disconnected", req.Model, nil)
		s.metrics.RecordCompletion("generate", "disconnected", time.Since(start))
		return
	}

	resp, err := s.buildResponse(req)
	if err != nil {
		if span != nil {
			s.tracing.RecordError(span, err)
		}
		s.metrics.RecordCompletion("generate", "error", time.Since(start))
		s.abortWithError(c, err)
		return
	}

	s.metrics.RecordCompletion("generate", "ok", time.Since(start))
	s.logCompletion(c, req, "generate", logrus.Fields{"duration_ms": time.Since(start).Milliseconds()})
	c.JSON(http.StatusOK, resp)
}

// HandleStreamGenerate serves the SSE streaming completion endpoint.
func (s *Service) HandleStreamGenerate(c *gin.Context) {
	if s.maybeInjectError(c) {
		return
	}

	req, err := s.bindRequest(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	s.streamCompletion(c, req)
}

// buildResponse assembles the full non-streaming completion body: a tool
// invocation when one is called for, a schema-conformant document when a
// response schema is present, plain prose otherwise.
func (s *Service) buildResponse(req *types.InferenceRequest) (*types.InferenceResponse, error) {
	resp := &types.InferenceResponse{
		Model:        req.Model,
		FinishReason: types.FinishReasonStop,
		Usage:        s.usageFor(req),
	}

	if tc := s.toolCallFor(req); tc != nil {
		resp.ToolCall = tc
		resp.FinishReason = types.FinishReasonToolCall
		return resp, nil
	}

	content, err := s.contentFor(req)
	if err != nil {
		return nil, err
	}
	resp.Content = content
	return resp, nil
}

// toolCallFor decides whether this request gets a tool invocation instead of
// content, and synthesizes its arguments.
func (s *Service) toolCallFor(req *types.InferenceRequest) *types.ToolCall {
	last := strings.ToLower(req.Messages[len(req.Messages)-1].Content)
	triggered := strings.Contains(last, types.ToolTriggerPhrase)

	if len(req.Tools) == 0 && !triggered {
		return nil
	}

	tc := &types.ToolCall{
		Name: "lookup_status",
		Args: map[string]interface{}{"query": req.Messages[len(req.Messages)-1].Content},
	}

	if len(req.Tools) > 0 {
		tool := req.Tools[0]
		tc.Name = tool.Name
		if tool.Parameters != nil {
			if args, err := s.synth.Synthesize(tool.Parameters); err == nil {
				if m, ok := args.(map[string]interface{}); ok {
					tc.Args = m
				}
			}
		}
	}

	return tc
}

// contentFor produces the response text, honoring a response schema when one
// is present. Synthesis failures are client errors; the service never
// substitutes an empty document for a schema it cannot satisfy.
func (s *Service) contentFor(req *types.InferenceRequest) (string, error) {
	if req.ResponseSchema == nil {
		return s.proseContent(), nil
	}

	value, err := s.synth.Synthesize(req.ResponseSchema)
	if err != nil {
		s.metrics.RecordSynthesis("unsupported")
		return "", errors.NewSynthesisError(err.Error()).WithStatus(http.StatusUnprocessableEntity)
	}
	s.metrics.RecordSynthesis("ok")

	encoded, err := json.Marshal(value)
	if err != nil {
		return "", errors.NewInternalError("failed to encode synthesized value").WithCause(err)
	}
	return string(encoded), nil
}

func (s *Service) proseContent() string {
	parts := make([]string, s.cfg.ChunkCount)
	for i := range parts {
		parts[i] = chunkText(i)
	}
	return strings.Join(parts, "")
}

// chunkText is the i-th fragment of the canned reply. Numbering the
// fragments lets a client verify ordering and completeness.
func chunkText(i int) string {
	return fmt.Sprintf("This is synthetic response fragment %d. ", i)
}

// usageFor fabricates token accounting: roughly four characters per token,
// as real tokenizers average for English text.
func (s *Service) usageFor(req *types.InferenceRequest) types.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content)/4 + 1
	}
	completion := s.cfg.ChunkCount * 8

	return types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// HandleEmbeddings serves the embeddings endpoint. Both the batch form
// {"inputs": [...]} and the single form {"input": "..."} are accepted.
func (s *Service) HandleEmbeddings(c *gin.Context) {
	var body struct {
		Model  string   `json:"model"`
		Inputs []string `json:"inputs"`
		Input  string   `json:"input"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abortWithError(c, errors.NewClientError("malformed embedding request").WithCause(err))
		return
	}

	inputs := body.Inputs
	if len(inputs) == 0 && body.Input != "" {
		inputs = []string{body.Input}
	}
	if len(inputs) == 0 {
		s.abortWithError(c, errors.NewValidationError("at least one input is required"))
		return
	}

	resp := types.EmbeddingResponse{
		Embeddings: make([]types.Embedding, len(inputs)),
	}
	for i := range inputs {
		resp.Embeddings[i] = types.Embedding{
			Index:  i,
			Values: s.embeddingVector(i),
		}
	}

	if s.metrics.EmbeddingsTotal != nil {
		s.metrics.EmbeddingsTotal.Add(float64(len(inputs)))
	}
	c.JSON(http.StatusOK, resp)
}

// embeddingVector builds the i-th vector of a batch: a 0.1 base with a 0.9
// spike rotated by position, so vectors are never all-zero and consecutive
// inputs stay pairwise distinct.
func (s *Service) embeddingVector(i int) []float64 {
	values := make([]float64, s.cfg.EmbeddingDim)
	for j := range values {
		values[j] = 0.1
	}
	values[i%s.cfg.EmbeddingDim] = 0.9
	return values
}

// HandleCountTokens serves the token-count estimate endpoint.
func (s *Service) HandleCountTokens(c *gin.Context) {
	req, err := s.bindRequest(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)/4 + 1
	}
	c.JSON(http.StatusOK, gin.H{"total_tokens": total})
}

// HandleInfo reports the service identity and its live simulation settings.
func (s *Service) HandleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "convoload-mockllm",
		"version": "1.0.0",
		"simulation": gin.H{
			"latency_distribution": s.base.Name(),
			"min_latency":          s.cfg.MinLatency.String(),
			"max_latency":          s.cfg.MaxLatency.String(),
			"chunk_count":          s.cfg.ChunkCount,
			"chunk_delay":          s.cfg.ChunkDelay.String(),
			"embedding_dim":        s.cfg.EmbeddingDim,
		},
		"chaos": s.chaos.snapshot(),
	})
}

// simulationCheck reports the simulation settings as a readiness check; the
// service is degraded while chaos error injection is active.
func (s *Service) simulationCheck(ctx context.Context) (health.Status, string, error) {
	if rate := s.chaos.currentErrorRate(); rate > 0 {
		return health.StatusDegraded, fmt.Sprintf("error injection active at rate %.2f", rate), nil
	}
	return health.StatusHealthy, fmt.Sprintf("distribution %s", s.base.Name()), nil
}

func (s *Service) logCompletion(c *gin.Context, req *types.InferenceRequest, mode string, fields logrus.Fields) {
	entry := s.logger.WithComponent("mockllm").WithFields(logrus.Fields{
		"mode":  mode,
		"model": req.Model,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Debug("Completion served")
}
