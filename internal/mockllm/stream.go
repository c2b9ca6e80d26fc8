package mockllm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/convoload/convoload/pkg/types"
)

// streamCompletion writes the completion as a server-sent-event stream:
// a first-token delay, then one data: chunk per fragment with the configured
// inter-chunk pause, a done-marked terminal chunk, and finally the [DONE]
// sentinel. Every write is flushed so chunks arrive as they are produced.
func (s *Service) streamCompletion(c *gin.Context, req *types.InferenceRequest) {
	start := time.Now()
	ctx := c.Request.Context()

	var span oteltrace.Span
	if s.tracing != nil {
		ctx, span = s.tracing.StartCompletionSpan(ctx, req.Model, "stream")
		defer span.End()
	}

	if s.metrics.ActiveStreams != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	// A schema that cannot be satisfied must fail before any bytes of the
	// stream are committed.
	toolCall := s.toolCallFor(req)
	content := ""
	if toolCall == nil {
		var err error
		content, err = s.contentFor(req)
		if err != nil {
			if span != nil {
				s.tracing.RecordError(span, err)
			}
			s.metrics.RecordCompletion("stream", "error", time.Since(start))
			s.abortWithError(c, err)
			return
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)

	if err := sleep(ctx, s.chaos.distribution(s.base).Sample()); err != nil {
		s.logger.LogStreamEvent(ctx, "client_disconnected", req.Model, logrus.Fields{"phase": "first_token_delay"})
		s.metrics.RecordCompletion("stream", "disconnected", time.Since(start))
		return
	}

	emitted := 0
	emit := func(chunk types.InferenceChunk) bool {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		emitted++
		if s.metrics.ChunksEmitted != nil {
			s.metrics.ChunksEmitted.Inc()
		}
		return true
	}

	if toolCall != nil {
		// Tool invocations stream as a single chunk plus the terminal one.
		ok := emit(types.InferenceChunk{
			Model:    req.Model,
			Index:    0,
			Delta:    types.ChunkDelta{Role: types.RoleAssistant},
			ToolCall: toolCall,
		})
		if !ok {
			s.streamAborted(c, req, start, emitted)
			return
		}
	} else {
		for i := 0; i < s.cfg.ChunkCount; i++ {
			if i > 0 {
				if err := sleep(ctx, s.cfg.ChunkDelay); err != nil {
					s.streamAborted(c, req, start, emitted)
					return
				}
			}

			delta := types.ChunkDelta{Content: chunkText(i)}
			if i == 0 {
				delta.Role = types.RoleAssistant
			}
			if req.ResponseSchema != nil {
				// Schema-conformant documents are not divisible into
				// meaningful fragments; the whole document rides chunk 0.
				if i == 0 {
					delta.Content = content
				} else {
					delta.Content = ""
				}
			}

			if !emit(types.InferenceChunk{Model: req.Model, Index: i, Delta: delta}) {
				s.streamAborted(c, req, start, emitted)
				return
			}
		}
	}

	finish := types.FinishReasonStop
	if toolCall != nil {
		finish = types.FinishReasonToolCall
	}
	usage := s.usageFor(req)
	terminal := types.InferenceChunk{
		Model:        req.Model,
		Index:        emitted,
		FinishReason: finish,
		Done:         true,
		Usage:        &usage,
	}
	if !emit(terminal) {
		s.streamAborted(c, req, start, emitted)
		return
	}

	fmt.Fprintf(c.Writer, "data: %s\n\n", types.StreamDoneMarker)
	if flusher != nil {
		flusher.Flush()
	}

	s.metrics.RecordCompletion("stream", "ok", time.Since(start))
	s.logCompletion(c, req, "stream", logrus.Fields{
		"chunks":      emitted,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Service) streamAborted(c *gin.Context, req *types.InferenceRequest, start time.Time, emitted int) {
	s.logger.LogStreamEvent(c.Request.Context(), "client_disconnected", req.Model, logrus.Fields{
		"chunks_emitted": emitted,
	})
	s.metrics.RecordCompletion("stream", "disconnected", time.Since(start))
}
