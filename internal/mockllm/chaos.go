package mockllm

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// chaosState holds the runtime-adjustable failure knobs. It is the only
// mutable state shared between requests; the request path takes read locks
// only.
type chaosState struct {
	mu sync.RWMutex

	latencyOverride Distribution
	errorRate       float64
}

func newChaosState(baseErrorRate float64) *chaosState {
	return &chaosState{errorRate: baseErrorRate}
}

func (cs *chaosState) distribution(base Distribution) Distribution {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.latencyOverride != nil {
		return cs.latencyOverride
	}
	return base
}

func (cs *chaosState) currentErrorRate() float64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.errorRate
}

func (cs *chaosState) setLatency(min, max time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.latencyOverride = Uniform{Min: min, Max: max}
}

func (cs *chaosState) setErrorRate(rate float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.errorRate = rate
}

func (cs *chaosState) reset(baseErrorRate float64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.latencyOverride = nil
	cs.errorRate = baseErrorRate
}

func (cs *chaosState) snapshot() map[string]interface{} {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	snap := map[string]interface{}{
		"error_rate": cs.errorRate,
	}
	if cs.latencyOverride != nil {
		if u, ok := cs.latencyOverride.(Uniform); ok {
			snap["latency_override"] = map[string]interface{}{
				"distribution": u.Name(),
				"min_seconds":  u.Min.Seconds(),
				"max_seconds":  u.Max.Seconds(),
			}
		}
	}
	return snap
}

// chaosLatencyRequest spikes the first-token delay for every subsequent
// completion until reset.
type chaosLatencyRequest struct {
	MinSeconds float64 `json:"min_seconds"`
	MaxSeconds float64 `json:"max_seconds"`
}

// chaosErrorsRequest makes the service answer a fraction of completion
// requests with 503 before any content is generated.
type chaosErrorsRequest struct {
	ErrorRate float64 `json:"error_rate"`
}

func (s *Service) handleChaosLatency(c *gin.Context) {
	var req chaosLatencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed chaos latency request"})
		return
	}
	if req.MinSeconds < 0 || req.MaxSeconds < req.MinSeconds {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latency bounds invalid"})
		return
	}

	min := time.Duration(req.MinSeconds * float64(time.Second))
	max := time.Duration(req.MaxSeconds * float64(time.Second))
	s.chaos.setLatency(min, max)

	s.logger.WithComponent("chaos").WithFields(logrus.Fields{
		"min": min.String(),
		"max": max.String(),
	}).Info("Latency spike engaged")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "chaos": s.chaos.snapshot()})
}

func (s *Service) handleChaosErrors(c *gin.Context) {
	var req chaosErrorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed chaos errors request"})
		return
	}
	if req.ErrorRate < 0 || req.ErrorRate > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "error rate must be within [0,1]"})
		return
	}

	s.chaos.setErrorRate(req.ErrorRate)

	s.logger.WithComponent("chaos").WithField("error_rate", req.ErrorRate).Info("Error injection engaged")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "chaos": s.chaos.snapshot()})
}

func (s *Service) handleChaosReset(c *gin.Context) {
	s.chaos.reset(s.cfg.ErrorRate)
	s.logger.WithComponent("chaos").Info("Chaos state reset")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "chaos": s.chaos.snapshot()})
}
