package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "uniform", cfg.Mock.LatencyDistribution)
	assert.Equal(t, 500*time.Millisecond, cfg.Mock.MinLatency)
	assert.Equal(t, 2*time.Second, cfg.Mock.MaxLatency)
	assert.Equal(t, 50*time.Millisecond, cfg.Mock.ChunkDelay)
	assert.Equal(t, 20, cfg.Mock.ChunkCount)
	assert.Equal(t, 768, cfg.Mock.EmbeddingDim)
	assert.Equal(t, 10*time.Second, cfg.LoadGen.PollWait)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MOCK_MIN_LATENCY", "100ms")
	t.Setenv("MOCK_MAX_LATENCY", "3s")
	t.Setenv("MOCK_CHUNK_COUNT", "5")
	t.Setenv("LOADGEN_USERS", "50")
	t.Setenv("LOADGEN_WORKLOAD_MIX", "chatter:1,idler:1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Mock.MinLatency)
	assert.Equal(t, 3*time.Second, cfg.Mock.MaxLatency)
	assert.Equal(t, 5, cfg.Mock.ChunkCount)
	assert.Equal(t, 50, cfg.LoadGen.Users)
	assert.Equal(t, "chatter:1,idler:1", cfg.LoadGen.WorkloadMix)
}

func TestBareSecondsDuration(t *testing.T) {
	// The original deployment manifests set latency knobs as plain
	// seconds, e.g. MOCK_MIN_LATENCY=0.5.
	t.Setenv("MOCK_MIN_LATENCY", "0.5")
	t.Setenv("MOCK_MAX_LATENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Mock.MinLatency)
	assert.Equal(t, 2*time.Second, cfg.Mock.MaxLatency)
}

func TestValidateRejectsBadDistribution(t *testing.T) {
	t.Setenv("MOCK_LATENCY_DISTRIBUTION", "constant")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latency distribution")
}

func TestValidateRejectsInvertedLatencyBounds(t *testing.T) {
	t.Setenv("MOCK_MIN_LATENCY", "5s")
	t.Setenv("MOCK_MAX_LATENCY", "1s")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateLoadGen(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	// Missing target URL
	require.Error(t, cfg.ValidateLoadGen())

	cfg.LoadGen.TargetURL = "http://agent.test:8800"
	require.NoError(t, cfg.ValidateLoadGen())

	// Request timeout must outlast the long-poll hold
	cfg.LoadGen.RequestTimeout = cfg.LoadGen.PollWait
	require.Error(t, cfg.ValidateLoadGen())
}
