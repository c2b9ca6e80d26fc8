package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Mock    MockConfig    `json:"mock"`
	LoadGen LoadGenConfig `json:"loadgen"`
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// MockConfig contains the mock inference service's simulation parameters.
// A fixed constant delay is deliberately not configurable: it would
// synchronize concurrent users and hide queueing effects.
type MockConfig struct {
	LatencyDistribution string        `json:"latency_distribution"`
	MinLatency          time.Duration `json:"min_latency"`
	MaxLatency          time.Duration `json:"max_latency"`
	LatencyMean         time.Duration `json:"latency_mean"`
	LatencyStdDev       time.Duration `json:"latency_stddev"`
	ChunkDelay          time.Duration `json:"chunk_delay"`
	ChunkCount          int           `json:"chunk_count"`
	EmbeddingDim        int           `json:"embedding_dim"`
	ErrorRate           float64       `json:"error_rate"`
}

// LoadGenConfig contains the load generator's scenario parameters.
type LoadGenConfig struct {
	TargetURL      string        `json:"target_url"`
	AgentID        string        `json:"agent_id"`
	Users          int           `json:"users"`
	WorkloadMix    string        `json:"workload_mix"`
	RunDuration    time.Duration `json:"run_duration"`
	TurnsPerUser   int           `json:"turns_per_user"`
	PollWait       time.Duration `json:"poll_wait"`
	PollTimeout    time.Duration `json:"poll_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`
	RetryBudget    int           `json:"retry_budget"`
	Ramp           string        `json:"ramp"`
	ReportPath     string        `json:"report_path"`
	Seed           int64         `json:"seed"`
	AdminPort      int           `json:"admin_port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8000),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Mock: MockConfig{
			LatencyDistribution: getEnvString("MOCK_LATENCY_DISTRIBUTION", "uniform"),
			MinLatency:          getEnvDuration("MOCK_MIN_LATENCY", 500*time.Millisecond),
			MaxLatency:          getEnvDuration("MOCK_MAX_LATENCY", 2*time.Second),
			LatencyMean:         getEnvDuration("MOCK_LATENCY_MEAN", time.Second),
			LatencyStdDev:       getEnvDuration("MOCK_LATENCY_STDDEV", 300*time.Millisecond),
			ChunkDelay:          getEnvDuration("MOCK_CHUNK_DELAY", 50*time.Millisecond),
			ChunkCount:          getEnvInt("MOCK_CHUNK_COUNT", 20),
			EmbeddingDim:        getEnvInt("MOCK_EMBEDDING_DIM", 768),
			ErrorRate:           getEnvFloat("MOCK_ERROR_RATE", 0.0),
		},
		LoadGen: LoadGenConfig{
			TargetURL:      getEnvString("LOADGEN_TARGET_URL", ""),
			AgentID:        getEnvString("LOADGEN_AGENT_ID", ""),
			Users:          getEnvInt("LOADGEN_USERS", 10),
			WorkloadMix:    getEnvString("LOADGEN_WORKLOAD_MIX", "chatter:3,thinker:1,idler:1"),
			RunDuration:    getEnvDuration("LOADGEN_RUN_DURATION", 2*time.Minute),
			TurnsPerUser:   getEnvInt("LOADGEN_TURNS_PER_USER", 0),
			PollWait:       getEnvDuration("LOADGEN_POLL_WAIT", 10*time.Second),
			PollTimeout:    getEnvDuration("LOADGEN_POLL_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("LOADGEN_REQUEST_TIMEOUT", 15*time.Second),
			RetryBudget:    getEnvInt("LOADGEN_RETRY_BUDGET", 3),
			Ramp:           getEnvString("LOADGEN_RAMP", ""),
			ReportPath:     getEnvString("LOADGEN_REPORT_PATH", "loadgen-report.json"),
			Seed:           getEnvInt64("LOADGEN_SEED", 0),
			AdminPort:      getEnvInt("LOADGEN_ADMIN_PORT", 9090),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Namespace: getEnvString("METRICS_NAMESPACE", "convoload"),
			Enabled:   getEnvBool("METRICS_ENABLED", true),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration shared by both binaries
func (c *Config) Validate() error {
	switch c.Mock.LatencyDistribution {
	case "uniform", "lognormal":
	default:
		return fmt.Errorf("unsupported latency distribution %q (uniform or lognormal)", c.Mock.LatencyDistribution)
	}

	if c.Mock.MinLatency < 0 || c.Mock.MaxLatency < c.Mock.MinLatency {
		return fmt.Errorf("mock latency bounds invalid: min=%v max=%v", c.Mock.MinLatency, c.Mock.MaxLatency)
	}

	if c.Mock.ChunkCount <= 0 {
		return fmt.Errorf("chunk count must be positive, got %d", c.Mock.ChunkCount)
	}

	if c.Mock.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Mock.EmbeddingDim)
	}

	if c.Mock.ErrorRate < 0 || c.Mock.ErrorRate > 1 {
		return fmt.Errorf("error rate must be within [0,1], got %f", c.Mock.ErrorRate)
	}

	return nil
}

// ValidateLoadGen validates the parameters the load generator requires.
func (c *Config) ValidateLoadGen() error {
	if c.LoadGen.TargetURL == "" {
		return fmt.Errorf("LOADGEN_TARGET_URL is required")
	}

	if c.LoadGen.Users <= 0 {
		return fmt.Errorf("user count must be positive, got %d", c.LoadGen.Users)
	}

	if c.LoadGen.RunDuration <= 0 && c.LoadGen.TurnsPerUser <= 0 {
		return fmt.Errorf("either a run duration or a turns-per-user bound is required")
	}

	// The request timeout must outlast the long-poll hold or every poll
	// would be cut short client-side.
	if c.LoadGen.RequestTimeout <= c.LoadGen.PollWait {
		return fmt.Errorf("request timeout (%v) must exceed the long-poll hold (%v)",
			c.LoadGen.RequestTimeout, c.LoadGen.PollWait)
	}

	if c.LoadGen.RetryBudget < 0 {
		return fmt.Errorf("retry budget must be non-negative, got %d", c.LoadGen.RetryBudget)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Plain numbers are taken as seconds, matching the original
		// deployment manifests.
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}
