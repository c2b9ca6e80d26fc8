package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoload/convoload/pkg/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{
		Level:       "error",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "health-test",
	})
	require.NoError(t, err)
	return logger
}

func TestCheckHealthAggregatesWorstStatus(t *testing.T) {
	svc := NewService(testLogger(t), nil)
	svc.RegisterChecker("ok", NewCustomChecker("ok", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "fine", nil
	}))
	svc.RegisterChecker("slow", NewCustomChecker("slow", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "error injection active", nil
	}))

	resp := svc.CheckHealth(context.Background())

	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["ok"].Status)
}

func TestCheckHealthUnhealthyWins(t *testing.T) {
	svc := NewService(testLogger(t), nil)
	svc.RegisterChecker("degraded", NewCustomChecker("degraded", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "", nil
	}))
	svc.RegisterChecker("down", NewCustomChecker("down", func(ctx context.Context) (Status, string, error) {
		return StatusUnhealthy, "", fmt.Errorf("dependency unreachable")
	}))

	resp := svc.CheckHealth(context.Background())

	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "dependency unreachable", resp.Checks["down"].Error)
}

func TestCustomCheckerErrorForcesUnhealthy(t *testing.T) {
	checker := NewCustomChecker("flaky", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "claims healthy", fmt.Errorf("but errored")
	})

	check := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "but errored", check.Error)
}

func TestHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc := NewService(testLogger(t), nil)
	svc.RegisterChecker("down", NewCustomChecker("down", func(ctx context.Context) (Status, string, error) {
		return StatusUnhealthy, "", nil
	}))

	router := gin.New()
	router.GET("/health", svc.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestHTTPCheckerClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		expect Status
	}{
		{"2xx is healthy", http.StatusOK, StatusHealthy},
		{"5xx is unhealthy", http.StatusInternalServerError, StatusUnhealthy},
		{"4xx is degraded", http.StatusNotFound, StatusDegraded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL, "target", time.Second)
			check := checker.Check(context.Background())

			assert.Equal(t, tc.expect, check.Status)
			assert.Equal(t, fmt.Sprintf("%d", tc.code), check.Metadata["status_code"])
		})
	}
}

func TestHTTPCheckerUnreachableTarget(t *testing.T) {
	checker := NewHTTPChecker("http://127.0.0.1:1/health", "target", 200*time.Millisecond)
	check := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.NotEmpty(t, check.Error)
}
