package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatusCodeClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantType  ErrorType
		retryable bool
	}{
		{http.StatusBadRequest, ErrorTypeClient, false},
		{http.StatusNotFound, ErrorTypeClient, false},
		{http.StatusTooManyRequests, ErrorTypeClient, false},
		{http.StatusInternalServerError, ErrorTypeTransient, true},
		{http.StatusBadGateway, ErrorTypeTransient, true},
		{http.StatusServiceUnavailable, ErrorTypeTransient, true},
	}

	for _, tt := range tests {
		err := FromStatusCode(tt.status, "poll events")
		assert.Equal(t, tt.wantType, err.Type, "status %d", tt.status)
		assert.Equal(t, tt.retryable, IsRetryable(err), "status %d", tt.status)
		assert.Equal(t, tt.status, err.Status)
	}
}

func TestProtocolViolationIsNotRetryable(t *testing.T) {
	err := NewProtocolViolation("stream closed without terminal marker")
	assert.False(t, IsRetryable(err))
	assert.True(t, IsType(err, ErrorTypeProtocol))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(err))
}

func TestUnclassifiedTransportErrorRetries(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("connection reset by peer")))
	assert.False(t, IsRetryable(nil))
}

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("dial tcp: i/o timeout")
	err := NewTransientError("send message failed").WithCause(cause)

	assert.Contains(t, err.Error(), "TRANSIENT_ERROR")
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, "TRANSIENT_ERROR", GetCode(err))
}

func TestWrappedAppErrorKeepsClassification(t *testing.T) {
	inner := NewClientError("session not found").WithStatus(404)
	wrapped := fmt.Errorf("turn 3: %w", inner)

	assert.True(t, IsType(wrapped, ErrorTypeClient))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, "CLIENT_ERROR", GetCode(wrapped))
}
