package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarsh/valet/internal/models"
)

func TestExecutorDispatchesRegisteredTool(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	e := NewExecutor(r)

	result, err := e.Execute(context.Background(), models.ToolCall{
		Name:      "echo",
		Arguments: map[string]any{"message": "hello"},
	}, models.ExecContext{})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "executed", result.Status)
	assert.Equal(t, "hello", result.Variables["message"])
}

func TestExecutorUnknownToolFailsWithNotFound(t *testing.T) {
	e := NewExecutor(NewRegistry())

	result, err := e.Execute(context.Background(), models.ToolCall{Name: "missing"}, models.ExecContext{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "NOT_FOUND", result.ErrorCode)
}

func TestSleepToolRejectsBadDuration(t *testing.T) {
	tool := &SleepTool{}

	result, err := tool.Execute(context.Background(), map[string]any{"duration": "soon"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "VALIDATION_ERROR", result.ErrorCode)
}

func TestSleepToolHonorsCancellation(t *testing.T) {
	tool := &SleepTool{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tool.Execute(ctx, map[string]any{"duration": "5s"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPGetToolSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	tool := NewHTTPGetTool(srv.Client())
	result, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.True(t, result.Success)

	output := result.Output.(map[string]any)
	assert.Equal(t, 200, output["status_code"])
	assert.Equal(t, "pong", output["content"])
}

func TestHTTPGetToolMapsStatusToErrorCode(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusNotFound, "NOT_FOUND"},
		{http.StatusForbidden, "PERMISSION_DENIED"},
		{http.StatusTooManyRequests, "RATE_LIMIT"},
		{http.StatusInternalServerError, "TOOL_ERROR"},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		tool := NewHTTPGetTool(srv.Client())
		result, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
		srv.Close()

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, tt.code, result.ErrorCode, "status %d", tt.status)
	}
}

func TestHTTPGetToolMissingURL(t *testing.T) {
	tool := NewHTTPGetTool(nil)

	result, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "VALIDATION_ERROR", result.ErrorCode)
}
