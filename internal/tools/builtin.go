package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmarsh/valet/internal/models"
)

// RegisterBuiltins adds the built-in tools to a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(&NoopTool{})
	r.Register(&EchoTool{})
	r.Register(&SleepTool{})
	r.Register(NewHTTPGetTool(nil))
}

// NoopTool succeeds without doing anything. Useful for bookkeeping
// steps that still want a tool-shaped result.
type NoopTool struct{}

func (t *NoopTool) Name() string        { return "noop" }
func (t *NoopTool) Description() string { return "Does nothing and succeeds" }

func (t *NoopTool) Execute(_ context.Context, _ map[string]any) (*models.ToolResult, error) {
	return &models.ToolResult{Status: "executed", Success: true}, nil
}

// EchoTool returns its arguments as output, exporting a "message"
// argument as a captured variable when present.
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Returns its arguments as output" }

func (t *EchoTool) Execute(_ context.Context, args map[string]any) (*models.ToolResult, error) {
	result := &models.ToolResult{Status: "executed", Success: true, Output: args}
	if msg, ok := args["message"]; ok {
		result.Variables = map[string]any{"message": msg}
	}
	return result, nil
}

// SleepTool blocks for a duration given by the "duration" argument
// (Go duration string, e.g. "250ms"). Honors context cancellation.
type SleepTool struct{}

func (t *SleepTool) Name() string        { return "sleep" }
func (t *SleepTool) Description() string { return "Sleeps for the given duration" }

func (t *SleepTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	raw, _ := args["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Error:     fmt.Sprintf("invalid duration %q: %v", raw, err),
			ErrorCode: "VALIDATION_ERROR",
		}, nil
	}

	select {
	case <-time.After(d):
		return &models.ToolResult{Status: "executed", Success: true, Output: raw}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HTTPGetTool fetches a URL and returns the body. Responses over 64 KiB
// are truncated.
type HTTPGetTool struct {
	client *http.Client
}

const maxResponseBytes = 64 * 1024

// NewHTTPGetTool creates the tool; a nil client gets a 30s default.
func NewHTTPGetTool(client *http.Client) *HTTPGetTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGetTool{client: client}
}

func (t *HTTPGetTool) Name() string        { return "http_get" }
func (t *HTTPGetTool) Description() string { return "Fetches a URL with HTTP GET" }

func (t *HTTPGetTool) Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Error:     "http_get requires a url argument",
			ErrorCode: "VALIDATION_ERROR",
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Error:     err.Error(),
			ErrorCode: "VALIDATION_ERROR",
		}, nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Error:     err.Error(),
			ErrorCode: "NETWORK_ERROR",
		}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Error:     err.Error(),
			ErrorCode: "NETWORK_ERROR",
		}, nil
	}

	if resp.StatusCode >= 400 {
		code := "TOOL_ERROR"
		switch {
		case resp.StatusCode == http.StatusNotFound:
			code = "NOT_FOUND"
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
			code = "PERMISSION_DENIED"
		case resp.StatusCode == http.StatusTooManyRequests:
			code = "RATE_LIMIT"
		}
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Output:    string(body),
			Error:     fmt.Sprintf("GET %s returned %s", url, resp.Status),
			ErrorCode: code,
		}, nil
	}

	return &models.ToolResult{
		Status:  "executed",
		Success: true,
		Output: map[string]any{
			"status_code": resp.StatusCode,
			"content":     string(body),
		},
	}, nil
}
