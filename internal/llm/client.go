// Package llm provides the langchaingo-backed client used for optional
// LLM-refined step evaluation.
package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dmarsh/valet/internal/config"
)

// Client wraps a langchaingo model behind the evaluator's consumed
// interface: Evaluate(ctx, prompt) -> free text.
type Client struct {
	model llms.Model
}

// NewClient builds a client from config. Returns nil (and no error)
// when LLM refinement is disabled or no API key is present; the
// evaluator treats a nil client as refinement off.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	token := os.Getenv(cfg.APIKeyEnv)
	if token == "" {
		return nil, nil
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return &Client{model: model}, nil
}

// NewFromModel wraps an existing model; used by tests.
func NewFromModel(model llms.Model) *Client {
	return &Client{model: model}
}

// Evaluate sends a prompt and returns the raw completion text.
func (c *Client) Evaluate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt)
	if err != nil {
		return "", fmt.Errorf("llm completion: %w", err)
	}
	return out, nil
}
