// Copyright 2026 The Cellbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package advisor is the optional AI collaborator: a chat-completions
// client that turns sandbox failures into human-readable diagnoses. The
// core engine never calls it; the CLI consults it after a failed run when
// ai_module.auto_report_errors is enabled.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cellbox-project/cellbox/lib/config"
)

// ErrDisabled is returned when the advisor is not configured for use.
var ErrDisabled = errors.New("advisor is disabled or has no API key")

// Client answers analysis questions through an OpenAI-compatible
// chat-completions endpoint.
type Client struct {
	cfg    config.AIConfig
	api    *openai.Client
	logger *slog.Logger
}

// New builds a Client from the ai_module configuration. The API key comes
// from the environment variable named by api_key_env; a missing key
// returns a disabled client rather than an error, matching the advisory
// nature of the module.
func New(cfg config.AIConfig, logger *slog.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return c
	}

	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		logger.Warn("advisor API key not set, advisor disabled", "env", cfg.APIKeyEnv)
		return c
	}

	clientConfig := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	c.api = openai.NewClientWithConfig(clientConfig)
	return c
}

// Enabled reports whether the client can make requests.
func (c *Client) Enabled() bool {
	return c.api != nil
}

// AnalyzeError asks the model to diagnose a sandbox failure. message is
// the failure classification; contextInfo carries whatever surrounding
// detail is available (command, config highlights, captured output).
func (c *Client) AnalyzeError(ctx context.Context, message, contextInfo string) (string, error) {
	prompt := fmt.Sprintf(
		"A sandbox run failed with the following error:\n\n%s\n\nContext:\n%s\n\nExplain the likely cause and suggest a fix.",
		message, contextInfo,
	)
	return c.Ask(ctx, prompt)
}

// Ask sends one user prompt under the configured system prompt and returns
// the first choice's content.
func (c *Client) Ask(ctx context.Context, prompt string) (string, error) {
	if c.api == nil {
		return "", ErrDisabled
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
