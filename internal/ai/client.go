// Package ai implements the model provider gateway and the three model-backed
// reasoning steps of the turn pipeline. The provider is any OpenAI-compatible
// chat-completion endpoint; model keys are opaque aliases resolved from the
// session, never from process-wide defaults.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"fable-server/internal/models"
)

var log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "ai").Logger()

// Config configures the provider client.
type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client is the transport-level model gateway. Every call is treated as a
// fallible external call: bounded retries with linear backoff, a per-call
// timeout, and a typed transport error once the budget is exhausted.
type Client struct {
	client     *openai.Client
	timeout    time.Duration
	maxRetries int
}

// New builds a provider client. BaseURL may point at any OpenAI-compatible
// gateway (OpenRouter, a local proxy, the provider itself).
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: provider API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Invoke sends one step invocation: systemPrompt as the system message and
// the JSON-serialized payload as the user message. Returns the raw response
// text; shape normalization and contract validation happen in the caller.
func (c *Client) Invoke(ctx context.Context, step, modelKey, systemPrompt string, payload any) (string, error) {
	inputJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ai: marshal %s payload: %w", step, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: modelKey,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: string(inputJSON)},
			},
			Temperature: 0.7,
			TopP:        0.95,
		})
		cancel()

		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("step", step).Str("model", modelKey).Int("attempt", attempt).
				Msg("model call failed")
			if ctx.Err() != nil {
				break
			}
			// No point backing off once the budget is spent.
			if attempt < c.maxRetries {
				time.Sleep(time.Duration(attempt) * time.Second)
			}
			continue
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			lastErr = errors.New("empty response from provider")
			log.Warn().Str("step", step).Str("model", modelKey).Int("attempt", attempt).
				Msg("empty model response")
			if attempt < c.maxRetries {
				time.Sleep(time.Duration(attempt) * time.Second)
			}
			continue
		}

		log.Debug().Str("step", step).Str("model", modelKey).Int("attempt", attempt).
			Msg("model response received")
		return resp.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: step %s after %d attempts: %v",
		models.ErrTransport, step, c.maxRetries, lastErr)
}
