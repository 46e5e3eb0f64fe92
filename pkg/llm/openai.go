package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/memloom/memloom/pkg/config"
)

// OpenAIClient talks to an OpenAI-compatible endpoint for one tier.
type OpenAIClient struct {
	client  *openai.Client
	cfg     config.LLMModelConfig
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIClient builds a client for the given tier config.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *slog.Logger) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(apiCfg),
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
	}
}

// Complete implements Client with per-request timeout and bounded
// retries on retriable transport errors.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	prompt := req.Prompt
	if req.SchemaHint != "" {
		prompt += "\n\nRespond with a JSON object in the following format:\n\n" + req.SchemaHint
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if c.cfg.MaxTokens > 0 {
		chatReq.MaxTokens = c.cfg.MaxTokens
	}

	retries := c.cfg.Retries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			c.logger.Warn("llm.retry", "model", c.cfg.Model, "attempt", attempt, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.client.CreateChatCompletion(callCtx, chatReq)
		cancel()
		if err != nil {
			lastErr = err
			if isRetriable(err) && attempt < retries {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			lastErr = ErrEmptyResponse
			if attempt < retries {
				continue
			}
			return nil, ErrEmptyResponse
		}

		return &Response{
			Content:    resp.Choices[0].Message.Content,
			Model:      resp.Model,
			TokensUsed: resp.Usage.TotalTokens,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Close implements Client.
func (c *OpenAIClient) Close() error { return nil }

func isRetriable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"connection",
		"rate limit",
		"rate_limit",
		"internal server error",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
