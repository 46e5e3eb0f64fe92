// Package llm defines the completion client used by extraction, the NL
// query planner, and the proactive engine, plus the wrappers that keep
// it honest: circuit breaking, daily token budgets, and a deterministic
// mock for tests.
package llm

import (
	"context"
	"errors"
)

// Tier selects the model capability class. The small tier handles
// extraction and classification; the large tier handles synthesis-heavy
// work (starters, revision verification, NL planning fallback).
type Tier string

const (
	TierSmall Tier = "small"
	TierLarge Tier = "large"
)

var (
	// ErrUnavailable means the provider cannot be called right now
	// (breaker open, provider down). Callers degrade instead of retrying.
	ErrUnavailable = errors.New("llm unavailable")
	// ErrBudgetExhausted means the daily token budget is spent.
	ErrBudgetExhausted = errors.New("llm daily token budget exhausted")
	// ErrEmptyResponse means the provider returned no usable content.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// Request is one completion request. SchemaHint, when set, is appended
// to the prompt as the JSON shape the model must produce.
type Request struct {
	System     string
	Prompt     string
	SchemaHint string
	MaxTokens  int
}

// Response is one completion result.
type Response struct {
	Content    string
	Model      string
	TokensUsed int
}

// Client is the narrow completion interface. Implementations must be
// safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Close() error
}
