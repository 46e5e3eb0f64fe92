package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom/pkg/config"
)

func TestMockResolutionOrder(t *testing.T) {
	m := NewMockClient().
		Stub("extract", `{"facts":[]}`).
		Enqueue("queued first")

	ctx := context.Background()

	resp, err := m.Complete(ctx, Request{Prompt: "please extract facts"})
	require.NoError(t, err)
	assert.Equal(t, "queued first", resp.Content)

	resp, err = m.Complete(ctx, Request{Prompt: "please extract facts"})
	require.NoError(t, err)
	assert.Equal(t, `{"facts":[]}`, resp.Content)

	resp, err = m.Complete(ctx, Request{Prompt: "something else entirely"})
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)

	assert.Equal(t, 3, m.CallCount())
}

func TestMockFailure(t *testing.T) {
	m := NewMockClient().FailWith(ErrUnavailable)
	_, err := m.Complete(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)

	m.FailWith(nil)
	_, err = m.Complete(context.Background(), Request{Prompt: "x"})
	assert.NoError(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := NewMockClient().FailWith(errors.New("provider down"))
	cfg := config.BreakerConfig{Failures: 3, WindowSeconds: 60, CooldownSeconds: 60}
	b := NewBreakerClient(inner, cfg, "small", nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Complete(ctx, Request{Prompt: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	// Open breaker fails fast without touching the provider.
	before := inner.CallCount()
	_, err := b.Complete(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, inner.CallCount())
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	inner := NewMockClient()
	cfg := config.BreakerConfig{Failures: 2, WindowSeconds: 60, CooldownSeconds: 60}
	b := NewBreakerClient(inner, cfg, "large", nil)

	for i := 0; i < 10; i++ {
		_, err := b.Complete(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBudgetExhaustion(t *testing.T) {
	inner := NewMockClient()
	// Tiny budget: a single small request drains it.
	b := NewBudgetClient(inner, 10)

	ctx := context.Background()
	_, err := b.Complete(ctx, Request{Prompt: "0123456789012345678901234567890123456789"})
	require.NoError(t, err)

	_, err = b.Complete(ctx, Request{Prompt: "0123456789012345678901234567890123456789"})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestBudgetDisabled(t *testing.T) {
	inner := NewMockClient()
	b := NewBudgetClient(inner, 0)
	for i := 0; i < 5; i++ {
		_, err := b.Complete(context.Background(), Request{Prompt: "unmetered"})
		require.NoError(t, err)
	}
}
