package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/memloom/memloom/pkg/config"
)

// BreakerClient wraps a Client with circuit breaking. While the breaker
// is open every call fails fast with ErrUnavailable; dependent features
// degrade (ingestion parks work on the inbound queue, queries skip
// synthesis) rather than piling up on a dead provider.
type BreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker
	name   string
}

// NewBreakerClient wraps client with a breaker named for its tier.
func NewBreakerClient(client Client, cfg config.BreakerConfig, name string, logger *slog.Logger) *BreakerClient {
	if logger == nil {
		logger = slog.Default()
	}
	st := gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(cfg.WindowSeconds) * time.Second,
		Timeout:  time.Duration(cfg.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("llm.breaker_state_change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerClient{client: client, cb: gobreaker.NewCircuitBreaker(st), name: name}
}

// Complete implements Client.
func (b *BreakerClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: breaker %s open", ErrUnavailable, b.name)
		}
		return nil, err
	}
	return resp.(*Response), nil
}

// Close implements Client.
func (b *BreakerClient) Close() error { return b.client.Close() }

// State returns the breaker state for health reporting.
func (b *BreakerClient) State() string { return b.cb.State().String() }

// Name returns the breaker name.
func (b *BreakerClient) Name() string { return b.name }
