package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

var timeNow = time.Now

// estimateTokens is the rough chars-per-token heuristic used to
// pre-charge a request before the real usage is known.
const charsPerToken = 4

// BudgetClient enforces a daily token budget over a wrapped client.
// The limiter refills continuously at budget/day so a burst early in the
// day cannot starve the evening.
type BudgetClient struct {
	client  Client
	limiter *rate.Limiter
}

// NewBudgetClient wraps client with a daily token budget. A budget of
// zero or less disables limiting.
func NewBudgetClient(client Client, dailyTokens int) *BudgetClient {
	var limiter *rate.Limiter
	if dailyTokens > 0 {
		perSecond := rate.Limit(float64(dailyTokens) / (24 * 60 * 60))
		limiter = rate.NewLimiter(perSecond, dailyTokens)
	}
	return &BudgetClient{client: client, limiter: limiter}
}

// Complete implements Client. The estimated prompt cost is charged up
// front; the difference to actual usage is charged after the response.
func (b *BudgetClient) Complete(ctx context.Context, req Request) (*Response, error) {
	estimate := (len(req.System) + len(req.Prompt) + len(req.SchemaHint)) / charsPerToken
	if estimate < 1 {
		estimate = 1
	}
	if b.limiter != nil && !b.limiter.AllowN(timeNow(), estimate) {
		return nil, ErrBudgetExhausted
	}

	resp, err := b.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if b.limiter != nil && resp.TokensUsed > estimate {
		// Charge the overrun; a negative reservation is not possible so
		// undercharges are forgiven.
		b.limiter.ReserveN(timeNow(), capInt(resp.TokensUsed-estimate, b.limiter.Burst()))
	}
	return resp, nil
}

// Close implements Client.
func (b *BudgetClient) Close() error { return b.client.Close() }

func capInt(v, max int) int {
	if v > max {
		return max
	}
	return v
}
