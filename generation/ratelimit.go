package generation

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a Client with an outbound token bucket so a
// burst of concurrent runs cannot overwhelm the backend.
type RateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps inner with the given requests-per-second
// limit. rps <= 0 returns inner unchanged.
func NewRateLimitedClient(inner Client, rps float64, burst int) Client {
	if rps <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate implements Client. Waiting for a token respects the caller's
// context, so a run cancellation also cancels the wait.
func (c *RateLimitedClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", Transient("rate limiter wait interrupted", err)
	}
	return c.inner.Generate(ctx, prompt)
}
