package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryingClient retries retryable failures with exponential backoff.
type RetryingClient struct {
	inner      Client
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// NewRetryingClient wraps inner. maxRetries counts attempts after the first.
func NewRetryingClient(inner Client, maxRetries int, logger zerolog.Logger) *RetryingClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingClient{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		logger:     logger,
	}
}

// Backend returns the wrapped backend name
func (c *RetryingClient) Backend() string { return c.inner.Backend() }

// SupportsWorker reports whether the wrapped backend runs a worker
func (c *RetryingClient) SupportsWorker() bool { return c.inner.SupportsWorker() }

// Converse calls the wrapped client, backing off 1s, 2s, 4s... between
// attempts. Streamed deltas from a failed attempt have already been
// delivered; they are advisory.
func (c *RetryingClient) Converse(ctx context.Context, req Request, onStream StreamFunc) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.inner.Converse(ctx, req, onStream)
		if err == nil {
			return resp, nil
		}

		lastErr = Classify(c.inner.Backend(), err)
		if !IsRetryable(lastErr) || attempt == c.maxRetries {
			break
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		c.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("kind", string(KindOf(lastErr))).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, Classify(c.inner.Backend(), ctx.Err())
		case <-time.After(delay):
		}
	}

	if c.maxRetries > 0 && IsRetryable(lastErr) {
		return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
	}
	return nil, lastErr
}
