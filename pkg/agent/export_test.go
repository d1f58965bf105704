package agent

import "time"

// SetRetryBaseDelay shortens backoff in tests.
func SetRetryBaseDelay(c *RetryingClient, d time.Duration) {
	c.baseDelay = d
}
