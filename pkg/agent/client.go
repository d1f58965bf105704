package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Client is one LLM backend.
type Client interface {
	// Converse runs one model turn to completion. onStream, when non-nil,
	// receives advisory deltas before Converse returns. Cancelling ctx
	// aborts the underlying call or process.
	Converse(ctx context.Context, req Request, onStream StreamFunc) (*Response, error)

	// Backend returns the backend name
	Backend() string

	// SupportsWorker is false for backends that run their own tool loop.
	SupportsWorker() bool
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // anthropic, openai, cli
	APIKey    string
	BaseURL   string
	CLIPath   string
	MaxTokens int
}

// NewClient creates the backend named by cfg.Backend.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL), nil
	case "cli":
		return NewCLIClient(cfg.CLIPath), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// InstrumentedClient records a span and metrics around each turn.
type InstrumentedClient struct {
	inner Client
}

// Instrument wraps c.
func Instrument(c Client) *InstrumentedClient {
	observability.EnsureRegistered()
	return &InstrumentedClient{inner: c}
}

func (c *InstrumentedClient) Backend() string      { return c.inner.Backend() }
func (c *InstrumentedClient) SupportsWorker() bool { return c.inner.SupportsWorker() }

// Converse implements Client.
func (c *InstrumentedClient) Converse(ctx context.Context, req Request, onStream StreamFunc) (*Response, error) {
	role := tracing.GetRole(ctx)
	if role == "" {
		role = "instructor"
	}
	ctx, span := tracing.StartSpan(ctx, "tandem.agent", "agent.converse",
		attribute.String("backend", c.inner.Backend()),
		attribute.String("role", role),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.inner.Converse(ctx, req, onStream)
	observability.RecordAgentTurn(c.inner.Backend(), role, time.Since(start), err == nil)
	if err != nil {
		observability.RecordAgentError(c.inner.Backend(), string(KindOf(Classify(c.inner.Backend(), err))))
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("stop_reason", string(resp.StopReason)),
		attribute.Int("input_tokens", resp.Usage.InputTokens),
		attribute.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}
