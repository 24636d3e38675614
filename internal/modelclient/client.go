// Package modelclient wraps provider SDKs behind a single completion
// interface. Each configured endpoint maps to one client; retries and
// timeouts are handled here so callers see either a reply or a terminal
// error.
package modelclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agenticlab/distill/internal/config"
	"github.com/agenticlab/distill/internal/trace"
)

// ToolDef is a provider-neutral tool schema exposed to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one completion request. Nil sampling fields fall back to the
// endpoint's configured defaults; explicit zero values (a reviewer calling
// with temperature 0.0) are honored.
type Request struct {
	Messages        []trace.Message
	Tools           []ToolDef
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens int
	Overrides       map[string]any
}

// Client issues completions against a single endpoint.
type Client interface {
	// Complete sends the conversation and returns the assistant reply.
	Complete(ctx context.Context, req Request) (trace.Message, error)
	// Endpoint returns the configuration this client was built from.
	Endpoint() config.Endpoint
}

// APIError is a provider-side failure. The scheduler treats it as transient
// endpoint trouble (log, pause, continue) rather than a scenario defect.
type APIError struct {
	Provider  string
	Endpoint  string
	Model     string
	Status    int
	RequestID string
	Body      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s endpoint %s (model %s) failed with status %d: %s",
		e.Provider, e.Endpoint, e.Model, e.Status, truncate(e.Body, 300))
}

// IsEndpointError reports whether err originated at a model endpoint.
func IsEndpointError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// New builds a client for the endpoint's provider. The API key is resolved
// from the environment at construction time so a missing key fails before
// any scenario work starts.
func New(ep config.Endpoint) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv(ep.APIKeyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("endpoint %s: environment variable %s is empty", ep.Name, ep.APIKeyEnv)
	}
	switch strings.ToLower(strings.TrimSpace(ep.Provider)) {
	case "openai", "openai_compatible":
		return newOpenAIClient(ep, apiKey), nil
	case "anthropic":
		return newAnthropicClient(ep, apiKey), nil
	default:
		return nil, fmt.Errorf("endpoint %s: unsupported provider %q", ep.Name, ep.Provider)
	}
}

// withRetries runs attempt up to the endpoint's retry budget, backing off
// exponentially on retryable failures. Non-retryable API errors (4xx other
// than 429) and context cancellation end the loop immediately.
func withRetries(ctx context.Context, ep config.Endpoint, attempt func(context.Context) (trace.Message, error)) (trace.Message, error) {
	attempts := ep.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := 500 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, ep.RequestTimeout.Std())
		msg, err := attempt(callCtx)
		cancel()
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return trace.Message{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
	}
	return trace.Message{}, lastErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500 || apiErr.Status == 0
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport-level failures (timeouts, resets) are retryable.
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (r Request) temperature(ep config.Endpoint) float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return ep.Temperature
}

func (r Request) topP(ep config.Endpoint) float64 {
	if r.TopP != nil {
		return *r.TopP
	}
	return ep.TopP
}

func (r Request) maxTokens(ep config.Endpoint) int {
	if r.MaxOutputTokens > 0 {
		return r.MaxOutputTokens
	}
	return ep.MaxOutputTokens
}

// Float returns a pointer to v, for per-request sampling overrides.
func Float(v float64) *float64 { return &v }
