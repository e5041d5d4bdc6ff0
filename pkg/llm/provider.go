package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental deltas. The channel is closed when the response is
	// complete or the context is cancelled.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)

	// Name identifies the provider, recorded on assistant messages.
	Name() string

	// Model returns the configured model identifier.
	Model() string
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
