package llm

import (
	"context"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

// ChatOptions carries per-request generation settings.
type ChatOptions struct {
	// Model is the logical model name. Empty means the provider default.
	Model string `json:"model"`

	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// StreamEvent is one increment of a streaming completion.
type StreamEvent struct {
	// Content is the token text. Empty on the terminal event.
	Content string

	// Done marks the provider's terminal signal. Some providers signal
	// completion more than once; consumers must tolerate duplicates.
	Done bool
}

// StreamCallback receives stream events in generation order. Returning a
// non-nil error aborts the stream; the adapter closes the underlying
// connection and returns that error unchanged.
type StreamCallback func(StreamEvent) error

// Client defines the standard interface for any text-generation backend.
//
// # Description
//
// One Client exists per backend family. Adapters translate the normalized
// message model into backend wire shapes and extract the single best text
// candidate from the response, treating an empty candidate as an upstream
// error rather than a successful empty string.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Kind reports the backend family this client serves.
	Kind() datatypes.ProviderKind

	// DefaultModel is the provider-specific fallback model name used when
	// a requested model is unavailable.
	DefaultModel() string

	// Chat performs a buffered completion over the full message history.
	Chat(ctx context.Context, messages []datatypes.Message, opts ChatOptions) (string, error)

	// ChatStream performs an incremental completion, invoking callback for
	// each chunk. Cancelling ctx aborts the upstream connection. A hung
	// upstream is detected via a per-chunk idle timeout.
	ChatStream(ctx context.Context, messages []datatypes.Message, opts ChatOptions, callback StreamCallback) error

	// ListModels returns the model names the backend currently serves.
	// Failures here never block a completion attempt; callers treat an
	// error as "availability unknown".
	ListModels(ctx context.Context) ([]string, error)
}
