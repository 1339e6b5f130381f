package llm

import "time"

// Default timeouts applied when a Config leaves them zero.
const (
	DefaultRequestTimeout    = 60 * time.Second
	DefaultStreamIdleTimeout = 30 * time.Second
)

// Config holds the settings for one backend client. It is constructed once
// at startup by the gateway's config layer and passed into the adapter
// constructor; adapters never read the environment themselves.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:11434".
	BaseURL string

	// APIKey authenticates against hosted backends. Ignored by Ollama.
	APIKey string

	// DefaultModel is the provider-specific fallback model name.
	DefaultModel string

	// RequestTimeout bounds buffered completions and model listing.
	RequestTimeout time.Duration

	// StreamIdleTimeout bounds the gap between streamed chunks. A stream
	// that stays silent longer is treated as a hung upstream and aborted.
	StreamIdleTimeout time.Duration
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}

func (c Config) streamIdleTimeout() time.Duration {
	if c.StreamIdleTimeout <= 0 {
		return DefaultStreamIdleTimeout
	}
	return c.StreamIdleTimeout
}
