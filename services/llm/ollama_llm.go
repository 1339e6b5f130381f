package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ollamaTracer = otel.Tracer("verdalis.llm.ollama")

// OllamaClient talks to a local Ollama server over its native REST API.
type OllamaClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	defaultModel string
	idleTimeout  time.Duration
}

// Ollama API request/response structures.
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaClient builds an Ollama adapter from an explicit Config.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base URL not configured")
	}
	model := cfg.DefaultModel
	if model == "" {
		slog.Warn("Ollama default model not set, falling back to llama3.2")
		model = "llama3.2"
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: cfg.requestTimeout()},
		// Streams have no overall deadline; silence is bounded by the
		// per-chunk idle watchdog instead.
		streamClient: &http.Client{},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultModel: model,
		idleTimeout:  cfg.streamIdleTimeout(),
	}, nil
}

// Kind implements the Client interface.
func (o *OllamaClient) Kind() datatypes.ProviderKind { return datatypes.ProviderOllama }

// DefaultModel implements the Client interface.
func (o *OllamaClient) DefaultModel() string { return o.defaultModel }

// Chat implements the Client interface.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message,
	opts ChatOptions) (string, error) {

	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()

	model := o.model(opts)
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)
	slog.Debug("Calling Ollama chat", "model", model)

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  o.buildOptions(opts),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat",
		bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &ProviderError{
			Provider: datatypes.ProviderOllama,
			Kind:     ErrKindUpstream,
			Message:  err.Error(),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read Ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", o.classifyHTTPError(model, resp.StatusCode, respBody)
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		slog.Error("Failed to parse Ollama chat response", "error", err, "response", string(respBody))
		return "", &ProviderError{
			Provider: datatypes.ProviderOllama,
			Kind:     ErrKindUpstream,
			Message:  "malformed chat response",
		}
	}
	if strings.TrimSpace(chatResp.Message.Content) == "" {
		span.SetStatus(codes.Error, "empty completion")
		return "", &ProviderError{
			Provider: datatypes.ProviderOllama,
			Kind:     ErrKindUpstream,
			Message:  "backend returned an empty completion",
		}
	}
	if chatResp.Message.Role != datatypes.RoleAssistant {
		slog.Warn("Ollama chat response role was not 'assistant'", "role", chatResp.Message.Role)
	}
	return chatResp.Message.Content, nil
}

// ChatStream implements the Client interface.
//
// Ollama streams NDJSON: one ollamaChatResponse per line, the last with
// done=true. The idle watchdog cancels the request context when the gap
// between lines exceeds the configured idle timeout.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	opts ChatOptions, callback StreamCallback) error {

	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()

	model := o.model(opts)
	span.SetAttributes(attribute.String("llm.model", model))

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  o.buildOptions(opts),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stream request to Ollama: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat",
		bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create stream request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.streamClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &ProviderError{
			Provider: datatypes.ProviderOllama,
			Kind:     ErrKindUpstream,
			Message:  err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return o.classifyHTTPError(model, resp.StatusCode, body)
	}

	watchdog := time.AfterFunc(o.idleTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.Reset(o.idleTimeout)
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Skipping malformed Ollama stream line", "error", err)
			continue
		}
		if chunk.Message.Content != "" {
			if cbErr := callback(StreamEvent{Content: chunk.Message.Content}); cbErr != nil {
				return cbErr
			}
		}
		if chunk.Done {
			if cbErr := callback(StreamEvent{Done: true}); cbErr != nil {
				return cbErr
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		// The watchdog and caller cancellation both surface here as a
		// context error on the aborted body read.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		return &ProviderError{
			Provider: datatypes.ProviderOllama,
			Kind:     ErrKindUpstream,
			Message:  err.Error(),
		}
	}
	// Stream ended without a done marker; treat it as terminal.
	return callback(StreamEvent{Done: true})
}

// ListModels implements the Client interface.
func (o *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ListModels")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tags request to Ollama: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("Ollama tags call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("Ollama tags failed with status %d: %s", resp.StatusCode, string(body))
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama tags response: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (o *OllamaClient) model(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return o.defaultModel
}

func (o *OllamaClient) buildOptions(opts ChatOptions) map[string]any {
	options := make(map[string]any)
	if opts.Temperature != nil {
		options["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		options["num_predict"] = *opts.MaxTokens
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

// classifyHTTPError maps an Ollama error response onto the taxonomy.
// Ollama reports an unknown model as 404 with an error body mentioning the
// model name; anything else is an upstream failure.
func (o *OllamaClient) classifyHTTPError(model string, status int, body []byte) error {
	if status == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") &&
			strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", model)
			return &ProviderError{
				Provider:   datatypes.ProviderOllama,
				Kind:       ErrKindModelNotFound,
				StatusCode: status,
				Message:    fmt.Sprintf("model %q not found", model),
			}
		}
	}
	if status == http.StatusTooManyRequests {
		return &ProviderError{
			Provider:   datatypes.ProviderOllama,
			Kind:       ErrKindRateLimited,
			StatusCode: status,
			Message:    string(body),
		}
	}
	slog.Error("Ollama returned an error", "status_code", status, "response", string(body))
	return &ProviderError{
		Provider:   datatypes.ProviderOllama,
		Kind:       ErrKindUpstream,
		StatusCode: status,
		Message:    string(body),
	}
}
