package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("verdalis.llm.openai")

// OpenAIClient adapts any OpenAI-compatible chat-completions endpoint.
// With BaseURL set it also fronts vLLM, LM Studio, and similar servers
// that speak the same wire protocol.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	idleTimeout  time.Duration
}

// NewOpenAIClient builds an adapter from an explicit Config.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: neither API key nor base URL configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/v1"
		if strings.HasSuffix(cfg.BaseURL, "/v1") {
			clientCfg.BaseURL = cfg.BaseURL
		}
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.requestTimeout()}
	model := cfg.DefaultModel
	if model == "" {
		slog.Warn("OpenAI default model not set, falling back to gpt-4o-mini")
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		idleTimeout:  cfg.streamIdleTimeout(),
	}, nil
}

// Kind implements the Client interface.
func (o *OpenAIClient) Kind() datatypes.ProviderKind { return datatypes.ProviderOpenAI }

// DefaultModel implements the Client interface.
func (o *OpenAIClient) DefaultModel() string { return o.defaultModel }

// Chat implements the Client interface.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message,
	opts ChatOptions) (string, error) {

	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()

	model := o.model(opts)
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(model, messages, opts, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", o.classifyError(model, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		span.SetStatus(codes.Error, "empty completion")
		return "", &ProviderError{
			Provider: datatypes.ProviderOpenAI,
			Kind:     ErrKindUpstream,
			Message:  "backend returned no completion choices",
		}
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the Client interface.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	opts ChatOptions, callback StreamCallback) error {

	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()

	model := o.model(opts)
	span.SetAttributes(attribute.String("llm.model", model))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(model, messages, opts, true))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return o.classifyError(model, err)
	}
	defer stream.Close()

	watchdog := time.AfterFunc(o.idleTimeout, cancel)
	defer watchdog.Stop()

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return callback(StreamEvent{Done: true})
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			span.RecordError(recvErr)
			return o.classifyError(model, recvErr)
		}
		watchdog.Reset(o.idleTimeout)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if cbErr := callback(StreamEvent{Content: delta}); cbErr != nil {
				return cbErr
			}
		}
	}
}

// ListModels implements the Client interface.
func (o *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ListModels")
	defer span.End()

	resp, err := o.client.ListModels(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("OpenAI models call failed: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.ID)
	}
	return names, nil
}

func (o *OpenAIClient) model(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return o.defaultModel
}

func (o *OpenAIClient) buildRequest(model string, messages []datatypes.Message,
	opts ChatOptions, stream bool) openai.ChatCompletionRequest {

	wireMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		wireMessages = append(wireMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: wireMessages,
		Stream:   stream,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	return req
}

// classifyError maps go-openai errors onto the taxonomy. The OpenAI API
// signals an unknown model with a 404 and code "model_not_found".
func (o *OpenAIClient) classifyError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusNotFound,
			codeString(apiErr.Code) == "model_not_found":
			slog.Warn("OpenAI model not found", "model", model)
			return &ProviderError{
				Provider:   datatypes.ProviderOpenAI,
				Kind:       ErrKindModelNotFound,
				StatusCode: apiErr.HTTPStatusCode,
				Message:    fmt.Sprintf("model %q not found", model),
			}
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &ProviderError{
				Provider:   datatypes.ProviderOpenAI,
				Kind:       ErrKindRateLimited,
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		default:
			return &ProviderError{
				Provider:   datatypes.ProviderOpenAI,
				Kind:       ErrKindUpstream,
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		}
	}
	return &ProviderError{
		Provider: datatypes.ProviderOpenAI,
		Kind:     ErrKindUpstream,
		Message:  err.Error(),
	}
}

// codeString normalizes the APIError.Code field, which the wire format
// delivers as either a string or a number.
func codeString(code any) string {
	s, _ := code.(string)
	return s
}
