// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

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

var geminiTracer = otel.Tracer("verdalis.llm.gemini")

// geminiRoleModel is Gemini's name for assistant turns.
const geminiRoleModel = "model"

// GeminiClient talks to the Google generative-language REST API.
//
// # Description
//
// The adapter uses the raw v1beta REST surface rather than an SDK so the
// gateway controls timeouts, streaming reads, and error classification
// uniformly across backends. Gemini's role taxonomy has no system role:
// system turns are remapped to leading user turns (nearest supported role,
// never dropped), and assistant turns become "model" turns.
type GeminiClient struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	idleTimeout  time.Duration
}

// Gemini wire structures.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerateRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiModelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewGeminiClient builds a Gemini adapter from an explicit Config.
func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := cfg.DefaultModel
	if model == "" {
		slog.Warn("Gemini default model not set, falling back to gemini-2.0-flash")
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{
		httpClient:   &http.Client{Timeout: cfg.requestTimeout()},
		streamClient: &http.Client{},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: model,
		idleTimeout:  cfg.streamIdleTimeout(),
	}, nil
}

// Kind implements the Client interface.
func (g *GeminiClient) Kind() datatypes.ProviderKind { return datatypes.ProviderGemini }

// DefaultModel implements the Client interface.
func (g *GeminiClient) DefaultModel() string { return g.defaultModel }

// Chat implements the Client interface.
func (g *GeminiClient) Chat(ctx context.Context, messages []datatypes.Message,
	opts ChatOptions) (string, error) {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.Chat")
	defer span.End()

	model := g.model(opts)
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	respBody, err := g.post(ctx, g.httpClient, url, g.buildRequest(messages, opts), model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generateContent failed")
		return "", err
	}

	var genResp geminiGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", &ProviderError{
			Provider: datatypes.ProviderGemini,
			Kind:     ErrKindUpstream,
			Message:  "malformed generateContent response",
		}
	}
	text := extractGeminiText(&genResp)
	if strings.TrimSpace(text) == "" {
		span.SetStatus(codes.Error, "empty candidate")
		return "", &ProviderError{
			Provider: datatypes.ProviderGemini,
			Kind:     ErrKindUpstream,
			Message:  "backend returned no text candidate",
		}
	}
	return text, nil
}

// ChatStream implements the Client interface.
//
// Gemini streams SSE frames ("data: {json}") from :streamGenerateContent,
// each frame shaped like a generateContent response with a partial candidate.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	opts ChatOptions, callback StreamCallback) error {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.ChatStream")
	defer span.End()

	model := g.model(opts)
	span.SetAttributes(attribute.String("llm.model", model))

	reqBody, err := json.Marshal(g.buildRequest(messages, opts))
	if err != nil {
		return fmt.Errorf("failed to marshal Gemini stream request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.baseURL, model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create Gemini stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.streamClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return &ProviderError{
			Provider: datatypes.ProviderGemini,
			Kind:     ErrKindUpstream,
			Message:  err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return g.classifyHTTPError(model, resp.StatusCode, body)
	}

	watchdog := time.AfterFunc(g.idleTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.Reset(g.idleTimeout)
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk geminiGenerateResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("Skipping malformed Gemini stream frame", "error", err)
			continue
		}
		if text := extractGeminiText(&chunk); text != "" {
			if cbErr := callback(StreamEvent{Content: text}); cbErr != nil {
				return cbErr
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		return &ProviderError{
			Provider: datatypes.ProviderGemini,
			Kind:     ErrKindUpstream,
			Message:  err.Error(),
		}
	}
	return callback(StreamEvent{Done: true})
}

// ListModels implements the Client interface. Gemini reports model names as
// "models/<name>"; the prefix is stripped so resolver matching works on
// logical names.
func (g *GeminiClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiClient.ListModels")
	defer span.End()

	url := fmt.Sprintf("%s/v1beta/models?key=%s", g.baseURL, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini models request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("Gemini models call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("Gemini models failed with status %d: %s", resp.StatusCode, string(body))
	}
	var models geminiModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("failed to parse Gemini models response: %w", err)
	}
	names := make([]string, 0, len(models.Models))
	for _, m := range models.Models {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

func (g *GeminiClient) model(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return g.defaultModel
}

// buildRequest translates the normalized history into Gemini contents.
// System turns become leading user turns; assistant turns become "model".
func (g *GeminiClient) buildRequest(messages []datatypes.Message, opts ChatOptions) *geminiGenerateRequest {
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case datatypes.RoleAssistant:
			role = geminiRoleModel
		case datatypes.RoleSystem:
			role = datatypes.RoleUser
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	req := &geminiGenerateRequest{Contents: contents}
	if opts.Temperature != nil || opts.MaxTokens != nil {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		}
	}
	return req
}

func (g *GeminiClient) post(ctx context.Context, client *http.Client, url string,
	payload any, model string) ([]byte, error) {

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Gemini request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{
			Provider: datatypes.ProviderGemini,
			Kind:     ErrKindUpstream,
			Message:  err.Error(),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, g.classifyHTTPError(model, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// extractGeminiText pulls the best candidate's text out of a response,
// concatenating multi-part candidates.
func extractGeminiText(resp *geminiGenerateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// classifyHTTPError maps a Gemini error response onto the taxonomy. An
// unknown model surfaces as 404 on the models/{model} path.
func (g *GeminiClient) classifyHTTPError(model string, status int, body []byte) error {
	switch status {
	case http.StatusNotFound:
		slog.Warn("Gemini model not found", "model", model)
		return &ProviderError{
			Provider:   datatypes.ProviderGemini,
			Kind:       ErrKindModelNotFound,
			StatusCode: status,
			Message:    fmt.Sprintf("model %q not found", model),
		}
	case http.StatusTooManyRequests:
		return &ProviderError{
			Provider:   datatypes.ProviderGemini,
			Kind:       ErrKindRateLimited,
			StatusCode: status,
			Message:    string(body),
		}
	default:
		slog.Error("Gemini returned an error", "status_code", status, "response", string(body))
		return &ProviderError{
			Provider:   datatypes.ProviderGemini,
			Kind:       ErrKindUpstream,
			StatusCode: status,
			Message:    string(body),
		}
	}
}
