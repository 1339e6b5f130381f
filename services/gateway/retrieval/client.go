// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval fetches grounding context for completions from one or
// more retrieval endpoints, falling back across them when one is down.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var retrievalTracer = otel.Tracer("verdalis.gateway.retrieval")

// DefaultCandidateTimeout bounds how long a single endpoint may take
// before the client moves on to the next one.
const DefaultCandidateTimeout = 5 * time.Second

// TransportError marks failures that justify advancing to the next
// candidate endpoint: connection refused, timeout, DNS, 5xx. Anything
// else (a 4xx, a malformed body) is the caller's problem and does not
// trigger fallback.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("retrieval transport failure on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retriever is the interface the completion layer consumes. Implemented
// by Client; tests substitute fakes.
type Retriever interface {
	Retrieve(ctx context.Context, req datatypes.RetrievalRequest) (*datatypes.RetrievalResponse, error)
}

// Client queries retrieval endpoints in configured order. The first
// endpoint to return a well-formed response wins, even when that
// response carries zero chunks: an empty result is an answer, not a
// failure. Only transport-level failures advance the cursor.
type Client struct {
	endpoints        []string
	httpClient       *http.Client
	candidateTimeout time.Duration
	fallbackHook     func()
}

// Option configures a Client.
type Option func(*Client)

// WithCandidateTimeout overrides the per-endpoint timeout.
func WithCandidateTimeout(d time.Duration) Option {
	return func(c *Client) { c.candidateTimeout = d }
}

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFallbackHook registers a callback invoked each time a candidate
// endpoint fails and the walk advances. Used for metrics.
func WithFallbackHook(hook func()) Option {
	return func(c *Client) { c.fallbackHook = hook }
}

// NewClient builds a retrieval client over an ordered endpoint list.
// An empty list is valid and yields a client that always reports all
// endpoints exhausted.
func NewClient(endpoints []string, opts ...Option) *Client {
	c := &Client{
		endpoints:        endpoints,
		httpClient:       &http.Client{},
		candidateTimeout: DefaultCandidateTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retrieve implements Retriever.
//
// # Description
//
// Walks the endpoint list in order. Each candidate gets its own timeout;
// transport failures and 5xx responses advance to the next candidate,
// while any parseable 200 ends the walk. When every endpoint fails the
// last TransportError is returned so the caller can degrade gracefully.
func (c *Client) Retrieve(ctx context.Context, req datatypes.RetrievalRequest) (*datatypes.RetrievalResponse, error) {
	ctx, span := retrievalTracer.Start(ctx, "Client.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.num_endpoints", len(c.endpoints)))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retrieval request: %w", err)
	}

	var lastErr error
	for i, endpoint := range c.endpoints {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := c.queryEndpoint(ctx, endpoint, body)
		if err == nil {
			span.SetAttributes(attribute.Int("retrieval.winning_index", i))
			return resp, nil
		}
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retrieval response rejected")
			return nil, err
		}
		slog.Warn("Retrieval endpoint failed, trying next",
			"endpoint", endpoint, "index", i, "error", err)
		if c.fallbackHook != nil {
			c.fallbackHook()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &TransportError{Endpoint: "", Err: fmt.Errorf("no retrieval endpoints configured")}
	}
	span.SetStatus(codes.Error, "all retrieval endpoints exhausted")
	return nil, lastErr
}

func (c *Client) queryEndpoint(ctx context.Context, endpoint string, body []byte) (*datatypes.RetrievalResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.candidateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("endpoint returned status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("retrieval endpoint %s rejected request with status %d: %s",
			endpoint, resp.StatusCode, string(respBody))
	}

	var out datatypes.RetrievalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed retrieval response from %s: %w", endpoint, err)
	}
	return &out, nil
}
