// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"fmt"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// ErrKindModelNotFound means the backend rejected the requested model.
	// This is the only kind the orchestrator retries (once, with the
	// provider default).
	ErrKindModelNotFound ErrorKind = "model_not_found"

	// ErrKindRateLimited means the backend throttled the request.
	ErrKindRateLimited ErrorKind = "rate_limited"

	// ErrKindUpstream covers transport failures and malformed responses.
	ErrKindUpstream ErrorKind = "upstream"
)

// ProviderError is a classified failure from a backend call.
//
// # Fields
//
//   - Provider: Backend family that produced the failure.
//   - Kind: Failure classification, drives retry policy.
//   - StatusCode: HTTP status when one was received, else 0.
//   - Message: Short diagnostic; may echo the backend's error body.
type ProviderError struct {
	Provider   datatypes.ProviderKind
	Kind       ErrorKind
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// IsModelNotFound reports whether err is a model-not-found provider error.
func IsModelNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrKindModelNotFound
}

// IsRateLimited reports whether err is a rate-limit provider error.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ErrKindRateLimited
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
