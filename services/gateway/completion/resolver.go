// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"context"
	"log/slog"
	"strings"

	"github.com/verdalis-ai/verdalis/services/llm"
)

// Resolution is the outcome of proactive model resolution.
type Resolution struct {
	// Model is the model name to send to the backend.
	Model string

	// Substituted is true when the requested model was unavailable and
	// the provider default was chosen instead.
	Substituted bool
}

// ResolveModel picks the model for a completion before any generation
// call is made.
//
// # Description
//
// The backend's model list is consulted once per completion. A requested
// model is kept when the list contains it exactly or contains a name
// that includes it as a substring, which tolerates tag suffixes like
// "llama3.2" vs "llama3.2:latest". A miss falls back to the provider
// default; when the default is also absent from a successfully fetched
// list, resolution fails rather than sending a doomed request.
//
// When the list itself cannot be fetched the requested model is returned
// optimistically: availability checking must never take down completions
// on its own, and a genuinely missing model is still caught by the
// reactive retry around the generation call.
func ResolveModel(ctx context.Context, client llm.Client, requested string) (Resolution, error) {
	want := requested
	if want == "" {
		want = client.DefaultModel()
	}

	available, err := client.ListModels(ctx)
	if err != nil {
		slog.Warn("Model list unavailable, proceeding optimistically",
			"provider", client.Kind(), "model", want, "error", err)
		return Resolution{Model: want}, nil
	}

	if modelListed(available, want) {
		return Resolution{Model: want}, nil
	}

	fallback := client.DefaultModel()
	if fallback != want && modelListed(available, fallback) {
		slog.Warn("Requested model unavailable, substituting provider default",
			"provider", client.Kind(), "requested", want, "default", fallback)
		return Resolution{Model: fallback, Substituted: true}, nil
	}
	slog.Error("Neither requested model nor default is available",
		"provider", client.Kind(), "requested", want, "default", fallback)
	return Resolution{}, ErrNoUsableModel
}

// modelListed reports whether name matches any listed model, exactly or
// as a substring of a tagged name.
func modelListed(available []string, name string) bool {
	if name == "" {
		return false
	}
	for _, candidate := range available {
		if candidate == name || strings.Contains(candidate, name) {
			return true
		}
	}
	return false
}
