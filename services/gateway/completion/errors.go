// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package completion orchestrates chat completions: model resolution,
// retrieval-grounded prompting, provider calls with fallback retry, and
// transcript persistence.
package completion

import "errors"

var (
	// ErrConversationNotFound covers both a missing conversation and one
	// that belongs to a different owner or provider. Callers cannot
	// distinguish the cases, deliberately.
	ErrConversationNotFound = errors.New("completion: conversation not found")

	// ErrNoUsableModel means neither the requested model nor the provider
	// default appears in the backend's model list.
	ErrNoUsableModel = errors.New("completion: no usable model available")

	// ErrEmptyConversation means a regenerate was requested on a
	// transcript with no user message to answer.
	ErrEmptyConversation = errors.New("completion: conversation has no user message")

	// ErrProviderNotConfigured means the gateway has no client wired for
	// the requested provider.
	ErrProviderNotConfigured = errors.New("completion: provider not configured")
)
