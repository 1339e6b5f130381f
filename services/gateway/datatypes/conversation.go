// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared by the gateway service.
//
// This file contains the persisted conversation model and the provider
// taxonomy. For request/response types see chat.go, for retrieval types
// see retrieval.go.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Provider Taxonomy
// =============================================================================

// ProviderKind identifies a text-generation backend family.
//
// # Description
//
// ProviderKind is a closed enumeration resolved once at the HTTP boundary
// (see ParseProviderKind). Downstream code switches on the typed value and
// never re-parses free-form provider strings.
//
// A conversation is permanently tagged with the ProviderKind it was created
// under; the gateway rejects any attempt to continue a conversation through
// a different backend family.
type ProviderKind string

const (
	// ProviderOllama is the local Ollama backend (llama-family models).
	ProviderOllama ProviderKind = "ollama"

	// ProviderGemini is the Google Gemini REST backend.
	ProviderGemini ProviderKind = "gemini"

	// ProviderOpenAI is any OpenAI-compatible backend (OpenAI, LM Studio).
	ProviderOpenAI ProviderKind = "openai"
)

// ParseProviderKind converts a path/config string into a ProviderKind.
//
// # Description
//
// This is the single place where a free-form provider string becomes a typed
// value. Handlers call it on the route parameter; main calls it on config.
//
// # Inputs
//
//   - s: Raw provider string (case-insensitive).
//
// # Outputs
//
//   - ProviderKind: The matching kind.
//   - error: Non-nil if s names no known backend family.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderOllama:
		return ProviderOllama, nil
	case ProviderGemini:
		return ProviderGemini, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// =============================================================================
// Conversation Model
// =============================================================================

const (
	// TitlePlaceholder is the title assigned to a conversation at creation
	// when the caller supplies none. It is overwritten exactly once, from
	// the first user message.
	TitlePlaceholder = "New Chat"

	// MaxTitleLength caps derived and caller-supplied titles in runes.
	MaxTitleLength = 100
)

// DeriveTitle produces a conversation title from the first user message.
// The text is trimmed and truncated to MaxTitleLength runes.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > MaxTitleLength {
		return string(runes[:MaxTitleLength])
	}
	return text
}

// Conversation is a stored chat session.
//
// # Fields
//
//   - ID: Opaque conversation identifier (UUID v4).
//   - OwnerID: Identifier of the owning user.
//   - Title: Mutable title; starts as TitlePlaceholder.
//   - Provider: Backend family this conversation is bound to. Immutable.
//   - CreatedAt / UpdatedAt: Timestamps maintained by the store.
type Conversation struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Title     string       `json:"title"`
	Provider  ProviderKind `json:"provider"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StoredMessage is a single persisted turn of a conversation.
//
// Messages within one conversation are totally ordered by SentAt (with an
// insertion-sequence tiebreak inside the store). The gateway only appends
// messages, or deletes the single most recent assistant message during
// regeneration; it never mutates or reorders persisted turns.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}
