// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists conversations and their message transcripts.
//
// # Description
//
// The gateway treats storage as two narrow interfaces: ConversationStore
// for conversation lifecycle and MessageStore for transcript rows. The
// SQLite implementation backs both; tests substitute in-memory fakes.
// All reads and writes are scoped by owner where ownership matters, so a
// caller can never see or mutate another owner's conversations.
package store

import (
	"context"
	"errors"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

// ErrNotFound is returned when a conversation or message does not exist
// or is not visible to the requesting owner.
var ErrNotFound = errors.New("store: not found")

// ConversationStore manages conversation rows.
type ConversationStore interface {
	// Create inserts a new conversation and returns it with timestamps set.
	Create(ctx context.Context, conv *datatypes.Conversation) error

	// Get fetches a conversation by ID, scoped to the owner. Returns
	// ErrNotFound when absent or owned by someone else.
	Get(ctx context.Context, ownerID, conversationID string) (*datatypes.Conversation, error)

	// SetTitle updates the title and bumps updated_at.
	SetTitle(ctx context.Context, ownerID, conversationID, title string) error

	// Touch bumps updated_at without other changes. Called after message
	// activity so recency ordering tracks conversation use.
	Touch(ctx context.Context, conversationID string) error

	// ListByOwner returns the owner's conversations for a provider,
	// most recently updated first.
	ListByOwner(ctx context.Context, ownerID string, provider datatypes.ProviderKind) ([]datatypes.Conversation, error)

	// Delete removes a conversation and its messages. Returns ErrNotFound
	// when the conversation is absent or owned by someone else.
	Delete(ctx context.Context, ownerID, conversationID string) error

	// DeleteAllByOwner removes every conversation for the owner and
	// provider, returning how many were deleted.
	DeleteAllByOwner(ctx context.Context, ownerID string, provider datatypes.ProviderKind) (int, error)
}

// MessageStore manages transcript rows within a conversation.
type MessageStore interface {
	// Append adds a message to the end of a conversation's transcript.
	Append(ctx context.Context, msg *datatypes.StoredMessage) error

	// ListOrdered returns the full transcript oldest first.
	ListOrdered(ctx context.Context, conversationID string) ([]datatypes.StoredMessage, error)

	// DeleteMostRecentAssistant removes the newest assistant message.
	// Returns false without error when the transcript has none.
	DeleteMostRecentAssistant(ctx context.Context, conversationID string) (bool, error)

	// ExistsWithText reports whether the conversation already holds a
	// message with the given role and exact text. Used to keep partial
	// stream persistence idempotent.
	ExistsWithText(ctx context.Context, conversationID, role, text string) (bool, error)
}
