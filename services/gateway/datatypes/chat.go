// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared by the gateway service.
//
// This file contains the normalized message model and the request/response
// types for the chat endpoints.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// RoleUser marks a turn authored by the end user.
	RoleUser = "user"

	// RoleAssistant marks a turn authored by the model.
	RoleAssistant = "assistant"

	// RoleSystem marks a synthetic priming or context turn. Adapters whose
	// backend has no system role remap it, never drop it.
	RoleSystem = "system"

	// MaxMessageContentBytes is the maximum size of a single message body.
	// Checked in bytes, not runes, to bound memory for hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateNotBlank rejects strings that are empty after trimming.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Normalized Message Model
// =============================================================================

// Message is one turn in provider-neutral form.
//
// # Description
//
// Message is the unit the gateway hands to provider adapters. Role is one of
// RoleUser, RoleAssistant, RoleSystem; each adapter translates the role
// taxonomy into whatever its backend expects.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,notblank,maxbytes"`
}

// Validate runs struct validation on the message.
func (m *Message) Validate() error {
	return chatValidate.Struct(m)
}

// =============================================================================
// Request Types
// =============================================================================

// CreateChatRequest is the body for POST /v1/chat/:provider.
type CreateChatRequest struct {
	// Title is optional; when empty the conversation starts at the
	// placeholder title and is renamed from the first user message.
	Title string `json:"title" validate:"omitempty,max=100"`
}

// RenameChatRequest is the body for PATCH /v1/chat/:provider/:chatId/title.
type RenameChatRequest struct {
	Title string `json:"title" validate:"required,notblank,max=100"`
}

// Validate runs struct validation on the rename request.
func (r *RenameChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ChatMessageRequest is the body for the buffered and streaming message
// endpoints.
//
// # Fields
//
//   - Message: Required user turn. Only RoleUser is accepted from callers;
//     assistant and system turns are minted by the gateway.
//   - CategoryID: Optional knowledge-category scope. Empty means retrieval
//     is skipped entirely for this request.
//   - Model: Optional logical model hint. Empty means the provider default.
//
// # Validation
//
// Uses go-playground/validator:
//   - Message.Role: required, one of the normalized roles
//   - Message.Content: required, non-blank, max 32KB
type ChatMessageRequest struct {
	Message    Message `json:"message" validate:"required"`
	CategoryID string  `json:"category_id" validate:"omitempty,max=128"`
	Model      string  `json:"model" validate:"omitempty,max=128"`
}

// Validate runs struct validation plus the caller-role restriction.
func (r *ChatMessageRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	return r.Message.Validate()
}

// RegenerateRequest is the body for POST /v1/chat/:provider/:chatId/regenerate.
type RegenerateRequest struct {
	CategoryID string `json:"category_id" validate:"omitempty,max=128"`
}

// =============================================================================
// Response Types
// =============================================================================

// ChatMessageResponse carries the buffered completion result.
type ChatMessageResponse struct {
	Response string `json:"response"`
	// Model is the model that actually served the request. Differs from the
	// hint when availability fallback substituted the provider default.
	Model string `json:"model,omitempty"`
}

// ConversationSummary is the listing shape for GET /v1/chat/:provider.
type ConversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ConversationDetail is the shape for GET /v1/chat/:provider/:chatId.
type ConversationDetail struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Provider  ProviderKind    `json:"provider"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Messages  []StoredMessage `json:"messages"`
}
