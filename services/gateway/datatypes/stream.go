// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared by the gateway service.
//
// This file contains the streaming event vocabulary used by the SSE and
// WebSocket transports.
package datatypes

// StreamEventType is the discriminator of a streaming event.
type StreamEventType string

const (
	// StreamEventStatus reports processing progress before tokens flow.
	StreamEventStatus StreamEventType = "status"

	// StreamEventToken carries one incremental content chunk.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone terminates a successful stream.
	StreamEventDone StreamEventType = "done"

	// StreamEventError terminates a failed stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event emitted on a streaming transport.
//
// # Description
//
// Every event is stamped by the writer with a UUID, a unix-millisecond
// timestamp, and a SHA-256 hash chained to the previous event. The chain
// lets a client verify that no event was dropped or reordered in transit.
//
// # Fields
//
//   - Type: Event discriminator.
//   - Content: Token text (token events only).
//   - Message: Human-readable status (status events only).
//   - ConversationID: Conversation the stream belongs to (done events).
//   - Model: Model that served the stream (done events).
//   - AnswerHash: SHA-256 of the complete answer (done events).
//   - Error: Sanitized error message (error events only).
//   - ID, CreatedAt, Hash, PrevHash: Writer-assigned metadata.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	Content        string          `json:"content,omitempty"`
	Message        string          `json:"message,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	AnswerHash     string          `json:"answer_hash,omitempty"`
	Error          string          `json:"error,omitempty"`

	ID        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

// NewStreamEvent creates an event of the given type. Writer metadata is
// filled in by the transport writer, not here.
func NewStreamEvent(t StreamEventType) StreamEvent {
	return StreamEvent{Type: t}
}

// WithContent sets the token content.
func (e StreamEvent) WithContent(content string) StreamEvent {
	e.Content = content
	return e
}

// WithMessage sets the status message.
func (e StreamEvent) WithMessage(message string) StreamEvent {
	e.Message = message
	return e
}

// WithError sets the error message.
func (e StreamEvent) WithError(errMsg string) StreamEvent {
	e.Error = errMsg
	return e
}
