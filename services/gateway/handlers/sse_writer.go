// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP request handlers for the gateway service.
//
// This file implements the SSE transport. Each event carries a UUID, a
// unix-millisecond timestamp, and a SHA-256 hash chained to the previous
// event so clients can verify nothing was dropped or reordered in transit.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// SSEWriter abstracts event serialization and flushing from the stream
// handlers. Every event is automatically stamped with an ID, a creation
// timestamp, its content hash, and the previous event's hash.
//
// # Thread Safety
//
// Implementations are safe for concurrent use; the stream handler and the
// keep-alive goroutine write from different goroutines.
type SSEWriter interface {
	// WriteEvent stamps and writes a single event, flushing immediately.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with the given message.
	WriteStatus(message string) error

	// WriteToken writes one token event.
	WriteToken(content string) error

	// WriteError writes an error event. The message must already be
	// sanitized; internal details never reach the client.
	WriteError(errMsg string) error

	// WriteDone writes the terminal event with the conversation ID, the
	// model that served the stream, and the full answer's hash.
	WriteDone(conversationID, model, answerHash string) error

	// WriteKeepAlive sends an SSE comment line. Comments reset load
	// balancer idle timers without touching the hash chain.
	WriteKeepAlive() error
}

// sseWriter implements SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps a ResponseWriter for SSE output. The caller must set
// headers via SetSSEHeaders first. Fails when the writer cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent stamps metadata, extends the hash chain, and writes the
// event in "event: type\ndata: json\n\n" form.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes all content fields. Called with Hash unset.
func computeEventHash(event datatypes.StreamEvent) string {
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		event.ID,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.ConversationID,
		event.Model,
		event.AnswerHash,
	)
	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventStatus).WithMessage(message))
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventToken).WithContent(content))
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventError).WithError(errMsg))
}

func (w *sseWriter) WriteDone(conversationID, model, answerHash string) error {
	event := datatypes.NewStreamEvent(datatypes.StreamEventDone)
	event.ConversationID = conversationID
	event.Model = model
	event.AnswerHash = answerHash
	return w.WriteEvent(event)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response for SSE streaming. Must run
// before any body write; X-Accel-Buffering disables nginx buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
