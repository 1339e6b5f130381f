// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/verdalis-ai/verdalis/services/gateway/completion"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// keepAliveInterval paces SSE comment pings. 15s stays well under the
// 60s idle defaults of common load balancers.
const keepAliveInterval = 15 * time.Second

// sseSink adapts an SSEWriter to the completion.StreamSink contract.
type sseSink struct {
	writer         SSEWriter
	conversationID string
}

func (s *sseSink) Status(message string) error { return s.writer.WriteStatus(message) }
func (s *sseSink) Token(content string) error  { return s.writer.WriteToken(content) }
func (s *sseSink) Done(hash, model string) error {
	return s.writer.WriteDone(s.conversationID, model, hash)
}

// StreamMessage handles POST /v1/chat/:provider/:chatId/message/stream.
//
// # Description
//
// Relays the completion over SSE. A keep-alive goroutine pings every 15
// seconds so idle phases (retrieval, model load) do not trip proxy
// timeouts. A client disconnect cancels the upstream read through the
// request context; whatever was generated is persisted by the service.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.StreamMessage")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("llm.provider", string(kind)))

	var req datatypes.ChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must have a role and non-blank content up to 32KB"})
		return
	}
	if req.Message.Role != datatypes.RoleUser {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only user messages may be submitted"})
		return
	}

	conversationID := c.Param("chatId")
	writer, keepAliveStop, ok := h.openStream(c)
	if !ok {
		return
	}
	defer keepAliveStop()

	sink := &sseSink{writer: writer, conversationID: conversationID}
	if _, err := h.svc.AddMessageStreaming(ctx, ownerID(c), kind, conversationID, req, sink); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		h.writeStreamError(writer, err)
		return
	}
}

// StreamRegenerate handles POST /v1/chat/:provider/:chatId/regenerate/stream.
func (h *ChatHandler) StreamRegenerate(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.StreamRegenerate")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	var req datatypes.RegenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	conversationID := c.Param("chatId")
	writer, keepAliveStop, ok := h.openStream(c)
	if !ok {
		return
	}
	defer keepAliveStop()

	sink := &sseSink{writer: writer, conversationID: conversationID}
	if _, err := h.svc.RegenerateStreaming(ctx, ownerID(c), kind, conversationID, req, sink); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "regenerate stream failed")
		h.writeStreamError(writer, err)
		return
	}
}

// openStream switches the response into SSE mode and starts the
// keep-alive pinger. The returned stop function must be deferred.
func (h *ChatHandler) openStream(c *gin.Context) (SSEWriter, func(), bool) {
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, nil, false
	}
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return writer, func() { close(done) }, true
}

// writeStreamError emits a terminal error event. Headers are already
// out, so the HTTP status cannot change; errors ride the stream itself.
func (h *ChatHandler) writeStreamError(writer SSEWriter, err error) {
	h.metrics.CountError("stream")
	if werr := writer.WriteError(sanitizeStreamError(err)); werr != nil {
		slog.Debug("Could not deliver stream error, client likely gone", "error", werr)
	}
}

// sanitizeStreamError keeps internal detail out of client-visible errors.
func sanitizeStreamError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, completion.ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, completion.ErrNoUsableModel):
		return "no usable model available"
	case errors.Is(err, completion.ErrEmptyConversation):
		return "conversation has no user message"
	case llm.IsRateLimited(err):
		return "provider rate limit exceeded"
	default:
		return "completion failed"
	}
}
