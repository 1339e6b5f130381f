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

	"github.com/gin-gonic/gin"
	"github.com/verdalis-ai/verdalis/services/gateway/completion"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/gateway/observability"
	"github.com/verdalis-ai/verdalis/services/llm"
	"go.opentelemetry.io/otel"
)

var handlersTracer = otel.Tracer("verdalis.gateway.handlers")

// ownerHeader carries the caller's identity. The gateway does not
// authenticate; an upstream proxy is expected to set this header.
const ownerHeader = "X-User-ID"

// anonymousOwner is used when no identity header is present.
const anonymousOwner = "anonymous"

// ChatHandler serves the conversation CRUD and completion endpoints.
type ChatHandler struct {
	svc     *completion.Service
	metrics *observability.Metrics
}

// NewChatHandler builds the handler over the orchestration service.
func NewChatHandler(svc *completion.Service, metrics *observability.Metrics) *ChatHandler {
	return &ChatHandler{svc: svc, metrics: metrics}
}

// ownerID extracts the caller identity from the request.
func ownerID(c *gin.Context) string {
	if owner := c.GetHeader(ownerHeader); owner != "" {
		return owner
	}
	return anonymousOwner
}

// provider parses the :provider path segment exactly once, at the HTTP
// boundary. Everything past this point works with the closed enum.
func provider(c *gin.Context) (datatypes.ProviderKind, bool) {
	kind, err := datatypes.ParseProviderKind(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

// writeServiceError maps orchestration errors onto HTTP statuses with
// sanitized bodies.
func (h *ChatHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, completion.ErrConversationNotFound):
		h.metrics.CountError("not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, completion.ErrProviderNotConfigured):
		h.metrics.CountError("provider_not_configured")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider not configured"})
	case errors.Is(err, completion.ErrNoUsableModel):
		h.metrics.CountError("no_usable_model")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no usable model available"})
	case errors.Is(err, completion.ErrEmptyConversation):
		h.metrics.CountError("empty_conversation")
		c.JSON(http.StatusConflict, gin.H{"error": "conversation has no user message"})
	case llm.IsRateLimited(err):
		h.metrics.CountError("rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "provider rate limit exceeded"})
	case llm.IsModelNotFound(err):
		h.metrics.CountError("model_not_found")
		c.JSON(http.StatusBadGateway, gin.H{"error": "model unavailable"})
	default:
		h.metrics.CountError("internal")
		slog.Error("Request failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "completion backend failure"})
	}
}

// CreateChat handles POST /v1/chat/:provider.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.CreateChat")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	var req datatypes.CreateChatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	conv, err := h.svc.CreateConversation(ctx, ownerID(c), kind, req.Title)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       conv.ID,
		"title":    conv.Title,
		"provider": conv.Provider,
	})
}

// ListChats handles GET /v1/chat/:provider.
func (h *ChatHandler) ListChats(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.ListChats")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	summaries, err := h.svc.ListConversations(ctx, ownerID(c), kind)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if summaries == nil {
		summaries = []datatypes.ConversationSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

// GetChat handles GET /v1/chat/:provider/:chatId.
func (h *ChatHandler) GetChat(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.GetChat")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	detail, err := h.svc.GetConversation(ctx, ownerID(c), kind, c.Param("chatId"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// RenameChat handles PATCH /v1/chat/:provider/:chatId/title.
func (h *ChatHandler) RenameChat(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.RenameChat")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	var req datatypes.RenameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title must be non-blank and at most 100 characters"})
		return
	}
	if err := h.svc.RenameConversation(ctx, ownerID(c), kind, c.Param("chatId"), req.Title); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteChat handles DELETE /v1/chat/:provider/:chatId.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.DeleteChat")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteConversation(ctx, ownerID(c), kind, c.Param("chatId")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAllChats handles DELETE /v1/chat/:provider.
func (h *ChatHandler) DeleteAllChats(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.DeleteAllChats")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	count, err := h.svc.DeleteAllConversations(ctx, ownerID(c), kind)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

// PostMessage handles POST /v1/chat/:provider/:chatId/message, the
// buffered completion endpoint.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.PostMessage")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
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

	resp, err := h.svc.AddMessage(ctx, ownerID(c), kind, c.Param("chatId"), req)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Regenerate handles POST /v1/chat/:provider/:chatId/regenerate.
func (h *ChatHandler) Regenerate(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.Regenerate")
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
	resp, err := h.svc.Regenerate(ctx, ownerID(c), kind, c.Param("chatId"), req)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
