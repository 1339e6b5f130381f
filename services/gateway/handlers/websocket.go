// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to the fronting proxy; the gateway itself is
	// not exposed directly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink relays stream events as JSON text frames. Frames reuse the SSE
// event vocabulary so clients share one decoder across transports.
type wsSink struct {
	conn           *websocket.Conn
	conversationID string
	prevHash       string
	mu             sync.Mutex
}

func (s *wsSink) writeEvent(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = s.prevHash
	event.Hash = computeEventHash(event)
	s.prevHash = event.Hash

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(event)
}

func (s *wsSink) Status(message string) error {
	return s.writeEvent(datatypes.NewStreamEvent(datatypes.StreamEventStatus).WithMessage(message))
}

func (s *wsSink) Token(content string) error {
	return s.writeEvent(datatypes.NewStreamEvent(datatypes.StreamEventToken).WithContent(content))
}

func (s *wsSink) Done(hash, model string) error {
	event := datatypes.NewStreamEvent(datatypes.StreamEventDone)
	event.ConversationID = s.conversationID
	event.Model = model
	event.AnswerHash = hash
	return s.writeEvent(event)
}

func (s *wsSink) Error(errMsg string) error {
	return s.writeEvent(datatypes.NewStreamEvent(datatypes.StreamEventError).WithError(errMsg))
}

// StreamMessageWS handles GET /v1/chat/:provider/:chatId/message/ws.
//
// # Description
//
// WebSocket variant of StreamMessage for clients that cannot consume
// SSE. The client sends one ChatMessageRequest as a JSON text frame,
// receives the event stream, and the server closes the connection after
// the done or error event.
func (h *ChatHandler) StreamMessageWS(c *gin.Context) {
	ctx, span := handlersTracer.Start(c.Request.Context(), "ChatHandler.StreamMessageWS")
	defer span.End()

	kind, ok := provider(c)
	if !ok {
		return
	}
	conversationID := c.Param("chatId")

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req datatypes.ChatMessageRequest
	conn.SetReadDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		writeWSClose(conn, websocket.ClosePolicyViolation, "expected a chat message frame")
		return
	}
	conn.SetReadDeadline(time.Time{})
	if err := req.Validate(); err != nil || req.Message.Role != datatypes.RoleUser {
		writeWSClose(conn, websocket.ClosePolicyViolation, "invalid message")
		return
	}

	// Reads after the request frame only serve to detect disconnects.
	// A failed read cancels the stream so the upstream call unwinds
	// immediately instead of waiting for its next write.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := &wsSink{conn: conn, conversationID: conversationID}
	if _, err := h.svc.AddMessageStreaming(ctx, ownerID(c), kind, conversationID, req, sink); err != nil {
		span.RecordError(err)
		if werr := sink.Error(sanitizeStreamError(err)); werr != nil {
			slog.Debug("Could not deliver websocket error", "error", werr)
		}
		writeWSClose(conn, websocket.CloseInternalServerErr, "stream failed")
		return
	}
	writeWSClose(conn, websocket.CloseNormalClosure, "")
}

func writeWSClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("Failed to write websocket close frame", "error", err)
	}
}
