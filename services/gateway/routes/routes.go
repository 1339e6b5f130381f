// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the gateway's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/verdalis-ai/verdalis/services/gateway/handlers"
)

// Register mounts every gateway route on the engine.
//
// The :provider segment is a closed enumeration parsed once inside the
// handlers; unknown providers answer 400 before any work happens.
func Register(r *gin.Engine, chat *handlers.ChatHandler, health *handlers.HealthHandler) {
	r.GET("/health", health.Liveness)
	r.GET("/health/ready", health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/models/:provider", health.ListModels)

	chats := v1.Group("/chat/:provider")
	chats.POST("", chat.CreateChat)
	chats.GET("", chat.ListChats)
	chats.DELETE("", chat.DeleteAllChats)

	chats.GET("/:chatId", chat.GetChat)
	chats.DELETE("/:chatId", chat.DeleteChat)
	chats.PATCH("/:chatId/title", chat.RenameChat)

	chats.POST("/:chatId/message", chat.PostMessage)
	chats.POST("/:chatId/message/stream", chat.StreamMessage)
	chats.GET("/:chatId/message/ws", chat.StreamMessageWS)
	chats.POST("/:chatId/regenerate", chat.Regenerate)
	chats.POST("/:chatId/regenerate/stream", chat.StreamRegenerate)
}
