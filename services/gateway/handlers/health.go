// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/llm"
)

// healthProbeTimeout bounds each provider probe so a hung backend cannot
// stall the health endpoint.
const healthProbeTimeout = 3 * time.Second

// HealthHandler reports gateway and provider liveness.
type HealthHandler struct {
	clients map[datatypes.ProviderKind]llm.Client
}

// NewHealthHandler builds the handler over the wired provider clients.
func NewHealthHandler(clients map[datatypes.ProviderKind]llm.Client) *HealthHandler {
	return &HealthHandler{clients: clients}
}

// Liveness handles GET /health. It answers as soon as the process can
// serve requests; provider state is Readiness' concern.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness handles GET /health/ready.
//
// Each provider is probed concurrently with a short ListModels call.
// The endpoint reports 200 when at least one provider answers and 503
// when none do; per-provider status is always in the body.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	type probeResult struct {
		provider datatypes.ProviderKind
		healthy  bool
	}
	results := make(chan probeResult, len(h.clients))
	var wg sync.WaitGroup
	for kind, client := range h.clients {
		wg.Add(1)
		go func(kind datatypes.ProviderKind, client llm.Client) {
			defer wg.Done()
			_, err := client.ListModels(ctx)
			results <- probeResult{provider: kind, healthy: err == nil}
		}(kind, client)
	}
	wg.Wait()
	close(results)

	providers := gin.H{}
	anyHealthy := false
	for res := range results {
		status := "unreachable"
		if res.healthy {
			status = "ok"
			anyHealthy = true
		}
		providers[string(res.provider)] = status
	}

	code := http.StatusOK
	overall := "ready"
	if !anyHealthy {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(code, gin.H{"status": overall, "providers": providers})
}

// ListModels handles GET /v1/models/:provider, exposing what the backend
// reports for client-side model pickers.
func (h *HealthHandler) ListModels(c *gin.Context) {
	kind, err := datatypes.ParseProviderKind(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	client, ok := h.clients[kind]
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider not configured"})
		return
	}
	models, err := client.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "model list unavailable"})
		return
	}
	if models == nil {
		models = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":      kind,
		"default_model": client.DefaultModel(),
		"models":        models,
	})
}
