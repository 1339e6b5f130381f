// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"context"
	"log/slog"

	"github.com/verdalis-ai/verdalis/services/gateway/observability"
	"github.com/verdalis-ai/verdalis/services/llm"
)

// withModelFallback runs a generation attempt and retries exactly once
// on the provider default when the backend rejects the model.
//
// The retry fires only when the error classifies as model-not-found and
// the default actually differs from what was just tried; every other
// error, including a second model miss, propagates unchanged. Returns
// the model that produced the final outcome.
func withModelFallback(ctx context.Context, client llm.Client, model string,
	metrics *observability.Metrics, run func(model string) error) (string, error) {

	err := run(model)
	if err == nil || !llm.IsModelNotFound(err) {
		return model, err
	}

	fallback := client.DefaultModel()
	if fallback == "" || fallback == model {
		return model, err
	}
	if ctx.Err() != nil {
		return model, err
	}

	slog.Warn("Backend rejected model, retrying once on provider default",
		"provider", client.Kind(), "rejected", model, "fallback", fallback)
	metrics.CountModelFallback(string(client.Kind()))

	return fallback, run(fallback)
}
