// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"time"

	"github.com/verdalis-ai/verdalis/services/gateway/observability"
	"github.com/verdalis-ai/verdalis/services/llm"
)

// StreamSink receives relayed stream events. Handlers implement it over
// SSE or WebSocket; a sink error aborts the upstream read.
type StreamSink interface {
	// Status reports a lifecycle message before tokens start flowing.
	Status(message string) error

	// Token forwards one content chunk.
	Token(content string) error

	// Done signals completion with the full answer's integrity hash and
	// the model that produced it.
	Done(hash, model string) error
}

// StreamRelay forwards provider stream events to a sink while
// accumulating tokens for persistence.
//
// Tokens are written to the accumulator before the sink sees them, so a
// client disconnect mid-stream never loses what was already generated:
// the service recovers the partial answer from Finalize and persists it.
type StreamRelay struct {
	sink         StreamSink
	acc          TokenAccumulator
	metrics      *observability.Metrics
	provider     string
	startedAt    time.Time
	firstToken   bool
	doneReceived bool
}

// NewStreamRelay allocates a relay with a fresh token accumulator.
func NewStreamRelay(sink StreamSink, metrics *observability.Metrics, provider string) (*StreamRelay, error) {
	acc, err := NewTokenAccumulator()
	if err != nil {
		return nil, err
	}
	return &StreamRelay{
		sink:      sink,
		acc:       acc,
		metrics:   metrics,
		provider:  provider,
		startedAt: time.Now(),
	}, nil
}

// Callback returns the llm.StreamCallback that drives the relay.
func (r *StreamRelay) Callback() llm.StreamCallback {
	return func(ev llm.StreamEvent) error {
		if ev.Done {
			r.doneReceived = true
			return nil
		}
		if ev.Content == "" {
			return nil
		}
		if !r.firstToken {
			r.firstToken = true
			r.metrics.ObserveFirstToken(r.provider, time.Since(r.startedAt))
		}
		// Accumulate before forwarding: a sink failure must not lose the
		// token for partial persistence.
		if err := r.acc.Write(ev.Content); err != nil {
			return err
		}
		return r.sink.Token(ev.Content)
	}
}

// Completed reports whether the upstream signalled a clean end of stream.
func (r *StreamRelay) Completed() bool { return r.doneReceived }

// Finalize extracts whatever was accumulated, full answer or partial,
// and wipes the buffer. Call exactly once, on success and error paths
// alike.
func (r *StreamRelay) Finalize() (answer string, hash string, err error) {
	r.metrics.ObserveStream(r.provider, time.Since(r.startedAt))
	return r.acc.Finalize()
}

// Destroy releases the accumulator without reading it.
func (r *StreamRelay) Destroy() { r.acc.Destroy() }
