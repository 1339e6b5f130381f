// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

// streamReader consumes the gateway's SSE stream and verifies the event
// hash chain as it goes. A broken chain means something between the
// gateway and us dropped or reordered an event.
type streamReader struct {
	prevHash string
}

// readEvents parses SSE frames from body, invoking handle per event.
// Keep-alive comment lines are skipped. Returns on stream end, context
// cancellation, or a handler error.
func (r *streamReader) readEvents(ctx context.Context, body io.Reader,
	handle func(datatypes.StreamEvent) error) error {

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("malformed stream event: %w", err)
		}
		if err := r.verifyChain(event); err != nil {
			return err
		}
		if err := handle(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// verifyChain checks the event's own hash and its link to the previous
// event. The hash input mirrors what the gateway signs.
func (r *streamReader) verifyChain(event datatypes.StreamEvent) error {
	if event.PrevHash != r.prevHash {
		return fmt.Errorf("stream integrity failure: expected prev hash %q, got %q",
			r.prevHash, event.PrevHash)
	}
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		event.ID, event.Type, event.CreatedAt, event.PrevHash,
		event.Content, event.Message, event.Error,
		event.ConversationID, event.Model, event.AnswerHash)
	sum := sha256.Sum256([]byte(hashInput))
	if computed := hex.EncodeToString(sum[:]); computed != event.Hash {
		return fmt.Errorf("stream integrity failure: event %s hash mismatch", event.ID)
	}
	r.prevHash = event.Hash
	return nil
}
