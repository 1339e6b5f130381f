// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"strings"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

// DefaultContextBudget caps how many characters of retrieved text are
// woven into a completion prompt.
const DefaultContextBudget = 4000

// MaxContextChunks bounds how many chunks one prompt may carry, on top
// of the character budget.
const MaxContextChunks = 5

// contextPreamble frames the retrieved material so the model treats it
// as reference, not conversation.
const contextPreamble = "Use the following reference material to answer the question. " +
	"If the material does not cover the question, say so rather than guessing.\n\n"

// ContextBuilder turns retrieval chunks into a single grounding block.
type ContextBuilder struct {
	budget int
}

// NewContextBuilder builds a ContextBuilder with the given character
// budget; zero or negative means DefaultContextBudget.
func NewContextBuilder(budget int) *ContextBuilder {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	return &ContextBuilder{budget: budget}
}

// Build deduplicates chunks, selects greedily within the character
// budget, and renders the survivors as one instructional block. Returns
// "" when nothing fits or nothing was retrieved.
//
// Selection is greedy in retrieval order: a chunk that would overflow
// the budget is skipped, never truncated, and later smaller chunks may
// still be admitted.
func (b *ContextBuilder) Build(chunks []datatypes.RetrievalChunk) string {
	selected := b.selectWithinBudget(dedupeChunks(chunks))
	if len(selected) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(contextPreamble)
	for i, chunk := range selected {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("---\n")
		if chunk.SourcePath != "" {
			sb.WriteString("Source: ")
			sb.WriteString(chunk.SourcePath)
			sb.WriteString("\n")
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String()
}

// dedupeChunks drops repeats, keyed by chunk ID when present and exact
// text otherwise. First occurrence wins so retrieval ranking survives.
func dedupeChunks(chunks []datatypes.RetrievalChunk) []datatypes.RetrievalChunk {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]datatypes.RetrievalChunk, 0, len(chunks))
	for _, chunk := range chunks {
		key := chunk.ID
		if key == "" {
			key = "text:" + chunk.Text
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, chunk)
	}
	return out
}

func (b *ContextBuilder) selectWithinBudget(chunks []datatypes.RetrievalChunk) []datatypes.RetrievalChunk {
	var selected []datatypes.RetrievalChunk
	used := 0
	for _, chunk := range chunks {
		if len(selected) == MaxContextChunks {
			break
		}
		cost := len(chunk.Text)
		if cost == 0 || used+cost > b.budget {
			continue
		}
		selected = append(selected, chunk)
		used += cost
	}
	return selected
}
