// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared by the gateway service.
//
// This file contains the wire types for the knowledge-search service. The
// gateway only queries that service; ingestion and indexing live elsewhere.
package datatypes

// RetrievalRequest is the payload sent to a knowledge-search endpoint.
//
// # Description
//
// The retrieval service answers with text chunks relevant to Question,
// scoped to the given knowledge category. Limit bounds the number of chunks
// the service should return; the gateway applies its own tighter selection
// afterwards (dedup plus a character budget).
type RetrievalRequest struct {
	Question   string `json:"question"`
	Limit      int    `json:"limit"`
	CategoryID string `json:"category_id,omitempty"`
}

// RetrievalChunk is one unit of retrieved text with its source reference.
//
// Chunks are ephemeral: they live for a single completion request and are
// never persisted.
type RetrievalChunk struct {
	// ID is the originating chunk identifier assigned by the indexer.
	// May be empty for older indexes; deduplication then falls back to
	// exact text equality.
	ID string `json:"id"`

	// Text is the raw chunk content.
	Text string `json:"text"`

	// SourcePath identifies the source document the chunk came from.
	SourcePath string `json:"source_path"`
}

// RetrievalResponse is the well-formed answer of a retrieval endpoint.
// Zero chunks is a valid result and terminates the candidate search.
type RetrievalResponse struct {
	Chunks []RetrievalChunk `json:"chunks"`
}
