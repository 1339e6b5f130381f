// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/gateway/observability"
	"github.com/verdalis-ai/verdalis/services/gateway/retrieval"
	"github.com/verdalis-ai/verdalis/services/gateway/store"
	"github.com/verdalis-ai/verdalis/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var completionTracer = otel.Tracer("verdalis.gateway.completion")

// SystemPriming is the instruction leading a conversation's first
// provider request. It is a wire-only turn: the stored transcript holds
// user and assistant messages exclusively.
const SystemPriming = "You are a helpful assistant. Answer clearly and concisely."

// Service orchestrates completions across providers.
//
// # Description
//
// Service owns the full lifecycle of a conversational exchange: it
// persists the user turn before any network call, grounds the prompt
// with retrieved context when a retriever is wired, resolves the model
// proactively against the backend's list, runs the generation with a
// one-shot fallback retry, and persists the assistant turn. Mutating
// operations on the same conversation are serialized with a per-
// conversation lock so concurrent sends cannot interleave transcripts.
type Service struct {
	clients    map[datatypes.ProviderKind]llm.Client
	convs      store.ConversationStore
	msgs       store.MessageStore
	retriever  retrieval.Retriever
	ctxBuilder *retrieval.ContextBuilder
	metrics    *observability.Metrics
	locks      conversationLocks
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRetriever wires retrieval-grounded prompting. Without it,
// completions run on conversation history alone.
func WithRetriever(r retrieval.Retriever, builder *retrieval.ContextBuilder) ServiceOption {
	return func(s *Service) {
		s.retriever = r
		s.ctxBuilder = builder
	}
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService builds the orchestrator over the wired provider clients
// and stores.
func NewService(clients map[datatypes.ProviderKind]llm.Client,
	convs store.ConversationStore, msgs store.MessageStore,
	opts ...ServiceOption) *Service {

	s := &Service{
		clients: clients,
		convs:   convs,
		msgs:    msgs,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ctxBuilder == nil {
		s.ctxBuilder = retrieval.NewContextBuilder(0)
	}
	return s
}

// =============================================================================
// Conversation lifecycle
// =============================================================================

// CreateConversation starts an empty conversation. An empty title gets
// the placeholder, later overwritten from the first user message.
func (s *Service) CreateConversation(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, title string) (*datatypes.Conversation, error) {

	ctx, span := completionTracer.Start(ctx, "Service.CreateConversation")
	defer span.End()

	if _, err := s.client(provider); err != nil {
		return nil, err
	}
	if title == "" {
		title = datatypes.TitlePlaceholder
	}
	conv := &datatypes.Conversation{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		Title:    title,
		Provider: provider,
	}
	if err := s.convs.Create(ctx, conv); err != nil {
		span.RecordError(err)
		return nil, err
	}
	slog.Info("Created conversation",
		"conversation_id", conv.ID, "provider", provider)
	return conv, nil
}

// GetConversation returns a conversation with its full transcript.
func (s *Service) GetConversation(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string) (*datatypes.ConversationDetail, error) {

	ctx, span := completionTracer.Start(ctx, "Service.GetConversation")
	defer span.End()

	conv, err := s.lookup(ctx, ownerID, provider, conversationID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.msgs.ListOrdered(ctx, conv.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &datatypes.ConversationDetail{
		ID:        conv.ID,
		Title:     conv.Title,
		Provider:  conv.Provider,
		CreatedAt: conv.CreatedAt.UnixMilli(),
		UpdatedAt: conv.UpdatedAt.UnixMilli(),
		Messages:  transcript,
	}, nil
}

// ListConversations returns the owner's conversations for a provider,
// most recently active first.
func (s *Service) ListConversations(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind) ([]datatypes.ConversationSummary, error) {

	ctx, span := completionTracer.Start(ctx, "Service.ListConversations")
	defer span.End()

	convs, err := s.convs.ListByOwner(ctx, ownerID, provider)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	summaries := make([]datatypes.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summaries = append(summaries, datatypes.ConversationSummary{
			ID:        c.ID,
			Title:     c.Title,
			CreatedAt: c.CreatedAt.UnixMilli(),
			UpdatedAt: c.UpdatedAt.UnixMilli(),
		})
	}
	return summaries, nil
}

// RenameConversation sets an explicit title. Explicit renames stick:
// the placeholder derivation never overwrites them.
func (s *Service) RenameConversation(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID, title string) error {

	ctx, span := completionTracer.Start(ctx, "Service.RenameConversation")
	defer span.End()

	if _, err := s.lookup(ctx, ownerID, provider, conversationID); err != nil {
		return err
	}
	if err := s.convs.SetTitle(ctx, ownerID, conversationID, datatypes.DeriveTitle(title)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// DeleteConversation removes a conversation and its transcript.
func (s *Service) DeleteConversation(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string) error {

	ctx, span := completionTracer.Start(ctx, "Service.DeleteConversation")
	defer span.End()

	if _, err := s.lookup(ctx, ownerID, provider, conversationID); err != nil {
		return err
	}
	if err := s.convs.Delete(ctx, ownerID, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		span.RecordError(err)
		return err
	}
	slog.Info("Deleted conversation", "conversation_id", conversationID)
	return nil
}

// DeleteAllConversations removes every conversation the owner has with
// the provider and reports how many were removed.
func (s *Service) DeleteAllConversations(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind) (int, error) {

	ctx, span := completionTracer.Start(ctx, "Service.DeleteAllConversations")
	defer span.End()

	count, err := s.convs.DeleteAllByOwner(ctx, ownerID, provider)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	slog.Info("Deleted all conversations", "provider", provider, "count", count)
	return count, nil
}

// =============================================================================
// Completion
// =============================================================================

// AddMessage appends a user message and returns the buffered completion.
func (s *Service) AddMessage(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string,
	req datatypes.ChatMessageRequest) (*datatypes.ChatMessageResponse, error) {

	ctx, span := completionTracer.Start(ctx, "Service.AddMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("llm.provider", string(provider)),
	)

	unlock := s.locks.lock(conversationID)
	defer unlock()

	client, err := s.client(provider)
	if err != nil {
		return nil, err
	}
	conv, err := s.lookup(ctx, ownerID, provider, conversationID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.appendUserMessage(ctx, conv, req.Message.Content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	wire := s.assemblePrompt(ctx, transcript, req.Message.Content, req.CategoryID)
	resolution, err := ResolveModel(ctx, client, req.Model)
	if err != nil {
		span.SetStatus(codes.Error, "model resolution failed")
		return nil, err
	}

	var answer string
	usedModel, err := withModelFallback(ctx, client, resolution.Model, s.metrics,
		func(model string) error {
			var chatErr error
			answer, chatErr = client.Chat(ctx, wire, llm.ChatOptions{Model: model})
			return chatErr
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, err
	}

	if err := s.persistAssistant(ctx, conv.ID, answer); err != nil {
		return nil, err
	}
	return &datatypes.ChatMessageResponse{Response: answer, Model: usedModel}, nil
}

// AddMessageStreaming appends a user message and relays the completion
// token by token. Returns the model used; a partial answer is persisted
// when the stream dies with tokens already generated.
func (s *Service) AddMessageStreaming(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string,
	req datatypes.ChatMessageRequest, sink StreamSink) (string, error) {

	ctx, span := completionTracer.Start(ctx, "Service.AddMessageStreaming")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("llm.provider", string(provider)),
	)

	unlock := s.locks.lock(conversationID)
	defer unlock()

	client, err := s.client(provider)
	if err != nil {
		return "", err
	}
	conv, err := s.lookup(ctx, ownerID, provider, conversationID)
	if err != nil {
		return "", err
	}
	transcript, err := s.appendUserMessage(ctx, conv, req.Message.Content)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return s.streamCompletion(ctx, client, conv, transcript, req.Message.Content, req.CategoryID, req.Model, sink)
}

// Regenerate discards the most recent assistant message, a no-op when
// none exists, and recomputes the completion for the last user message.
func (s *Service) Regenerate(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string,
	req datatypes.RegenerateRequest) (*datatypes.ChatMessageResponse, error) {

	ctx, span := completionTracer.Start(ctx, "Service.Regenerate")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	unlock := s.locks.lock(conversationID)
	defer unlock()

	client, err := s.client(provider)
	if err != nil {
		return nil, err
	}
	conv, err := s.lookup(ctx, ownerID, provider, conversationID)
	if err != nil {
		return nil, err
	}
	transcript, question, err := s.rewindForRegenerate(ctx, conv.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	wire := s.assemblePrompt(ctx, transcript, question, req.CategoryID)
	resolution, err := ResolveModel(ctx, client, "")
	if err != nil {
		return nil, err
	}

	var answer string
	usedModel, err := withModelFallback(ctx, client, resolution.Model, s.metrics,
		func(model string) error {
			var chatErr error
			answer, chatErr = client.Chat(ctx, wire, llm.ChatOptions{Model: model})
			return chatErr
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "regenerate failed")
		return nil, err
	}

	if err := s.persistAssistant(ctx, conv.ID, answer); err != nil {
		return nil, err
	}
	return &datatypes.ChatMessageResponse{Response: answer, Model: usedModel}, nil
}

// RegenerateStreaming is Regenerate with a token relay instead of a
// buffered response.
func (s *Service) RegenerateStreaming(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string,
	req datatypes.RegenerateRequest, sink StreamSink) (string, error) {

	ctx, span := completionTracer.Start(ctx, "Service.RegenerateStreaming")
	defer span.End()

	unlock := s.locks.lock(conversationID)
	defer unlock()

	client, err := s.client(provider)
	if err != nil {
		return "", err
	}
	conv, err := s.lookup(ctx, ownerID, provider, conversationID)
	if err != nil {
		return "", err
	}
	transcript, question, err := s.rewindForRegenerate(ctx, conv.ID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return s.streamCompletion(ctx, client, conv, transcript, question, req.CategoryID, "", sink)
}

// =============================================================================
// Internals
// =============================================================================

func (s *Service) client(provider datatypes.ProviderKind) (llm.Client, error) {
	client, ok := s.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	return client, nil
}

// lookup fetches the conversation, folding owner and provider mismatch
// into the same not-found answer.
func (s *Service) lookup(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind, conversationID string) (*datatypes.Conversation, error) {

	conv, err := s.convs.Get(ctx, ownerID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.Provider != provider {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// appendUserMessage persists the user turn, deriving the title when it
// is still the placeholder. Returns the transcript including the new
// turn.
func (s *Service) appendUserMessage(ctx context.Context, conv *datatypes.Conversation,
	text string) ([]datatypes.StoredMessage, error) {

	transcript, err := s.msgs.ListOrdered(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	userMsg := datatypes.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           datatypes.RoleUser,
		Text:           text,
	}
	if err := s.msgs.Append(ctx, &userMsg); err != nil {
		return nil, err
	}
	transcript = append(transcript, userMsg)

	if conv.Title == datatypes.TitlePlaceholder {
		derived := datatypes.DeriveTitle(text)
		if derived != "" {
			if err := s.convs.SetTitle(ctx, conv.OwnerID, conv.ID, derived); err != nil {
				slog.Warn("Failed to derive conversation title",
					"conversation_id", conv.ID, "error", err)
			} else {
				conv.Title = derived
			}
		}
	}
	return transcript, nil
}

// rewindForRegenerate drops the newest assistant turn and returns the
// remaining transcript plus the user question to answer again.
func (s *Service) rewindForRegenerate(ctx context.Context,
	conversationID string) ([]datatypes.StoredMessage, string, error) {

	deleted, err := s.msgs.DeleteMostRecentAssistant(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	if !deleted {
		slog.Debug("Regenerate with no assistant message to discard",
			"conversation_id", conversationID)
	}
	transcript, err := s.msgs.ListOrdered(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	question := ""
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == datatypes.RoleUser {
			question = transcript[i].Text
			break
		}
	}
	if question == "" {
		return nil, "", ErrEmptyConversation
	}
	return transcript, question, nil
}

// assemblePrompt converts the transcript to wire messages. The priming
// turn leads the very first exchange and the retrieved-context block is
// prepended when retrieval produced one; both are synthetic wire-only
// turns, never written to the store. Retrieval failure degrades to
// history-only prompting, never to a failed completion.
func (s *Service) assemblePrompt(ctx context.Context,
	transcript []datatypes.StoredMessage, question, categoryID string) []datatypes.Message {

	var wire []datatypes.Message
	if len(transcript) == 1 {
		wire = append(wire, datatypes.Message{Role: datatypes.RoleSystem, Content: SystemPriming})
	}
	if block := s.retrieveContext(ctx, question, categoryID); block != "" {
		wire = append(wire, datatypes.Message{Role: datatypes.RoleSystem, Content: block})
	}
	for _, m := range transcript {
		wire = append(wire, datatypes.Message{Role: m.Role, Content: m.Text})
	}
	return wire
}

// retrieveContext fetches grounding material. Retrieval is opt-in per
// request: no category scope means no retrieval at all.
func (s *Service) retrieveContext(ctx context.Context, question, categoryID string) string {
	if s.retriever == nil || question == "" || categoryID == "" {
		return ""
	}
	resp, err := s.retriever.Retrieve(ctx, datatypes.RetrievalRequest{
		Question:   question,
		Limit:      retrieval.MaxContextChunks,
		CategoryID: categoryID,
	})
	if err != nil {
		slog.Warn("Retrieval exhausted, completing without context", "error", err)
		s.metrics.CountRetrievalDegraded()
		return ""
	}
	return s.ctxBuilder.Build(resp.Chunks)
}

func (s *Service) persistAssistant(ctx context.Context, conversationID, answer string) error {
	msg := datatypes.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           datatypes.RoleAssistant,
		Text:           answer,
	}
	if err := s.msgs.Append(ctx, &msg); err != nil {
		return err
	}
	if err := s.convs.Touch(ctx, conversationID); err != nil {
		slog.Warn("Failed to bump conversation recency",
			"conversation_id", conversationID, "error", err)
	}
	return nil
}

// persistAssistantIdempotent is the partial-persistence path: it skips
// the write when an identical assistant row already exists so retried
// disconnect handling never duplicates.
func (s *Service) persistAssistantIdempotent(ctx context.Context, conversationID, answer string) error {
	exists, err := s.msgs.ExistsWithText(ctx, conversationID, datatypes.RoleAssistant, answer)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.persistAssistant(ctx, conversationID, answer)
}

// streamCompletion runs the shared streaming path: resolve, relay with
// fallback retry, finalize, persist.
func (s *Service) streamCompletion(ctx context.Context, client llm.Client,
	conv *datatypes.Conversation, transcript []datatypes.StoredMessage,
	question, categoryID, requestedModel string, sink StreamSink) (string, error) {

	ctx, span := completionTracer.Start(ctx, "Service.streamCompletion")
	defer span.End()

	wire := s.assemblePrompt(ctx, transcript, question, categoryID)
	resolution, err := ResolveModel(ctx, client, requestedModel)
	if err != nil {
		span.SetStatus(codes.Error, "model resolution failed")
		return "", err
	}
	if err := sink.Status("generating"); err != nil {
		return "", err
	}

	provider := string(client.Kind())
	relay, err := NewStreamRelay(sink, s.metrics, provider)
	if err != nil {
		return "", err
	}
	s.metrics.StreamStarted(provider)
	defer s.metrics.StreamEnded(provider)

	usedModel, streamErr := withModelFallback(ctx, client, resolution.Model, s.metrics,
		func(model string) error {
			return client.ChatStream(ctx, wire, llm.ChatOptions{Model: model}, relay.Callback())
		})

	answer, hash, finErr := relay.Finalize()
	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "stream failed")
		if finErr == nil && answer != "" {
			if perr := s.persistAssistantIdempotent(ctx, conv.ID, answer); perr != nil {
				slog.Error("Failed to persist partial answer",
					"conversation_id", conv.ID, "error", perr)
			} else {
				slog.Info("Persisted partial answer after stream failure",
					"conversation_id", conv.ID, "length", len(answer))
			}
		}
		return usedModel, streamErr
	}
	if finErr != nil {
		span.RecordError(finErr)
		return usedModel, finErr
	}
	if answer == "" {
		// A clean end of stream with zero content is an upstream fault,
		// same as an empty candidate on the buffered path. An empty
		// assistant message is never persisted.
		err := &llm.ProviderError{
			Provider: client.Kind(),
			Kind:     llm.ErrKindUpstream,
			Message:  "stream completed without content",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty stream")
		return usedModel, err
	}

	if err := s.persistAssistantIdempotent(ctx, conv.ID, answer); err != nil {
		return usedModel, err
	}
	if err := sink.Done(hash, usedModel); err != nil {
		return usedModel, err
	}
	return usedModel, nil
}

// =============================================================================
// Per-conversation locking
// =============================================================================

// conversationLocks hands out one mutex per live conversation ID.
// Entries are refcounted and dropped when the last holder unlocks, so
// the map does not grow with conversation count.
type conversationLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *conversationLocks) lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*lockEntry)
	}
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
