// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var storeTracer = otel.Tracer("verdalis.gateway.store")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	provider TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner
	ON conversations(owner_id, provider, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	sent_at TIMESTAMP NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, seq);
`

// SQLiteStore implements ConversationStore and MessageStore on a single
// SQLite database file. A shared in-memory DSN works for tests.
//
// # Limitations
//
// SQLite serializes writers. That is acceptable here: writes are light
// (one user message and one assistant message per completion) and the
// completion layer already serializes per-conversation mutation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Foreign keys are enabled so deleting a conversation
// cascades to its messages.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	slog.Info("SQLite store ready", "path", path)
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// =============================================================================
// ConversationStore
// =============================================================================

// Create implements ConversationStore.
func (s *SQLiteStore) Create(ctx context.Context, conv *datatypes.Conversation) error {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.Create")
	defer span.End()

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, provider, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, string(conv.Provider), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// Get implements ConversationStore.
func (s *SQLiteStore) Get(ctx context.Context, ownerID, conversationID string) (*datatypes.Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.Get")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, provider, created_at, updated_at
		 FROM conversations WHERE id = ? AND owner_id = ?`,
		conversationID, ownerID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return conv, nil
}

// SetTitle implements ConversationStore.
func (s *SQLiteStore) SetTitle(ctx context.Context, ownerID, conversationID, title string) error {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.SetTitle")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		title, time.Now().UTC(), conversationID, ownerID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch implements ConversationStore.
func (s *SQLiteStore) Touch(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// ListByOwner implements ConversationStore.
func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind) ([]datatypes.Conversation, error) {

	ctx, span := storeTracer.Start(ctx, "SQLiteStore.ListByOwner")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, provider, created_at, updated_at
		 FROM conversations WHERE owner_id = ? AND provider = ?
		 ORDER BY updated_at DESC`,
		ownerID, string(provider))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []datatypes.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation row iteration failed: %w", err)
	}
	return convs, nil
}

// Delete implements ConversationStore.
func (s *SQLiteStore) Delete(ctx context.Context, ownerID, conversationID string) error {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND owner_id = ?`,
		conversationID, ownerID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllByOwner implements ConversationStore.
func (s *SQLiteStore) DeleteAllByOwner(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind) (int, error) {

	ctx, span := storeTracer.Start(ctx, "SQLiteStore.DeleteAllByOwner")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE owner_id = ? AND provider = ?`,
		ownerID, string(provider))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	span.SetAttributes(attribute.Int("deleted_count", int(affected)))
	return int(affected), nil
}

// =============================================================================
// MessageStore
// =============================================================================

// Append implements MessageStore.
func (s *SQLiteStore) Append(ctx context.Context, msg *datatypes.StoredMessage) error {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.Append")
	defer span.End()

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, text, sent_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Text, msg.SentAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListOrdered implements MessageStore. Ordering is by insertion sequence,
// not sent_at, so same-millisecond messages never reorder.
func (s *SQLiteStore) ListOrdered(ctx context.Context, conversationID string) ([]datatypes.StoredMessage, error) {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.ListOrdered")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, sent_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []datatypes.StoredMessage
	for rows.Next() {
		var m datatypes.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message row iteration failed: %w", err)
	}
	return msgs, nil
}

// DeleteMostRecentAssistant implements MessageStore.
func (s *SQLiteStore) DeleteMostRecentAssistant(ctx context.Context, conversationID string) (bool, error) {
	ctx, span := storeTracer.Start(ctx, "SQLiteStore.DeleteMostRecentAssistant")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE seq = (
			SELECT seq FROM messages
			WHERE conversation_id = ? AND role = ?
			ORDER BY seq DESC LIMIT 1
		)`,
		conversationID, datatypes.RoleAssistant)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to delete assistant message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ExistsWithText implements MessageStore.
func (s *SQLiteStore) ExistsWithText(ctx context.Context, conversationID, role, text string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND role = ? AND text = ?`,
		conversationID, role, text).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*datatypes.Conversation, error) {
	var conv datatypes.Conversation
	var provider string
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &provider,
		&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	conv.Provider = datatypes.ProviderKind(provider)
	return &conv, nil
}
