package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(owner string, provider datatypes.ProviderKind) *datatypes.Conversation {
	return &datatypes.Conversation{
		ID:       uuid.NewString(),
		OwnerID:  owner,
		Title:    datatypes.TitlePlaceholder,
		Provider: provider,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderOllama)
	require.NoError(t, s.Create(ctx, conv))
	assert.False(t, conv.CreatedAt.IsZero())

	got, err := s.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, datatypes.TitlePlaceholder, got.Title)
	assert.Equal(t, datatypes.ProviderOllama, got.Provider)
}

func TestSQLiteStore_GetScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderOllama)
	require.NoError(t, s.Create(ctx, conv))

	_, err := s.Get(ctx, "mallory", conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SetTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderGemini)
	require.NoError(t, s.Create(ctx, conv))
	require.NoError(t, s.SetTitle(ctx, "alice", conv.ID, "repotting basil"))

	got, err := s.Get(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "repotting basil", got.Title)

	assert.ErrorIs(t, s.SetTitle(ctx, "alice", uuid.NewString(), "x"), ErrNotFound)
}

func TestSQLiteStore_ListByOwner_RecencyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newConversation("alice", datatypes.ProviderOllama)
	second := newConversation("alice", datatypes.ProviderOllama)
	other := newConversation("alice", datatypes.ProviderGemini)
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Create(ctx, second))
	require.NoError(t, s.Create(ctx, other))

	// Touching the older conversation moves it to the front.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Touch(ctx, first.ID))

	convs, err := s.ListByOwner(ctx, "alice", datatypes.ProviderOllama)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)
}

func TestSQLiteStore_DeleteCascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderOllama)
	require.NoError(t, s.Create(ctx, conv))
	require.NoError(t, s.Append(ctx, &datatypes.StoredMessage{
		ID: uuid.NewString(), ConversationID: conv.ID,
		Role: datatypes.RoleUser, Text: "hello",
	}))

	require.NoError(t, s.Delete(ctx, "alice", conv.ID))

	msgs, err := s.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, s.Delete(ctx, "alice", conv.ID), ErrNotFound)
}

func TestSQLiteStore_DeleteAllByOwner_ReturnsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, newConversation("alice", datatypes.ProviderOllama)))
	}
	require.NoError(t, s.Create(ctx, newConversation("alice", datatypes.ProviderGemini)))
	require.NoError(t, s.Create(ctx, newConversation("bob", datatypes.ProviderOllama)))

	count, err := s.DeleteAllByOwner(ctx, "alice", datatypes.ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	remaining, err := s.ListByOwner(ctx, "alice", datatypes.ProviderGemini)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestSQLiteStore_ListOrdered_InsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderOllama)
	require.NoError(t, s.Create(ctx, conv))

	sentAt := time.Now().UTC()
	for i := 0; i < 5; i++ {
		// Identical sent_at on every row: ordering must come from seq.
		require.NoError(t, s.Append(ctx, &datatypes.StoredMessage{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           datatypes.RoleUser,
			Text:           fmt.Sprintf("message %d", i),
			SentAt:         sentAt,
		}))
	}

	msgs, err := s.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("message %d", i), m.Text)
	}
}

func TestSQLiteStore_DeleteMostRecentAssistant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderOllama)
	require.NoError(t, s.Create(ctx, conv))

	appendMsg := func(role, text string) {
		require.NoError(t, s.Append(ctx, &datatypes.StoredMessage{
			ID: uuid.NewString(), ConversationID: conv.ID, Role: role, Text: text,
		}))
	}
	appendMsg(datatypes.RoleUser, "q1")
	appendMsg(datatypes.RoleAssistant, "a1")
	appendMsg(datatypes.RoleUser, "q2")
	appendMsg(datatypes.RoleAssistant, "a2")

	deleted, err := s.DeleteMostRecentAssistant(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	msgs, err := s.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "q2", msgs[2].Text)

	// Drain the remaining assistant message, then expect a no-op.
	deleted, err = s.DeleteMostRecentAssistant(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteMostRecentAssistant(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSQLiteStore_ExistsWithText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newConversation("alice", datatypes.ProviderOllama)
	require.NoError(t, s.Create(ctx, conv))
	require.NoError(t, s.Append(ctx, &datatypes.StoredMessage{
		ID: uuid.NewString(), ConversationID: conv.ID,
		Role: datatypes.RoleAssistant, Text: "partial answ",
	}))

	exists, err := s.ExistsWithText(ctx, conv.ID, datatypes.RoleAssistant, "partial answ")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ExistsWithText(ctx, conv.ID, datatypes.RoleAssistant, "different")
	require.NoError(t, err)
	assert.False(t, exists)
}
