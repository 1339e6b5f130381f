package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/llm"
)

const testOwner = "user-1"

func userMsg(text string) datatypes.ChatMessageRequest {
	return datatypes.ChatMessageRequest{
		Message: datatypes.Message{Role: datatypes.RoleUser, Content: text},
	}
}

func newTestService(t *testing.T, client *fakeClient, opts ...ServiceOption) (*Service, *memStore) {
	t.Helper()
	st := newMemStore()
	svc := NewService(map[datatypes.ProviderKind]llm.Client{client.kind: client}, st, st, opts...)
	return svc, st
}

func mustCreate(t *testing.T, svc *Service, provider datatypes.ProviderKind) *datatypes.Conversation {
	t.Helper()
	conv, err := svc.CreateConversation(context.Background(), testOwner, provider, "")
	require.NoError(t, err)
	return conv
}

func TestAddMessage_EndToEnd(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2:latest"},
		chatFn: func(model string, msgs []datatypes.Message) (string, error) {
			return "Repot it in spring.", nil
		},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)
	assert.Equal(t, datatypes.TitlePlaceholder, conv.Title)

	resp, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, userMsg("When should I repot my monstera?"))
	require.NoError(t, err)
	assert.Equal(t, "Repot it in spring.", resp.Response)
	assert.Equal(t, "llama3.2", resp.Model)

	// Stored transcript holds exactly the user and assistant turns; the
	// priming is wire-only.
	transcript, err := st.ListOrdered(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, datatypes.RoleUser, transcript[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, transcript[1].Role)

	// Placeholder title was derived from the first user message.
	got, err := st.Get(context.Background(), testOwner, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "When should I repot my monstera?", got.Title)
}

func TestAddMessage_PrimingIsWireOnly(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	_, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, userMsg("q"))
	require.NoError(t, err)

	// The backend sees the priming turn.
	prompt := client.prompt()
	require.NotEmpty(t, prompt)
	assert.Equal(t, datatypes.RoleSystem, prompt[0].Role)
	assert.Equal(t, SystemPriming, prompt[0].Content)

	// The store never does.
	transcript, err := st.ListOrdered(context.Background(), conv.ID)
	require.NoError(t, err)
	for _, m := range transcript {
		assert.NotEqual(t, datatypes.RoleSystem, m.Role)
	}

	// Later exchanges run on history alone, as the first backend call
	// already primed the conversation.
	_, err = svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, userMsg("follow-up"))
	require.NoError(t, err)
	prompt = client.prompt()
	require.NotEmpty(t, prompt)
	assert.Equal(t, datatypes.RoleUser, prompt[0].Role)
}

func TestAddMessage_TitleDerivedOnlyOnce(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	ctx := context.Background()
	_, err := svc.AddMessage(ctx, testOwner, datatypes.ProviderOllama, conv.ID,
		userMsg("first question"))
	require.NoError(t, err)
	_, err = svc.AddMessage(ctx, testOwner, datatypes.ProviderOllama, conv.ID,
		userMsg("second question"))
	require.NoError(t, err)

	got, err := st.Get(ctx, testOwner, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "first question", got.Title)
}

func TestAddMessage_LongFirstMessageTruncatedTitle(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	long := strings.Repeat("plant ", 40)
	_, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, userMsg(long))
	require.NoError(t, err)

	got, err := st.Get(context.Background(), testOwner, conv.ID)
	require.NoError(t, err)
	assert.Len(t, []rune(got.Title), datatypes.MaxTitleLength)
}

func TestAddMessage_WrongOwnerOrProviderIsNotFound(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, _ := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	_, err := svc.AddMessage(context.Background(), "intruder", datatypes.ProviderOllama,
		conv.ID, userMsg("hi"))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = svc.GetConversation(context.Background(), testOwner, datatypes.ProviderGemini, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAddMessage_UnconfiguredProvider(t *testing.T) {
	client := &fakeClient{kind: datatypes.ProviderOllama, defaultModel: "llama3.2"}
	svc, _ := newTestService(t, client)

	_, err := svc.CreateConversation(context.Background(), testOwner, datatypes.ProviderOpenAI, "")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestAddMessage_UserTurnPersistedBeforeBackendFailure(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
		chatFn: func(model string, msgs []datatypes.Message) (string, error) {
			return "", &llm.ProviderError{Provider: datatypes.ProviderOllama, Kind: llm.ErrKindUpstream}
		},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	_, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, userMsg("doomed question"))
	require.Error(t, err)

	// The user turn survives the failed completion.
	transcript, err := st.ListOrdered(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "doomed question", transcript[0].Text)
}

func TestAddMessage_ReactiveModelFallback(t *testing.T) {
	// The list claims phantom exists, but the backend rejects it at
	// generation time. One retry on the default must succeed.
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"phantom", "llama3.2"},
		chatFn: func(model string, msgs []datatypes.Message) (string, error) {
			if model == "phantom" {
				return "", &llm.ProviderError{Provider: datatypes.ProviderOllama, Kind: llm.ErrKindModelNotFound}
			}
			return "recovered", nil
		},
	}
	svc, _ := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	req := userMsg("q")
	req.Model = "phantom"
	resp, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Response)
	assert.Equal(t, "llama3.2", resp.Model)
	assert.Equal(t, []string{"phantom", "llama3.2"}, client.chatModels())
}

func TestAddMessage_RetrievalContextPrepended(t *testing.T) {
	retriever := &fakeRetriever{chunks: []datatypes.RetrievalChunk{
		{ID: "c1", Text: "Monsteras prefer bright indirect light."},
	}}
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, _ := newTestService(t, client, WithRetriever(retriever, nil))
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	req := userMsg("light for monstera?")
	req.CategoryID = "houseplants"
	_, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, req)
	require.NoError(t, err)

	// Wire prompt: priming, context block, then the transcript.
	prompt := client.prompt()
	require.True(t, len(prompt) >= 2)
	assert.Equal(t, SystemPriming, prompt[0].Content)
	assert.Equal(t, datatypes.RoleSystem, prompt[1].Role)
	assert.Contains(t, prompt[1].Content, "Monsteras prefer bright indirect light.")
	assert.Equal(t, 1, retriever.calls)
}

func TestAddMessage_NoCategorySkipsRetrieval(t *testing.T) {
	retriever := &fakeRetriever{chunks: []datatypes.RetrievalChunk{{ID: "c1", Text: "unused"}}}
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, _ := newTestService(t, client, WithRetriever(retriever, nil))
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	_, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, userMsg("no scope here"))
	require.NoError(t, err)
	assert.Equal(t, 0, retriever.calls)
}

func TestAddMessage_RetrievalFailureDegradesSilently(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("all endpoints down")}
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, _ := newTestService(t, client, WithRetriever(retriever, nil))
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	req := userMsg("q")
	req.CategoryID = "docs"
	resp, err := svc.AddMessage(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Response)

	// No synthetic context turn: the prompt starts with the priming.
	prompt := client.prompt()
	require.NotEmpty(t, prompt)
	assert.Equal(t, SystemPriming, prompt[0].Content)
}

func TestRegenerate_ReplacesNewestAssistantTurn(t *testing.T) {
	answers := []string{"first answer", "second answer"}
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	var mu sync.Mutex
	client.chatFn = func(model string, msgs []datatypes.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		answer := answers[0]
		if len(answers) > 1 {
			answers = answers[1:]
		}
		return answer, nil
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	ctx := context.Background()
	_, err := svc.AddMessage(ctx, testOwner, datatypes.ProviderOllama, conv.ID,
		userMsg("question"))
	require.NoError(t, err)

	resp, err := svc.Regenerate(ctx, testOwner, datatypes.ProviderOllama, conv.ID,
		datatypes.RegenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "second answer", resp.Response)

	transcript, err := st.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "second answer", transcript[1].Text)
}

func TestRegenerate_NoAssistantTurnIsNoOpDelete(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
		chatFn: func(model string, msgs []datatypes.Message) (string, error) {
			return "fresh answer", nil
		},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	ctx := context.Background()
	// Seed a user turn without a completion.
	require.NoError(t, st.Append(ctx, &datatypes.StoredMessage{
		ID: "m1", ConversationID: conv.ID, Role: datatypes.RoleUser, Text: "lonely question",
	}))

	resp, err := svc.Regenerate(ctx, testOwner, datatypes.ProviderOllama, conv.ID,
		datatypes.RegenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fresh answer", resp.Response)
}

func TestRegenerate_EmptyConversation(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, _ := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	_, err := svc.Regenerate(context.Background(), testOwner, datatypes.ProviderOllama,
		conv.ID, datatypes.RegenerateRequest{})
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestAddMessageStreaming_TokensMatchPersistedAnswer(t *testing.T) {
	t.Setenv(insecureMemoryEnv, "true")
	tokens := []string{"The ", "fiddle-leaf ", "fig ", "needs ", "light."}
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
		streamFn: func(model string, msgs []datatypes.Message, cb llm.StreamCallback) error {
			for _, tok := range tokens {
				if err := cb(llm.StreamEvent{Content: tok}); err != nil {
					return err
				}
			}
			return cb(llm.StreamEvent{Done: true})
		},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	sink := &collectSink{}
	model, err := svc.AddMessageStreaming(context.Background(), testOwner,
		datatypes.ProviderOllama, conv.ID,
		userMsg("q"), sink)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", model)
	assert.Equal(t, tokens, sink.tokens)
	assert.Equal(t, "llama3.2", sink.doneModel)
	assert.NotEmpty(t, sink.doneHash)

	transcript, err := st.ListOrdered(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, strings.Join(tokens, ""), transcript[1].Text)
}

func TestAddMessageStreaming_DisconnectPersistsPartial(t *testing.T) {
	t.Setenv(insecureMemoryEnv, "true")
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
		streamFn: func(model string, msgs []datatypes.Message, cb llm.StreamCallback) error {
			for _, tok := range []string{"partial ", "answer ", "never finished"} {
				if err := cb(llm.StreamEvent{Content: tok}); err != nil {
					return err
				}
			}
			return cb(llm.StreamEvent{Done: true})
		},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	sink := &collectSink{failAfter: 2}
	_, err := svc.AddMessageStreaming(context.Background(), testOwner,
		datatypes.ProviderOllama, conv.ID,
		userMsg("q"), sink)
	require.Error(t, err)

	// Accumulate-before-forward: the token that failed to send is kept.
	transcript, err := st.ListOrdered(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, datatypes.RoleAssistant, transcript[1].Role)
	assert.Equal(t, "partial answer never finished", transcript[1].Text)
}

func TestAddMessageStreaming_EmptyStreamIsUpstreamError(t *testing.T) {
	t.Setenv(insecureMemoryEnv, "true")
	// A clean terminal signal with no content tokens must not persist an
	// empty assistant message.
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
		streamFn: func(model string, msgs []datatypes.Message, cb llm.StreamCallback) error {
			return cb(llm.StreamEvent{Done: true})
		},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	sink := &collectSink{}
	_, err := svc.AddMessageStreaming(context.Background(), testOwner,
		datatypes.ProviderOllama, conv.ID,
		userMsg("q"), sink)
	require.Error(t, err)
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.ErrKindUpstream, pe.Kind)
	assert.Empty(t, sink.doneHash)

	transcript, err := st.ListOrdered(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, datatypes.RoleUser, transcript[0].Role)
}

func TestDeleteAllConversations_ReturnsCount(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, _ := newTestService(t, client)
	for i := 0; i < 3; i++ {
		mustCreate(t, svc, datatypes.ProviderOllama)
	}

	count, err := svc.DeleteAllConversations(context.Background(), testOwner, datatypes.ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	convs, err := svc.ListConversations(context.Background(), testOwner, datatypes.ProviderOllama)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestRenameConversation(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2"},
	}
	svc, st := newTestService(t, client)
	conv := mustCreate(t, svc, datatypes.ProviderOllama)

	require.NoError(t, svc.RenameConversation(context.Background(), testOwner,
		datatypes.ProviderOllama, conv.ID, "orchid care"))
	got, err := st.Get(context.Background(), testOwner, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "orchid care", got.Title)

	err = svc.RenameConversation(context.Background(), "intruder",
		datatypes.ProviderOllama, conv.ID, "hijacked")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
