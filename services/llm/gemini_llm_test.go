package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

func newGeminiTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewGeminiClient(Config{
		BaseURL:           server.URL,
		APIKey:            "test-key",
		DefaultModel:      "gemini-2.0-flash",
		StreamIdleTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestGeminiChat_RemapsRoles(t *testing.T) {
	client := newGeminiTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "models/gemini-2.0-flash:generateContent")
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		var req geminiGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 3)
		assert.Equal(t, "user", req.Contents[0].Role)   // system remapped
		assert.Equal(t, "user", req.Contents[1].Role)
		assert.Equal(t, "model", req.Contents[2].Role) // assistant remapped
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": "ferns like "}, {"text": "shade"}},
				},
			}},
		})
	})

	got, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "be brief"},
		{Role: datatypes.RoleUser, Content: "where do ferns grow?"},
		{Role: datatypes.RoleAssistant, Content: "in forests"},
	}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ferns like shade", got)
}

func TestGeminiChat_NoCandidatesIsUpstreamError(t *testing.T) {
	client := newGeminiTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	})

	_, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}, ChatOptions{})
	require.Error(t, err)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ErrKindUpstream, provErr.Kind)
}

func TestGeminiChat_NotFoundClassification(t *testing.T) {
	client := newGeminiTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"model not found"}}`))
	})

	_, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
		ChatOptions{Model: "gemini-nope"})
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
}

func TestGeminiChatStream_ParsesSSEFrames(t *testing.T) {
	client := newGeminiTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":streamGenerateContent")
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		flusher := w.(http.Flusher)
		frames := []string{
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Water "}]}}]}`,
			``,
			`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"weekly."}]}}]}`,
			``,
		}
		for _, frame := range frames {
			w.Write([]byte(frame + "\n"))
			flusher.Flush()
		}
	})

	var tokens []string
	doneSeen := false
	err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}, ChatOptions{},
		func(ev StreamEvent) error {
			if ev.Done {
				doneSeen = true
				return nil
			}
			tokens = append(tokens, ev.Content)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Water ", "weekly."}, tokens)
	assert.True(t, doneSeen)
}

func TestGeminiListModels_StripsPrefix(t *testing.T) {
	client := newGeminiTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{
				{"name": "models/gemini-2.0-flash"},
				{"name": "models/gemini-1.5-pro"},
			},
		})
	})

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-2.0-flash", "gemini-1.5-pro"}, models)
}
