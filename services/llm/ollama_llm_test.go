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

func newOllamaTestClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewOllamaClient(Config{
		BaseURL:           server.URL,
		DefaultModel:      "llama3.2",
		StreamIdleTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	_, err := NewOllamaClient(Config{})
	assert.Error(t, err)
}

func TestOllamaChat_ReturnsContent(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, datatypes.RoleUser, req.Messages[0].Role)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "hello there"},
			"done":    true,
		})
	})

	got, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", got)
}

func TestOllamaChat_EmptyContentIsUpstreamError(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": ""},
			"done":    true,
		})
	})

	_, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}, ChatOptions{})
	require.Error(t, err)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ErrKindUpstream, provErr.Kind)
}

func TestOllamaChat_ModelNotFoundClassification(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'missing:latest' not found"}`))
	})

	_, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}},
		ChatOptions{Model: "missing:latest"})
	require.Error(t, err)
	assert.True(t, IsModelNotFound(err))
}

func TestOllamaChat_RateLimitClassification(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	})

	_, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}, ChatOptions{})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestOllamaChatStream_EmitsTokensThenDone(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		flusher := w.(http.Flusher)
		frames := []string{
			`{"message":{"role":"assistant","content":"The "},"done":false}`,
			`{"message":{"role":"assistant","content":"answer"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
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
	assert.Equal(t, []string{"The ", "answer"}, tokens)
	assert.True(t, doneSeen)
}

func TestOllamaChatStream_CallbackErrorStopsStream(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			w.Write([]byte(`{"message":{"role":"assistant","content":"x"},"done":false}` + "\n"))
			flusher.Flush()
		}
	})

	calls := 0
	err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: datatypes.RoleUser, Content: "hi"}}, ChatOptions{},
		func(ev StreamEvent) error {
			calls++
			return context.Canceled
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOllamaListModels(t *testing.T) {
	client := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{
				{"name": "llama3.2:latest"},
				{"name": "mistral:7b"},
			},
		})
	})

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "mistral:7b"}, models)
}
