package completion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
)

func TestResolveModel_ExactMatchKept(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2", "mistral:7b"},
	}
	res, err := ResolveModel(context.Background(), client, "mistral:7b")
	require.NoError(t, err)
	assert.Equal(t, "mistral:7b", res.Model)
	assert.False(t, res.Substituted)
}

func TestResolveModel_SubstringMatchToleratesTags(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2:latest"},
	}
	res, err := ResolveModel(context.Background(), client, "llama3.2")
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", res.Model)
	assert.False(t, res.Substituted)
}

func TestResolveModel_MissFallsBackToDefault(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"llama3.2:latest"},
	}
	res, err := ResolveModel(context.Background(), client, "phantom-model")
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", res.Model)
	assert.True(t, res.Substituted)
}

func TestResolveModel_DefaultAlsoMissingFails(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		models: []string{"qwen:4b"},
	}
	_, err := ResolveModel(context.Background(), client, "phantom-model")
	assert.ErrorIs(t, err, ErrNoUsableModel)
}

func TestResolveModel_ListFailureIsOptimistic(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderOllama, defaultModel: "llama3.2",
		listErr: errors.New("backend down"),
	}
	res, err := ResolveModel(context.Background(), client, "anything-goes")
	require.NoError(t, err)
	assert.Equal(t, "anything-goes", res.Model)
	assert.False(t, res.Substituted)
}

func TestResolveModel_EmptyRequestUsesDefault(t *testing.T) {
	client := &fakeClient{
		kind: datatypes.ProviderGemini, defaultModel: "gemini-2.0-flash",
		models: []string{"gemini-2.0-flash", "gemini-1.5-pro"},
	}
	res, err := ResolveModel(context.Background(), client, "")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", res.Model)
}
