package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/llm"
)

func TestOpenAIClientCompletesAgainstCompatibleEndpoint(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, _ = req["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": req["model"],
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"ok":true}`}},
			},
			"usage": map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	client := llm.NewOpenAIClient(config.LLMModelConfig{
		Model:   "test-model",
		BaseURL: srv.URL + "/v1",
	}, nil)
	defer client.Close()

	resp, err := client.Complete(context.Background(), llm.Request{
		System: "You extract things.",
		Prompt: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "test-model", gotModel)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 42, resp.TokensUsed)
}

func TestOpenAIClientUnreachableIsUnavailable(t *testing.T) {
	client := llm.NewOpenAIClient(config.LLMModelConfig{
		Model:          "test-model",
		BaseURL:        "http://127.0.0.1:1/v1",
		TimeoutSeconds: 1,
	}, nil)
	defer client.Close()

	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestAnthropicClientCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"content": []map[string]any{
				{"type": "text", "text": `{"ok":true}`},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	client := llm.NewAnthropicClient(config.LLMModelConfig{
		Model:   "test-model",
		APIKey:  "k",
		BaseURL: srv.URL,
	}, nil)
	defer client.Close()

	resp, err := client.Complete(context.Background(), llm.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 15, resp.TokensUsed)
}

func TestAnthropicClientErrorStatusIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := llm.NewAnthropicClient(config.LLMModelConfig{
		Model:   "test-model",
		BaseURL: srv.URL,
	}, nil)
	defer client.Close()

	_, err := client.Complete(context.Background(), llm.Request{Prompt: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}
