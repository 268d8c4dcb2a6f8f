package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/StoryLoom/internal/llm"
)

func TestRegisteredProviders(t *testing.T) {
	names := llm.ListProviders()
	for _, want := range []string{"custom", "deepseek", "openai", "openrouter"} {
		assert.Contains(t, names, want)
	}

	p, err := llm.GetProvider("deepseek", map[string]string{"api_key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "DeepSeek", p.GetName())
	assert.Contains(t, p.GetSupportedModels(), "deepseek-chat")

	_, err = llm.GetProvider("nope", nil)
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestInitializeValidates(t *testing.T) {
	assert.Error(t, New("openai").Initialize(map[string]string{}))
	assert.Error(t, New("custom").Initialize(map[string]string{"api_key": "k"}))
	assert.Error(t, New("custom").Initialize(map[string]string{"api_key": "k", "base_url": "http://x"}))
	assert.NoError(t, New("custom").Initialize(map[string]string{
		"api_key":       "k",
		"base_url":      "http://x/",
		"default_model": "m",
		"custom_models": `["m","n"]`,
	}))
}

func TestCompleteTextSendsChatRequest(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "StoryLoom", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "m-2024",
			"choices": [{"message": {"role": "assistant", "content": "{\"ok\":true}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer srv.Close()

	p := New("custom")
	require.NoError(t, p.Initialize(map[string]string{
		"api_key":       "secret",
		"base_url":      srv.URL + "/v1/",
		"default_model": "m",
	}))

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		SystemPrompt:   "be brief",
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		ResponseFormat: llm.ResponseFormatJSON,
		MaxTokens:      100,
		Temperature:    0.5,
		ExtraParams:    map[string]interface{}{"top_p": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, 17, resp.TokensUsed)
	assert.Equal(t, "m-2024", resp.ModelName)

	assert.Equal(t, "m", got["model"])
	assert.EqualValues(t, 100, got["max_tokens"])
	assert.EqualValues(t, 0.9, got["top_p"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, got["response_format"])
	messages := got["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
}

func TestCompleteTextStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New("custom")
	require.NoError(t, p.Initialize(map[string]string{"api_key": "k", "base_url": srv.URL, "default_model": "m"}))

	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{})
	var statusErr *llm.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.True(t, statusErr.Retryable())
}

func TestCompleteTextNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := New("custom")
	require.NoError(t, p.Initialize(map[string]string{"api_key": "k", "base_url": srv.URL, "default_model": "m"}))

	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
}

func TestCompleteTextRequiresInitialize(t *testing.T) {
	_, err := New("openai").CompleteText(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
}
