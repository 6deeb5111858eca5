package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/config"
)

func TestRotatorRoundRobin(t *testing.T) {
	r := NewRotator([]string{"a", "b", "c"})
	got := []string{r.Next(), r.Next(), r.Next(), r.Next()}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestRotatorEmpty(t *testing.T) {
	r := NewRotator(nil)
	assert.Equal(t, "", r.Next())
	assert.Equal(t, 0, r.Len())
}

func TestOpenAIClientComplete(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]any{
			"id":    "cmpl-1",
			"model": "test-model",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "  hello world  "}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{
		APIKeys: []string{"sk-test"},
		BaseURL: srv.URL + "/v1",
		Model:   "test-model",
	})

	out, err := c.CompleteWithSystem(context.Background(), "be brief", "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out, "completion should be trimmed")
	assert.Equal(t, "Bearer sk-test", gotAuth)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be brief", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestOpenAIClientNoKey(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{})
	_, err := c.Complete(context.Background(), "hi")
	assert.ErrorContains(t, err, "API key not configured")
}

func TestOpenAIClientRetriesOn429(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKeys: []string{"k1", "k2"}, BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, attempts)
}

func TestOpenAIClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model overloaded", "type": "server_error"},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKeys: []string{"k"}, BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "hi")
	assert.ErrorContains(t, err, "model overloaded")
}

func TestAnthropicClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		require.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "system prompt", req.System)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg-1",
			"model": "test",
			"content": []map[string]string{
				{"type": "text", "text": "part one "},
				{"type": "text", "text": "part two"},
			},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKeys: []string{"ak-test"}, BaseURL: srv.URL})
	out, err := c.CompleteWithSystem(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "part one part two", out, "text blocks should be concatenated")
}

func TestNewClientForProvider(t *testing.T) {
	pc := config.ProviderConfig{APIKeys: []string{"k"}, Model: "m"}

	c, err := NewClientForProvider("openai", pc)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = NewClientForProvider("groq", pc)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = NewClientForProvider("anthropic", pc)
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)

	_, err = NewClientForProvider("nope", pc)
	assert.Error(t, err)
}

func TestNewClientFromConfigNoKeys(t *testing.T) {
	for _, v := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "GROQ_API_KEY", "MISTRAL_API_KEY"} {
		t.Setenv(v, "")
	}
	cfg := config.DefaultConfig()
	cfg.Providers = map[string]config.ProviderConfig{}
	_, err := NewClientFromConfig(cfg)
	assert.Error(t, err)
}
