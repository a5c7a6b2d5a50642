package providers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/config"
)

var testMessages = []openai.ChatCompletionMessage{
	{Role: "system", Content: "be brief"},
	{Role: "user", Content: "hello"},
}

func TestOpenAIProviderCompatibleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer ds-key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-chat", req.Model)
		assert.Len(t, req.Messages, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"deepseek-chat",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("deepseek", "ds-key", srv.URL, "deepseek-chat")
	out, err := p.Complete(context.Background(), CompletionRequest{Messages: testMessages})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Text)
	assert.Equal(t, 5, out.InputTokens)
	assert.Equal(t, "deepseek", p.Name())
}

func TestOpenAIProviderUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o")
	_, err := p.Complete(context.Background(), CompletionRequest{Messages: testMessages})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestAnthropicProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "an-key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		_, _ = io.WriteString(w, `{"model":"claude-x","content":[{"type":"text","text":"Hello"},{"type":"text","text":"!"}],
			"usage":{"input_tokens":3,"output_tokens":1}}`)
	}))
	defer srv.Close()

	out, err := NewAnthropicProvider("an-key", srv.URL, "claude-x").Complete(context.Background(),
		CompletionRequest{Messages: testMessages})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out.Text)
	assert.Equal(t, 1, out.OutputTokens)
}

func TestAnthropicProviderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewAnthropicProvider("k", srv.URL, "claude-x").Complete(context.Background(),
		CompletionRequest{Messages: testMessages})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "429")
}

func TestGeminiProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Contents, 1)

		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Bonjour"}]}}],
			"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1}}`)
	}))
	defer srv.Close()

	out, err := NewGeminiProvider("g-key", srv.URL, "gemini-test").Complete(context.Background(),
		CompletionRequest{Messages: testMessages})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", out.Text)
	assert.Equal(t, "gemini-test", out.Model)
}

func TestGeminiProviderNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	_, err := NewGeminiProvider("g", srv.URL, "m").Complete(context.Background(), CompletionRequest{})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestSimulatedProvider(t *testing.T) {
	out, err := NewSimulatedProvider("DeepSeek").Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "DeepSeek response simulation", out.Text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSimulatedProvider("DeepSeek").Complete(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestRegistryFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistryFromConfig(&config.Config{OpenAIAPIKey: "sk"}, logger)

	assert.Equal(t, []string{"claude", "deepseek", "gemini", "gpt4"}, r.Models())

	p, err := r.Get("gpt4")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	p, err = r.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "simulated", p.Name())

	_, err = r.Get("llama")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}
