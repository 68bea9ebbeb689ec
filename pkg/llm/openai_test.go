package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatStub 录制 chat completions 请求并回放预设响应
type chatStub struct {
	mu      sync.Mutex
	path    string
	header  http.Header
	payload map[string]any

	status   int
	response string
}

func (s *chatStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.path = r.URL.Path
		s.header = r.Header.Clone()
		s.payload = map[string]any{}
		_ = json.Unmarshal(body, &s.payload)
		status := s.status
		response := s.response
		s.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, response)
	}
}

func (s *chatStub) recorded() (string, http.Header, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path, s.header, s.payload
}

func chatCompletionBody(content, reasoning string) string {
	msg := map[string]any{"role": "assistant", "content": content}
	if reasoning != "" {
		msg["reasoning_content"] = reasoning
	}
	body := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []any{
			map[string]any{"index": 0, "message": msg, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 200, "completion_tokens": 50, "total_tokens": 250},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestOpenAIInvoke(t *testing.T) {
	stub := &chatStub{response: chatCompletionBody(`{"decision":"hold"}`, "")}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderOpenAI, ProviderConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, p.Name())

	res, err := p.Invoke(context.Background(), Request{
		Model:        "gpt-4o",
		SystemPrompt: "you are a trading agent",
		UserPrompt:   "decide",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"decision":"hold"}`, res.Text)
	assert.Equal(t, 200, res.PromptTokens)
	assert.Equal(t, 50, res.ResponseTokens)

	path, header, payload := stub.recorded()
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer test-key", header.Get("Authorization"))
	assert.Equal(t, "gpt-4o", payload["model"])
	assert.EqualValues(t, DefaultMaxTokens, payload["max_tokens"])

	msgs, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	sys := msgs[0].(map[string]any)
	usr := msgs[1].(map[string]any)
	assert.Equal(t, "system", sys["role"])
	assert.Equal(t, "you are a trading agent", sys["content"])
	assert.Equal(t, "user", usr["role"])
	assert.Equal(t, "decide", usr["content"])
}

func TestDeepSeekReasoningContentMergedAheadOfContent(t *testing.T) {
	stub := &chatStub{response: chatCompletionBody(`{"decision":"hold"}`, "BTC momentum is fading")}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderDeepSeek, ProviderConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, ProviderDeepSeek, p.Name())

	res, err := p.Invoke(context.Background(), Request{Model: "deepseek-reasoner", UserPrompt: "decide"})
	require.NoError(t, err)
	assert.Equal(t, "BTC momentum is fading\n\n{\"decision\":\"hold\"}", res.Text)
}

func TestOpenAIAuthError(t *testing.T) {
	stub := &chatStub{
		status:   http.StatusUnauthorized,
		response: `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderOpenAI, ProviderConfig{APIKey: "bad", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), Request{Model: "gpt-4o", UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnauthorized, ce.Status)
}

func TestOpenAIRateLimitIsTransient(t *testing.T) {
	stub := &chatStub{
		status:   http.StatusTooManyRequests,
		response: `{"error": {"message": "Rate limit reached", "type": "rate_limit_error"}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderQwen, ProviderConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), Request{Model: "qwen-max", UserPrompt: "x"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAIEmptyChoices(t *testing.T) {
	stub := &chatStub{
		response: `{"id": "chatcmpl-1", "object": "chat.completion", "choices": [], "usage": {"prompt_tokens": 5, "completion_tokens": 0, "total_tokens": 5}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderOpenAI, ProviderConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), Request{Model: "gpt-4o", UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestNewOpenAIProviderBaseURLs(t *testing.T) {
	// 已知标签不给 base_url 也能构建
	p, err := NewOpenAIProvider(ProviderDeepSeek, ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderDeepSeek, p.Name())

	// azure 没有通用默认端点
	_, err = NewOpenAIProvider(ProviderAzureOpenAI, ProviderConfig{APIKey: "k"})
	require.Error(t, err)

	_, err = NewOpenAIProvider(ProviderAzureOpenAI, ProviderConfig{APIKey: "k", BaseURL: "https://my-rg.openai.azure.com"})
	require.NoError(t, err)

	// 未知标签必须显式给 base_url (自建兼容网关)
	_, err = NewOpenAIProvider("local-gateway", ProviderConfig{APIKey: "k"})
	require.Error(t, err)

	_, err = NewOpenAIProvider("local-gateway", ProviderConfig{APIKey: "k", BaseURL: "http://127.0.0.1:8080/v1"})
	require.NoError(t, err)
}

func TestNewRegistryFromConfig(t *testing.T) {
	reg := NewRegistryFromConfig(Config{
		DeepSeek: ProviderConfig{APIKey: "k"},
		// azure 缺 base_url，应当跳过而不是中断
		AzureOpenAI: ProviderConfig{APIKey: "k"},
	})

	assert.Equal(t, []string{ProviderDeepSeek}, reg.Names())

	_, ok := reg.Get(ProviderAnthropic)
	assert.False(t, ok)
	_, ok = reg.Get(ProviderDeepSeek)
	assert.True(t, ok)
}
