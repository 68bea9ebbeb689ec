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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anthropicStub 录制请求并回放预设响应
type anthropicStub struct {
	mu      sync.Mutex
	path    string
	header  http.Header
	payload map[string]any

	status   int
	response string
}

func (s *anthropicStub) handler() http.HandlerFunc {
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

func (s *anthropicStub) recorded() (string, http.Header, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path, s.header, s.payload
}

func TestAnthropicInvoke(t *testing.T) {
	stub := &anthropicStub{
		response: `{
			"content": [
				{"type": "text", "text": "analysis"},
				{"type": "text", "text": "{\"decision\":\"hold\"}"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 128, "output_tokens": 342}
		}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
	res, err := p.Invoke(context.Background(), Request{
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "you are a trading agent",
		UserPrompt:   "decide",
	})
	require.NoError(t, err)

	// 多个 text 块按换行拼接
	assert.Equal(t, "analysis\n{\"decision\":\"hold\"}", res.Text)
	assert.Equal(t, 128, res.PromptTokens)
	assert.Equal(t, 342, res.ResponseTokens)

	path, header, payload := stub.recorded()
	assert.Equal(t, "/v1/messages", path)
	assert.Equal(t, "test-key", header.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, header.Get("anthropic-version"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))

	assert.Equal(t, "claude-sonnet-4-20250514", payload["model"])
	assert.Equal(t, "you are a trading agent", payload["system"])
	assert.EqualValues(t, DefaultMaxTokens, payload["max_tokens"])

	msgs, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "decide", first["content"])

	// 未设置温度时不发送该字段
	_, hasTemp := payload["temperature"]
	assert.False(t, hasTemp)
}

func TestAnthropicForwardsTemperatureAndMaxTokens(t *testing.T) {
	stub := &anthropicStub{
		response: `{"content": [{"type": "text", "text": "ok"}], "usage": {"input_tokens": 1, "output_tokens": 1}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Invoke(context.Background(), Request{
		Model:       "claude-sonnet-4-20250514",
		UserPrompt:  "decide",
		Temperature: 0.7,
		MaxTokens:   2048,
	})
	require.NoError(t, err)

	_, _, payload := stub.recorded()
	assert.InDelta(t, 0.7, payload["temperature"], 1e-9)
	assert.EqualValues(t, 2048, payload["max_tokens"])
}

func TestAnthropicAuthError(t *testing.T) {
	stub := &anthropicStub{
		status:   http.StatusUnauthorized,
		response: `{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.Invoke(context.Background(), Request{Model: "claude-sonnet-4-20250514", UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))

	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnauthorized, ce.Status)
	assert.Contains(t, ce.Error(), "authentication_error")
}

func TestAnthropicOverloadedIsTransient(t *testing.T) {
	stub := &anthropicStub{
		status:   529,
		response: `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Invoke(context.Background(), Request{Model: "claude-sonnet-4-20250514", UserPrompt: "x"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestAnthropicHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{APIKey: "k", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Invoke(ctx, Request{Model: "claude-sonnet-4-20250514", UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAnthropicEmptyContent(t *testing.T) {
	stub := &anthropicStub{
		response: `{"content": [], "usage": {"input_tokens": 10, "output_tokens": 0}}`,
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := p.Invoke(context.Background(), Request{Model: "claude-sonnet-4-20250514", UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}
