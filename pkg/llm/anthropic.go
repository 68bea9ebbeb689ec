// 文件: pkg/llm/anthropic.go
// Anthropic Messages API 适配器
//
// REST 形态稳定且只用到一个端点，直接手写 net/http，
// 鉴权走 x-api-key 头 (非 Bearer)，版本钉在 anthropic-version 头

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
)

var _ Provider = (*AnthropicProvider)(nil)

// AnthropicProvider Anthropic 模型提供商
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// NewAnthropicProvider 创建 Anthropic 提供商
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	def := DefaultProviderConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = anthropicDefaultBaseURL
	}
	return &AnthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: base,
		httpc:   &http.Client{Timeout: cfg.timeout()},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), cfg.Burst),
	}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke 调用 v1/messages
func (p *AnthropicProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, newCallError(ProviderAnthropic, 0, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	payload := anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: req.UserPrompt}},
	}
	if req.Temperature > 0 {
		t := req.Temperature
		payload.Temperature = &t
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newCallError(ProviderAnthropic, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, newCallError(ProviderAnthropic, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return nil, newCallError(ProviderAnthropic, 0, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var parsed anthropicResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 错误体里有结构化的 type/message，带出来方便排障
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			return nil, newCallError(ProviderAnthropic, resp.StatusCode,
				fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
		}
		return nil, newCallError(ProviderAnthropic, resp.StatusCode,
			fmt.Errorf("http %d", resp.StatusCode))
	}

	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &CallError{Provider: ProviderAnthropic, Kind: KindInvalid, Err: err}
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(block.Text)
	}
	if sb.Len() == 0 {
		return nil, &CallError{
			Provider: ProviderAnthropic,
			Kind:     KindInvalid,
			Err:      errors.New("empty completion"),
		}
	}

	return &Result{
		Text:           sb.String(),
		PromptTokens:   parsed.Usage.InputTokens,
		ResponseTokens: parsed.Usage.OutputTokens,
	}, nil
}
