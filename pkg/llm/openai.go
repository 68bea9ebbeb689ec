// 文件: pkg/llm/openai.go
// OpenAI 兼容提供商适配器
//
// openai / azure_openai / deepseek / qwen 的 chat completions 形态一致，
// 共用 go-openai 客户端，仅 BaseURL 和鉴权方式不同

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// 各家的默认端点，配置里给 base_url 可覆盖
var openAICompatBaseURLs = map[string]string{
	ProviderOpenAI:   "https://api.openai.com/v1",
	ProviderDeepSeek: "https://api.deepseek.com/v1",
	ProviderQwen:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
}

var _ Provider = (*OpenAIProvider)(nil)

// OpenAIProvider OpenAI 兼容提供商
type OpenAIProvider struct {
	name    string
	client  *openai.Client
	limiter *rate.Limiter
}

// NewOpenAIProvider 创建指定标签的兼容提供商
//
// azure_openai 必须显式给 base_url (资源端点里带部署名，没有通用默认值)
func NewOpenAIProvider(name string, cfg ProviderConfig) (*OpenAIProvider, error) {
	def := DefaultProviderConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	var ccfg openai.ClientConfig
	if name == ProviderAzureOpenAI {
		if base == "" {
			return nil, errors.New("llm: azure_openai requires base_url")
		}
		ccfg = openai.DefaultAzureConfig(cfg.APIKey, base)
	} else {
		if base == "" {
			base = openAICompatBaseURLs[name]
		}
		if base == "" {
			return nil, fmt.Errorf("llm: no base url for provider %s", name)
		}
		ccfg = openai.DefaultConfig(cfg.APIKey)
		ccfg.BaseURL = base
	}
	ccfg.HTTPClient = &http.Client{Timeout: cfg.timeout()}

	return &OpenAIProvider{
		name:    name,
		client:  openai.NewClientWithConfig(ccfg),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), cfg.Burst),
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Invoke 调用 chat completions
func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, newCallError(p.name, 0, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, p.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CallError{Provider: p.name, Kind: KindInvalid, Err: errors.New("empty choices")}
	}

	msg := resp.Choices[0].Message
	text := msg.Content
	// deepseek-reasoner 的思维链在 reasoning_content，拼到正文前保留分析轨迹
	if rc := strings.TrimSpace(msg.ReasoningContent); rc != "" {
		text = rc + "\n\n" + text
	}
	if strings.TrimSpace(text) == "" {
		return nil, &CallError{Provider: p.name, Kind: KindInvalid, Err: errors.New("empty completion")}
	}

	return &Result{
		Text:           text,
		PromptTokens:   resp.Usage.PromptTokens,
		ResponseTokens: resp.Usage.CompletionTokens,
	}, nil
}

// wrapErr go-openai 的两种错误类型都带 HTTP 状态码，取出来走统一分类
func (p *OpenAIProvider) wrapErr(err error) error {
	status := 0
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}
	return newCallError(p.name, status, err)
}
