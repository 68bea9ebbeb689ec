// 文件: pkg/llm/provider.go
// 模型提供商网关
//
// 【职责】
// 1. 统一各家模型 API 为 Invoke(ctx, Request) -> Result
// 2. 按 provider 标签路由: anthropic / openai / azure_openai / deepseek / qwen
// 3. 错误分类 (timeout / auth / transient / cancelled / invalid)，
//    供上层决定是否重试以及落库状态

package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// 提供商标签，参与者配置里的 provider 字段取这些值
const (
	ProviderAnthropic   = "anthropic"
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure_openai"
	ProviderDeepSeek    = "deepseek"
	ProviderQwen        = "qwen"
)

// DefaultMaxTokens 请求未指定 max_tokens 时的缺省值
const DefaultMaxTokens = 4096

// Request 一次模型调用
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string

	// Temperature <= 0 时省略该字段，由提供商使用默认值
	Temperature float64

	// MaxTokens <= 0 时使用 DefaultMaxTokens
	MaxTokens int
}

// Result 模型调用结果
type Result struct {
	Text           string
	PromptTokens   int
	ResponseTokens int
}

// Provider 模型提供商
//
// Invoke 必须尊重 ctx 的截止时间: 超时后立即返回，不允许拖住调用方
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// =============================================================================
// 错误分类
// =============================================================================

// ErrorKind 调用错误的处置分类
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"   // 截止时间已到
	KindAuth      ErrorKind = "auth"      // 密钥无效或无权限，重试无意义
	KindTransient ErrorKind = "transient" // 限流 / 服务端故障 / 网络抖动，可重试
	KindCancelled ErrorKind = "cancelled" // 调用方主动取消
	KindInvalid   ErrorKind = "invalid"   // 请求或响应不合法，不可重试
)

// CallError 模型调用错误
type CallError struct {
	Provider string
	Kind     ErrorKind
	Status   int // HTTP 状态码，网络层错误为 0
	Err      error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s: %s (http %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf 提取错误分类，裸 context 错误也能识别
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInvalid
}

// IsTransient 是否值得重试
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// newCallError 按 HTTP 状态码和底层错误推断分类
func newCallError(provider string, status int, err error) *CallError {
	kind := KindInvalid
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case status > 0:
		kind = classifyStatus(status)
	default:
		// 没有状态码说明请求没到对端，连接错误按可重试处理
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				kind = KindTimeout
			} else {
				kind = KindTransient
			}
		}
	}
	return &CallError{Provider: provider, Kind: kind, Status: status, Err: err}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// =============================================================================
// 配置
// =============================================================================

// ProviderConfig 单个提供商的接入配置
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`

	// BaseURL 覆盖默认端点 (代理 / 测试)，azure_openai 必填
	BaseURL string `yaml:"base_url"`

	// RequestsPerMinute 出站限流速率
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`

	// TimeoutSec HTTP 客户端兜底超时，单次调用的硬超时由 ctx 控制
	TimeoutSec int `yaml:"timeout_sec"`
}

// DefaultProviderConfig 默认配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		RequestsPerMinute: 60,
		Burst:             4,
		TimeoutSec:        120,
	}
}

func (c ProviderConfig) timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return time.Duration(DefaultProviderConfig().TimeoutSec) * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// Config 全部提供商配置 (yaml: llm)，只有配置了 api_key 的才会注册
type Config struct {
	Anthropic   ProviderConfig `yaml:"anthropic"`
	OpenAI      ProviderConfig `yaml:"openai"`
	AzureOpenAI ProviderConfig `yaml:"azure_openai"`
	DeepSeek    ProviderConfig `yaml:"deepseek"`
	Qwen        ProviderConfig `yaml:"qwen"`
}

// =============================================================================
// Registry - 按标签路由
// =============================================================================

// Registry 提供商注册表
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewRegistryFromConfig 按配置构建注册表，缺 key 的提供商直接跳过
func NewRegistryFromConfig(cfg Config) *Registry {
	reg := NewRegistry()

	if cfg.Anthropic.APIKey != "" {
		reg.Register(NewAnthropicProvider(cfg.Anthropic))
	}

	compat := []struct {
		name string
		cfg  ProviderConfig
	}{
		{ProviderOpenAI, cfg.OpenAI},
		{ProviderAzureOpenAI, cfg.AzureOpenAI},
		{ProviderDeepSeek, cfg.DeepSeek},
		{ProviderQwen, cfg.Qwen},
	}
	for _, c := range compat {
		if c.cfg.APIKey == "" {
			continue
		}
		p, err := NewOpenAIProvider(c.name, c.cfg)
		if err != nil {
			log.Printf("[LLM] skip provider %s: %v", c.name, err)
			continue
		}
		reg.Register(p)
	}
	return reg
}

// Register 注册提供商，同名覆盖
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
	log.Printf("[LLM] provider registered: %s", p.Name())
}

// Get 按标签取提供商
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names 已注册的提供商标签，升序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Invoke 路由到指定提供商并调用
func (r *Registry) Invoke(ctx context.Context, provider string, req Request) (*Result, error) {
	p, ok := r.Get(provider)
	if !ok {
		return nil, &CallError{
			Provider: provider,
			Kind:     KindInvalid,
			Err:      errors.New("provider not configured"),
		}
	}
	if req.Model == "" {
		return nil, &CallError{Provider: provider, Kind: KindInvalid, Err: errors.New("model is empty")}
	}

	start := time.Now()
	res, err := p.Invoke(ctx, req)
	if err != nil {
		log.Printf("[LLM] %s invoke failed after %s: %v",
			provider, time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	log.Printf("[LLM] %s invoke ok: model=%s prompt_tokens=%d response_tokens=%d latency=%s",
		provider, req.Model, res.PromptTokens, res.ResponseTokens,
		time.Since(start).Round(time.Millisecond))
	return res, nil
}
