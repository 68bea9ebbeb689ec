// 文件: pkg/config/config.go
// 应用配置
//
// 加载顺序: YAML 文件 -> .env -> 环境变量覆盖 -> 默认值兜底。
// 配置文件缺失不算错误，纯环境变量也能把服务拉起来。
// 时长类字段统一用秒/分钟的整数，不在 YAML 里解析 duration 字符串。

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"arena.com/pkg/competition"
	"arena.com/pkg/llm"
	"arena.com/pkg/market"
)

// =============================================================================
// 配置结构
// =============================================================================

// Config 应用配置
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	MySQL     MySQLConfig          `yaml:"mysql"`
	Redis     RedisConfig          `yaml:"redis"`
	NATS      NATSConfig           `yaml:"nats"`
	Kafka     KafkaConfig          `yaml:"kafka"`
	Binance   market.BinanceConfig `yaml:"binance"`
	LLM       llm.Config           `yaml:"llm"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Cache     CacheConfig          `yaml:"cache"`
	Defaults  DefaultsConfig       `yaml:"defaults"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"` // 管理端写操作的访问钥匙
}

// MySQLConfig 数据库配置
type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig 缓存配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig 事件广播配置
type NATSConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// KafkaConfig 审计管道配置 (未启用时权益采样直接落库)
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Enabled bool     `yaml:"enabled"`
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	// Disabled 只跑 API 不跑后台循环 (多实例部署时另一台跑调度)
	Disabled bool `yaml:"disabled"`

	PriceRefreshSeconds int `yaml:"price_refresh_seconds"`
	MaxConcurrentRounds int `yaml:"max_concurrent_rounds"`
}

// PriceRefreshInterval 价格循环节奏
func (c SchedulerConfig) PriceRefreshInterval() time.Duration {
	return time.Duration(c.PriceRefreshSeconds) * time.Second
}

// CacheConfig 缓存 TTL 配置
type CacheConfig struct {
	PriceTTLSeconds       int `yaml:"price_ttl_seconds"`
	LeaderboardTTLSeconds int `yaml:"leaderboard_ttl_seconds"`
}

// PriceTTL 报价缓存过期时间
func (c CacheConfig) PriceTTL() time.Duration {
	return time.Duration(c.PriceTTLSeconds) * time.Second
}

// LeaderboardTTL 排行榜缓存过期时间
func (c CacheConfig) LeaderboardTTL() time.Duration {
	return time.Duration(c.LeaderboardTTLSeconds) * time.Second
}

// DefaultsConfig 新竞赛的默认规则
type DefaultsConfig struct {
	InitialCapital            float64  `yaml:"initial_capital"`
	MaxLeverage               float64  `yaml:"max_leverage"`
	MaxPositionSizePct        float64  `yaml:"max_position_size_pct"`
	MarginRequirementPct      float64  `yaml:"margin_requirement_pct"`
	MaintenanceMarginPct      float64  `yaml:"maintenance_margin_pct"`
	InvocationIntervalMinutes int      `yaml:"invocation_interval_minutes"`
	MaxParticipants           int      `yaml:"max_participants"`
	AllowedSymbols            []string `yaml:"allowed_symbols"`
}

// CompetitionDefaults 转换为竞赛域的默认值
func (c DefaultsConfig) CompetitionDefaults() competition.Defaults {
	return competition.Defaults{
		InitialCapital:            decimal.NewFromFloat(c.InitialCapital),
		MaxLeverage:               decimal.NewFromFloat(c.MaxLeverage),
		MaxPositionSizePct:        decimal.NewFromFloat(c.MaxPositionSizePct),
		MarginRequirementPct:      decimal.NewFromFloat(c.MarginRequirementPct),
		MaintenanceMarginPct:      decimal.NewFromFloat(c.MaintenanceMarginPct),
		InvocationIntervalMinutes: c.InvocationIntervalMinutes,
		MaxParticipants:           c.MaxParticipants,
		AllowedSymbols:            append([]string(nil), c.AllowedSymbols...),
	}
}

// =============================================================================
// 加载
// =============================================================================

// Load 加载配置
//
// path 为空或文件不存在时从零值起步，只靠环境变量与默认值。
func Load(path string) (*Config, error) {
	// .env 不存在时静默跳过
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %q: %w", path, err)
			}
		case os.IsNotExist(err):
			// 纯环境变量模式
		default:
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides 环境变量覆盖 (变量名沿用部署脚本的既有约定)
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQL.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Disabled = v == "false" || v == "0"
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.SecretKey = v
	}

	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv("AZURE_OPENAI_API_KEY"); v != "" {
		cfg.LLM.AzureOpenAI.APIKey = v
	}
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		cfg.LLM.AzureOpenAI.BaseURL = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		cfg.LLM.DeepSeek.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_BASE_URL"); v != "" {
		cfg.LLM.DeepSeek.BaseURL = v
	}
	if v := os.Getenv("QWEN_API_KEY"); v != "" {
		cfg.LLM.Qwen.APIKey = v
	}
	if v := os.Getenv("QWEN_BASE_URL"); v != "" {
		cfg.LLM.Qwen.BaseURL = v
	}
}

// setDefaults 零值字段兜底
func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = "dev-api-key"
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = "arena:arena@tcp(localhost:3306)/arena?charset=utf8mb4&parseTime=True&loc=UTC"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Scheduler.PriceRefreshSeconds <= 0 {
		cfg.Scheduler.PriceRefreshSeconds = 60
	}
	if cfg.Scheduler.MaxConcurrentRounds <= 0 {
		cfg.Scheduler.MaxConcurrentRounds = 8
	}
	if cfg.Cache.PriceTTLSeconds <= 0 {
		cfg.Cache.PriceTTLSeconds = 60
	}
	if cfg.Cache.LeaderboardTTLSeconds <= 0 {
		cfg.Cache.LeaderboardTTLSeconds = 300
	}

	d := &cfg.Defaults
	if d.InitialCapital <= 0 {
		d.InitialCapital = 100000
	}
	if d.MaxLeverage <= 0 {
		d.MaxLeverage = 10
	}
	if d.MaxPositionSizePct <= 0 {
		d.MaxPositionSizePct = 20
	}
	if d.MarginRequirementPct <= 0 {
		d.MarginRequirementPct = 10
	}
	if d.MaintenanceMarginPct <= 0 {
		d.MaintenanceMarginPct = 5
	}
	if d.InvocationIntervalMinutes <= 0 {
		d.InvocationIntervalMinutes = 15
	}
	if d.MaxParticipants <= 0 {
		d.MaxParticipants = 5
	}
	if len(d.AllowedSymbols) == 0 {
		d.AllowedSymbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT", "XRP/USDT"}
	}
}

// splitList 逗号分隔列表
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
