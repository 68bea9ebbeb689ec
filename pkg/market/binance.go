// 文件: pkg/market/binance.go
// Binance 现货行情适配器
//
// 【职责】
// 1. 拉取最新价 / K 线 / 24h 统计 (全部公开端点，无需签名)
// 2. 领域符号 <-> 交易所符号转换 ("BTC/USDT" <-> "BTCUSDT")
// 3. 出站限流 (交易所按权重限频，超限会封 IP)

package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Source 行情数据源
//
// 生产实现为 BinanceSource (可叠加 CachedSource 装饰器)，
// 测试用内存假实现
type Source interface {
	// LatestPrices 批量拉取最新价，未知交易对会从结果中缺席而非报错
	LatestPrices(ctx context.Context, symbols []string) (map[string]PriceQuote, error)

	// Klines 拉取 K 线，时间升序
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// Ticker24h 拉取 24 小时滚动统计
	Ticker24h(ctx context.Context, symbol string) (*TickerData, error)
}

// =============================================================================
// 符号转换
// =============================================================================

// ToExchangeSymbol 领域格式转交易所格式: "BTC/USDT" -> "BTCUSDT"
func ToExchangeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// =============================================================================
// BinanceSource
// =============================================================================

var _ Source = (*BinanceSource)(nil)

// BinanceConfig Binance 适配器配置
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`

	// Testnet 使用测试网端点 (testnet.binance.vision)
	Testnet bool `yaml:"testnet"`

	// BaseURL 覆盖默认端点 (代理 / 镜像站)，优先级高于 Testnet
	BaseURL string `yaml:"base_url"`

	// RequestsPerSecond 出站限流速率
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultBinanceConfig 默认配置
// 公开行情端点不需要 API Key；限流留出远低于交易所上限的余量
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		RequestsPerSecond: 8,
		Burst:             16,
	}
}

// BinanceSource Binance 行情源
type BinanceSource struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinanceSource 创建 Binance 行情源
func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultBinanceConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBinanceConfig().Burst
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		client.BaseURL = "https://testnet.binance.vision"
	}

	return &BinanceSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// LatestPrices 批量拉取最新价
func (s *BinanceSource) LatestPrices(ctx context.Context, symbols []string) (map[string]PriceQuote, error) {
	out := make(map[string]PriceQuote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// 交易所符号 -> 领域符号，响应按交易所符号回来
	exToDomain := make(map[string]string, len(symbols))
	exSymbols := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		ex := ToExchangeSymbol(sym)
		exToDomain[ex] = sym
		exSymbols = append(exSymbols, ex)
	}

	prices, err := s.client.NewListPricesService().Symbols(exSymbols).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance list prices: %w", err)
	}

	now := time.Now().UTC()
	for _, p := range prices {
		domain, ok := exToDomain[p.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil || price.Sign() <= 0 {
			continue
		}
		out[domain] = PriceQuote{Symbol: domain, Price: price, AsOf: now}
	}
	return out, nil
}

// Klines 拉取 K 线
func (s *BinanceSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	klines, err := s.client.NewKlinesService().
		Symbol(ToExchangeSymbol(symbol)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}

	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		c, err := parseKline(k)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func parseKline(k *binance.Kline) (Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return Candle{}, err
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return Candle{}, err
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return Candle{}, err
	}
	closePx, err := decimal.NewFromString(k.Close)
	if err != nil {
		return Candle{}, err
	}
	volume, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return Candle{}, err
	}
	return Candle{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}, nil
}

// Ticker24h 拉取 24 小时滚动统计
func (s *BinanceSource) Ticker24h(ctx context.Context, symbol string) (*TickerData, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	stats, err := s.client.NewListPriceChangeStatsService().
		Symbol(ToExchangeSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker24h %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("binance ticker24h %s: empty response", symbol)
	}

	st := stats[0]
	td := &TickerData{Symbol: symbol}
	td.LastPrice, _ = decimal.NewFromString(st.LastPrice)
	td.PriceChangePct, _ = decimal.NewFromString(st.PriceChangePercent)
	td.HighPrice, _ = decimal.NewFromString(st.HighPrice)
	td.LowPrice, _ = decimal.NewFromString(st.LowPrice)
	td.QuoteVolume, _ = decimal.NewFromString(st.QuoteVolume)
	return td, nil
}
