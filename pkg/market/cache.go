// 文件: pkg/market/cache.go
// 行情 Redis 缓存层
//
// 【设计模式】装饰器模式 (Decorator Pattern)
// - 包装底层 Source，透明添加缓存能力
// - 调用方无感知，只看到 Source 接口
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查底层并回填 (Pull Through)
// - 报价缓存 TTL 默认 60s，过期即视为价格不可用，宁缺毋滥

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// 确保实现了接口
var _ Source = (*CachedSource)(nil)

// =============================================================================
// 缓存配置
// =============================================================================

const (
	// 缓存 Key 前缀
	priceCachePrefix = "arena:market:"

	// 单个报价: arena:market:quote:{symbol}
	cacheKeyQuote = priceCachePrefix + "quote:%s"

	// K 线: arena:market:klines:{symbol}:{interval}:{limit}
	cacheKeyKlines = priceCachePrefix + "klines:%s:%s:%d"

	// 24h 统计: arena:market:ticker:{symbol}
	cacheKeyTicker = priceCachePrefix + "ticker:%s"

	// DefaultQuoteTTL 报价缓存过期时间
	// 合约重估周期默认 1 分钟，TTL 与之同量级: 过了 TTL 的价格不配当标记价
	DefaultQuoteTTL = 60 * time.Second

	// K 线 / 24h 统计只进提示词，不参与账务，TTL 可以放宽
	klinesCacheTTL = 5 * time.Minute
	tickerCacheTTL = 60 * time.Second
)

// cachedQuote 报价的缓存编码
type cachedQuote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// =============================================================================
// CachedSource - 带缓存的行情源
// =============================================================================

// CachedSource Redis 缓存装饰器
type CachedSource struct {
	source   Source
	redis    *redis.Client
	quoteTTL time.Duration
}

// NewCachedSource 创建带缓存的行情源
//
// 用法:
//
//	binanceSrc := NewBinanceSource(cfg)
//	cachedSrc := NewCachedSource(binanceSrc, redisClient, 60*time.Second)
//	svc := NewService(cachedSrc, svcCfg)  // service 用缓存版
func NewCachedSource(source Source, rds *redis.Client, quoteTTL time.Duration) *CachedSource {
	if quoteTTL <= 0 {
		quoteTTL = DefaultQuoteTTL
	}
	return &CachedSource{
		source:   source,
		redis:    rds,
		quoteTTL: quoteTTL,
	}
}

// LatestPrices 批量拉取最新价 (带缓存)
//
// 逐 symbol 查缓存，miss 的合并成一次底层批量请求，
// 缓存由 Redis TTL 自然过期，不做主动失效
func (c *CachedSource) LatestPrices(ctx context.Context, symbols []string) (map[string]PriceQuote, error) {
	out := make(map[string]PriceQuote, len(symbols))
	misses := make([]string, 0, len(symbols))

	// 1. 查缓存
	for _, sym := range symbols {
		q, ok := c.getCachedQuote(ctx, sym)
		if ok {
			out[sym] = q
		} else {
			misses = append(misses, sym)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	// 2. Cache miss, 查底层
	fetched, err := c.source.LatestPrices(ctx, misses)
	if err != nil {
		// 部分命中时降级返回已命中的报价，缺失的 symbol 由调用方按价格不可用处理
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}

	// 3. 回填缓存 (异步，不阻塞主流程)
	for sym, q := range fetched {
		out[sym] = q
		go c.setCachedQuote(context.Background(), q)
	}
	return out, nil
}

func (c *CachedSource) getCachedQuote(ctx context.Context, symbol string) (PriceQuote, bool) {
	data, err := c.redis.Get(ctx, fmt.Sprintf(cacheKeyQuote, symbol)).Bytes()
	if err != nil {
		return PriceQuote{}, false
	}
	var cq cachedQuote
	if json.Unmarshal(data, &cq) != nil {
		return PriceQuote{}, false
	}
	return PriceQuote{Symbol: cq.Symbol, Price: cq.Price, AsOf: cq.AsOf}, true
}

func (c *CachedSource) setCachedQuote(ctx context.Context, q PriceQuote) {
	data, err := json.Marshal(cachedQuote{Symbol: q.Symbol, Price: q.Price, AsOf: q.AsOf})
	if err != nil {
		return
	}
	c.redis.Set(ctx, fmt.Sprintf(cacheKeyQuote, q.Symbol), data, c.quoteTTL)
}

// Klines 拉取 K 线 (带缓存)
func (c *CachedSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	key := fmt.Sprintf(cacheKeyKlines, symbol, interval, limit)

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var candles []Candle
		if json.Unmarshal(data, &candles) == nil {
			return candles, nil
		}
	}

	candles, err := c.source.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	go c.setCacheJSON(context.Background(), key, candles, klinesCacheTTL)
	return candles, nil
}

// Ticker24h 拉取 24 小时统计 (带缓存)
func (c *CachedSource) Ticker24h(ctx context.Context, symbol string) (*TickerData, error) {
	key := fmt.Sprintf(cacheKeyTicker, symbol)

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var td TickerData
		if json.Unmarshal(data, &td) == nil {
			return &td, nil
		}
	}

	td, err := c.source.Ticker24h(ctx, symbol)
	if err != nil {
		return nil, err
	}

	go c.setCacheJSON(context.Background(), key, td, tickerCacheTTL)
	return td, nil
}

func (c *CachedSource) setCacheJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, ttl)
}
