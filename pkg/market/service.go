// 文件: pkg/market/service.go
// 行情服务 - 价格快照的唯一发布方
//
// 【职责】
// 1. 每个刷新周期拉取全部跟踪交易对的最新价，原子发布为一个不可变快照
// 2. 提供执行时点的最新价查询 (缓存优先，TTL 内直接命中)
// 3. 组装决策提示词需要的行情简报 (24h 统计 + K 线 + 技术指标)
//
// 【一致性】
// 快照整体换指针发布: 同一轮重估的所有读者看到同一代价格，
// 过期报价在发布前被过滤，宁可缺价也不给过期标记价

package market

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 配置
// =============================================================================

// ServiceConfig 行情服务配置
type ServiceConfig struct {
	// MaxQuoteAge 报价新鲜度上限，超龄的报价不进快照
	MaxQuoteAge time.Duration `yaml:"max_quote_age"`

	// FetchParallel 并发拉取上限
	FetchParallel int `yaml:"fetch_parallel"`

	// KlineInterval / KlineLimit 提示词 K 线参数
	KlineInterval string `yaml:"kline_interval"`
	KlineLimit    int    `yaml:"kline_limit"`
}

// DefaultServiceConfig 默认配置
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxQuoteAge:   DefaultQuoteTTL,
		FetchParallel: 4,
		KlineInterval: "1h",
		KlineLimit:    100,
	}
}

// =============================================================================
// Service
// =============================================================================

// Service 行情服务
type Service struct {
	source Source
	cfg    ServiceConfig

	mu   sync.RWMutex
	snap *Snapshot
}

// NewService 创建行情服务
func NewService(source Source, cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = def.MaxQuoteAge
	}
	if cfg.FetchParallel <= 0 {
		cfg.FetchParallel = def.FetchParallel
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = def.KlineInterval
	}
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = def.KlineLimit
	}
	return &Service{source: source, cfg: cfg}
}

// Snapshot 当前已发布的快照，尚未刷新过时返回 nil (nil 快照可安全查询)
func (s *Service) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RefreshSnapshot 拉取 symbols 的最新价并原子发布新快照
//
// 逐 symbol 并发拉取:
// - 单个 symbol 失败只影响自己，其余照常进快照
// - 失败的 symbol 沿用上一代报价 (仍在新鲜度内时)，否则从快照缺席
// - ctx 取消时整轮中止，保留旧快照
func (s *Service) RefreshSnapshot(ctx context.Context, symbols []string) (*Snapshot, error) {
	var (
		qmu    sync.Mutex
		quotes = make(map[string]PriceQuote, len(symbols))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchParallel)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			got, err := s.source.LatestPrices(gctx, []string{sym})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("[Market] fetch %s failed: %v", sym, err)
				return nil
			}
			q, ok := got[sym]
			if !ok {
				return nil
			}
			qmu.Lock()
			quotes[sym] = q
			qmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// 拉取失败的 symbol 沿用上一代报价
	prev := s.Snapshot()
	for _, sym := range symbols {
		if _, ok := quotes[sym]; ok {
			continue
		}
		if q, ok := prev.Quote(sym); ok {
			quotes[sym] = q
		}
	}

	// 发布前过滤过期报价
	for sym, q := range quotes {
		if q.Age(now) > s.cfg.MaxQuoteAge {
			log.Printf("[Market] drop stale quote %s (age %s)", sym, q.Age(now).Truncate(time.Second))
			delete(quotes, sym)
		}
	}

	snap := NewSnapshot(quotes, now)
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	if snap.Len() < len(symbols) {
		log.Printf("[Market] snapshot published: %d/%d symbols priced", snap.Len(), len(symbols))
	}
	return snap, nil
}

// LatestPrices 执行时点的最新价 (缓存优先)
//
// 与快照解耦: 决策轮的执行阶段用它拿"当下"价格做复核，
// 而不是用决策快照里可能已过时的价格
func (s *Service) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	quotes, err := s.source.LatestPrices(ctx, symbols)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]decimal.Decimal, len(quotes))
	for sym, q := range quotes {
		if q.Age(now) > s.cfg.MaxQuoteAge {
			continue
		}
		out[sym] = q.Price
	}
	return out, nil
}

// Briefs 组装一组交易对的行情简报
//
// 报价拿不到的 symbol 整个缺席；24h 统计和 K 线拉取失败只降级为空字段，
// 决策轮不因提示词数据缺失而中断
func (s *Service) Briefs(ctx context.Context, symbols []string) (map[string]*Brief, error) {
	var (
		bmu    sync.Mutex
		briefs = make(map[string]*Brief, len(symbols))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchParallel)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			brief, err := s.buildBrief(gctx, sym)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("[Market] brief %s skipped: %v", sym, err)
				return nil
			}
			bmu.Lock()
			briefs[sym] = brief
			bmu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return briefs, nil
}

func (s *Service) buildBrief(ctx context.Context, symbol string) (*Brief, error) {
	quotes, err := s.source.LatestPrices(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	quote, ok := quotes[symbol]
	if !ok || quote.Age(time.Now().UTC()) > s.cfg.MaxQuoteAge {
		return nil, ErrPriceUnavailable
	}

	brief := &Brief{Symbol: symbol, Quote: quote}

	if ticker, err := s.source.Ticker24h(ctx, symbol); err == nil {
		brief.Ticker = ticker
	} else {
		log.Printf("[Market] ticker24h %s unavailable: %v", symbol, err)
	}

	if candles, err := s.source.Klines(ctx, symbol, s.cfg.KlineInterval, s.cfg.KlineLimit); err == nil {
		brief.Candles = candles
		brief.Indicators = ComputeIndicators(candles)
	} else {
		log.Printf("[Market] klines %s unavailable: %v", symbol, err)
	}

	return brief, nil
}
