// 文件: pkg/market/sim.go
// 模拟行情源 - 几何布朗运动 (GBM) 随机游走
//
// 【用途】
// 离线运行 (cmd/simulation) 和演示环境，不依赖交易所与 Redis。
// GBM 保证价格恒正且波动率可控，比线性随机游走更接近真实资产走势
//
// 【虚拟时钟】
// 每次 Step 推进一个固定的虚拟时长并生成一根 K 线，
// 与真实挂钟解耦，模拟可以任意加速

package market

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var _ Source = (*SimSource)(nil)

// SimConfig 模拟行情源配置
type SimConfig struct {
	// Volatility 年化波动率 (0.5 = 50%，加密货币典型值)
	Volatility float64

	// StepWidth 每步推进的虚拟时长，同时是 K 线宽度
	StepWidth time.Duration

	// HistoryCap 每个交易对保留的 K 线数量上限
	HistoryCap int

	// WarmupSteps 构造时预跑的步数，让技术指标立即可算
	WarmupSteps int

	// Seed 随机种子，0 表示取当前时间
	Seed int64
}

// DefaultSimConfig 默认配置
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Volatility:  0.5,
		StepWidth:   time.Minute,
		HistoryCap:  256,
		WarmupSteps: 120,
	}
}

// SimSource GBM 模拟行情源
type SimSource struct {
	cfg SimConfig

	mu      sync.Mutex
	rng     *rand.Rand
	symbols []string // 固定迭代顺序，保证同种子可复现
	prices  map[string]float64
	history map[string][]Candle
	clock   time.Time // 虚拟时钟，指向下一根 K 线的开盘时刻
}

// NewSimSource 创建模拟行情源并预热历史 K 线
func NewSimSource(start map[string]decimal.Decimal, cfg SimConfig) *SimSource {
	def := DefaultSimConfig()
	if cfg.Volatility <= 0 {
		cfg.Volatility = def.Volatility
	}
	if cfg.StepWidth <= 0 {
		cfg.StepWidth = def.StepWidth
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.WarmupSteps < 0 {
		cfg.WarmupSteps = def.WarmupSteps
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &SimSource{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		prices:  make(map[string]float64, len(start)),
		history: make(map[string][]Candle, len(start)),
		clock:   time.Now().UTC().Add(-time.Duration(cfg.WarmupSteps) * cfg.StepWidth),
	}
	for sym, px := range start {
		f, _ := px.Float64()
		s.prices[sym] = f
		s.symbols = append(s.symbols, sym)
	}
	sort.Strings(s.symbols)

	for i := 0; i < cfg.WarmupSteps; i++ {
		s.Step()
	}
	return s
}

// Step 推进一个虚拟时间步: 所有交易对走一步 GBM 并各生成一根 K 线
//
// GBM: S_new = S × exp(-0.5σ²·dt + σ·√dt·Z)，Z ~ N(0,1)，无漂移
func (s *SimSource) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := s.cfg.StepWidth.Hours() / 24 / 365
	sigma := s.cfg.Volatility
	openTime := s.clock
	closeTime := openTime.Add(s.cfg.StepWidth)

	for _, sym := range s.symbols {
		px := s.prices[sym]
		z := s.rng.NormFloat64()
		next := px * math.Exp(-0.5*sigma*sigma*dt+sigma*math.Sqrt(dt)*z)

		open := decimal.NewFromFloat(px).RoundBank(8)
		closePx := decimal.NewFromFloat(next).RoundBank(8)
		high, low := open, closePx
		if closePx.GreaterThan(open) {
			high, low = closePx, open
		}

		candle := Candle{
			OpenTime:  openTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    decimal.NewFromFloat(s.rng.Float64() * 100).RoundBank(8),
			CloseTime: closeTime,
		}

		hist := append(s.history[sym], candle)
		if len(hist) > s.cfg.HistoryCap {
			hist = hist[len(hist)-s.cfg.HistoryCap:]
		}
		s.history[sym] = hist
		s.prices[sym] = next
	}
	s.clock = closeTime
}

// SetPrice 直接设定价格，测试和剧本化场景用
func (s *SimSource) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prices[symbol]; !ok {
		s.symbols = append(s.symbols, symbol)
		sort.Strings(s.symbols)
	}
	f, _ := price.Float64()
	s.prices[symbol] = f
}

// LatestPrices 返回当前模拟价，AsOf 取当前挂钟时刻 (模拟价永远新鲜)
func (s *SimSource) LatestPrices(_ context.Context, symbols []string) (map[string]PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make(map[string]PriceQuote, len(symbols))
	for _, sym := range symbols {
		px, ok := s.prices[sym]
		if !ok {
			continue
		}
		out[sym] = PriceQuote{
			Symbol: sym,
			Price:  decimal.NewFromFloat(px).RoundBank(8),
			AsOf:   now,
		}
	}
	return out, nil
}

// Klines 返回最近的模拟 K 线，interval 参数被忽略 (模拟粒度固定为 StepWidth)
func (s *SimSource) Klines(_ context.Context, symbol, _ string, limit int) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist, ok := s.history[symbol]
	if !ok {
		return nil, ErrPriceUnavailable
	}
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]Candle, len(hist))
	copy(out, hist)
	return out, nil
}

// Ticker24h 从 K 线历史合成 24h 统计
func (s *SimSource) Ticker24h(_ context.Context, symbol string) (*TickerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist, ok := s.history[symbol]
	if !ok || len(hist) == 0 {
		return nil, ErrPriceUnavailable
	}

	first, last := hist[0], hist[len(hist)-1]
	high, low := first.High, first.Low
	volume := decimal.Zero
	for _, c := range hist {
		if c.High.GreaterThan(high) {
			high = c.High
		}
		if c.Low.LessThan(low) {
			low = c.Low
		}
		volume = volume.Add(c.Volume.Mul(c.Close))
	}

	changePct := decimal.Zero
	if first.Open.Sign() > 0 {
		changePct = last.Close.Sub(first.Open).
			Div(first.Open).
			Mul(decimal.NewFromInt(100)).
			RoundBank(8)
	}

	return &TickerData{
		Symbol:         symbol,
		LastPrice:      last.Close,
		PriceChangePct: changePct,
		HighPrice:      high,
		LowPrice:       low,
		QuoteVolume:    volume.RoundBank(8),
	}, nil
}
