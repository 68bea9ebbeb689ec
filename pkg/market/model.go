// 文件: pkg/market/model.go
// 行情数据模型
//
// 【符号约定】
// 领域层统一使用 "BTC/USDT" 形式，交易所格式 ("BTCUSDT") 只存在于适配器边界

package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable 交易对没有新鲜报价 (源头没有该交易对或报价已超龄)
var ErrPriceUnavailable = errors.New("price unavailable")

// =============================================================================
// 价格报价
// =============================================================================

// PriceQuote 单个交易对的最新报价
type PriceQuote struct {
	Symbol string          // 领域格式, 如 "BTC/USDT"
	Price  decimal.Decimal // 最新成交价
	AsOf   time.Time       // 报价时刻 (UTC)
}

// Age 报价距今的时长
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.AsOf)
}

// =============================================================================
// 价格快照
// =============================================================================

// Snapshot 一次刷新周期内的全量报价
//
// 【不可变约束】
// 发布后内部 map 不再修改，读者只会看到完整的一代价格，
// 不会出现同一轮重估里新旧价格混用
type Snapshot struct {
	quotes  map[string]PriceQuote
	takenAt time.Time
}

// NewSnapshot 从报价集合构造快照，调用后 quotes 的所有权交给快照
func NewSnapshot(quotes map[string]PriceQuote, takenAt time.Time) *Snapshot {
	if quotes == nil {
		quotes = make(map[string]PriceQuote)
	}
	return &Snapshot{quotes: quotes, takenAt: takenAt}
}

// Quote 查询单个交易对的报价
func (s *Snapshot) Quote(symbol string) (PriceQuote, bool) {
	if s == nil {
		return PriceQuote{}, false
	}
	q, ok := s.quotes[symbol]
	return q, ok
}

// Price 查询单个交易对的价格
func (s *Snapshot) Price(symbol string) (decimal.Decimal, bool) {
	q, ok := s.Quote(symbol)
	return q.Price, ok
}

// Prices 导出 symbol → price 映射 (副本，调用方可自由修改)
func (s *Snapshot) Prices() map[string]decimal.Decimal {
	if s == nil {
		return map[string]decimal.Decimal{}
	}
	out := make(map[string]decimal.Decimal, len(s.quotes))
	for sym, q := range s.quotes {
		out[sym] = q.Price
	}
	return out
}

// Symbols 快照包含的交易对
func (s *Snapshot) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		out = append(out, sym)
	}
	return out
}

// TakenAt 快照发布时刻
func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// Len 快照中的报价数量
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.quotes)
}

// =============================================================================
// K 线与 24h 行情
// =============================================================================

// Candle 单根 K 线 (OHLCV)
type Candle struct {
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
}

// TickerData 24 小时滚动统计
type TickerData struct {
	Symbol         string          `json:"symbol"`
	LastPrice      decimal.Decimal `json:"last_price"`
	PriceChangePct decimal.Decimal `json:"price_change_pct"`
	HighPrice      decimal.Decimal `json:"high_24h"`
	LowPrice       decimal.Decimal `json:"low_24h"`
	QuoteVolume    decimal.Decimal `json:"quote_volume_24h"`
}

// Brief 单个交易对的行情简报，供决策提示词使用
//
// Quote 一定存在；Ticker/Candles/Indicators 拉取失败时为空，
// 提示词构建方按缺失处理，不因此中断决策轮
type Brief struct {
	Symbol     string
	Quote      PriceQuote
	Ticker     *TickerData
	Candles    []Candle // 时间升序，最新一根在末尾
	Indicators *Indicators
}
