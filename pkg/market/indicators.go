// 文件: pkg/market/indicators.go
// 技术指标计算
//
// 【职责】
// 从 K 线收盘价计算决策提示词用的指标: EMA / RSI / MACD
// 指标只进提示词，不参与任何账务计算
//
// 【约定】
// - 输入序列时间升序，最新收盘价在末尾
// - 数据不足以计算时返回 ok=false，调用方按缺失处理
// - 结果按金额精度做银行家舍入，中间过程保留全精度

package market

import (
	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
)

// Indicators 技术指标集合
// 指针字段: nil 表示 K 线长度不足，序列化时整项省略
type Indicators struct {
	EMA20      *decimal.Decimal `json:"ema20,omitempty"`
	RSI7       *decimal.Decimal `json:"rsi7,omitempty"`
	RSI14      *decimal.Decimal `json:"rsi14,omitempty"`
	MACD       *decimal.Decimal `json:"macd,omitempty"`
	MACDSignal *decimal.Decimal `json:"macd_signal,omitempty"`
	MACDHist   *decimal.Decimal `json:"macd_histogram,omitempty"`
}

// ComputeIndicators 从 K 线计算全部指标
func ComputeIndicators(candles []Candle) *Indicators {
	ind := &Indicators{}
	if len(candles) == 0 {
		return ind
	}

	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	if v, ok := EMA(closes, 20); ok {
		ind.EMA20 = &v
	}
	if v, ok := RSI(closes, 7); ok {
		ind.RSI7 = &v
	}
	if v, ok := RSI(closes, 14); ok {
		ind.RSI14 = &v
	}
	if m, ok := MACD(closes); ok {
		ind.MACD = &m.Line
		ind.MACDSignal = &m.Signal
		ind.MACDHist = &m.Histogram
	}
	return ind
}

// =============================================================================
// EMA - 指数移动平均
// =============================================================================

// EMA 指数移动平均的最新值
// 种子为前 period 根的简单均值，之后按 k = 2/(period+1) 递推
func EMA(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	series := emaSeries(values, period)
	if len(series) == 0 {
		return decimal.Zero, false
	}
	return calc.RoundMoney(series[len(series)-1]), true
}

// emaSeries EMA 全序列，series[i] 对应 values[period-1+i]
func emaSeries(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}

	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period) + 1))
	oneMinusK := decimal.NewFromInt(1).Sub(k)

	sum := decimal.Zero
	for _, v := range values[:period] {
		sum = sum.Add(v)
	}
	ema := sum.Div(decimal.NewFromInt(int64(period)))

	series := make([]decimal.Decimal, 0, len(values)-period+1)
	series = append(series, ema)
	for _, v := range values[period:] {
		ema = v.Mul(k).Add(ema.Mul(oneMinusK))
		series = append(series, ema)
	}
	return series
}

// =============================================================================
// RSI - 相对强弱指数 (Wilder 平滑)
// =============================================================================

// RSI 相对强弱指数，区间 [0, 100]
// 需要至少 period+1 个收盘价；全程无波动时返回中性值 50
func RSI(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(values) < period+1 {
		return decimal.Zero, false
	}

	n := decimal.NewFromInt(int64(period))

	// 1. 首个均值: 前 period 个涨跌的简单均值
	avgGain, avgLoss := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		delta := values[i].Sub(values[i-1])
		if delta.Sign() > 0 {
			avgGain = avgGain.Add(delta)
		} else {
			avgLoss = avgLoss.Add(delta.Neg())
		}
	}
	avgGain = avgGain.Div(n)
	avgLoss = avgLoss.Div(n)

	// 2. Wilder 平滑递推
	nMinus1 := decimal.NewFromInt(int64(period) - 1)
	for i := period + 1; i < len(values); i++ {
		delta := values[i].Sub(values[i-1])
		gain, loss := decimal.Zero, decimal.Zero
		if delta.Sign() > 0 {
			gain = delta
		} else {
			loss = delta.Neg()
		}
		avgGain = avgGain.Mul(nMinus1).Add(gain).Div(n)
		avgLoss = avgLoss.Mul(nMinus1).Add(loss).Div(n)
	}

	hundred := decimal.NewFromInt(100)
	if avgLoss.Sign() == 0 {
		if avgGain.Sign() == 0 {
			return decimal.NewFromInt(50), true
		}
		return hundred, true
	}

	rs := avgGain.Div(avgLoss)
	rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	return calc.RoundMoney(rsi), true
}

// =============================================================================
// MACD - 指数平滑异同移动平均 (12, 26, 9)
// =============================================================================

const (
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
)

// MACDValue MACD 三元组
type MACDValue struct {
	Line      decimal.Decimal // EMA12 - EMA26
	Signal    decimal.Decimal // Line 的 EMA9
	Histogram decimal.Decimal // Line - Signal
}

// MACD 计算标准参数 (12, 26, 9) 的 MACD
// 需要至少 34 个收盘价 (26 + 9 - 1)
func MACD(values []decimal.Decimal) (MACDValue, bool) {
	if len(values) < macdSlowPeriod+macdSignalPeriod-1 {
		return MACDValue{}, false
	}

	fastSeries := emaSeries(values, macdFastPeriod)
	slowSeries := emaSeries(values, macdSlowPeriod)

	// 对齐: slowSeries[i] 对应 values[slow-1+i]，即 fastSeries[slow-fast+i]
	offset := macdSlowPeriod - macdFastPeriod
	macdLine := make([]decimal.Decimal, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[offset+i].Sub(slowSeries[i])
	}

	signalSeries := emaSeries(macdLine, macdSignalPeriod)
	if len(signalSeries) == 0 {
		return MACDValue{}, false
	}

	line := macdLine[len(macdLine)-1]
	signal := signalSeries[len(signalSeries)-1]
	return MACDValue{
		Line:      calc.RoundMoney(line),
		Signal:    calc.RoundMoney(signal),
		Histogram: calc.RoundMoney(line.Sub(signal)),
	}, true
}
