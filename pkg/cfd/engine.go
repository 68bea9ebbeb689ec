// 文件: pkg/cfd/engine.go
// CFD 仓位引擎: 开仓 / 平仓 / 重定价
//
// 【保证金记账模型 (reserve-margin accounting)】
// 开仓不动现金，只增加占用保证金:
//   Δcash = 0, Δreserved = +margin, Δrealized = 0
// 平仓释放保证金，盈亏直接进出现金:
//   Δcash = +realizedPnL, Δreserved = -margin, Δrealized = +realizedPnL
// 权益只随行情和已实现结果变动，开仓本身不改变权益。

package cfd

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
)

var (
	ErrBadQuantity = errors.New("quantity must be positive")
	ErrBadPrice    = errors.New("mark price must be positive")
)

// =============================================================================
// Delta - 一次仓位操作产生的账户变动
// =============================================================================

// Delta 现金/保证金/已实现盈亏的变动量
// 由 portfolio.Manager 原子应用
type Delta struct {
	Cash           decimal.Decimal
	ReservedMargin decimal.Decimal
	RealizedPnL    decimal.Decimal
}

// Add 合并两个 Delta
func (d Delta) Add(other Delta) Delta {
	return Delta{
		Cash:           d.Cash.Add(other.Cash),
		ReservedMargin: d.ReservedMargin.Add(other.ReservedMargin),
		RealizedPnL:    d.RealizedPnL.Add(other.RealizedPnL),
	}
}

// IsZero 三个分量是否全为零
func (d Delta) IsZero() bool {
	return d.Cash.IsZero() && d.ReservedMargin.IsZero() && d.RealizedPnL.IsZero()
}

// =============================================================================
// 开仓
// =============================================================================

// OpenRequest 开仓参数
// 上层 (trading engine) 负责竞赛规则校验，这里只做数学前提检查
type OpenRequest struct {
	PortfolioID string
	Symbol      string
	Side        calc.Side
	Quantity    decimal.Decimal
	Leverage    decimal.Decimal
	MarkPrice   decimal.Decimal
}

// Open 开仓
//
// 1. 计算名义价值与初始保证金
// 2. 创建持仓: entry = mark, uPnL = 0
// 3. 返回 Delta: Δcash=0, Δreserved=+margin
func Open(req OpenRequest) (*Position, Delta, error) {
	if req.Quantity.Sign() <= 0 {
		return nil, Delta{}, ErrBadQuantity
	}
	if req.MarkPrice.Sign() <= 0 {
		return nil, Delta{}, ErrBadPrice
	}

	notional := calc.Notional(req.Quantity, req.MarkPrice)
	margin, err := calc.MarginRequired(notional, req.Leverage)
	if err != nil {
		return nil, Delta{}, err
	}

	now := time.Now().UTC()
	pos := &Position{
		ID:             uuid.NewString(),
		PortfolioID:    req.PortfolioID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Leverage:       req.Leverage,
		EntryPrice:     req.MarkPrice,
		ReservedMargin: margin,
		MarkPrice:      req.MarkPrice,
		UnrealizedPnL:  decimal.Zero,
		OpenedAt:       now,
		UpdatedAt:      now,
	}

	delta := Delta{
		Cash:           decimal.Zero,
		ReservedMargin: margin,
		RealizedPnL:    decimal.Zero,
	}
	return pos, delta, nil
}

// =============================================================================
// 平仓
// =============================================================================

// CloseOutcome 平仓结果
type CloseOutcome struct {
	RealizedPnL    decimal.Decimal
	ExecutedPrice  decimal.Decimal
	MarginReleased decimal.Decimal
}

// Close 全量平仓
//
// 1. 按平仓价计算已实现盈亏
//    多头: (close - entry) × qty，空头: (entry - close) × qty
// 2. 返回 Delta: Δcash=+pnl, Δreserved=-margin, Δrealized=+pnl
// 持仓的删除由上层在应用 Delta 的同一事务内完成
func Close(pos *Position, mark decimal.Decimal) (CloseOutcome, Delta, error) {
	if mark.Sign() <= 0 {
		return CloseOutcome{}, Delta{}, ErrBadPrice
	}

	realized := calc.RoundMoney(pos.ComputeUnrealized(mark))

	outcome := CloseOutcome{
		RealizedPnL:    realized,
		ExecutedPrice:  mark,
		MarginReleased: pos.ReservedMargin,
	}
	delta := Delta{
		Cash:           realized,
		ReservedMargin: pos.ReservedMargin.Neg(),
		RealizedPnL:    realized,
	}
	return outcome, delta, nil
}

// =============================================================================
// 重定价
// =============================================================================

// Reprice 更新标记价格并重算 uPnL，返回是否有变化
// 不产生任何现金/保证金变动，幂等
func Reprice(pos *Position, mark decimal.Decimal) bool {
	if mark.Sign() <= 0 {
		return false
	}
	unrealized := calc.RoundMoney(pos.ComputeUnrealized(mark))
	if pos.MarkPrice.Equal(mark) && pos.UnrealizedPnL.Equal(unrealized) {
		return false
	}
	pos.MarkPrice = mark
	pos.UnrealizedPnL = unrealized
	pos.UpdatedAt = time.Now().UTC()
	return true
}
