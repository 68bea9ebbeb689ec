// 文件: pkg/cfd/position.go
// CFD 持仓数据结构
//
// 【存储策略】
// - 主存储: MySQL (持久化，gorm)
// - MarkPrice/UnrealizedPnL 随每轮价格刷新更新后落库，供 API 直接读取

package cfd

import (
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
)

// =============================================================================
// Position - 持仓
// =============================================================================

// Position 一条未平仓的 CFD 腿
//
// 【关键概念区分】
// - 未实现盈亏 (uPnL): 随标记价格变化，Reprice 时重算
// - 已实现盈亏: 只在平仓时产生，记在 Portfolio 上累计，持仓本身不携带
type Position struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	PortfolioID string `gorm:"column:portfolio_id;type:varchar(36);index"`
	Symbol      string `gorm:"column:symbol;type:varchar(32);index"`

	// ===== 仓位状态 =====
	Side       calc.Side       `gorm:"column:side"`                           // 1=long, -1=short
	Quantity   decimal.Decimal `gorm:"column:quantity;type:decimal(32,8)"`    // 恒为正，方向由 Side 表达
	Leverage   decimal.Decimal `gorm:"column:leverage;type:decimal(32,8)"`    // 开仓时的杠杆
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:decimal(32,8)"` // 开仓价

	// ===== 保证金 =====
	// ReservedMargin = Qty × EntryPrice / Leverage，开仓时锁定，平仓时释放
	ReservedMargin decimal.Decimal `gorm:"column:reserved_margin;type:decimal(32,8)"`

	// ===== 行情快照 =====
	MarkPrice     decimal.Decimal `gorm:"column:mark_price;type:decimal(32,8)"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(32,8)"`

	OpenedAt  time.Time `gorm:"column:opened_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// Notional 当前名义价值 (按标记价格)
func (p *Position) Notional() decimal.Decimal {
	return calc.Notional(p.Quantity, p.MarkPrice)
}

// EntryNotional 开仓名义价值
func (p *Position) EntryNotional() decimal.Decimal {
	return calc.Notional(p.Quantity, p.EntryPrice)
}

// ComputeUnrealized 按给定标记价格计算 uPnL (不修改持仓)
func (p *Position) ComputeUnrealized(mark decimal.Decimal) decimal.Decimal {
	return calc.UnrealizedPnL(p.Side, p.Quantity, p.EntryPrice, mark)
}
