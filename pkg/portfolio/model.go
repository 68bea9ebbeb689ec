// 文件: pkg/portfolio/model.go
// 组合数据结构与派生视图
//
// 【记账列 vs 派生列】
// - CashBalance / ReservedMargin / RealizedPnL 是记账事实，只随 Delta 变动
// - UnrealizedPnL / Equity 是派生缓存，每轮价格刷新和执行后回写，供 API 直读
// - 其余派生字段 (可用保证金、当前杠杆、保证金水平) 在 View 上实时计算

package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
	"arena.com/pkg/cfd"
)

// =============================================================================
// Portfolio - 组合
// =============================================================================

// Portfolio 参与者的资金账户 (1-1)
type Portfolio struct {
	ID            string `gorm:"primaryKey;type:varchar(36)"`
	ParticipantID string `gorm:"column:participant_id;type:varchar(36);uniqueIndex"`

	CashBalance    decimal.Decimal `gorm:"column:cash_balance;type:decimal(32,8)"`
	ReservedMargin decimal.Decimal `gorm:"column:reserved_margin;type:decimal(32,8)"`
	RealizedPnL    decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,8)"`

	// ===== 派生缓存 (最近一次刷新) =====
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(32,8)"`
	Equity        decimal.Decimal `gorm:"column:equity;type:decimal(32,8)"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Portfolio) TableName() string {
	return "portfolios"
}

// =============================================================================
// View - 带持仓与全部派生字段的只读快照
// =============================================================================

// View 组合快照
// 决策轮、风控检查、API 读取都基于它，派生字段在 Recompute 里统一计算
type View struct {
	Portfolio *Portfolio
	Positions []*cfd.Position

	UnrealizedPnL   decimal.Decimal
	Equity          decimal.Decimal
	AvailableMargin decimal.Decimal
	TotalNotional   decimal.Decimal
	CurrentLeverage decimal.Decimal

	// MarginLevelPct 仅在 MarginLevelDefined 时有意义
	MarginLevelPct     decimal.Decimal
	MarginLevelDefined bool
}

// NewView 构建快照并计算派生字段
func NewView(p *Portfolio, positions []*cfd.Position) *View {
	v := &View{Portfolio: p, Positions: positions}
	v.Recompute()
	return v
}

// Recompute 重算全部派生字段
func (v *View) Recompute() {
	unrealized := decimal.Zero
	notional := decimal.Zero
	for _, pos := range v.Positions {
		unrealized = unrealized.Add(pos.UnrealizedPnL)
		notional = notional.Add(pos.Notional())
	}
	v.UnrealizedPnL = unrealized
	v.TotalNotional = notional
	v.Equity = calc.Equity(v.Portfolio.CashBalance, unrealized)
	v.AvailableMargin = calc.AvailableMargin(v.Equity, v.Portfolio.ReservedMargin)
	v.CurrentLeverage = calc.CurrentLeverage(notional, v.Equity)
	v.MarginLevelPct, v.MarginLevelDefined = calc.MarginLevelPct(v.Equity, v.Portfolio.ReservedMargin)
}

// FindPosition 按持仓 ID 查找
func (v *View) FindPosition(positionID string) *cfd.Position {
	for _, pos := range v.Positions {
		if pos.ID == positionID {
			return pos
		}
	}
	return nil
}

// PositionsBySymbol 某标的的全部持仓
func (v *View) PositionsBySymbol(symbol string) []*cfd.Position {
	var out []*cfd.Position
	for _, pos := range v.Positions {
		if pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out
}

// =============================================================================
// HistoryRecord - 权益曲线采样点
// =============================================================================

// HistoryRecord 每轮价格刷新后的组合快照，经 Kafka 异步落库
type HistoryRecord struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	PortfolioID   string `gorm:"column:portfolio_id;type:varchar(36);index:idx_history_portfolio_time,priority:1"`
	ParticipantID string `gorm:"column:participant_id;type:varchar(36);index"`

	Equity         decimal.Decimal `gorm:"column:equity;type:decimal(32,8)"`
	CashBalance    decimal.Decimal `gorm:"column:cash_balance;type:decimal(32,8)"`
	ReservedMargin decimal.Decimal `gorm:"column:reserved_margin;type:decimal(32,8)"`
	UnrealizedPnL  decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(32,8)"`
	RealizedPnL    decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,8)"`

	RecordedAt time.Time `gorm:"column:recorded_at;index:idx_history_portfolio_time,priority:2"`
}

func (HistoryRecord) TableName() string {
	return "portfolio_history"
}
