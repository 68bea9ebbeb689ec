// 文件: pkg/trading/model.go
// 交易模块 - 订单与成交模型
//
// 订单是一次下单意图的审计记录，成交是实际落账的执行记录。
// 代理的每个指令都会生成一条订单，被拒绝的订单同样落库，
// 拒绝原因使用稳定的机器可读代码。

package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
)

// =============================================================================
// 常量定义
// =============================================================================

// NATS 事件主题
const (
	SubjectTradeExecuted  = "arena.trade.executed"
	SubjectPositionOpened = "arena.position.opened"
	SubjectPositionClosed = "arena.position.closed"
)

// Action 订单动作
type Action string

const (
	ActionOpen  Action = "open"  // 开仓
	ActionClose Action = "close" // 平仓
)

// OrderStatus 订单状态
//
// 状态机: pending -> accepted -> executed
//                 \-> rejected
// 终态只有 executed / rejected 两种。
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"  // 已创建
	OrderAccepted OrderStatus = "accepted" // 校验通过
	OrderRejected OrderStatus = "rejected" // 校验失败
	OrderExecuted OrderStatus = "executed" // 已落账
)

// 拒绝原因代码 (稳定，供代理与前端消费)
const (
	ReasonParticipantInactive  = "participant_inactive"
	ReasonCompetitionInactive  = "competition_inactive"
	ReasonInstrumentDisallowed = "instrument_disallowed"
	ReasonLeverageOutOfBounds  = "leverage_out_of_bounds"
	ReasonQuantityNonPositive  = "quantity_non_positive"
	ReasonPriceUnavailable     = "price_unavailable"
	ReasonSizeCapExceeded      = "size_cap_exceeded"
	ReasonInsufficientMargin   = "insufficient_margin"
	ReasonPositionNotOwned     = "position_not_owned"
)

// =============================================================================
// Order - 订单
// =============================================================================

// Order 订单记录
type Order struct {
	ID int64 `gorm:"primaryKey" json:"id"` // 雪花ID

	// ===== 归属 =====
	CompetitionID string `gorm:"column:competition_id;type:varchar(36);index" json:"competition_id"`
	ParticipantID string `gorm:"column:participant_id;type:varchar(36);index" json:"participant_id"`

	// DecisionID 产生该订单的决策轮 (强平订单为空)
	DecisionID string `gorm:"column:decision_id;type:varchar(36);index" json:"decision_id,omitempty"`

	// ===== 指令 =====
	Action   Action          `gorm:"column:action;type:varchar(8)" json:"action"`
	Symbol   string          `gorm:"column:symbol;type:varchar(32)" json:"symbol"`
	Side     calc.Side       `gorm:"column:side;type:tinyint" json:"side"`
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,8)" json:"quantity"`
	Leverage decimal.Decimal `gorm:"column:leverage;type:decimal(32,8)" json:"leverage"`

	// PositionID 平仓目标 (开仓成功后回填新持仓 ID)
	PositionID string `gorm:"column:position_id;type:varchar(36)" json:"position_id,omitempty"`

	// ===== 结果 =====
	Status       OrderStatus `gorm:"column:status;type:varchar(16);index" json:"status"`
	RejectReason string      `gorm:"column:reject_reason;type:varchar(32)" json:"reject_reason,omitempty"`

	// Liquidation 是否强平指令
	Liquidation bool `gorm:"column:liquidation" json:"liquidation"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// IsTerminal 是否终态
func (o *Order) IsTerminal() bool {
	return o.Status == OrderExecuted || o.Status == OrderRejected
}

// =============================================================================
// Trade - 成交
// =============================================================================

// Trade 成交记录，只有 executed 订单才会产生
type Trade struct {
	ID      int64 `gorm:"primaryKey" json:"id"` // 雪花ID
	OrderID int64 `gorm:"column:order_id;index" json:"order_id"`

	// ===== 归属 =====
	CompetitionID string `gorm:"column:competition_id;type:varchar(36);index" json:"competition_id"`
	ParticipantID string `gorm:"column:participant_id;type:varchar(36);index" json:"participant_id"`
	PositionID    string `gorm:"column:position_id;type:varchar(36)" json:"position_id"`

	// ===== 执行明细 =====
	Action   Action          `gorm:"column:action;type:varchar(8)" json:"action"`
	Symbol   string          `gorm:"column:symbol;type:varchar(32)" json:"symbol"`
	Side     calc.Side       `gorm:"column:side;type:tinyint" json:"side"`
	Quantity decimal.Decimal `gorm:"column:quantity;type:decimal(32,8)" json:"quantity"`
	Price    decimal.Decimal `gorm:"column:price;type:decimal(32,8)" json:"price"`
	Notional decimal.Decimal `gorm:"column:notional;type:decimal(32,8)" json:"notional"`
	Leverage decimal.Decimal `gorm:"column:leverage;type:decimal(32,8)" json:"leverage"`

	// MarginDelta 保证金变动: 开仓 +margin，平仓 -margin
	MarginDelta decimal.Decimal `gorm:"column:margin_delta;type:decimal(32,8)" json:"margin_delta"`

	// RealizedPnL 平仓已实现盈亏 (开仓恒为 0)
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,8)" json:"realized_pnl"`

	// Liquidation 是否强平产生
	Liquidation bool `gorm:"column:liquidation" json:"liquidation"`

	ExecutedAt time.Time `gorm:"column:executed_at;index" json:"executed_at"`
}

func (Trade) TableName() string {
	return "trades"
}
