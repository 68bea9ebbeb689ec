// 文件: pkg/calc/calc.go
// CFD 账户核心计算原语
//
// 【设计约束】
// - 全部使用 decimal.Decimal，禁止 float64 (二进制浮点会丢失分值精度)
// - 每次除法后按字段精度做银行家舍入 (RoundBank)，乘法保留全精度
// - 纯函数，无状态，无副作用

package calc

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrBadLeverage = errors.New("leverage must be positive")

// MoneyScale 金额/数量字段的小数位数
// 8 位足以表示加密货币的最小数量单位，同时覆盖法币的分
const MoneyScale = 8

// =============================================================================
// 持仓方向
// =============================================================================

type Side int8

const (
	SideLong  Side = 1  // 多头 (buy 开仓)
	SideShort Side = -1 // 空头 (sell 开仓)
)

func (s Side) String() string {
	if s == SideLong {
		return "long"
	}
	return "short"
}

// Opposite 反方向 (平仓流向)
func (s Side) Opposite() Side {
	return -s
}

// =============================================================================
// 基础计算
// =============================================================================

// Notional 名义价值
// Notional = Qty × Price，与保证金无关的真实敞口
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

// MarginRequired 初始保证金
// Margin = Notional / Leverage
func MarginRequired(notional, leverage decimal.Decimal) (decimal.Decimal, error) {
	if leverage.Sign() <= 0 {
		return decimal.Zero, ErrBadLeverage
	}
	return notional.Div(leverage).RoundBank(MoneyScale), nil
}

// UnrealizedPnL 未实现盈亏
// 多头: (Mark - Entry) × Qty
// 空头: (Entry - Mark) × Qty
func UnrealizedPnL(side Side, qty, entry, mark decimal.Decimal) decimal.Decimal {
	if side == SideShort {
		return entry.Sub(mark).Mul(qty)
	}
	return mark.Sub(entry).Mul(qty)
}

// PnLPct 盈亏百分比
// basis <= 0 时返回 0 (新账户无基数)
func PnLPct(pnl, basis decimal.Decimal) decimal.Decimal {
	if basis.Sign() <= 0 {
		return decimal.Zero
	}
	return pnl.Div(basis).Mul(decimal.NewFromInt(100)).RoundBank(MoneyScale)
}

// Equity 账户权益
// Equity = Cash + Σ uPnL
func Equity(cash, unrealized decimal.Decimal) decimal.Decimal {
	return cash.Add(unrealized)
}

// AvailableMargin 可用保证金
// Available = Equity - ReservedMargin
func AvailableMargin(equity, reserved decimal.Decimal) decimal.Decimal {
	return equity.Sub(reserved)
}

// CurrentLeverage 账户当前杠杆
// Leverage = Σ Notional / Equity，权益非正时返回 0
func CurrentLeverage(totalNotional, equity decimal.Decimal) decimal.Decimal {
	if equity.Sign() <= 0 {
		return decimal.Zero
	}
	return totalNotional.Div(equity).RoundBank(MoneyScale)
}

// =============================================================================
// 风险指标
// =============================================================================

// MarginLevelPct 保证金水平 (百分比)
// Level = Equity / ReservedMargin × 100
// 未占用保证金时无定义，返回 ok=false
func MarginLevelPct(equity, reserved decimal.Decimal) (decimal.Decimal, bool) {
	if reserved.Sign() <= 0 {
		return decimal.Zero, false
	}
	level := equity.Div(reserved).Mul(decimal.NewFromInt(100)).RoundBank(MoneyScale)
	return level, true
}

// LiquidationTriggered 是否触发强平
// 条件: ReservedMargin > 0 且 MarginLevel < MaintenancePct
func LiquidationTriggered(equity, reserved, maintenancePct decimal.Decimal) bool {
	level, ok := MarginLevelPct(equity, reserved)
	if !ok {
		return false
	}
	return level.LessThan(maintenancePct)
}

// MaxPositionNotional 单笔仓位名义价值上限
// Cap = Equity × CapPct / 100
// 【注意】杠杆不放大这个上限，上限约束的是名义敞口而非保证金
func MaxPositionNotional(equity, capPct decimal.Decimal) decimal.Decimal {
	return equity.Mul(capPct).Div(decimal.NewFromInt(100)).RoundBank(MoneyScale)
}

// WinRatePct 胜率 (百分比)
func WinRatePct(winning, total int) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(winning)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(decimal.NewFromInt(100)).
		RoundBank(MoneyScale)
}

// RoundMoney 按金额精度舍入 (银行家舍入)
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(MoneyScale)
}
