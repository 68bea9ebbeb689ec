// 文件: pkg/decision/model.go
// 决策模块 - 数据模型
//
// 【职责】
// 定义一轮决策的完整审计记录: 提示词、模型原文、解析结果、逐单执行结果。
// 每一轮调用恒产生一条记录，失败轮也不例外，这是事后复盘的唯一依据。

package decision

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 轮次状态
// =============================================================================

// Status 一轮决策的终态
type Status string

const (
	// StatusSuccess 模型应答解析成功，订单 (可为零条) 已逐一提交
	// 部分订单被风控拒绝仍算 success，逐单结果见 Executions
	StatusSuccess Status = "success"

	// StatusTimeout 模型调用超出参与者配置的时限
	StatusTimeout Status = "timeout"

	// StatusTransportError 模型调用失败 (鉴权/网络/取消)，重试后仍未成功
	StatusTransportError Status = "transport_error"

	// StatusInvalidResponse 模型应答无法解析出合法决策
	StatusInvalidResponse Status = "invalid_response"
)

// =============================================================================
// 决策 JSON 线格式
// =============================================================================

// 模型必须返回的结构:
//
//	{ "decision": "trade" | "hold",
//	  "reasoning": "<自由文本>",
//	  "orders": [
//	    { "action": "open",  "symbol": "BTC/USDT", "side": "buy",
//	      "quantity": 0.5, "leverage": 3 },
//	    { "action": "close", "symbol": "ETH/USDT", "position_id": "<uuid>" } ] }

const (
	DecisionTrade = "trade"
	DecisionHold  = "hold"
)

const (
	OrderActionOpen  = "open"
	OrderActionClose = "close"
)

// ParsedOrder 模型给出的一条订单指令
// Quantity/Leverage 用指针区分 "缺失" 与 "显式 0": 缺失是解析错误，
// 显式 0 放行给交易引擎，由风控以 quantity_non_positive 等理由拒绝
type ParsedOrder struct {
	Action     string           `json:"action"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side,omitempty"` // buy/sell，open 必填
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	Leverage   *decimal.Decimal `json:"leverage,omitempty"`
	PositionID string           `json:"position_id,omitempty"` // close 定位用，缺省按 symbol 回退
}

// ParsedDecision 解析后的完整决策
type ParsedDecision struct {
	Decision  string        `json:"decision"`
	Reasoning string        `json:"reasoning,omitempty"`
	Orders    []ParsedOrder `json:"orders,omitempty"`
}

// =============================================================================
// 执行结果
// =============================================================================

// ExecutionResult 一条订单的提交结果
// Status 只会是 executed 或 rejected，拒绝时带稳定理由码
type ExecutionResult struct {
	OrderID       int64           `json:"order_id"`
	Action        string          `json:"action"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

const (
	ExecutionExecuted = "executed"
	ExecutionRejected = "rejected"
)

// =============================================================================
// Record - 决策记录
// =============================================================================

// Record 一轮决策的审计记录
//
// Prices 是执行阶段实际使用的价格表: 用同一份快照回放 Parsed.Orders
// 可以精确复现 Executions
type Record struct {
	ID            string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CompetitionID string `gorm:"column:competition_id;type:varchar(36);index" json:"competition_id"`
	ParticipantID string `gorm:"column:participant_id;type:varchar(36);index" json:"participant_id"`

	// ===== 终态 =====
	Status      Status `gorm:"column:status;type:varchar(20);index" json:"status"`
	ErrorDetail string `gorm:"column:error_detail;type:varchar(512)" json:"error_detail,omitempty"`

	// ===== 模型交互 =====
	Prompt      string `gorm:"column:prompt;type:mediumtext" json:"prompt,omitempty"`
	RawResponse string `gorm:"column:raw_response;type:mediumtext" json:"raw_response,omitempty"`

	// ===== 解析与执行 =====
	Parsed     *ParsedDecision            `gorm:"column:parsed;serializer:json;type:json" json:"parsed,omitempty"`
	Executions []ExecutionResult          `gorm:"column:executions;serializer:json;type:json" json:"executions,omitempty"`
	Prices     map[string]decimal.Decimal `gorm:"column:prices;serializer:json;type:json" json:"prices,omitempty"`

	// ===== 开销 =====
	PromptTokens   int   `gorm:"column:prompt_tokens" json:"prompt_tokens"`
	ResponseTokens int   `gorm:"column:response_tokens" json:"response_tokens"`
	LatencyMs      int64 `gorm:"column:latency_ms" json:"latency_ms"`

	CreatedAt time.Time `gorm:"column:created_at;index" json:"created_at"`
}

func (Record) TableName() string {
	return "decision_records"
}

// ExecutedCount 成交订单数
func (r *Record) ExecutedCount() int {
	n := 0
	for _, e := range r.Executions {
		if e.Status == ExecutionExecuted {
			n++
		}
	}
	return n
}

// RejectedCount 被拒订单数
func (r *Record) RejectedCount() int {
	n := 0
	for _, e := range r.Executions {
		if e.Status == ExecutionRejected {
			n++
		}
	}
	return n
}
