// 文件: pkg/portfolio/history.go
// 权益历史事件定义
//
// 每轮价格刷新后为每个活跃参与者产生一条采样事件，
// 通过 Kafka 传输，由 HistoryWriter 消费后批量写入 MySQL。

package portfolio

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Kafka Topic
const TopicPortfolioHistory = "arena_portfolio_history"

// HistoryEvent 权益采样事件
type HistoryEvent struct {
	// ===== 归属 =====
	PortfolioID   string `json:"portfolio_id"`
	ParticipantID string `json:"participant_id"`
	CompetitionID string `json:"competition_id"`

	// ===== 记账快照 =====
	Equity         decimal.Decimal `json:"equity"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	ReservedMargin decimal.Decimal `json:"reserved_margin"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`

	// ===== 时间 =====
	RecordedAt time.Time `json:"recorded_at"`
}

// ToJSON 序列化为 JSON (供 Kafka 发送)
func (e *HistoryEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON 从 JSON 反序列化
func (e *HistoryEvent) FromJSON(data []byte) error {
	return json.Unmarshal(data, e)
}

// ToRecord 转换为落库记录
func (e *HistoryEvent) ToRecord() *HistoryRecord {
	return &HistoryRecord{
		PortfolioID:    e.PortfolioID,
		ParticipantID:  e.ParticipantID,
		Equity:         e.Equity,
		CashBalance:    e.CashBalance,
		ReservedMargin: e.ReservedMargin,
		UnrealizedPnL:  e.UnrealizedPnL,
		RealizedPnL:    e.RealizedPnL,
		RecordedAt:     e.RecordedAt,
	}
}

// HistoryPublisher 历史事件发布方 (Kafka 生产者)
type HistoryPublisher interface {
	PublishHistory(ctx context.Context, event *HistoryEvent) error
}
