// 文件: pkg/trading/repository.go
// 交易模块 - 存储接口定义

package trading

import (
	"context"

	"gorm.io/gorm"
)

// =============================================================================
// OrderRepository - 订单存储接口
// =============================================================================

type OrderRepository interface {
	// Create 落库一条终态订单 (拒绝单走这里)
	Create(ctx context.Context, o *Order) error

	// CreateInTx 在既有事务内落库 (执行单与落账同事务)
	// tx 为 nil 时退化为独立写入
	CreateInTx(tx *gorm.DB, o *Order) error

	// GetByID 按订单 ID 查询
	GetByID(ctx context.Context, id int64) (*Order, error)

	// ListByParticipant 参与者订单，时间倒序
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]*Order, error)

	// DeleteByParticipants 管理端重置用
	DeleteByParticipants(ctx context.Context, participantIDs []string) error
}

// =============================================================================
// TradeRepository - 成交存储接口
// =============================================================================

type TradeRepository interface {
	// CreateInTx 在既有事务内落库成交
	// tx 为 nil 时退化为独立写入
	CreateInTx(tx *gorm.DB, t *Trade) error

	// ListByParticipant 参与者成交，时间倒序分页
	ListByParticipant(ctx context.Context, participantID string, limit, offset int) ([]*Trade, error)

	// CountByParticipant 参与者成交总数 (分页用)
	CountByParticipant(ctx context.Context, participantID string) (int64, error)

	// DeleteByParticipants 管理端重置用
	DeleteByParticipants(ctx context.Context, participantIDs []string) error
}
