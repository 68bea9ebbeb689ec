// 文件: pkg/portfolio/repository.go
// 组合存储接口
//
// 【事务边界】
// ApplyExecution 是整个引擎唯一的跨实体写入口:
// Delta 应用 + 持仓增删 + 附加写 (成交/计数器) 必须在同一事务内提交，
// 不变量被破坏时整个事务回滚并返回 ErrInternalConsistency。

package portfolio

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"arena.com/pkg/cfd"
)

var (
	ErrPortfolioNotFound   = errors.New("portfolio not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrInternalConsistency = errors.New("internal consistency violation")
)

// ApplyRequest 一次执行要原子落库的全部变更
type ApplyRequest struct {
	PortfolioID string
	Delta       cfd.Delta

	// CreatePosition 开仓时要插入的持仓
	CreatePosition *cfd.Position

	// RemovePositionID 平仓时要删除的持仓
	RemovePositionID string

	// Extra 同事务内的附加写入 (成交记录、参与者计数器)
	// 在 Delta 应用成功后执行，返回错误则整体回滚
	Extra func(tx *gorm.DB) error
}

// Repository 组合存储接口
type Repository interface {
	// CreatePortfolio 初始化组合
	CreatePortfolio(ctx context.Context, p *Portfolio) error

	// GetByParticipant 按参与者查询，不存在返回 ErrPortfolioNotFound
	GetByParticipant(ctx context.Context, participantID string) (*Portfolio, error)

	// ListPositions 某组合的全部未平仓持仓
	ListPositions(ctx context.Context, portfolioID string) ([]*cfd.Position, error)

	// GetPosition 按持仓 ID 查询，不存在返回 ErrPositionNotFound
	GetPosition(ctx context.Context, positionID string) (*cfd.Position, error)

	// ApplyExecution 原子应用一次执行
	// 返回提交后的组合 (记账列已更新，派生缓存已回写)
	ApplyExecution(ctx context.Context, req *ApplyRequest) (*Portfolio, error)

	// SavePositions 批量回写持仓标记价格/uPnL (价格刷新用)
	SavePositions(ctx context.Context, positions []*cfd.Position) error

	// SaveDerived 回写组合派生缓存 (uPnL / Equity)
	SaveDerived(ctx context.Context, portfolioID string, unrealized, equity decimal.Decimal) error

	// ResetPortfolio 管理端重置: 清仓并恢复初始资金
	ResetPortfolio(ctx context.Context, participantID string, cash decimal.Decimal) error
}

// HistoryRepository 权益曲线存储
type HistoryRepository interface {
	// BatchInsert 批量写入采样点 (Kafka 消费侧)
	BatchInsert(ctx context.Context, records []*HistoryRecord) error

	// ListByParticipant 按时间升序取某参与者的采样点
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]*HistoryRecord, error)

	// DeleteByParticipants 管理端重置用
	DeleteByParticipants(ctx context.Context, participantIDs []string) error
}
