// 文件: pkg/competition/repository.go
// 竞赛/参与者存储接口
//
// 【设计模式】Repository Pattern
// - 业务层只依赖接口，方便替换实现、单测 mock

package competition

import (
	"context"

	"github.com/shopspring/decimal"
)

// CompetitionRepository 竞赛存储接口
type CompetitionRepository interface {
	// Create 创建竞赛
	Create(ctx context.Context, comp *Competition) error

	// GetByID 按 ID 查询，不存在返回 ErrCompetitionNotFound
	GetByID(ctx context.Context, id string) (*Competition, error)

	// List 列出全部竞赛
	List(ctx context.Context) ([]*Competition, error)

	// ListByStatus 按状态查询
	ListByStatus(ctx context.Context, status CompetitionStatus) ([]*Competition, error)

	// UpdateStatus 状态迁移 (带前置状态检查)
	// 前置状态不匹配返回 ErrInvalidTransition
	UpdateStatus(ctx context.Context, id string, from, to CompetitionStatus) error
}

// ParticipantRepository 参与者存储接口
type ParticipantRepository interface {
	// Create 创建参与者
	Create(ctx context.Context, p *Participant) error

	// Delete 删除参与者 (注册回滚用)
	Delete(ctx context.Context, id string) error

	// GetByID 按 ID 查询，不存在返回 ErrParticipantNotFound
	GetByID(ctx context.Context, id string) (*Participant, error)

	// ListByCompetition 某场竞赛的全部参与者
	ListByCompetition(ctx context.Context, competitionID string) ([]*Participant, error)

	// ListActiveByCompetition 某场竞赛的 active 参与者
	ListActiveByCompetition(ctx context.Context, competitionID string) ([]*Participant, error)

	// CountByCompetition 报名人数
	CountByCompetition(ctx context.Context, competitionID string) (int64, error)

	// UpdateStatus 状态迁移 (带前置状态检查)
	UpdateStatus(ctx context.Context, id string, from, to ParticipantStatus) error

	// UpdateEquity 更新当前权益，峰值权益按 GREATEST 原子维护
	UpdateEquity(ctx context.Context, id string, equity decimal.Decimal) error

	// RecordTradeOutcome 成交后更新计数器
	// realizedSign: +1 盈利平仓, -1 亏损平仓, 0 开仓或零盈亏
	RecordTradeOutcome(ctx context.Context, id string, realizedSign int) error

	// ResetForCompetition 重置某场竞赛的全部参与者 (管理端)
	ResetForCompetition(ctx context.Context, competitionID string, equity decimal.Decimal) error
}
