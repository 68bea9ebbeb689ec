// 文件: pkg/decision/repository.go
// 决策记录存储接口

package decision

import (
	"context"
	"errors"
)

var ErrRecordNotFound = errors.New("decision record not found")

// Repository 决策记录存储接口
type Repository interface {
	// Create 写入一条决策记录 (独立事务，在执行事务之后提交)
	Create(ctx context.Context, rec *Record) error

	// GetByID 按 ID 查询，不存在返回 ErrRecordNotFound
	GetByID(ctx context.Context, id string) (*Record, error)

	// ListByParticipant 某参与者的决策记录，按时间倒序分页
	// status 为空串时不过滤终态
	ListByParticipant(ctx context.Context, participantID string, status Status, limit, offset int) ([]*Record, error)

	// CountByParticipant 某参与者的决策记录总数 (分页用)，status 过滤同上
	CountByParticipant(ctx context.Context, participantID string, status Status) (int64, error)

	// DeleteByParticipants 批量删除 (竞赛重置用)
	DeleteByParticipants(ctx context.Context, participantIDs []string) error
}
