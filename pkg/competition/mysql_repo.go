// 文件: pkg/competition/mysql_repo.go
// 竞赛/参与者 MySQL 存储实现 (gorm)

package competition

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 确保实现了接口
var (
	_ CompetitionRepository = (*MySQLCompetitionRepository)(nil)
	_ ParticipantRepository = (*MySQLParticipantRepository)(nil)
)

// =============================================================================
// MySQLCompetitionRepository
// =============================================================================

type MySQLCompetitionRepository struct {
	db *gorm.DB
}

func NewMySQLCompetitionRepository(db *gorm.DB) *MySQLCompetitionRepository {
	return &MySQLCompetitionRepository{db: db}
}

// Create 创建竞赛
func (r *MySQLCompetitionRepository) Create(ctx context.Context, comp *Competition) error {
	now := time.Now().UTC()
	comp.CreatedAt = now
	comp.UpdatedAt = now
	return r.db.WithContext(ctx).Create(comp).Error
}

// GetByID 按 ID 查询
func (r *MySQLCompetitionRepository) GetByID(ctx context.Context, id string) (*Competition, error) {
	var comp Competition
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&comp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCompetitionNotFound
		}
		return nil, err
	}
	return &comp, nil
}

// List 列出全部竞赛
func (r *MySQLCompetitionRepository) List(ctx context.Context) ([]*Competition, error) {
	var comps []*Competition
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&comps).Error
	return comps, err
}

// ListByStatus 按状态查询
func (r *MySQLCompetitionRepository) ListByStatus(ctx context.Context, status CompetitionStatus) ([]*Competition, error) {
	var comps []*Competition
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Find(&comps).Error
	return comps, err
}

// UpdateStatus 状态迁移
// WHERE 带上前置状态，RowsAffected=0 说明状态已被并发修改或迁移非法
func (r *MySQLCompetitionRepository) UpdateStatus(ctx context.Context, id string, from, to CompetitionStatus) error {
	result := r.db.WithContext(ctx).
		Model(&Competition{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// =============================================================================
// MySQLParticipantRepository
// =============================================================================

type MySQLParticipantRepository struct {
	db *gorm.DB
}

func NewMySQLParticipantRepository(db *gorm.DB) *MySQLParticipantRepository {
	return &MySQLParticipantRepository{db: db}
}

// Create 创建参与者
func (r *MySQLParticipantRepository) Create(ctx context.Context, p *Participant) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.db.WithContext(ctx).Create(p).Error
}

// Delete 删除参与者
func (r *MySQLParticipantRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&Participant{}).Error
}

// GetByID 按 ID 查询
func (r *MySQLParticipantRepository) GetByID(ctx context.Context, id string) (*Participant, error) {
	var p Participant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListByCompetition 某场竞赛的全部参与者
func (r *MySQLParticipantRepository) ListByCompetition(ctx context.Context, competitionID string) ([]*Participant, error) {
	var ps []*Participant
	err := r.db.WithContext(ctx).
		Where("competition_id = ?", competitionID).
		Order("created_at ASC").
		Find(&ps).Error
	return ps, err
}

// ListActiveByCompetition 某场竞赛的 active 参与者
func (r *MySQLParticipantRepository) ListActiveByCompetition(ctx context.Context, competitionID string) ([]*Participant, error) {
	var ps []*Participant
	err := r.db.WithContext(ctx).
		Where("competition_id = ? AND status = ?", competitionID, ParticipantActive).
		Order("created_at ASC").
		Find(&ps).Error
	return ps, err
}

// CountByCompetition 报名人数
func (r *MySQLParticipantRepository) CountByCompetition(ctx context.Context, competitionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Participant{}).
		Where("competition_id = ?", competitionID).
		Count(&count).Error
	return count, err
}

// UpdateStatus 状态迁移
func (r *MySQLParticipantRepository) UpdateStatus(ctx context.Context, id string, from, to ParticipantStatus) error {
	result := r.db.WithContext(ctx).
		Model(&Participant{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// UpdateEquity 更新当前权益
// PeakEquity 用 GREATEST 在数据库侧原子维护，避免读-改-写竞争
func (r *MySQLParticipantRepository) UpdateEquity(ctx context.Context, id string, equity decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&Participant{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_equity": equity,
			"peak_equity":    gorm.Expr("GREATEST(peak_equity, ?)", equity),
			"updated_at":     time.Now().UTC(),
		}).Error
}

// RecordTradeOutcome 成交后更新计数器 (原子自增)
func (r *MySQLParticipantRepository) RecordTradeOutcome(ctx context.Context, id string, realizedSign int) error {
	updates := map[string]interface{}{
		"total_trades": gorm.Expr("total_trades + 1"),
		"updated_at":   time.Now().UTC(),
	}
	if realizedSign > 0 {
		updates["winning_trades"] = gorm.Expr("winning_trades + 1")
	} else if realizedSign < 0 {
		updates["losing_trades"] = gorm.Expr("losing_trades + 1")
	}
	return r.db.WithContext(ctx).
		Model(&Participant{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ResetForCompetition 管理端重置: 全员回到 active、清零计数、权益回到初始资金
func (r *MySQLParticipantRepository) ResetForCompetition(ctx context.Context, competitionID string, equity decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&Participant{}).
		Where("competition_id = ?", competitionID).
		Updates(map[string]interface{}{
			"status":         ParticipantActive,
			"current_equity": equity,
			"peak_equity":    equity,
			"total_trades":   0,
			"winning_trades": 0,
			"losing_trades":  0,
			"updated_at":     time.Now().UTC(),
		}).Error
}
