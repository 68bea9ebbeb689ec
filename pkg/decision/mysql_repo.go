// 文件: pkg/decision/mysql_repo.go
// 决策模块 - MySQL 存储实现 (gorm)

package decision

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// 确保实现了接口
var _ Repository = (*MySQLRepository)(nil)

type MySQLRepository struct {
	db *gorm.DB
}

func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

func (r *MySQLRepository) Create(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *MySQLRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *MySQLRepository) ListByParticipant(ctx context.Context, participantID string, status Status, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	q := r.db.WithContext(ctx).Where("participant_id = ?", participantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var recs []*Record
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	return recs, err
}

func (r *MySQLRepository) CountByParticipant(ctx context.Context, participantID string, status Status) (int64, error) {
	q := r.db.WithContext(ctx).Model(&Record{}).Where("participant_id = ?", participantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (r *MySQLRepository) DeleteByParticipants(ctx context.Context, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("participant_id IN ?", participantIDs).
		Delete(&Record{}).Error
}
