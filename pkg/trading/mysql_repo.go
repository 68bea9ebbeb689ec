// 文件: pkg/trading/mysql_repo.go
// 交易模块 - MySQL 存储实现 (gorm)

package trading

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// 确保实现了接口
var (
	_ OrderRepository = (*MySQLOrderRepository)(nil)
	_ TradeRepository = (*MySQLTradeRepository)(nil)
)

var ErrOrderNotFound = errors.New("order not found")

// =============================================================================
// MySQLOrderRepository
// =============================================================================

type MySQLOrderRepository struct {
	db *gorm.DB
}

func NewMySQLOrderRepository(db *gorm.DB) *MySQLOrderRepository {
	return &MySQLOrderRepository{db: db}
}

func (r *MySQLOrderRepository) Create(ctx context.Context, o *Order) error {
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *MySQLOrderRepository) CreateInTx(tx *gorm.DB, o *Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Create(o).Error
}

func (r *MySQLOrderRepository) GetByID(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *MySQLOrderRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *MySQLOrderRepository) DeleteByParticipants(ctx context.Context, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("participant_id IN ?", participantIDs).
		Delete(&Order{}).Error
}

// =============================================================================
// MySQLTradeRepository
// =============================================================================

type MySQLTradeRepository struct {
	db *gorm.DB
}

func NewMySQLTradeRepository(db *gorm.DB) *MySQLTradeRepository {
	return &MySQLTradeRepository{db: db}
}

func (r *MySQLTradeRepository) CreateInTx(tx *gorm.DB, t *Trade) error {
	if tx == nil {
		tx = r.db
	}
	return tx.Create(t).Error
}

func (r *MySQLTradeRepository) ListByParticipant(ctx context.Context, participantID string, limit, offset int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var trades []*Trade
	err := r.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("executed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&trades).Error
	return trades, err
}

func (r *MySQLTradeRepository) CountByParticipant(ctx context.Context, participantID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Trade{}).
		Where("participant_id = ?", participantID).
		Count(&n).Error
	return n, err
}

func (r *MySQLTradeRepository) DeleteByParticipants(ctx context.Context, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("participant_id IN ?", participantIDs).
		Delete(&Trade{}).Error
}
