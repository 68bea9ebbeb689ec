// 文件: pkg/portfolio/mysql_repo.go
// 组合 MySQL 存储实现 (gorm)
//
// 【并发控制】
// ApplyExecution 对组合行加 FOR UPDATE 锁。参与者 lane 已经保证了
// 同一参与者的写入串行，行锁是跨进程部署时的第二道防线。

package portfolio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"arena.com/pkg/calc"
	"arena.com/pkg/cfd"
)

// 确保实现了接口
var (
	_ Repository        = (*MySQLRepository)(nil)
	_ HistoryRepository = (*MySQLHistoryRepository)(nil)
)

// =============================================================================
// MySQLRepository
// =============================================================================

type MySQLRepository struct {
	db *gorm.DB
}

func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// CreatePortfolio 初始化组合
func (r *MySQLRepository) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.db.WithContext(ctx).Create(p).Error
}

// GetByParticipant 按参与者查询
func (r *MySQLRepository) GetByParticipant(ctx context.Context, participantID string) (*Portfolio, error) {
	var p Portfolio
	err := r.db.WithContext(ctx).Where("participant_id = ?", participantID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPortfolioNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPositions 某组合的全部未平仓持仓
func (r *MySQLRepository) ListPositions(ctx context.Context, portfolioID string) ([]*cfd.Position, error) {
	var positions []*cfd.Position
	err := r.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("opened_at ASC").
		Find(&positions).Error
	return positions, err
}

// GetPosition 按持仓 ID 查询
func (r *MySQLRepository) GetPosition(ctx context.Context, positionID string) (*cfd.Position, error) {
	var pos cfd.Position
	err := r.db.WithContext(ctx).Where("id = ?", positionID).First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &pos, nil
}

// ApplyExecution 原子应用一次执行
//
// 1. 锁定组合行
// 2. 应用 Delta 到记账列
// 3. 持仓增删
// 4. 校验不变量: reserved >= 0 且 reserved == Σ 持仓保证金
// 5. 回写派生缓存 (uPnL / Equity)
// 6. 执行附加写入
func (r *MySQLRepository) ApplyExecution(ctx context.Context, req *ApplyRequest) (*Portfolio, error) {
	var result *Portfolio

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 锁定组合行
		var p Portfolio
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", req.PortfolioID).
			First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPortfolioNotFound
			}
			return err
		}

		// 2. 应用 Delta
		p.CashBalance = p.CashBalance.Add(req.Delta.Cash)
		p.ReservedMargin = p.ReservedMargin.Add(req.Delta.ReservedMargin)
		p.RealizedPnL = p.RealizedPnL.Add(req.Delta.RealizedPnL)

		if p.ReservedMargin.Sign() < 0 {
			return fmt.Errorf("%w: reserved margin would go negative (%s)",
				ErrInternalConsistency, p.ReservedMargin)
		}

		// 3. 持仓增删
		if req.CreatePosition != nil {
			if err := tx.Create(req.CreatePosition).Error; err != nil {
				return err
			}
		}
		if req.RemovePositionID != "" {
			res := tx.Where("id = ? AND portfolio_id = ?", req.RemovePositionID, req.PortfolioID).
				Delete(&cfd.Position{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrPositionNotFound
			}
		}

		// 4. 不变量: reserved == Σ 持仓保证金
		var marginSum, unrealizedSum decimal.Decimal
		row := tx.Model(&cfd.Position{}).
			Where("portfolio_id = ?", req.PortfolioID).
			Select("COALESCE(SUM(reserved_margin), 0), COALESCE(SUM(unrealized_pnl), 0)").
			Row()
		if err := row.Scan(&marginSum, &unrealizedSum); err != nil {
			return err
		}
		if !marginSum.Equal(p.ReservedMargin) {
			return fmt.Errorf("%w: reserved margin %s != position margin sum %s",
				ErrInternalConsistency, p.ReservedMargin, marginSum)
		}

		// 5. 回写派生缓存
		p.UnrealizedPnL = unrealizedSum
		p.Equity = calc.Equity(p.CashBalance, unrealizedSum)
		p.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&p).Error; err != nil {
			return err
		}

		// 6. 附加写入 (成交、参与者计数器)
		if req.Extra != nil {
			if err := req.Extra(tx); err != nil {
				return err
			}
		}

		result = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SavePositions 批量回写标记价格与 uPnL
func (r *MySQLRepository) SavePositions(ctx context.Context, positions []*cfd.Position) error {
	if len(positions) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pos := range positions {
			err := tx.Model(&cfd.Position{}).
				Where("id = ?", pos.ID).
				Updates(map[string]interface{}{
					"mark_price":     pos.MarkPrice,
					"unrealized_pnl": pos.UnrealizedPnL,
					"updated_at":     pos.UpdatedAt,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveDerived 回写组合派生缓存
func (r *MySQLRepository) SaveDerived(ctx context.Context, portfolioID string, unrealized, equity decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&Portfolio{}).
		Where("id = ?", portfolioID).
		Updates(map[string]interface{}{
			"unrealized_pnl": unrealized,
			"equity":         equity,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// ResetPortfolio 清仓并恢复初始资金
func (r *MySQLRepository) ResetPortfolio(ctx context.Context, participantID string, cash decimal.Decimal) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Portfolio
		if err := tx.Where("participant_id = ?", participantID).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPortfolioNotFound
			}
			return err
		}

		if err := tx.Where("portfolio_id = ?", p.ID).Delete(&cfd.Position{}).Error; err != nil {
			return err
		}

		return tx.Model(&Portfolio{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{
				"cash_balance":    cash,
				"reserved_margin": decimal.Zero,
				"realized_pnl":    decimal.Zero,
				"unrealized_pnl":  decimal.Zero,
				"equity":          cash,
				"updated_at":      time.Now().UTC(),
			}).Error
	})
}

// =============================================================================
// MySQLHistoryRepository
// =============================================================================

type MySQLHistoryRepository struct {
	db *gorm.DB
}

func NewMySQLHistoryRepository(db *gorm.DB) *MySQLHistoryRepository {
	return &MySQLHistoryRepository{db: db}
}

// BatchInsert 批量写入采样点
func (r *MySQLHistoryRepository) BatchInsert(ctx context.Context, records []*HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(records, 200).Error
}

// ListByParticipant 按时间升序取采样点
func (r *MySQLHistoryRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*HistoryRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	var records []*HistoryRecord
	err := r.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("recorded_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// DeleteByParticipants 管理端重置用
func (r *MySQLHistoryRepository) DeleteByParticipants(ctx context.Context, participantIDs []string) error {
	if len(participantIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("participant_id IN ?", participantIDs).
		Delete(&HistoryRecord{}).Error
}
