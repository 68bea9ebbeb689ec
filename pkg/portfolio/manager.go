// 文件: pkg/portfolio/manager.go
// 组合管理器 - 业务逻辑层
//
// 【职责】
// 1. 参与者报名时初始化组合
// 2. 提供组合快照 (含派生指标)
// 3. 执行落账委托给 Repository，同步维护参与者权益
// 4. 价格刷新时全场重标记并发出权益采样事件

package portfolio

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
	"arena.com/pkg/lane"
	anats "arena.com/pkg/nats"
)

// SubjectLiquidationRequired 权益耗尽信号，风控模块消费
const SubjectLiquidationRequired = "arena.liquidation.required"

// =============================================================================
// Manager - 组合管理器
// =============================================================================

// Manager 组合管理器
//
// 【设计】只依赖 Repository 接口，MySQL 与内存实现均可注入。
// 历史事件发布方可选: 未注入 Kafka 时直接同步落库。
type Manager struct {
	repo         Repository
	history      HistoryRepository
	participants competition.ParticipantRepository
	publisher    HistoryPublisher // 可选
	events       *anats.Publisher // 可选
	lanes        *lane.Registry   // 可选，重标记写持仓时串行化
}

// 确保实现了报名回调接口
var _ competition.PortfolioSeeder = (*Manager)(nil)

// NewManager 创建组合管理器
func NewManager(repo Repository, history HistoryRepository, participants competition.ParticipantRepository) *Manager {
	return &Manager{
		repo:         repo,
		history:      history,
		participants: participants,
	}
}

// SetHistoryPublisher 注入历史事件发布方 (可选)
func (m *Manager) SetHistoryPublisher(pub HistoryPublisher) {
	m.publisher = pub
}

// SetEventPublisher 注入 NATS 发布器 (可选)
func (m *Manager) SetEventPublisher(pub *anats.Publisher) {
	m.events = pub
}

// SetLanes 注入参与者写通道 (可选)
//
// 执行落账的 lane 由调用方 (决策轮/风控) 持有；重标记由调度器直接发起，
// 没有外层持锁方，注入后在这里逐参与者串行化。
func (m *Manager) SetLanes(lanes *lane.Registry) {
	m.lanes = lanes
}

// =============================================================================
// 初始化
// =============================================================================

// SeedPortfolio 报名时初始化组合: 现金 = 初始资金，无持仓
func (m *Manager) SeedPortfolio(ctx context.Context, participantID string, initialCapital decimal.Decimal) error {
	p := &Portfolio{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		CashBalance:   initialCapital,
		UnrealizedPnL: decimal.Zero,
		Equity:        initialCapital,
	}
	return m.repo.CreatePortfolio(ctx, p)
}

// =============================================================================
// 快照
// =============================================================================

// Snapshot 取组合快照，派生指标按持仓上存储的标记价格计算
func (m *Manager) Snapshot(ctx context.Context, participantID string) (*View, error) {
	p, err := m.repo.GetByParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	positions, err := m.repo.ListPositions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return NewView(p, positions), nil
}

// SnapshotAt 取组合快照，先按给定价格在内存中重标记 (不落库)
//
// 决策轮用同一份价格快照构建提示词，保证提示词内部自洽。
func (m *Manager) SnapshotAt(ctx context.Context, participantID string, prices map[string]decimal.Decimal) (*View, error) {
	p, err := m.repo.GetByParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	positions, err := m.repo.ListPositions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for _, pos := range positions {
		if price, ok := prices[pos.Symbol]; ok {
			cfd.Reprice(pos, price)
		}
	}
	return NewView(p, positions), nil
}

// GetPosition 按持仓 ID 查询
func (m *Manager) GetPosition(ctx context.Context, positionID string) (*cfd.Position, error) {
	return m.repo.GetPosition(ctx, positionID)
}

// EquityHistory 权益曲线采样点 (时间升序)
func (m *Manager) EquityHistory(ctx context.Context, participantID string, limit int) ([]*HistoryRecord, error) {
	return m.history.ListByParticipant(ctx, participantID, limit)
}

// =============================================================================
// 执行落账
// =============================================================================

// ApplyExecution 原子应用一次执行并同步参与者权益
func (m *Manager) ApplyExecution(ctx context.Context, req *ApplyRequest) (*Portfolio, error) {
	p, err := m.repo.ApplyExecution(ctx, req)
	if err != nil {
		return nil, err
	}

	// 权益回写参与者行 (排行榜数据来源)
	if err := m.participants.UpdateEquity(ctx, p.ParticipantID, p.Equity); err != nil {
		log.Printf("[Portfolio] update participant equity failed: participant=%s, err=%v", p.ParticipantID, err)
	}

	m.signalIfDepleted(p.ParticipantID, p.Equity)

	return p, nil
}

// signalIfDepleted 权益耗尽时广播强平信号
func (m *Manager) signalIfDepleted(participantID string, equity decimal.Decimal) {
	if equity.Sign() > 0 || m.events == nil {
		return
	}
	err := m.events.Publish(SubjectLiquidationRequired, map[string]any{
		"participant_id": participantID,
		"equity":         equity,
	})
	if err != nil {
		log.Printf("[Portfolio] publish liquidation signal failed: participant=%s, err=%v", participantID, err)
	}
}

// =============================================================================
// 全场重标记
// =============================================================================

// MarkedPortfolio 重标记后的参与者组合
type MarkedPortfolio struct {
	Participant *competition.Participant
	View        *View
}

// RepriceCompetition 按价格快照重标记一场竞赛的全部活跃组合
//
// 1. 逐参与者加载组合与持仓
// 2. 应用价格快照 (同一轮内所有参与者用同一份价格)
// 3. 批量回写标记价格与派生缓存
// 4. 发出权益采样事件
//
// 单个参与者失败只记日志，不中断整场刷新。
func (m *Manager) RepriceCompetition(ctx context.Context, comp *competition.Competition, prices map[string]decimal.Decimal, at time.Time) ([]*MarkedPortfolio, error) {
	actives, err := m.participants.ListActiveByCompetition(ctx, comp.ID)
	if err != nil {
		return nil, fmt.Errorf("list active participants: %w", err)
	}

	marked := make([]*MarkedPortfolio, 0, len(actives))
	for _, participant := range actives {
		view, err := m.repriceParticipant(ctx, comp.ID, participant, prices, at)
		if err != nil {
			log.Printf("[Portfolio] reprice failed: participant=%s, err=%v", participant.ID, err)
			continue
		}
		marked = append(marked, &MarkedPortfolio{Participant: participant, View: view})
	}
	return marked, nil
}

// repriceParticipant 重标记单个参与者的组合
func (m *Manager) repriceParticipant(ctx context.Context, competitionID string, participant *competition.Participant, prices map[string]decimal.Decimal, at time.Time) (*View, error) {
	if m.lanes != nil {
		ln := m.lanes.Get(participant.ID)
		if err := ln.Acquire(ctx); err != nil {
			return nil, err
		}
		defer ln.Release()
	}

	p, err := m.repo.GetByParticipant(ctx, participant.ID)
	if err != nil {
		return nil, err
	}
	positions, err := m.repo.ListPositions(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	// 1. 应用价格快照
	changed := make([]*cfd.Position, 0, len(positions))
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			// 本轮没拿到价格的品种保留上一次标记
			continue
		}
		if cfd.Reprice(pos, price) {
			changed = append(changed, pos)
		}
	}

	// 2. 回写标记价格
	if err := m.repo.SavePositions(ctx, changed); err != nil {
		return nil, err
	}

	// 3. 回写派生缓存与参与者权益
	view := NewView(p, positions)
	if err := m.repo.SaveDerived(ctx, p.ID, view.UnrealizedPnL, view.Equity); err != nil {
		return nil, err
	}
	if err := m.participants.UpdateEquity(ctx, participant.ID, view.Equity); err != nil {
		return nil, err
	}
	m.signalIfDepleted(participant.ID, view.Equity)

	// 4. 权益采样
	m.emitHistory(ctx, &HistoryEvent{
		PortfolioID:    p.ID,
		ParticipantID:  participant.ID,
		CompetitionID:  competitionID,
		Equity:         view.Equity,
		CashBalance:    p.CashBalance,
		ReservedMargin: p.ReservedMargin,
		UnrealizedPnL:  view.UnrealizedPnL,
		RealizedPnL:    p.RealizedPnL,
		RecordedAt:     at,
	})

	return view, nil
}

// emitHistory 发出权益采样事件，未接 Kafka 时直接落库
func (m *Manager) emitHistory(ctx context.Context, event *HistoryEvent) {
	if m.publisher != nil {
		if err := m.publisher.PublishHistory(ctx, event); err != nil {
			log.Printf("[Portfolio] publish history failed: participant=%s, err=%v", event.ParticipantID, err)
		}
		return
	}
	if err := m.history.BatchInsert(ctx, []*HistoryRecord{event.ToRecord()}); err != nil {
		log.Printf("[Portfolio] insert history failed: participant=%s, err=%v", event.ParticipantID, err)
	}
}

// =============================================================================
// 管理端重置
// =============================================================================

// ResetForCompetition 清空一场竞赛全部参与者的持仓/历史并恢复初始资金
func (m *Manager) ResetForCompetition(ctx context.Context, comp *competition.Competition) error {
	all, err := m.participants.ListByCompetition(ctx, comp.ID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	ids := make([]string, 0, len(all))
	for _, participant := range all {
		if err := m.repo.ResetPortfolio(ctx, participant.ID, comp.InitialCapital); err != nil {
			return fmt.Errorf("reset portfolio: participant=%s: %w", participant.ID, err)
		}
		ids = append(ids, participant.ID)
	}

	return m.history.DeleteByParticipants(ctx, ids)
}
