// 文件: pkg/competition/manager.go
// 竞赛管理器 - 业务逻辑层
//
// 【职责】
// 1. 竞赛创建的参数验证和默认值填充
// 2. 生命周期迁移: pending → active → completed, pending → cancelled
// 3. 参与者注册 (人数上限、重名校验) 并初始化其组合
// 4. 到点自动开赛/收盘 (由 scheduler 周期驱动)

package competition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrCompetitionNotFound = errors.New("competition not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrCompetitionFull     = errors.New("competition is full")
	ErrCompetitionClosed   = errors.New("competition no longer accepts participants")
	ErrDuplicateName       = errors.New("participant name already taken in this competition")
	ErrInvalidWindow       = errors.New("competition start must precede end")

	// ErrInvalidRequest 请求参数校验失败的统一哨兵，API 层据此映射 400
	ErrInvalidRequest = errors.New("invalid request")
)

// PortfolioSeeder 参与者组合初始化
// 由 portfolio 包实现，注册成功时注入初始资金
type PortfolioSeeder interface {
	SeedPortfolio(ctx context.Context, participantID string, initialCapital decimal.Decimal) error
}

// Defaults 新竞赛的默认规则 (config 提供)
type Defaults struct {
	InitialCapital            decimal.Decimal
	MaxLeverage               decimal.Decimal
	MaxPositionSizePct        decimal.Decimal
	MarginRequirementPct      decimal.Decimal
	MaintenanceMarginPct      decimal.Decimal
	InvocationIntervalMinutes int
	MaxParticipants           int
	AllowedSymbols            []string
}

// =============================================================================
// Manager
// =============================================================================

// Manager 竞赛管理器，只依赖 Repository 接口
type Manager struct {
	competitions CompetitionRepository
	participants ParticipantRepository
	seeder       PortfolioSeeder
	defaults     Defaults
}

func NewManager(competitions CompetitionRepository, participants ParticipantRepository, defaults Defaults) *Manager {
	return &Manager{
		competitions: competitions,
		participants: participants,
		defaults:     defaults,
	}
}

// SetPortfolioSeeder 注入组合初始化器 (启动时装配)
func (m *Manager) SetPortfolioSeeder(seeder PortfolioSeeder) {
	m.seeder = seeder
}

// =============================================================================
// 创建竞赛
// =============================================================================

// CreateCompetitionRequest 创建竞赛请求
// 零值字段用 Defaults 填充
type CreateCompetitionRequest struct {
	Name    string
	StartAt time.Time
	EndAt   time.Time

	InitialCapital            decimal.Decimal
	MaxLeverage               decimal.Decimal
	MaxPositionSizePct        decimal.Decimal
	MarginRequirementPct      decimal.Decimal
	MaintenanceMarginPct      decimal.Decimal
	InvocationIntervalMinutes int
	AllowedSymbols            []string
	MaxParticipants           int
	MarketHoursOnly           bool
}

// CreateCompetition 创建新竞赛
func (m *Manager) CreateCompetition(ctx context.Context, req *CreateCompetitionRequest) (*Competition, error) {
	// 1. 填充默认值
	m.applyDefaults(req)

	// 2. 参数验证
	if req.Name == "" {
		return nil, fmt.Errorf("%w: competition name is required", ErrInvalidRequest)
	}
	if !req.StartAt.Before(req.EndAt) {
		return nil, ErrInvalidWindow
	}
	if req.InitialCapital.Sign() <= 0 {
		return nil, fmt.Errorf("%w: initial capital must be positive", ErrInvalidRequest)
	}
	if req.MaxLeverage.Sign() <= 0 {
		return nil, fmt.Errorf("%w: max leverage must be positive", ErrInvalidRequest)
	}
	if req.MaxPositionSizePct.Sign() <= 0 || req.MaintenanceMarginPct.Sign() <= 0 {
		return nil, fmt.Errorf("%w: percentage rules must be positive", ErrInvalidRequest)
	}
	if req.InvocationIntervalMinutes <= 0 {
		return nil, fmt.Errorf("%w: invocation interval must be positive", ErrInvalidRequest)
	}
	if len(req.AllowedSymbols) == 0 {
		return nil, fmt.Errorf("%w: at least one allowed symbol is required", ErrInvalidRequest)
	}

	// 3. 构建并保存
	comp := &Competition{
		ID:                        uuid.NewString(),
		Name:                      req.Name,
		Status:                    CompetitionPending,
		StartAt:                   req.StartAt.UTC(),
		EndAt:                     req.EndAt.UTC(),
		InitialCapital:            req.InitialCapital,
		MaxLeverage:               req.MaxLeverage,
		MaxPositionSizePct:        req.MaxPositionSizePct,
		MarginRequirementPct:      req.MarginRequirementPct,
		MaintenanceMarginPct:      req.MaintenanceMarginPct,
		InvocationIntervalMinutes: req.InvocationIntervalMinutes,
		AllowedSymbols:            req.AllowedSymbols,
		MaxParticipants:           req.MaxParticipants,
		MarketHoursOnly:           req.MarketHoursOnly,
	}
	if err := m.competitions.Create(ctx, comp); err != nil {
		return nil, err
	}
	log.Printf("[Competition] created: id=%s name=%q window=[%s, %s)",
		comp.ID, comp.Name, comp.StartAt.Format(time.RFC3339), comp.EndAt.Format(time.RFC3339))
	return comp, nil
}

func (m *Manager) applyDefaults(req *CreateCompetitionRequest) {
	if req.InitialCapital.IsZero() {
		req.InitialCapital = m.defaults.InitialCapital
	}
	if req.MaxLeverage.IsZero() {
		req.MaxLeverage = m.defaults.MaxLeverage
	}
	if req.MaxPositionSizePct.IsZero() {
		req.MaxPositionSizePct = m.defaults.MaxPositionSizePct
	}
	if req.MarginRequirementPct.IsZero() {
		req.MarginRequirementPct = m.defaults.MarginRequirementPct
	}
	if req.MaintenanceMarginPct.IsZero() {
		req.MaintenanceMarginPct = m.defaults.MaintenanceMarginPct
	}
	if req.InvocationIntervalMinutes == 0 {
		req.InvocationIntervalMinutes = m.defaults.InvocationIntervalMinutes
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = m.defaults.MaxParticipants
	}
	if len(req.AllowedSymbols) == 0 {
		req.AllowedSymbols = m.defaults.AllowedSymbols
	}
}

// =============================================================================
// 查询
// =============================================================================

// GetCompetition 获取竞赛
func (m *Manager) GetCompetition(ctx context.Context, id string) (*Competition, error) {
	return m.competitions.GetByID(ctx, id)
}

// ListCompetitions 列出竞赛，status 为空串时列全部
func (m *Manager) ListCompetitions(ctx context.Context, status CompetitionStatus) ([]*Competition, error) {
	if status == "" {
		return m.competitions.List(ctx)
	}
	return m.competitions.ListByStatus(ctx, status)
}

// ActiveCompetitions 全部进行中的竞赛
func (m *Manager) ActiveCompetitions(ctx context.Context) ([]*Competition, error) {
	return m.competitions.ListByStatus(ctx, CompetitionActive)
}

// GetParticipant 获取参与者
func (m *Manager) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	return m.participants.GetByID(ctx, id)
}

// ActiveParticipants 某场竞赛的 active 参与者
func (m *Manager) ActiveParticipants(ctx context.Context, competitionID string) ([]*Participant, error) {
	return m.participants.ListActiveByCompetition(ctx, competitionID)
}

// ListParticipants 某场竞赛的全部参与者 (不限状态)
func (m *Manager) ListParticipants(ctx context.Context, competitionID string) ([]*Participant, error) {
	return m.participants.ListByCompetition(ctx, competitionID)
}

// =============================================================================
// 生命周期
// =============================================================================

// StartCompetition 手动开赛 (pending → active)
func (m *Manager) StartCompetition(ctx context.Context, id string) error {
	if err := m.competitions.UpdateStatus(ctx, id, CompetitionPending, CompetitionActive); err != nil {
		return err
	}
	log.Printf("[Competition] started: id=%s", id)
	return nil
}

// StopCompetition 手动收盘 (active → completed)
// 未执行的决策 tick 由 scheduler 在下一轮发现状态后丢弃
func (m *Manager) StopCompetition(ctx context.Context, id string) error {
	if err := m.competitions.UpdateStatus(ctx, id, CompetitionActive, CompetitionCompleted); err != nil {
		return err
	}
	log.Printf("[Competition] completed: id=%s", id)
	return nil
}

// CancelCompetition 取消未开赛的竞赛 (pending → cancelled)
func (m *Manager) CancelCompetition(ctx context.Context, id string) error {
	return m.competitions.UpdateStatus(ctx, id, CompetitionPending, CompetitionCancelled)
}

// TickLifecycle 到点自动迁移
// scheduler 周期调用: 起点已到的 pending 自动开赛，终点已过的 active 自动收盘
func (m *Manager) TickLifecycle(ctx context.Context, now time.Time) {
	pending, err := m.competitions.ListByStatus(ctx, CompetitionPending)
	if err != nil {
		log.Printf("[Competition] lifecycle tick: list pending error: %v", err)
	} else {
		for _, c := range pending {
			if !now.Before(c.StartAt) {
				if err := m.StartCompetition(ctx, c.ID); err != nil {
					log.Printf("[Competition] auto start failed: id=%s err=%v", c.ID, err)
				}
			}
		}
	}

	active, err := m.competitions.ListByStatus(ctx, CompetitionActive)
	if err != nil {
		log.Printf("[Competition] lifecycle tick: list active error: %v", err)
		return
	}
	for _, c := range active {
		if !now.Before(c.EndAt) {
			if err := m.StopCompetition(ctx, c.ID); err != nil {
				log.Printf("[Competition] auto stop failed: id=%s err=%v", c.ID, err)
			}
		}
	}
}

// =============================================================================
// 参与者注册
// =============================================================================

// RegisterParticipantRequest 注册请求
type RegisterParticipantRequest struct {
	CompetitionID        string
	Name                 string
	Provider             string
	ModelID              string
	ModelConfig          map[string]any
	InvocationTimeoutSec int
}

// RegisterParticipant 注册参与者并初始化组合
//
// 1. 竞赛必须 pending/active 且未满员
// 2. 同一竞赛内名字唯一
// 3. 创建参与者，权益 = 初始资金
// 4. 初始化组合 (失败则回滚参与者)
func (m *Manager) RegisterParticipant(ctx context.Context, req *RegisterParticipantRequest) (*Participant, error) {
	comp, err := m.competitions.GetByID(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	if comp.Status != CompetitionPending && comp.Status != CompetitionActive {
		return nil, ErrCompetitionClosed
	}

	count, err := m.participants.CountByCompetition(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	if comp.MaxParticipants > 0 && count >= int64(comp.MaxParticipants) {
		return nil, ErrCompetitionFull
	}

	existing, err := m.participants.ListByCompetition(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Name == req.Name {
			return nil, ErrDuplicateName
		}
	}

	if req.Name == "" || req.Provider == "" || req.ModelID == "" {
		return nil, fmt.Errorf("%w: name, provider and model_id are required", ErrInvalidRequest)
	}
	timeout := req.InvocationTimeoutSec
	if timeout <= 0 {
		timeout = 120
	}

	p := &Participant{
		ID:                   uuid.NewString(),
		CompetitionID:        req.CompetitionID,
		Name:                 req.Name,
		Status:               ParticipantActive,
		Provider:             req.Provider,
		ModelID:              req.ModelID,
		ModelConfig:          req.ModelConfig,
		InvocationTimeoutSec: timeout,
		CurrentEquity:        comp.InitialCapital,
		PeakEquity:           comp.InitialCapital,
	}
	if err := m.participants.Create(ctx, p); err != nil {
		return nil, err
	}

	if m.seeder != nil {
		if err := m.seeder.SeedPortfolio(ctx, p.ID, comp.InitialCapital); err != nil {
			// 回滚参与者，避免无组合的孤儿记录
			if delErr := m.participants.Delete(ctx, p.ID); delErr != nil {
				log.Printf("[Competition] rollback participant failed: id=%s err=%v", p.ID, delErr)
			}
			return nil, fmt.Errorf("seed portfolio: %w", err)
		}
	}

	log.Printf("[Competition] participant registered: id=%s name=%q provider=%s model=%s",
		p.ID, p.Name, p.Provider, p.ModelID)
	return p, nil
}

// MarkLiquidated 参与者强平出局 (清算监控调用)
func (m *Manager) MarkLiquidated(ctx context.Context, participantID string) error {
	return m.participants.UpdateStatus(ctx, participantID, ParticipantActive, ParticipantLiquidated)
}

// MarkDisqualified 记账不变量被破坏时取消资格
func (m *Manager) MarkDisqualified(ctx context.Context, participantID string) error {
	return m.participants.UpdateStatus(ctx, participantID, ParticipantActive, ParticipantDisqualified)
}

// ResetParticipants 重置某场竞赛全部参与者的权益与统计 (管理端重置)
// 出局/取消资格的参与者一并恢复为 active
func (m *Manager) ResetParticipants(ctx context.Context, competitionID string) error {
	comp, err := m.competitions.GetByID(ctx, competitionID)
	if err != nil {
		return err
	}
	return m.participants.ResetForCompetition(ctx, competitionID, comp.InitialCapital)
}
