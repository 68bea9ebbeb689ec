// 文件: pkg/competition/model.go
// 竞赛与参与者数据结构
//
// 【存储策略】
// - 主存储: MySQL (gorm)
// - 排行榜: Redis 缓存 (见 leaderboard.go)

package competition

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 状态枚举
// =============================================================================

// CompetitionStatus 竞赛状态
type CompetitionStatus string

const (
	CompetitionPending   CompetitionStatus = "pending"
	CompetitionActive    CompetitionStatus = "active"
	CompetitionCompleted CompetitionStatus = "completed"
	CompetitionCancelled CompetitionStatus = "cancelled"
)

// ParticipantStatus 参与者状态
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantLiquidated   ParticipantStatus = "liquidated"
	ParticipantDisqualified ParticipantStatus = "disqualified"
	ParticipantWithdrawn    ParticipantStatus = "withdrawn"
)

// =============================================================================
// Competition - 竞赛
// =============================================================================

// Competition 一场竞赛的规则集与时间窗口
type Competition struct {
	ID     string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name   string            `gorm:"column:name;type:varchar(128)" json:"name"`
	Status CompetitionStatus `gorm:"column:status;type:varchar(16);index" json:"status"`

	// ===== 时间窗口 (UTC) =====
	StartAt time.Time `gorm:"column:start_at" json:"start_at"`
	EndAt   time.Time `gorm:"column:end_at" json:"end_at"`

	// ===== 账户规则 =====
	InitialCapital       decimal.Decimal `gorm:"column:initial_capital;type:decimal(32,8)" json:"initial_capital"`
	MaxLeverage          decimal.Decimal `gorm:"column:max_leverage;type:decimal(32,8)" json:"max_leverage"`
	MaxPositionSizePct   decimal.Decimal `gorm:"column:max_position_size_pct;type:decimal(32,8)" json:"max_position_size_pct"`
	MarginRequirementPct decimal.Decimal `gorm:"column:margin_requirement_pct;type:decimal(32,8)" json:"margin_requirement_pct"`
	MaintenanceMarginPct decimal.Decimal `gorm:"column:maintenance_margin_pct;type:decimal(32,8)" json:"maintenance_margin_pct"`

	// ===== 调度规则 =====
	InvocationIntervalMinutes int      `gorm:"column:invocation_interval_minutes" json:"invocation_interval_minutes"`
	AllowedSymbols            []string `gorm:"column:allowed_symbols;serializer:json;type:json" json:"allowed_symbols"`
	MaxParticipants           int      `gorm:"column:max_participants" json:"max_participants"`
	MarketHoursOnly           bool     `gorm:"column:market_hours_only" json:"market_hours_only"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Competition) TableName() string {
	return "competitions"
}

// IsActive 是否处于进行中
func (c *Competition) IsActive() bool {
	return c.Status == CompetitionActive
}

// InWindow 给定时刻是否落在竞赛时间窗口内
func (c *Competition) InWindow(now time.Time) bool {
	return !now.Before(c.StartAt) && now.Before(c.EndAt)
}

// TradingHoursOpen 当前是否处于可交易时段
//
// 加密品种全天候交易，MarketHoursOnly 置否即可。开启时按纽约常规时段
// 近似: 工作日 14:30-21:00 UTC，固定偏移，不做夏令时与休市日历。
// 决策 tick 与订单准入都看这个判定，价格刷新不受影响。
func (c *Competition) TradingHoursOpen(now time.Time) bool {
	if !c.MarketHoursOnly {
		return true
	}
	utc := now.UTC()
	switch utc.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := utc.Hour()*60 + utc.Minute()
	return minutes >= 14*60+30 && minutes < 21*60
}

// SymbolAllowed 标的是否在允许集合内
func (c *Competition) SymbolAllowed(symbol string) bool {
	for _, s := range c.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// =============================================================================
// Participant - 参与者
// =============================================================================

// Participant 报名到某场竞赛的一个 Agent
//
// CurrentEquity/PeakEquity 由交易执行和价格刷新维护，
// 排行榜直接读这两个字段，不用每次聚合持仓
type Participant struct {
	ID            string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CompetitionID string            `gorm:"column:competition_id;type:varchar(36);index" json:"competition_id"`
	Name          string            `gorm:"column:name;type:varchar(128)" json:"name"`
	Status        ParticipantStatus `gorm:"column:status;type:varchar(16);index" json:"status"`

	// ===== 模型配置 =====
	Provider             string         `gorm:"column:provider;type:varchar(32)" json:"provider"` // anthropic / openai / deepseek / qwen / azure_openai
	ModelID              string         `gorm:"column:model_id;type:varchar(128)" json:"model_id"`
	ModelConfig          map[string]any `gorm:"column:model_config;serializer:json;type:json" json:"model_config"`
	InvocationTimeoutSec int            `gorm:"column:invocation_timeout_sec" json:"invocation_timeout_sec"`

	// ===== 运行统计 =====
	CurrentEquity decimal.Decimal `gorm:"column:current_equity;type:decimal(32,8)" json:"current_equity"`
	PeakEquity    decimal.Decimal `gorm:"column:peak_equity;type:decimal(32,8)" json:"peak_equity"`
	TotalTrades   int             `gorm:"column:total_trades" json:"total_trades"`
	WinningTrades int             `gorm:"column:winning_trades" json:"winning_trades"`
	LosingTrades  int             `gorm:"column:losing_trades" json:"losing_trades"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Participant) TableName() string {
	return "participants"
}

// IsActive 是否可交易
func (p *Participant) IsActive() bool {
	return p.Status == ParticipantActive
}

// =============================================================================
// LeaderboardEntry - 排行榜条目
// =============================================================================

// LeaderboardEntry 排行榜一行，按权益降序排名
type LeaderboardEntry struct {
	Rank            int               `json:"rank"`
	ParticipantID   string            `json:"participant_id"`
	ParticipantName string            `json:"participant_name"`
	Provider        string            `json:"provider"`
	ModelID         string            `json:"model_id"`
	Status          ParticipantStatus `json:"status"`
	Equity          decimal.Decimal   `json:"equity"`
	ReturnPct       decimal.Decimal   `json:"return_pct"`
	TotalTrades     int               `json:"total_trades"`
	WinRatePct      decimal.Decimal   `json:"win_rate_pct"`
}
