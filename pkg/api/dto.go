// 文件: pkg/api/dto.go
// 请求体与应答 DTO
//
// 模型结构自带 json 标签的 (Competition/Participant/Trade/Record) 直接序列化，
// 这里只定义缺标签或需要拼装派生字段的形状。

package api

import (
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/cfd"
	"arena.com/pkg/portfolio"
)

// =============================================================================
// 请求体
// =============================================================================

// createCompetitionRequest 创建竞赛
// 数值字段零值表示使用服务端默认值，校验在 competition.Manager 里做
type createCompetitionRequest struct {
	Name    string    `json:"name"`
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`

	InitialCapital            decimal.Decimal `json:"initial_capital"`
	MaxLeverage               decimal.Decimal `json:"max_leverage"`
	MaxPositionSizePct        decimal.Decimal `json:"max_position_size_pct"`
	MarginRequirementPct      decimal.Decimal `json:"margin_requirement_pct"`
	MaintenanceMarginPct      decimal.Decimal `json:"maintenance_margin_pct"`
	InvocationIntervalMinutes int             `json:"invocation_interval_minutes"`
	AllowedSymbols            []string        `json:"allowed_symbols"`
	MaxParticipants           int             `json:"max_participants"`
	MarketHoursOnly           bool            `json:"market_hours_only"`
}

// registerParticipantRequest 注册参与者
type registerParticipantRequest struct {
	Name                 string         `json:"name"`
	Provider             string         `json:"provider"`
	ModelID              string         `json:"model_id"`
	ModelConfig          map[string]any `json:"model_config"`
	InvocationTimeoutSec int            `json:"invocation_timeout_sec"`
}

// invokeParticipantsRequest 手动触发全员决策轮
type invokeParticipantsRequest struct {
	CompetitionID string `json:"competition_id"`
}

// =============================================================================
// 应答 DTO
// =============================================================================

// positionDTO 持仓应答，side 输出 long/short
type positionDTO struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Leverage       decimal.Decimal `json:"leverage"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	ReservedMargin decimal.Decimal `json:"reserved_margin"`
	OpenedAt       time.Time       `json:"opened_at"`
}

func toPositionDTO(p *cfd.Position) positionDTO {
	return positionDTO{
		ID:             p.ID,
		Symbol:         p.Symbol,
		Side:           p.Side.String(),
		Quantity:       p.Quantity,
		Leverage:       p.Leverage,
		EntryPrice:     p.EntryPrice,
		MarkPrice:      p.MarkPrice,
		UnrealizedPnL:  p.UnrealizedPnL,
		ReservedMargin: p.ReservedMargin,
		OpenedAt:       p.OpenedAt,
	}
}

func toPositionDTOs(ps []*cfd.Position) []positionDTO {
	out := make([]positionDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPositionDTO(p))
	}
	return out
}

// portfolioResponse 组合快照，含全部派生字段与持仓
type portfolioResponse struct {
	ParticipantID   string           `json:"participant_id"`
	CashBalance     decimal.Decimal  `json:"cash_balance"`
	ReservedMargin  decimal.Decimal  `json:"reserved_margin"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealized_pnl"`
	Equity          decimal.Decimal  `json:"equity"`
	AvailableMargin decimal.Decimal  `json:"available_margin"`
	TotalNotional   decimal.Decimal  `json:"total_notional"`
	CurrentLeverage decimal.Decimal  `json:"current_leverage"`
	MarginLevelPct  *decimal.Decimal `json:"margin_level_pct"` // 无占用保证金时为 null
	Positions       []positionDTO    `json:"positions"`
}

func toPortfolioResponse(v *portfolio.View) portfolioResponse {
	resp := portfolioResponse{
		ParticipantID:   v.Portfolio.ParticipantID,
		CashBalance:     v.Portfolio.CashBalance,
		ReservedMargin:  v.Portfolio.ReservedMargin,
		RealizedPnL:     v.Portfolio.RealizedPnL,
		UnrealizedPnL:   v.UnrealizedPnL,
		Equity:          v.Equity,
		AvailableMargin: v.AvailableMargin,
		TotalNotional:   v.TotalNotional,
		CurrentLeverage: v.CurrentLeverage,
		Positions:       toPositionDTOs(v.Positions),
	}
	if v.MarginLevelDefined {
		lvl := v.MarginLevelPct
		resp.MarginLevelPct = &lvl
	}
	return resp
}

// historyPointDTO 权益曲线采样点
type historyPointDTO struct {
	Equity         decimal.Decimal `json:"equity"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	ReservedMargin decimal.Decimal `json:"reserved_margin"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

func toHistoryPoints(rows []*portfolio.HistoryRecord) []historyPointDTO {
	out := make([]historyPointDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyPointDTO{
			Equity:         r.Equity,
			CashBalance:    r.CashBalance,
			ReservedMargin: r.ReservedMargin,
			UnrealizedPnL:  r.UnrealizedPnL,
			RealizedPnL:    r.RealizedPnL,
			RecordedAt:     r.RecordedAt,
		})
	}
	return out
}

// participantHistoryDTO 单个参与者的权益曲线 (竞赛多曲线图用)
type participantHistoryDTO struct {
	ParticipantID   string            `json:"participant_id"`
	ParticipantName string            `json:"participant_name"`
	History         []historyPointDTO `json:"history"`
}

// performanceResponse 业绩汇总 + 权益曲线
type performanceResponse struct {
	ParticipantID  string            `json:"participant_id"`
	InitialCapital decimal.Decimal   `json:"initial_capital"`
	CurrentEquity  decimal.Decimal   `json:"current_equity"`
	PeakEquity     decimal.Decimal   `json:"peak_equity"`
	TotalPnL       decimal.Decimal   `json:"total_pnl"`
	TotalPnLPct    decimal.Decimal   `json:"total_pnl_pct"`
	TotalTrades    int               `json:"total_trades"`
	WinningTrades  int               `json:"winning_trades"`
	LosingTrades   int               `json:"losing_trades"`
	WinRatePct     decimal.Decimal   `json:"win_rate_pct"`
	History        []historyPointDTO `json:"history"`
}
