// 文件: pkg/decision/prompt.go
// 决策模块 - 提示词构建
//
// 【职责】
// 把一轮决策的快照 (竞赛规则、组合状态、行情简报、排行榜) 组装成结构化
// JSON 提示词。模型看到的就是这一份快照，别无其他。
//
// 【关键约定】
// - 名义上限按当前权益换算成货币金额写进 trading_rules，不让模型自己算
// - 明确告知杠杆只影响保证金占用，不会放大名义上限
// - 建议模型按上限的 98% 下单: lane 在模型调用期间释放，执行时价格
//   可能已漂移，贴着上限下单会被 size_cap_exceeded 拒掉

package decision

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
	"arena.com/pkg/competition"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
)

// 建议下单缓冲: 最多用到名义上限的 98%
var safetyBufferPct = decimal.NewFromInt(98)

// 排行榜只给头部片段，其余行省流量
const leaderboardTopN = 3

// PromptInput 构建提示词所需的全部快照数据
// Leaderboard 可为 nil (缓存未命中时省略该节，不阻塞决策轮)
type PromptInput struct {
	Competition *competition.Competition
	Participant *competition.Participant
	View        *portfolio.View
	Briefs      map[string]*market.Brief
	Leaderboard []*competition.LeaderboardEntry
	Now         time.Time
}

// =============================================================================
// 提示词 JSON 结构
// =============================================================================

type promptPayload struct {
	CompetitionContext promptCompetition       `json:"competition_context"`
	Portfolio          promptPortfolio         `json:"portfolio"`
	MarketData         map[string]promptMarket `json:"market_data"`
	TradingRules       promptRules             `json:"trading_rules"`
	Leaderboard        []promptRank            `json:"leaderboard,omitempty"`
	Instructions       promptInstructions      `json:"instructions"`
}

type promptCompetition struct {
	Name                      string          `json:"name"`
	Status                    string          `json:"status"`
	EndAt                     string          `json:"end_at"`
	TimeRemaining             string          `json:"time_remaining"`
	InitialCapital            decimal.Decimal `json:"initial_capital"`
	MaxLeverage               decimal.Decimal `json:"max_leverage"`
	MaxPositionSizePct        decimal.Decimal `json:"max_position_size_pct"`
	AllowedSymbols            []string        `json:"allowed_symbols"`
	InvocationIntervalMinutes int             `json:"invocation_interval_minutes"`
}

type promptPortfolio struct {
	CashBalance     decimal.Decimal  `json:"cash_balance"`
	Equity          decimal.Decimal  `json:"equity"`
	ReservedMargin  decimal.Decimal  `json:"reserved_margin"`
	AvailableMargin decimal.Decimal  `json:"available_margin"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealized_pnl"`
	TotalNotional   decimal.Decimal  `json:"total_notional"`
	CurrentLeverage decimal.Decimal  `json:"current_leverage"`
	MarginLevelPct  *decimal.Decimal `json:"margin_level_pct,omitempty"` // 无持仓时未定义
	Positions       []promptPosition `json:"positions"`
}

type promptPosition struct {
	PositionID     string          `json:"position_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Leverage       decimal.Decimal `json:"leverage"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	Notional       decimal.Decimal `json:"notional"`
	ReservedMargin decimal.Decimal `json:"reserved_margin"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt       string          `json:"opened_at"`
}

type promptMarket struct {
	Price          decimal.Decimal  `json:"price"`
	Change24hPct   *decimal.Decimal `json:"change_24h_pct,omitempty"`
	High24h        *decimal.Decimal `json:"high_24h,omitempty"`
	Low24h         *decimal.Decimal `json:"low_24h,omitempty"`
	QuoteVolume24h *decimal.Decimal `json:"quote_volume_24h,omitempty"`
	EMA20          *decimal.Decimal `json:"ema20,omitempty"`
	RSI7           *decimal.Decimal `json:"rsi7,omitempty"`
	RSI14          *decimal.Decimal `json:"rsi14,omitempty"`
	MACD           *decimal.Decimal `json:"macd,omitempty"`
	MACDSignal     *decimal.Decimal `json:"macd_signal,omitempty"`
	MACDHist       *decimal.Decimal `json:"macd_histogram,omitempty"`
	RecentCandles  []promptCandle   `json:"recent_candles,omitempty"`
}

type promptCandle struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime string          `json:"close_time"`
}

type promptRules struct {
	QuoteCurrency          string          `json:"quote_currency"`
	MaxPositionNotional    decimal.Decimal `json:"max_position_notional"`
	RecommendedMaxNotional decimal.Decimal `json:"recommended_max_notional"`
	MaxLeverage            decimal.Decimal `json:"max_leverage"`
	Notes                  []string        `json:"notes"`
	SizingExample          string          `json:"sizing_example,omitempty"`
}

type promptRank struct {
	Rank            int             `json:"rank"`
	ParticipantName string          `json:"participant_name"`
	Equity          decimal.Decimal `json:"equity"`
	ReturnPct       decimal.Decimal `json:"return_pct"`
	IsYou           bool            `json:"is_you,omitempty"`
}

type promptInstructions struct {
	ResponseContract string   `json:"response_contract"`
	Notes            []string `json:"notes"`
}

// =============================================================================
// 构建
// =============================================================================

// BuildSystemPrompt 角色设定与应答纪律
func BuildSystemPrompt(p *competition.Participant) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %q, an autonomous trading agent competing in a simulated crypto CFD margin-trading contest.\n", p.Name)
	b.WriteString("On each invocation you receive one JSON snapshot of your portfolio, current market data and the contest state. ")
	b.WriteString("That snapshot is everything you know for this round.\n")
	b.WriteString("Analyze it, then reply with exactly one JSON object matching instructions.response_contract. ")
	b.WriteString("Any text outside that JSON object is ignored; a malformed object forfeits the round.")
	return b.String()
}

// BuildUserPrompt 组装一轮决策的快照提示词
func BuildUserPrompt(in *PromptInput) (string, error) {
	payload := promptPayload{
		CompetitionContext: buildCompetitionSection(in.Competition, in.Now),
		Portfolio:          buildPortfolioSection(in.View),
		MarketData:         buildMarketSection(in.Briefs),
		TradingRules:       buildRulesSection(in),
		Leaderboard:        buildLeaderboardSection(in.Leaderboard, in.Participant.ID),
		Instructions:       buildInstructions(),
	}

	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	return string(b), nil
}

func buildCompetitionSection(c *competition.Competition, now time.Time) promptCompetition {
	remaining := c.EndAt.Sub(now).Truncate(time.Minute)
	if remaining < 0 {
		remaining = 0
	}
	return promptCompetition{
		Name:                      c.Name,
		Status:                    string(c.Status),
		EndAt:                     c.EndAt.UTC().Format(time.RFC3339),
		TimeRemaining:             remaining.String(),
		InitialCapital:            c.InitialCapital,
		MaxLeverage:               c.MaxLeverage,
		MaxPositionSizePct:        c.MaxPositionSizePct,
		AllowedSymbols:            c.AllowedSymbols,
		InvocationIntervalMinutes: c.InvocationIntervalMinutes,
	}
}

func buildPortfolioSection(v *portfolio.View) promptPortfolio {
	out := promptPortfolio{
		CashBalance:     v.Portfolio.CashBalance,
		Equity:          v.Equity,
		ReservedMargin:  v.Portfolio.ReservedMargin,
		AvailableMargin: v.AvailableMargin,
		RealizedPnL:     v.Portfolio.RealizedPnL,
		UnrealizedPnL:   v.UnrealizedPnL,
		TotalNotional:   v.TotalNotional,
		CurrentLeverage: v.CurrentLeverage,
		Positions:       make([]promptPosition, 0, len(v.Positions)),
	}
	if v.MarginLevelDefined {
		ml := v.MarginLevelPct
		out.MarginLevelPct = &ml
	}
	for _, pos := range v.Positions {
		out.Positions = append(out.Positions, promptPosition{
			PositionID:     pos.ID,
			Symbol:         pos.Symbol,
			Side:           pos.Side.String(),
			Quantity:       pos.Quantity,
			Leverage:       pos.Leverage,
			EntryPrice:     pos.EntryPrice,
			MarkPrice:      pos.MarkPrice,
			Notional:       pos.Notional(),
			ReservedMargin: pos.ReservedMargin,
			UnrealizedPnL:  pos.UnrealizedPnL,
			OpenedAt:       pos.OpenedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func buildMarketSection(briefs map[string]*market.Brief) map[string]promptMarket {
	out := make(map[string]promptMarket, len(briefs))
	for sym, brief := range briefs {
		m := promptMarket{Price: brief.Quote.Price}
		if t := brief.Ticker; t != nil {
			m.Change24hPct = decPtr(t.PriceChangePct)
			m.High24h = decPtr(t.HighPrice)
			m.Low24h = decPtr(t.LowPrice)
			m.QuoteVolume24h = decPtr(t.QuoteVolume)
		}
		if ind := brief.Indicators; ind != nil {
			m.EMA20 = ind.EMA20
			m.RSI7 = ind.RSI7
			m.RSI14 = ind.RSI14
			m.MACD = ind.MACD
			m.MACDSignal = ind.MACDSignal
			m.MACDHist = ind.MACDHist
		}
		for _, c := range tailCandles(brief.Candles, 5) {
			m.RecentCandles = append(m.RecentCandles, promptCandle{
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
				CloseTime: c.CloseTime.UTC().Format(time.RFC3339),
			})
		}
		out[sym] = m
	}
	return out
}

func buildRulesSection(in *PromptInput) promptRules {
	comp, view := in.Competition, in.View
	ccy := quoteCurrency(comp.AllowedSymbols)

	cap := calc.RoundMoney(calc.MaxPositionNotional(view.Equity, comp.MaxPositionSizePct))
	recommended := calc.RoundMoney(cap.Mul(safetyBufferPct).Div(decimal.NewFromInt(100)))

	rules := promptRules{
		QuoteCurrency:          ccy,
		MaxPositionNotional:    cap,
		RecommendedMaxNotional: recommended,
		MaxLeverage:            comp.MaxLeverage,
		Notes: []string{
			fmt.Sprintf("Each single position's notional (quantity x price) must stay at or below %s %s, which is %s%% of your current equity.",
				cap.StringFixed(2), ccy, comp.MaxPositionSizePct.String()),
			"Leverage only reduces the margin a position locks up. It does not raise the notional cap.",
			fmt.Sprintf("Prices move between this snapshot and execution. Size orders to at most 98%% of the cap (%s %s) or they may be rejected with size_cap_exceeded.",
				recommended.StringFixed(2), ccy),
			"Each open order locks notional/leverage as margin. Orders whose margin exceeds your available margin are rejected with insufficient_margin.",
		},
	}

	// 用第一个有报价的标的给一个完整的换算示例
	for _, sym := range comp.AllowedSymbols {
		brief, ok := in.Briefs[sym]
		if !ok || !brief.Quote.Price.IsPositive() {
			continue
		}
		qty := recommended.DivRound(brief.Quote.Price, 6)
		rules.SizingExample = fmt.Sprintf(
			"With equity %s %s and a %s%% cap, max notional is %s %s; at the 98%% buffer that is %s %s, about %s %s at price %s.",
			calc.RoundMoney(view.Equity).StringFixed(2), ccy,
			comp.MaxPositionSizePct.String(),
			cap.StringFixed(2), ccy,
			recommended.StringFixed(2), ccy,
			qty.String(), sym, brief.Quote.Price.String(),
		)
		break
	}
	return rules
}

func buildLeaderboardSection(entries []*competition.LeaderboardEntry, selfID string) []promptRank {
	if len(entries) == 0 {
		return nil
	}
	out := make([]promptRank, 0, leaderboardTopN+1)
	selfIncluded := false
	for _, e := range entries {
		if e.Rank > leaderboardTopN {
			break
		}
		row := promptRank{
			Rank:            e.Rank,
			ParticipantName: e.ParticipantName,
			Equity:          e.Equity,
			ReturnPct:       e.ReturnPct,
			IsYou:           e.ParticipantID == selfID,
		}
		selfIncluded = selfIncluded || row.IsYou
		out = append(out, row)
	}
	if !selfIncluded {
		for _, e := range entries {
			if e.ParticipantID == selfID {
				out = append(out, promptRank{
					Rank:            e.Rank,
					ParticipantName: e.ParticipantName,
					Equity:          e.Equity,
					ReturnPct:       e.ReturnPct,
					IsYou:           true,
				})
				break
			}
		}
	}
	return out
}

func buildInstructions() promptInstructions {
	return promptInstructions{
		ResponseContract: `{"decision":"trade"|"hold","reasoning":"<why>","orders":[{"action":"open","symbol":"BTC/USDT","side":"buy"|"sell","quantity":0.5,"leverage":3}|{"action":"close","symbol":"BTC/USDT","position_id":"<uuid>"}]}`,
		Notes: []string{
			"Reply with a single JSON object and nothing else.",
			"Use symbols exactly as they appear in market_data.",
			"Close orders must reference a position_id from portfolio.positions.",
			`A "hold" decision needs no orders.`,
		},
	}
}

// =============================================================================
// 小工具
// =============================================================================

func decPtr(v decimal.Decimal) *decimal.Decimal {
	return &v
}

// tailCandles 取末尾 n 根 K 线 (序列时间升序)
func tailCandles(candles []market.Candle, n int) []market.Candle {
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

// quoteCurrency 从 "BTC/USDT" 形式的标的推断计价币种
func quoteCurrency(symbols []string) string {
	for _, sym := range symbols {
		if _, quote, ok := strings.Cut(sym, "/"); ok && quote != "" {
			return quote
		}
	}
	return "USDT"
}
