// 文件: pkg/decision/prompt_test.go

package decision

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
)

func promptCompetitionFixture() *competition.Competition {
	now := time.Now().UTC()
	return &competition.Competition{
		ID:                        "comp-1",
		Name:                      "spring-cup",
		Status:                    competition.CompetitionActive,
		StartAt:                   now.Add(-time.Hour),
		EndAt:                     now.Add(48 * time.Hour),
		InitialCapital:            d("10000"),
		MaxLeverage:               d("10"),
		MaxPositionSizePct:        d("50"),
		MaintenanceMarginPct:      d("5"),
		InvocationIntervalMinutes: 15,
		AllowedSymbols:            []string{"BTC/USDT", "ETH/USDT"},
	}
}

func promptParticipantFixture() *competition.Participant {
	return &competition.Participant{
		ID:            "pt-1",
		CompetitionID: "comp-1",
		Name:          "alpha",
		Status:        competition.ParticipantActive,
		Provider:      "anthropic",
		ModelID:       "claude-sonnet-4-20250514",
	}
}

func stubBrief(symbol, price string, candles int) *market.Brief {
	b := &market.Brief{
		Symbol: symbol,
		Quote: market.PriceQuote{
			Symbol: symbol,
			Price:  d(price),
			AsOf:   time.Now().UTC(),
		},
	}
	if candles > 0 {
		base := time.Now().UTC().Add(-time.Duration(candles) * time.Hour)
		for i := 0; i < candles; i++ {
			b.Candles = append(b.Candles, market.Candle{
				OpenTime:  base.Add(time.Duration(i) * time.Hour),
				Open:      d(price),
				High:      d(price).Mul(d("1.01")),
				Low:       d(price).Mul(d("0.99")),
				Close:     d(price).Add(decimal.NewFromInt(int64(i))),
				Volume:    d("12.5"),
				CloseTime: base.Add(time.Duration(i+1) * time.Hour),
			})
		}
		b.Ticker = &market.TickerData{
			Symbol:         symbol,
			LastPrice:      d(price),
			PriceChangePct: d("2.4"),
			HighPrice:      d(price).Mul(d("1.05")),
			LowPrice:       d(price).Mul(d("0.95")),
			QuoteVolume:    d("1000000"),
		}
		b.Indicators = market.ComputeIndicators(b.Candles)
	}
	return b
}

func promptInputFixture() *PromptInput {
	pf := &portfolio.Portfolio{
		ID:            "pf-1",
		ParticipantID: "pt-1",
		CashBalance:   d("10000"),
		Equity:        d("10000"),
	}
	return &PromptInput{
		Competition: promptCompetitionFixture(),
		Participant: promptParticipantFixture(),
		View:        portfolio.NewView(pf, nil),
		Briefs: map[string]*market.Brief{
			"BTC/USDT": stubBrief("BTC/USDT", "50000", 7),
			"ETH/USDT": stubBrief("ETH/USDT", "3000", 0),
		},
		Now: time.Now().UTC(),
	}
}

// decodePrompt JSON 提示词反解成通用结构
func decodePrompt(t *testing.T, prompt string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(prompt), &out))
	return out
}

func TestBuildUserPromptSections(t *testing.T) {
	prompt, err := BuildUserPrompt(promptInputFixture())
	require.NoError(t, err)

	payload := decodePrompt(t, prompt)
	for _, section := range []string{"competition_context", "portfolio", "market_data", "trading_rules", "instructions"} {
		assert.Contains(t, payload, section)
	}

	cc := payload["competition_context"].(map[string]any)
	assert.Equal(t, "spring-cup", cc["name"])
	assert.EqualValues(t, 15, cc["invocation_interval_minutes"])

	pfSection := payload["portfolio"].(map[string]any)
	assert.Equal(t, "10000", pfSection["cash_balance"])
	assert.Equal(t, "10000", pfSection["equity"])
	// 无持仓时保证金水平未定义，字段省略
	assert.NotContains(t, pfSection, "margin_level_pct")

	md := payload["market_data"].(map[string]any)
	require.Contains(t, md, "BTC/USDT")
	require.Contains(t, md, "ETH/USDT")
	btc := md["BTC/USDT"].(map[string]any)
	assert.Equal(t, "50000", btc["price"])
	assert.Contains(t, btc, "change_24h_pct")
	// 7 根 K 线只带末尾 5 根
	assert.Len(t, btc["recent_candles"], 5)
	// ETH 没有 ticker/K 线，字段整体省略
	eth := md["ETH/USDT"].(map[string]any)
	assert.NotContains(t, eth, "recent_candles")
	assert.NotContains(t, eth, "change_24h_pct")
}

func TestBuildUserPromptTradingRules(t *testing.T) {
	prompt, err := BuildUserPrompt(promptInputFixture())
	require.NoError(t, err)

	payload := decodePrompt(t, prompt)
	rules := payload["trading_rules"].(map[string]any)

	// 权益 10000 × 50% = 5000，98% 缓冲 = 4900
	assert.Equal(t, "5000", rules["max_position_notional"])
	assert.Equal(t, "4900", rules["recommended_max_notional"])
	assert.Equal(t, "USDT", rules["quote_currency"])

	joined := strings.Join(jsonStrings(t, rules["notes"]), "\n")
	assert.Contains(t, joined, "5000.00 USDT")
	assert.Contains(t, joined, "does not raise the notional cap")
	assert.Contains(t, joined, "98%")

	example := rules["sizing_example"].(string)
	assert.Contains(t, example, "BTC/USDT")
	assert.Contains(t, example, "4900.00")
	// 4900 / 50000 = 0.098
	assert.Contains(t, example, "0.098")
}

func TestBuildUserPromptPositions(t *testing.T) {
	in := promptInputFixture()
	pos := &cfd.Position{
		ID:             "pos-1",
		PortfolioID:    "pf-1",
		Symbol:         "BTC/USDT",
		Side:           1,
		Quantity:       d("0.5"),
		Leverage:       d("5"),
		EntryPrice:     d("48000"),
		MarkPrice:      d("50000"),
		ReservedMargin: d("4800"),
		UnrealizedPnL:  d("1000"),
		OpenedAt:       time.Now().UTC().Add(-time.Hour),
	}
	pf := &portfolio.Portfolio{
		ID:             "pf-1",
		ParticipantID:  "pt-1",
		CashBalance:    d("10000"),
		ReservedMargin: d("4800"),
	}
	in.View = portfolio.NewView(pf, []*cfd.Position{pos})

	prompt, err := BuildUserPrompt(in)
	require.NoError(t, err)

	payload := decodePrompt(t, prompt)
	pfSection := payload["portfolio"].(map[string]any)
	assert.Contains(t, pfSection, "margin_level_pct")

	positions := pfSection["positions"].([]any)
	require.Len(t, positions, 1)
	row := positions[0].(map[string]any)
	assert.Equal(t, "pos-1", row["position_id"])
	assert.Equal(t, "long", row["side"])
	assert.Equal(t, "25000", row["notional"])
	assert.Equal(t, "1000", row["unrealized_pnl"])
}

func TestBuildUserPromptLeaderboardSlice(t *testing.T) {
	in := promptInputFixture()
	for i := 1; i <= 5; i++ {
		in.Leaderboard = append(in.Leaderboard, &competition.LeaderboardEntry{
			Rank:            i,
			ParticipantID:   fmt.Sprintf("pt-%d", i),
			ParticipantName: fmt.Sprintf("agent-%d", i),
			Equity:          d("10000").Sub(decimal.NewFromInt(int64(i * 100))),
			ReturnPct:       d("-1"),
		})
	}
	// 自己排第 5
	in.Leaderboard[4].ParticipantID = "pt-1"

	prompt, err := BuildUserPrompt(in)
	require.NoError(t, err)

	payload := decodePrompt(t, prompt)
	rows := payload["leaderboard"].([]any)
	require.Len(t, rows, 4) // 头部 3 名 + 自己

	last := rows[3].(map[string]any)
	assert.EqualValues(t, 5, last["rank"])
	assert.Equal(t, true, last["is_you"])
	for _, r := range rows[:3] {
		assert.NotContains(t, r.(map[string]any), "is_you")
	}
}

func TestBuildUserPromptLeaderboardSelfInTop(t *testing.T) {
	in := promptInputFixture()
	in.Leaderboard = []*competition.LeaderboardEntry{
		{Rank: 1, ParticipantID: "pt-1", ParticipantName: "alpha", Equity: d("11000"), ReturnPct: d("10")},
		{Rank: 2, ParticipantID: "pt-2", ParticipantName: "beta", Equity: d("9000"), ReturnPct: d("-10")},
	}

	prompt, err := BuildUserPrompt(in)
	require.NoError(t, err)

	rows := decodePrompt(t, prompt)["leaderboard"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, true, rows[0].(map[string]any)["is_you"])
}

func TestBuildUserPromptIndicators(t *testing.T) {
	in := promptInputFixture()
	// 40 根 K 线足够算出 EMA20 / RSI / MACD 全套
	in.Briefs["BTC/USDT"] = stubBrief("BTC/USDT", "50000", 40)

	prompt, err := BuildUserPrompt(in)
	require.NoError(t, err)

	btc := decodePrompt(t, prompt)["market_data"].(map[string]any)["BTC/USDT"].(map[string]any)
	for _, key := range []string{"ema20", "rsi7", "rsi14", "macd", "macd_signal", "macd_histogram"} {
		assert.Contains(t, btc, key)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	sys := BuildSystemPrompt(promptParticipantFixture())
	assert.Contains(t, sys, `"alpha"`)
	assert.Contains(t, sys, "JSON")
	assert.Contains(t, sys, "response_contract")
}

func TestBuildUserPromptInstructions(t *testing.T) {
	prompt, err := BuildUserPrompt(promptInputFixture())
	require.NoError(t, err)

	ins := decodePrompt(t, prompt)["instructions"].(map[string]any)
	contract := ins["response_contract"].(string)
	assert.Contains(t, contract, `"decision"`)
	assert.Contains(t, contract, `"position_id"`)
	assert.Contains(t, contract, "hold")
}

// jsonStrings []any 断言辅助
func jsonStrings(t *testing.T, v any) []string {
	t.Helper()
	items, ok := v.([]any)
	require.True(t, ok)
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		require.True(t, ok)
		out = append(out, s)
	}
	return out
}
