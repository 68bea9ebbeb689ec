// 文件: cmd/simulation/main.go
// 端到端演示: 内存存储 + 模拟行情 + 脚本化模型跑一场微型竞赛
//
// 【场景】
// 两名参与者同场竞技:
//   momentum-max   动量稳健派: 小仓低杠杆，冲高落袋为安
//   leverage-larry 杠杆赌徒: 满杠杆连续加仓，闪崩时被强平
//
// 行情由几何布朗运动模拟盘驱动，关键轮次叠加脚本价位:
// 第 3 轮 BTC 冲高让 max 获利离场，第 4 轮闪崩把 larry 的权益
// 打穿零轴，触发强制平仓与出局。
//
// 全程不连 MySQL/Redis/NATS/Kafka，一条命令即可观察开仓、平仓、
// 风控拒单、强平、排行榜的完整链路:
//
//	go run ./cmd/simulation

package main

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
	"arena.com/pkg/competition"
	"arena.com/pkg/decision"
	"arena.com/pkg/lane"
	"arena.com/pkg/liquidation"
	"arena.com/pkg/llm"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/trading"
)

// =============================================================================
// 脚本化模型
// =============================================================================

const scriptedProviderName = "scripted"

var _ llm.Provider = (*scriptedProvider)(nil)

// scriptedProvider 按 Model 维护预置应答队列，耗尽后一律 hold。
// 应答文本与真实模型同构 (```json 围栏 + 决策 JSON)，走完整解析链路。
type scriptedProvider struct {
	mu     sync.Mutex
	script map[string][]string
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{script: make(map[string][]string)}
}

func (p *scriptedProvider) add(model string, responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[model] = append(p.script[model], responses...)
}

func (p *scriptedProvider) Name() string { return scriptedProviderName }

func (p *scriptedProvider) Invoke(_ context.Context, req llm.Request) (*llm.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text := holdResponse
	if queue := p.script[req.Model]; len(queue) > 0 {
		text = queue[0]
		p.script[req.Model] = queue[1:]
	}
	return &llm.Result{
		Text:           text,
		PromptTokens:   len(req.SystemPrompt+req.UserPrompt) / 4,
		ResponseTokens: len(text) / 4,
	}, nil
}

// fenced 把决策 JSON 包进模型惯用的 ```json 围栏
func fenced(body string) string {
	return "```json\n" + body + "\n```"
}

var holdResponse = fenced(`{"decision": "hold", "reasoning": "No clear edge this round."}`)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// 主流程
// =============================================================================

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("🚀 Starting arena simulation...")

	ctx := context.Background()

	// ---------- 1. 内存存储 ----------
	store := newMemStore()
	compRepo := &memCompetitionRepo{s: store}
	partRepo := &memParticipantRepo{s: store}
	pfRepo := &memPortfolioRepo{s: store}
	histRepo := &memHistoryRepo{s: store}
	orderRepo := &memOrderRepo{s: store}
	tradeRepo := &memTradeRepo{s: store}
	recordRepo := &memDecisionRepo{s: store}

	if err := trading.InitSnowflake(1); err != nil {
		log.Fatalf("[Sim] init snowflake: %v", err)
	}

	// ---------- 2. 模拟行情 ----------
	sim := market.NewSimSource(map[string]decimal.Decimal{
		"BTC/USDT": d("50000"),
		"ETH/USDT": d("3000"),
	}, market.SimConfig{
		Volatility:  0.5,
		StepWidth:   time.Minute,
		HistoryCap:  500,
		WarmupSteps: 120,
		Seed:        7,
	})
	marketSvc := market.NewService(sim, market.ServiceConfig{MaxQuoteAge: time.Hour})

	// ---------- 3. 域管理器 ----------
	lanes := lane.NewRegistry()

	manager := competition.NewManager(compRepo, partRepo, competition.Defaults{
		InitialCapital:            d("100000"),
		MaxLeverage:               d("10"),
		MaxPositionSizePct:        d("20"),
		MarginRequirementPct:      d("10"),
		MaintenanceMarginPct:      d("5"),
		InvocationIntervalMinutes: 15,
		MaxParticipants:           5,
		AllowedSymbols:            []string{"BTC/USDT", "ETH/USDT"},
	})

	portfolios := portfolio.NewManager(pfRepo, histRepo, partRepo)
	portfolios.SetLanes(lanes)
	manager.SetPortfolioSeeder(portfolios)

	engine := trading.NewEngine(compRepo, partRepo, portfolios, orderRepo, tradeRepo)
	leaderboard := competition.NewLeaderboardService(compRepo, partRepo, nil, 0)
	engine.SetLeaderboard(leaderboard)

	// ---------- 4. 脚本化模型注册 ----------
	scripted := newScriptedProvider()
	loadScripts(scripted)

	registry := llm.NewRegistry()
	registry.Register(scripted)

	orchestrator := decision.NewOrchestrator(manager, portfolios, marketSvc, engine, registry, recordRepo, lanes)
	orchestrator.SetLeaderboard(leaderboard)

	monitor := liquidation.NewMonitor(manager, portfolios, marketSvc, engine, lanes)

	// ---------- 5. 建赛与报名 ----------
	now := time.Now().UTC()
	comp, err := manager.CreateCompetition(ctx, &competition.CreateCompetitionRequest{
		Name:    "flash-crash-derby",
		StartAt: now.Add(-time.Minute),
		EndAt:   now.Add(time.Hour),
		// 单仓上限放宽到 80%，赌徒才能堆出够被强平的仓位
		MaxPositionSizePct: d("80"),
	})
	if err != nil {
		log.Fatalf("[Sim] create competition: %v", err)
	}
	if err := manager.StartCompetition(ctx, comp.ID); err != nil {
		log.Fatalf("[Sim] start competition: %v", err)
	}
	comp, err = manager.GetCompetition(ctx, comp.ID)
	if err != nil {
		log.Fatalf("[Sim] reload competition: %v", err)
	}

	maxP, err := manager.RegisterParticipant(ctx, &competition.RegisterParticipantRequest{
		CompetitionID: comp.ID,
		Name:          "momentum-max",
		Provider:      scriptedProviderName,
		ModelID:       "momentum-v1",
	})
	if err != nil {
		log.Fatalf("[Sim] register momentum-max: %v", err)
	}
	larry, err := manager.RegisterParticipant(ctx, &competition.RegisterParticipantRequest{
		CompetitionID: comp.ID,
		Name:          "leverage-larry",
		Provider:      scriptedProviderName,
		ModelID:       "martingale-v1",
	})
	if err != nil {
		log.Fatalf("[Sim] register leverage-larry: %v", err)
	}
	log.Printf("✅ Competition %s ready: %s vs %s, capital=%s",
		comp.Name, maxP.Name, larry.Name, comp.InitialCapital)

	// ---------- 6. 五轮推演 ----------
	// 每轮: 行情走几步 -> 叠加脚本价位 -> 刷快照 -> 重标记 + 强平扫描
	// -> 仍在场的参与者跑决策轮。与调度器的价格循环同构，只是手动驱动。
	rounds := []struct {
		label string
		beats map[string]string
	}{
		{label: "opening positions"},
		{label: "quiet drift"},
		{label: "breakout rally", beats: map[string]string{"BTC/USDT": "52000"}},
		{label: "flash crash", beats: map[string]string{"BTC/USDT": "27500", "ETH/USDT": "2400"}},
		{label: "aftermath"},
	}

	for i, round := range rounds {
		log.Printf("📍 ---- round %d: %s ----", i+1, round.label)

		for s := 0; s < 3; s++ {
			sim.Step()
		}
		for sym, px := range round.beats {
			sim.SetPrice(sym, d(px))
			log.Printf("⚡️ price override: %s -> %s", sym, px)
		}

		snap, err := marketSvc.RefreshSnapshot(ctx, comp.AllowedSymbols)
		if err != nil {
			log.Fatalf("[Sim] refresh snapshot: %v", err)
		}
		prices := snap.Prices()
		logPrices(prices, comp.AllowedSymbols)

		tickAt := time.Now().UTC()
		marked, err := portfolios.RepriceCompetition(ctx, comp, prices, tickAt)
		if err != nil {
			log.Fatalf("[Sim] reprice: %v", err)
		}
		if n := monitor.SweepCompetition(ctx, comp, marked); n > 0 {
			log.Printf("📉 sweep liquidated %d participant(s)", n)
		}

		actives, err := partRepo.ListActiveByCompetition(ctx, comp.ID)
		if err != nil {
			log.Fatalf("[Sim] list active participants: %v", err)
		}
		for _, p := range actives {
			rec, err := orchestrator.RunRound(ctx, comp.ID, p.ID)
			if err != nil {
				log.Printf("⚠️ decision round failed: participant=%s err=%v", p.Name, err)
				continue
			}
			logRound(p, rec)
		}

		printStandings(ctx, partRepo, comp.ID)
	}

	// ---------- 7. 收盘复盘 ----------
	if err := manager.StopCompetition(ctx, comp.ID); err != nil {
		log.Fatalf("[Sim] stop competition: %v", err)
	}

	entries, err := leaderboard.GetLeaderboard(ctx, comp.ID)
	if err != nil {
		log.Fatalf("[Sim] leaderboard: %v", err)
	}
	log.Println("🏆 final leaderboard:")
	for _, e := range entries {
		log.Printf("🏆   #%d %-14s status=%-10s equity=%s return=%s%% trades=%d win_rate=%s%%",
			e.Rank, e.ParticipantName, e.Status,
			e.Equity.StringFixed(2), e.ReturnPct.StringFixed(2),
			e.TotalTrades, e.WinRatePct.StringFixed(2))
	}

	for _, p := range []*competition.Participant{maxP, larry} {
		printTrades(ctx, tradeRepo, p)
		printEquityCurve(ctx, histRepo, p)
	}

	log.Println("🏁 simulation complete")
}

// loadScripts 预置两名参与者的五轮应答
//
// momentum-max: 开 0.4 BTC 五倍杠杆 -> 持有 -> 冲高平仓 ->
// 崩盘后试图抄底 5 BTC (超出单仓上限，吃风控拒单) -> 观望。
// leverage-larry: 连续三轮各开 1.5 BTC 十倍杠杆，第 4 轮闪崩
// 时权益转负，轮不到他再决策。
func loadScripts(p *scriptedProvider) {
	p.add("momentum-v1",
		fenced(`{"decision": "trade", "reasoning": "BTC holding above support with improving momentum, entering a moderate long.", "orders": [{"action": "open", "symbol": "BTC/USDT", "side": "buy", "quantity": 0.4, "leverage": 5}]}`),
		"Nothing actionable in the tape right now, position is working.\n\n"+
			fenced(`{"decision": "hold", "reasoning": "Consolidation continues, keeping the long and waiting for extension."}`),
		fenced(`{"decision": "trade", "reasoning": "Breakout reached my target zone, taking profit on the whole position.", "orders": [{"action": "close", "symbol": "BTC/USDT"}]}`),
		fenced(`{"decision": "trade", "reasoning": "Capitulation wick, dip of a lifetime, buying it with size.", "orders": [{"action": "open", "symbol": "BTC/USDT", "side": "buy", "quantity": 5, "leverage": 5}]}`),
	)
	p.add("martingale-v1",
		fenced(`{"decision": "trade", "reasoning": "Max leverage, max conviction. BTC only goes up.", "orders": [{"action": "open", "symbol": "BTC/USDT", "side": "buy", "quantity": 1.5, "leverage": 10}]}`),
		fenced(`{"decision": "trade", "reasoning": "Still flat, so the move is still coming. Doubling down.", "orders": [{"action": "open", "symbol": "BTC/USDT", "side": "buy", "quantity": 1.5, "leverage": 10}]}`),
		fenced(`{"decision": "trade", "reasoning": "Breakout confirmed, pressing the winner as hard as the desk allows.", "orders": [{"action": "open", "symbol": "BTC/USDT", "side": "buy", "quantity": 1.5, "leverage": 10}]}`),
	)
}

// =============================================================================
// 输出助手
// =============================================================================

func logPrices(prices map[string]decimal.Decimal, symbols []string) {
	parts := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if px, ok := prices[sym]; ok {
			parts = append(parts, sym+"="+px.StringFixed(2))
		}
	}
	log.Printf("💹 marks: %s", strings.Join(parts, "  "))
}

func logRound(p *competition.Participant, rec *decision.Record) {
	verdict := "hold"
	if rec.Parsed != nil && rec.Parsed.Decision != "" {
		verdict = rec.Parsed.Decision
	}
	log.Printf("🤖 %s decided: %s (status=%s)", p.Name, verdict, rec.Status)

	for _, ex := range rec.Executions {
		if ex.Status == string(trading.OrderExecuted) {
			log.Printf("✅   %s %s @ %s realized=%s",
				ex.Action, ex.Symbol, ex.ExecutedPrice.StringFixed(2), ex.RealizedPnL.StringFixed(2))
		} else {
			log.Printf("🚫   %s %s rejected: %s", ex.Action, ex.Symbol, ex.RejectReason)
		}
	}
}

func printStandings(ctx context.Context, repo *memParticipantRepo, competitionID string) {
	ps, err := repo.ListByCompetition(ctx, competitionID)
	if err != nil {
		log.Printf("[Sim] list participants: %v", err)
		return
	}
	for _, p := range ps {
		log.Printf("💰 %-14s status=%-10s equity=%s", p.Name, p.Status, p.CurrentEquity.StringFixed(2))
	}
}

func printTrades(ctx context.Context, repo *memTradeRepo, p *competition.Participant) {
	trades, err := repo.ListByParticipant(ctx, p.ID, 20, 0)
	if err != nil {
		log.Printf("[Sim] list trades: %v", err)
		return
	}
	log.Printf("📜 %s trade log (%d fills):", p.Name, len(trades))
	// 仓储返回最近优先，倒序打印还原时间线
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		tag := ""
		if t.Liquidation {
			tag = " [forced]"
		}
		log.Printf("📜   %s %s %s qty=%s @ %s realized=%s%s",
			t.Action, sideLabel(t.Side), t.Symbol,
			t.Quantity.String(), t.Price.StringFixed(2), t.RealizedPnL.StringFixed(2), tag)
	}
}

func printEquityCurve(ctx context.Context, repo *memHistoryRepo, p *competition.Participant) {
	records, err := repo.ListByParticipant(ctx, p.ID, 0)
	if err != nil {
		log.Printf("[Sim] list history: %v", err)
		return
	}
	points := make([]string, 0, len(records))
	for _, rec := range records {
		points = append(points, rec.Equity.StringFixed(0))
	}
	log.Printf("📈 %s equity curve: %s", p.Name, strings.Join(points, " -> "))
}

func sideLabel(s calc.Side) string {
	if s == calc.SideLong {
		return "buy"
	}
	return "sell"
}
