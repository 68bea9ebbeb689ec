// 文件: pkg/scheduler/scheduler_test.go

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena.com/pkg/competition"
	"arena.com/pkg/decision"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// 2025-03-05 是周三，15:00 UTC 落在近似纽约时段内
var schedNow = time.Date(2025, 3, 5, 15, 0, 0, 0, time.UTC)

// =============================================================================
// 测试替身
// =============================================================================

type stubComps struct {
	mu             sync.Mutex
	comps          []*competition.Competition
	parts          map[string][]*competition.Participant
	lifecycleCalls int
}

func (s *stubComps) GetCompetition(ctx context.Context, id string) (*competition.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.comps {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, competition.ErrCompetitionNotFound
}

func (s *stubComps) ActiveCompetitions(ctx context.Context) ([]*competition.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*competition.Competition, 0, len(s.comps))
	for _, c := range s.comps {
		if c.IsActive() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubComps) ActiveParticipants(ctx context.Context, competitionID string) ([]*competition.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*competition.Participant, 0)
	for _, p := range s.parts[competitionID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubComps) TickLifecycle(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycleCalls++
}

func (s *stubComps) setStatus(id string, status competition.CompetitionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.comps {
		if c.ID == id {
			c.Status = status
		}
	}
}

func (s *stubComps) ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycleCalls
}

type stubMarket struct {
	mu         sync.Mutex
	quotes     map[string]market.PriceQuote
	refreshErr error
	refreshed  [][]string
	snap       *market.Snapshot
}

func (s *stubMarket) RefreshSnapshot(ctx context.Context, symbols []string) (*market.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, append([]string(nil), symbols...))
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	quotes := make(map[string]market.PriceQuote, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			quotes[sym] = q
		}
	}
	s.snap = market.NewSnapshot(quotes, schedNow)
	return s.snap, nil
}

func (s *stubMarket) Snapshot() *market.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubMarket) refreshCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.refreshed...)
}

type repriceCall struct {
	competitionID string
	prices        map[string]decimal.Decimal
	at            time.Time
}

type stubRepricer struct {
	mu     sync.Mutex
	calls  []repriceCall
	marked map[string][]*portfolio.MarkedPortfolio
	errs   map[string]error
}

func (s *stubRepricer) RepriceCompetition(ctx context.Context, comp *competition.Competition, prices map[string]decimal.Decimal, at time.Time) ([]*portfolio.MarkedPortfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	s.calls = append(s.calls, repriceCall{competitionID: comp.ID, prices: cp, at: at})
	if err := s.errs[comp.ID]; err != nil {
		return nil, err
	}
	return s.marked[comp.ID], nil
}

func (s *stubRepricer) callsFor(competitionID string) []repriceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repriceCall, 0)
	for _, c := range s.calls {
		if c.competitionID == competitionID {
			out = append(out, c)
		}
	}
	return out
}

type sweepCall struct {
	competitionID string
	markedCount   int
}

type stubSweeper struct {
	mu    sync.Mutex
	calls []sweepCall
}

func (s *stubSweeper) SweepCompetition(ctx context.Context, comp *competition.Competition, marked []*portfolio.MarkedPortfolio) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sweepCall{competitionID: comp.ID, markedCount: len(marked)})
	return 0
}

func (s *stubSweeper) sweeps() []sweepCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sweepCall(nil), s.calls...)
}

type roundCall struct {
	competitionID string
	participantID string
}

type stubRounds struct {
	mu    sync.Mutex
	calls []roundCall
	errs  map[string]error
}

func (s *stubRounds) RunRound(ctx context.Context, competitionID, participantID string) (*decision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, roundCall{competitionID: competitionID, participantID: participantID})
	if err := s.errs[participantID]; err != nil {
		return nil, err
	}
	return &decision.Record{ID: "rec-" + participantID}, nil
}

func (s *stubRounds) rounds() []roundCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]roundCall(nil), s.calls...)
}

// =============================================================================
// 夹具
// =============================================================================

type schedFixture struct {
	comps   *stubComps
	market  *stubMarket
	reprice *stubRepricer
	sweep   *stubSweeper
	rounds  *stubRounds
	sched   *Scheduler
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()

	comp := &competition.Competition{
		ID:                        "comp-1",
		Name:                      "spring-cup",
		Status:                    competition.CompetitionActive,
		StartAt:                   schedNow.Add(-24 * time.Hour),
		EndAt:                     schedNow.Add(24 * time.Hour),
		MaintenanceMarginPct:      d("5"),
		InvocationIntervalMinutes: 15,
		AllowedSymbols:            []string{"BTC/USDT", "ETH/USDT"},
	}
	parts := []*competition.Participant{
		{ID: "pt-1", CompetitionID: "comp-1", Name: "alpha", Status: competition.ParticipantActive},
		{ID: "pt-2", CompetitionID: "comp-1", Name: "beta", Status: competition.ParticipantActive},
	}

	comps := &stubComps{
		comps: []*competition.Competition{comp},
		parts: map[string][]*competition.Participant{"comp-1": parts},
	}
	marketData := &stubMarket{
		quotes: map[string]market.PriceQuote{
			"BTC/USDT": {Symbol: "BTC/USDT", Price: d("50000"), AsOf: schedNow},
			"ETH/USDT": {Symbol: "ETH/USDT", Price: d("3000"), AsOf: schedNow},
			"SOL/USDT": {Symbol: "SOL/USDT", Price: d("150"), AsOf: schedNow},
		},
	}
	reprice := &stubRepricer{
		marked: map[string][]*portfolio.MarkedPortfolio{
			"comp-1": {
				{Participant: parts[0], View: portfolio.NewView(&portfolio.Portfolio{ID: "pf-1"}, nil)},
				{Participant: parts[1], View: portfolio.NewView(&portfolio.Portfolio{ID: "pf-2"}, nil)},
			},
		},
		errs: map[string]error{},
	}
	sweep := &stubSweeper{}
	rounds := &stubRounds{errs: map[string]error{}}

	return &schedFixture{
		comps:   comps,
		market:  marketData,
		reprice: reprice,
		sweep:   sweep,
		rounds:  rounds,
		sched:   NewScheduler(comps, marketData, reprice, sweep, rounds),
	}
}

func (fx *schedFixture) addCompetition(id string, symbols []string) {
	fx.comps.mu.Lock()
	defer fx.comps.mu.Unlock()
	fx.comps.comps = append(fx.comps.comps, &competition.Competition{
		ID:                        id,
		Status:                    competition.CompetitionActive,
		StartAt:                   schedNow.Add(-24 * time.Hour),
		EndAt:                     schedNow.Add(24 * time.Hour),
		InvocationIntervalMinutes: 30,
		AllowedSymbols:            symbols,
	})
}

// =============================================================================
// 价格循环
// =============================================================================

func TestPriceTickRepricesAndSweeps(t *testing.T) {
	fx := newSchedFixture(t)

	fx.sched.priceTick(context.Background(), schedNow)

	assert.Equal(t, 1, fx.comps.ticks())

	refreshes := fx.market.refreshCalls()
	require.Len(t, refreshes, 1)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, refreshes[0])

	calls := fx.reprice.callsFor("comp-1")
	require.Len(t, calls, 1)
	assert.Equal(t, schedNow, calls[0].at)
	assert.True(t, calls[0].prices["BTC/USDT"].Equal(d("50000")))
	assert.True(t, calls[0].prices["ETH/USDT"].Equal(d("3000")))

	sweeps := fx.sweep.sweeps()
	require.Len(t, sweeps, 1)
	assert.Equal(t, "comp-1", sweeps[0].competitionID)
	assert.Equal(t, 2, sweeps[0].markedCount)
}

func TestPriceTickUnionsSymbolsAcrossCompetitions(t *testing.T) {
	fx := newSchedFixture(t)
	fx.addCompetition("comp-2", []string{"ETH/USDT", "SOL/USDT"})

	fx.sched.priceTick(context.Background(), schedNow)

	refreshes := fx.market.refreshCalls()
	require.Len(t, refreshes, 1)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, refreshes[0])

	// 各竞赛只拿自己标的的价格
	calls := fx.reprice.callsFor("comp-2")
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].prices, 2)
	assert.True(t, calls[0].prices["SOL/USDT"].Equal(d("150")))
	_, hasBTC := calls[0].prices["BTC/USDT"]
	assert.False(t, hasBTC)
}

func TestPriceTickRefreshFailureFallsBackToCachedSnapshot(t *testing.T) {
	fx := newSchedFixture(t)
	fx.market.snap = market.NewSnapshot(map[string]market.PriceQuote{
		"BTC/USDT": {Symbol: "BTC/USDT", Price: d("48000"), AsOf: schedNow.Add(-time.Minute)},
	}, schedNow.Add(-time.Minute))
	fx.market.refreshErr = errors.New("binance unreachable")

	fx.sched.priceTick(context.Background(), schedNow)

	// 刷新失败不中断扫描，沿用上一代快照的价格
	calls := fx.reprice.callsFor("comp-1")
	require.Len(t, calls, 1)
	require.Len(t, calls[0].prices, 1)
	assert.True(t, calls[0].prices["BTC/USDT"].Equal(d("48000")))
	require.Len(t, fx.sweep.sweeps(), 1)
}

func TestPriceTickRepriceFailureSkipsSweepForThatCompetition(t *testing.T) {
	fx := newSchedFixture(t)
	fx.addCompetition("comp-2", []string{"SOL/USDT"})
	fx.reprice.errs["comp-1"] = errors.New("db down")

	fx.sched.priceTick(context.Background(), schedNow)

	sweeps := fx.sweep.sweeps()
	require.Len(t, sweeps, 1)
	assert.Equal(t, "comp-2", sweeps[0].competitionID)
}

func TestPriceTickNoActiveCompetitions(t *testing.T) {
	fx := newSchedFixture(t)
	fx.comps.setStatus("comp-1", competition.CompetitionCompleted)

	fx.sched.priceTick(context.Background(), schedNow)

	assert.Equal(t, 1, fx.comps.ticks())
	assert.Empty(t, fx.market.refreshCalls())
	assert.Empty(t, fx.sweep.sweeps())
}

// =============================================================================
// 决策循环
// =============================================================================

func TestDecisionTickFansOutAllParticipants(t *testing.T) {
	fx := newSchedFixture(t)

	fx.sched.runDecisionTick(context.Background(), "comp-1", schedNow)

	rounds := fx.rounds.rounds()
	require.Len(t, rounds, 2)
	ids := []string{rounds[0].participantID, rounds[1].participantID}
	assert.ElementsMatch(t, []string{"pt-1", "pt-2"}, ids)
	assert.Equal(t, "comp-1", rounds[0].competitionID)
}

func TestDecisionTickRoundFailureDoesNotAffectSiblings(t *testing.T) {
	fx := newSchedFixture(t)
	fx.rounds.errs["pt-1"] = errors.New("llm exploded")
	fx.rounds.errs["pt-2"] = decision.ErrRoundInFlight

	fx.sched.runDecisionTick(context.Background(), "comp-1", schedNow)

	// 单个参与者失败或上一轮未结束都不拦住兄弟轮次
	assert.Len(t, fx.rounds.rounds(), 2)
}

func TestDecisionTickSkipsInactiveCompetition(t *testing.T) {
	fx := newSchedFixture(t)
	fx.comps.setStatus("comp-1", competition.CompetitionCompleted)

	fx.sched.runDecisionTick(context.Background(), "comp-1", schedNow)

	assert.Empty(t, fx.rounds.rounds())
}

func TestDecisionTickSkipsWhenMarketClosed(t *testing.T) {
	fx := newSchedFixture(t)
	fx.comps.mu.Lock()
	fx.comps.comps[0].MarketHoursOnly = true
	fx.comps.mu.Unlock()

	saturday := time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC)
	fx.sched.runDecisionTick(context.Background(), "comp-1", saturday)
	assert.Empty(t, fx.rounds.rounds())

	// 工作日时段内正常发起
	fx.sched.runDecisionTick(context.Background(), "comp-1", schedNow)
	assert.Len(t, fx.rounds.rounds(), 2)
}

func TestDecisionTickUnknownCompetition(t *testing.T) {
	fx := newSchedFixture(t)

	fx.sched.runDecisionTick(context.Background(), "comp-404", schedNow)

	assert.Empty(t, fx.rounds.rounds())
}

// =============================================================================
// 生命周期
// =============================================================================

func TestStartStopLifecycle(t *testing.T) {
	fx := newSchedFixture(t)
	fx.sched.SetPriceInterval(10 * time.Millisecond)

	require.NoError(t, fx.sched.Start())
	assert.Error(t, fx.sched.Start())

	loopCount := func() int {
		fx.sched.mu.Lock()
		defer fx.sched.mu.Unlock()
		return len(fx.sched.loops)
	}

	// 价格循环把活跃竞赛的决策循环补起来
	require.Eventually(t, func() bool { return loopCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fx.comps.ticks() >= 2 }, time.Second, 5*time.Millisecond)

	// 竞赛收盘后循环被对账停掉
	fx.comps.setStatus("comp-1", competition.CompetitionCompleted)
	require.Eventually(t, func() bool { return loopCount() == 0 }, time.Second, 5*time.Millisecond)

	fx.sched.Stop()
	fx.sched.Stop() // 幂等

	fx.sched.mu.Lock()
	running := fx.sched.running
	fx.sched.mu.Unlock()
	assert.False(t, running)
}

func TestStopClearsDecisionLoops(t *testing.T) {
	fx := newSchedFixture(t)
	fx.sched.SetPriceInterval(10 * time.Millisecond)

	require.NoError(t, fx.sched.Start())
	require.Eventually(t, func() bool {
		fx.sched.mu.Lock()
		defer fx.sched.mu.Unlock()
		return len(fx.sched.loops) == 1
	}, time.Second, 5*time.Millisecond)

	fx.sched.Stop()

	fx.sched.mu.Lock()
	defer fx.sched.mu.Unlock()
	assert.Empty(t, fx.sched.loops)
}
