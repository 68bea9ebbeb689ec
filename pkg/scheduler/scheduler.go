// 文件: pkg/scheduler/scheduler.go
// 后台调度器
//
// 【职责】
// 1. 全局价格循环: 推进竞赛生命周期 → 刷新价格快照 → 逐竞赛重标记 → 强平扫描
// 2. 每场竞赛一条决策循环: 按竞赛自己的间隔对全部活跃参与者发起决策轮
//
// 【设计】
// 价格循环全平台只有一条，用所有活跃竞赛的标的并集刷新一代快照，
// 同一轮扫描内所有竞赛看到同一份价格。决策循环随竞赛激活/收盘
// 动态增减，节奏由竞赛自己的 invocation_interval_minutes 决定，
// 首轮调用等满一个间隔后才发起。

package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"arena.com/pkg/competition"
	"arena.com/pkg/decision"
	"arena.com/pkg/liquidation"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
)

// =============================================================================
// 常量
// =============================================================================

const (
	// DefaultPriceInterval 价格循环默认节奏
	DefaultPriceInterval = time.Minute

	// DefaultMaxConcurrentRounds 单场竞赛内并发决策轮上限
	DefaultMaxConcurrentRounds = 8

	// fallbackInvocationInterval 竞赛间隔字段异常时的兜底节奏
	fallbackInvocationInterval = 15 * time.Minute
)

// =============================================================================
// 依赖接口
// =============================================================================

// CompetitionSource 竞赛与参与者读取
type CompetitionSource interface {
	GetCompetition(ctx context.Context, id string) (*competition.Competition, error)
	ActiveCompetitions(ctx context.Context) ([]*competition.Competition, error)
	ActiveParticipants(ctx context.Context, competitionID string) ([]*competition.Participant, error)
	TickLifecycle(ctx context.Context, now time.Time)
}

// MarketSource 价格快照的刷新与读取
type MarketSource interface {
	RefreshSnapshot(ctx context.Context, symbols []string) (*market.Snapshot, error)
	Snapshot() *market.Snapshot
}

// Repricer 组合重标记
type Repricer interface {
	RepriceCompetition(ctx context.Context, comp *competition.Competition, prices map[string]decimal.Decimal, at time.Time) ([]*portfolio.MarkedPortfolio, error)
}

// Sweeper 强平扫描
type Sweeper interface {
	SweepCompetition(ctx context.Context, comp *competition.Competition, marked []*portfolio.MarkedPortfolio) int
}

// RoundRunner 决策轮入口
type RoundRunner interface {
	RunRound(ctx context.Context, competitionID, participantID string) (*decision.Record, error)
}

var (
	_ CompetitionSource = (*competition.Manager)(nil)
	_ MarketSource      = (*market.Service)(nil)
	_ Repricer          = (*portfolio.Manager)(nil)
	_ Sweeper           = (*liquidation.Monitor)(nil)
	_ RoundRunner       = (*decision.Orchestrator)(nil)
)

// =============================================================================
// Scheduler - 后台调度器
// =============================================================================

// decisionLoop 一场竞赛的决策循环句柄
type decisionLoop struct {
	competitionID string
	stopChan      chan struct{}
}

// Scheduler 后台调度器
type Scheduler struct {
	competitions CompetitionSource
	market       MarketSource
	portfolios   Repricer
	risk         Sweeper
	rounds       RoundRunner

	// 配置
	priceInterval       time.Duration
	maxConcurrentRounds int

	// 控制
	mu       sync.Mutex
	loops    map[string]*decisionLoop // competitionID -> 决策循环
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(
	competitions CompetitionSource,
	marketData MarketSource,
	portfolios Repricer,
	risk Sweeper,
	rounds RoundRunner,
) *Scheduler {
	return &Scheduler{
		competitions:        competitions,
		market:              marketData,
		portfolios:          portfolios,
		risk:                risk,
		rounds:              rounds,
		priceInterval:       DefaultPriceInterval,
		maxConcurrentRounds: DefaultMaxConcurrentRounds,
		loops:               make(map[string]*decisionLoop),
		stopChan:            make(chan struct{}),
	}
}

// SetPriceInterval 调整价格循环节奏 (启动前调用)
func (s *Scheduler) SetPriceInterval(d time.Duration) {
	if d > 0 {
		s.priceInterval = d
	}
}

// SetMaxConcurrentRounds 调整单场竞赛内决策轮并发上限 (启动前调用)
func (s *Scheduler) SetMaxConcurrentRounds(n int) {
	if n > 0 {
		s.maxConcurrentRounds = n
	}
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.priceLoop(ctx, s.stopChan)

	log.Println("[Scheduler] started")
	return nil
}

// Stop 停止调度器
//
// 先关停全部循环再取消上下文: 在途决策轮收到取消后会以失败状态落库
// 而不是凭空消失，等 wg 归零保证落库完成后才返回。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	for id, loop := range s.loops {
		close(loop.stopChan)
		delete(s.loops, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Println("[Scheduler] stopped")
}

// =============================================================================
// 价格循环
// =============================================================================

// priceLoop 全局价格循环，启动后立即跑第一轮
func (s *Scheduler) priceLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.priceInterval)
	defer ticker.Stop()

	s.priceTick(ctx, time.Now().UTC())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.priceTick(ctx, time.Now().UTC())
		}
	}
}

// priceTick 单轮价格扫描
//
// 1. 推进竞赛生命周期 (到点自动开赛/收盘)
// 2. 对账决策循环 (新激活的补上，已收盘的停掉)
// 3. 刷新活跃标的并集的价格快照
// 4. 逐竞赛重标记组合并做强平扫描
//
// 快照刷新失败只记日志，本轮沿用上一代快照里的价格继续扫描。
func (s *Scheduler) priceTick(ctx context.Context, now time.Time) {
	s.competitions.TickLifecycle(ctx, now)

	actives, err := s.competitions.ActiveCompetitions(ctx)
	if err != nil {
		log.Printf("[Scheduler] list active competitions failed: %v", err)
		return
	}

	s.reconcileLoops(ctx, actives)

	if len(actives) == 0 {
		return
	}

	snap, err := s.market.RefreshSnapshot(ctx, unionSymbols(actives))
	if err != nil {
		log.Printf("[Scheduler] refresh snapshot failed: %v", err)
		snap = s.market.Snapshot()
	}
	allPrices := snap.Prices()

	for _, comp := range actives {
		prices := make(map[string]decimal.Decimal, len(comp.AllowedSymbols))
		for _, sym := range comp.AllowedSymbols {
			if p, ok := allPrices[sym]; ok {
				prices[sym] = p
			}
		}

		marked, err := s.portfolios.RepriceCompetition(ctx, comp, prices, now)
		if err != nil {
			log.Printf("[Scheduler] reprice failed: competition=%s, err=%v", comp.ID, err)
			continue
		}

		if n := s.risk.SweepCompetition(ctx, comp, marked); n > 0 {
			log.Printf("[Scheduler] sweep liquidated %d participant(s): competition=%s", n, comp.ID)
		}
	}
}

// unionSymbols 全部活跃竞赛的标的并集
func unionSymbols(comps []*competition.Competition) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, comp := range comps {
		for _, sym := range comp.AllowedSymbols {
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

// =============================================================================
// 决策循环
// =============================================================================

// reconcileLoops 对账决策循环集合，使其与活跃竞赛一一对应
func (s *Scheduler) reconcileLoops(ctx context.Context, actives []*competition.Competition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	want := make(map[string]*competition.Competition, len(actives))
	for _, comp := range actives {
		want[comp.ID] = comp
	}

	// 已收盘的停掉
	for id, loop := range s.loops {
		if _, ok := want[id]; !ok {
			close(loop.stopChan)
			delete(s.loops, id)
			log.Printf("[Scheduler] decision loop stopped: competition=%s", id)
		}
	}

	// 新激活的补上
	for id, comp := range want {
		if _, ok := s.loops[id]; ok {
			continue
		}
		loop := &decisionLoop{competitionID: id, stopChan: make(chan struct{})}
		s.loops[id] = loop

		interval := time.Duration(comp.InvocationIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = fallbackInvocationInterval
		}

		s.wg.Add(1)
		go s.runLoop(ctx, id, interval, loop.stopChan)
		log.Printf("[Scheduler] decision loop started: competition=%s, interval=%s", id, interval)
	}
}

// runLoop 一场竞赛的决策循环，首轮等满一个间隔
func (s *Scheduler) runLoop(ctx context.Context, competitionID string, interval time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runDecisionTick(ctx, competitionID, time.Now().UTC())
		}
	}
}

// runDecisionTick 对一场竞赛的全部活跃参与者发起一轮决策
//
// 竞赛状态每轮现查: 循环对账最多滞后一个价格周期，这里再挡一道。
// 参与者之间并发推进，单个失败不影响兄弟轮次；上一轮还没跑完的
// 参与者直接跳过 (决策编排器自己挡重入)。
func (s *Scheduler) runDecisionTick(ctx context.Context, competitionID string, now time.Time) {
	comp, err := s.competitions.GetCompetition(ctx, competitionID)
	if err != nil {
		log.Printf("[Scheduler] load competition failed: competition=%s, err=%v", competitionID, err)
		return
	}
	if !comp.IsActive() {
		return
	}
	if !comp.TradingHoursOpen(now) {
		log.Printf("[Scheduler] market closed, decision tick skipped: competition=%s", competitionID)
		return
	}

	participants, err := s.competitions.ActiveParticipants(ctx, competitionID)
	if err != nil {
		log.Printf("[Scheduler] list participants failed: competition=%s, err=%v", competitionID, err)
		return
	}
	if len(participants) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.maxConcurrentRounds)
	for _, p := range participants {
		participantID := p.ID
		g.Go(func() error {
			_, err := s.rounds.RunRound(ctx, competitionID, participantID)
			if err != nil && !errors.Is(err, decision.ErrRoundInFlight) {
				log.Printf("[Scheduler] round failed: participant=%s, err=%v", participantID, err)
			}
			return nil
		})
	}
	g.Wait()
}
