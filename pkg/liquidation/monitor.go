// 文件: pkg/liquidation/monitor.go
// 风控监控 - 保证金水平检查与强制平仓
//
// 【职责】
// 1. 价格刷新后的全场扫描: 重标记产物逐组合判定是否触发强平
// 2. 事件触发的单点检查: 消费组合层的权益耗尽信号 (arena.liquidation.required)
// 3. 触发后按名义价值降序强制平掉全部持仓，最后一笔平完才把参与者置为
//    liquidated，并广播强平事件
//
// 【复核约定】
// 扫描用的视图是重标记那一刻的，拿到参与者 lane 前决策轮可能已平仓、价格
// 也可能回头。所以命中粗筛的参与者一律在 lane 下按最新价重新快照复核，
// 复核不过直接放行。强平单走交易引擎的强平通道 (跳过准入规则)，记账与
// 普通平仓完全一致。

package liquidation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"arena.com/pkg/calc"
	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
	"arena.com/pkg/lane"
	"arena.com/pkg/market"
	anats "arena.com/pkg/nats"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/trading"
)

// SubjectParticipantLiquidated 强平完成事件
const SubjectParticipantLiquidated = "arena.liquidation"

// 事件触发路径的单次检查时限
const checkTimeout = 30 * time.Second

// =============================================================================
// 依赖面
// =============================================================================

// CompetitionSource 竞赛与参与者读取 + 强平状态流转
type CompetitionSource interface {
	GetCompetition(ctx context.Context, id string) (*competition.Competition, error)
	GetParticipant(ctx context.Context, id string) (*competition.Participant, error)
	MarkLiquidated(ctx context.Context, participantID string) error
}

// PortfolioSource 组合快照
type PortfolioSource interface {
	SnapshotAt(ctx context.Context, participantID string, prices map[string]decimal.Decimal) (*portfolio.View, error)
}

// MarketSource 行情读取
type MarketSource interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Executor 强平单提交
type Executor interface {
	Execute(ctx context.Context, req *trading.Request, prices map[string]decimal.Decimal) (*trading.Result, error)
}

// 确保生产实现满足依赖面
var (
	_ CompetitionSource = (*competition.Manager)(nil)
	_ PortfolioSource   = (*portfolio.Manager)(nil)
	_ MarketSource      = (*market.Service)(nil)
	_ Executor          = (*trading.Engine)(nil)
)

// =============================================================================
// Monitor
// =============================================================================

// Monitor 风控监控器
type Monitor struct {
	competitions CompetitionSource
	portfolios   PortfolioSource
	market       MarketSource
	engine       Executor

	lanes *lane.Registry // 参与者写通道，与决策轮共享

	events *anats.Publisher // 可选
}

func NewMonitor(
	competitions CompetitionSource,
	portfolios PortfolioSource,
	marketData MarketSource,
	engine Executor,
	lanes *lane.Registry,
) *Monitor {
	return &Monitor{
		competitions: competitions,
		portfolios:   portfolios,
		market:       marketData,
		engine:       engine,
		lanes:        lanes,
	}
}

// SetPublisher 设置 NATS 发布器 (可选)
func (m *Monitor) SetPublisher(pub *anats.Publisher) {
	m.events = pub
}

// =============================================================================
// 检查入口
// =============================================================================

// SweepCompetition 价格刷新后的全场风控检查
//
// marked 是本轮重标记产物，先用它粗筛，命中的参与者再进 lane 精确复核。
// 单个参与者失败只记日志，不中断整场扫描。返回本轮强平人数。
func (m *Monitor) SweepCompetition(ctx context.Context, comp *competition.Competition, marked []*portfolio.MarkedPortfolio) int {
	liquidated := 0
	for _, mk := range marked {
		if !shouldLiquidate(mk.View, comp.MaintenanceMarginPct) {
			continue
		}
		done, err := m.liquidate(ctx, comp, mk.Participant.ID)
		if err != nil {
			log.Printf("[Liquidation] liquidate failed: participant=%s, err=%v", mk.Participant.ID, err)
			continue
		}
		if done {
			liquidated++
		}
	}
	return liquidated
}

// CheckParticipant 单参与者风控检查
//
// 权益耗尽信号和内部运维接口走这里，已出局的参与者直接放行。
func (m *Monitor) CheckParticipant(ctx context.Context, participantID string) error {
	participant, err := m.competitions.GetParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	if !participant.IsActive() {
		return nil
	}
	comp, err := m.competitions.GetCompetition(ctx, participant.CompetitionID)
	if err != nil {
		return err
	}
	_, err = m.liquidate(ctx, comp, participantID)
	return err
}

// HandleEvent NATS 订阅入口，消费组合层的权益耗尽信号
func (m *Monitor) HandleEvent(subject string, data []byte) error {
	if subject != portfolio.SubjectLiquidationRequired {
		return nil
	}
	signal, err := anats.UnmarshalJSON[liquidationSignal](data)
	if err != nil {
		return fmt.Errorf("decode liquidation signal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	return m.CheckParticipant(ctx, signal.ParticipantID)
}

// liquidationSignal 组合层广播的权益耗尽信号体
type liquidationSignal struct {
	ParticipantID string `json:"participant_id"`
}

// =============================================================================
// 强平执行
// =============================================================================

// liquidate 复核并强平单个参与者，caller 不持有 lane
//
// 返回是否真的完成了强平。部分持仓平不掉 (如本轮缺价) 时不改参与者状态，
// 留给下一轮扫描重试。
func (m *Monitor) liquidate(ctx context.Context, comp *competition.Competition, participantID string) (bool, error) {
	ln := m.lanes.Get(participantID)
	if err := ln.Acquire(ctx); err != nil {
		return false, err
	}
	defer ln.Release()

	// lane 下复核参与者与组合的当下状态
	participant, err := m.competitions.GetParticipant(ctx, participantID)
	if err != nil {
		return false, err
	}
	if !participant.IsActive() {
		return false, nil
	}

	prices, err := m.market.LatestPrices(ctx, comp.AllowedSymbols)
	if err != nil {
		return false, fmt.Errorf("liquidation prices: %w", err)
	}
	view, err := m.portfolios.SnapshotAt(ctx, participantID, prices)
	if err != nil {
		return false, err
	}
	if !shouldLiquidate(view, comp.MaintenanceMarginPct) {
		return false, nil
	}

	closed, err := m.flatten(ctx, comp, participantID, view, prices)
	if err != nil {
		return false, err
	}
	if closed < len(view.Positions) {
		log.Printf("[Liquidation] flatten incomplete, retrying next sweep: participant=%s, closed=%d/%d",
			participantID, closed, len(view.Positions))
		return false, nil
	}

	// 全部平完才流转状态; 权益赔穿且无持仓的破产情形 closed=0 也走到这里
	if err := m.competitions.MarkLiquidated(ctx, participantID); err != nil {
		return false, fmt.Errorf("mark liquidated: %w", err)
	}
	m.publishLiquidated(comp, participantID, view, closed)
	log.Printf("[Liquidation] participant liquidated: participant=%s, competition=%s, closed=%d, equity=%s",
		participantID, comp.ID, closed, view.Equity)
	return true, nil
}

// flatten 按名义价值降序强制平仓
func (m *Monitor) flatten(ctx context.Context, comp *competition.Competition, participantID string, view *portfolio.View, prices map[string]decimal.Decimal) (int, error) {
	positions := append([]*cfd.Position(nil), view.Positions...)
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Notional().GreaterThan(positions[j].Notional())
	})

	closed := 0
	for _, pos := range positions {
		result, err := m.engine.Execute(ctx, &trading.Request{
			CompetitionID: comp.ID,
			ParticipantID: participantID,
			Action:        trading.ActionClose,
			Symbol:        pos.Symbol,
			PositionID:    pos.ID,
			Liquidation:   true,
		}, prices)
		if err != nil {
			return closed, fmt.Errorf("forced close position %s: %w", pos.ID, err)
		}
		if result.Rejected() {
			log.Printf("[Liquidation] forced close rejected: participant=%s, position=%s, reason=%s",
				participantID, pos.ID, result.Order.RejectReason)
			continue
		}
		closed++
	}
	return closed, nil
}

// =============================================================================
// 判定与事件
// =============================================================================

// shouldLiquidate 强平判定
//
// 两种触发:
//  1. 有持仓且保证金水平跌破维持线
//  2. 权益耗尽 (无持仓也出局，资金赔穿后开不了任何新仓)
func shouldLiquidate(view *portfolio.View, maintenancePct decimal.Decimal) bool {
	if calc.LiquidationTriggered(view.Equity, view.Portfolio.ReservedMargin, maintenancePct) {
		return true
	}
	return view.Equity.Sign() <= 0
}

func (m *Monitor) publishLiquidated(comp *competition.Competition, participantID string, view *portfolio.View, closed int) {
	if m.events == nil {
		return
	}
	event := map[string]any{
		"participant_id":   participantID,
		"competition_id":   comp.ID,
		"equity":           view.Equity,
		"reserved_margin":  view.Portfolio.ReservedMargin,
		"closed_positions": closed,
		"liquidated_at":    time.Now().UTC(),
	}
	m.events.Publish(SubjectParticipantLiquidated, event)
}
