// 文件: pkg/trading/engine.go
// 交易执行引擎
//
// 【职责】
// 1. 校验: 按固定顺序跑风控规则，产出稳定的拒绝代码
// 2. 执行: 调用 cfd 引擎生成记账 Delta，订单/成交与落账同事务
// 3. 事件: 成交后发布 NATS 事件并失效排行榜缓存
//
// 【执行时点语义】
// 决策快照与执行之间 lane 释放过，组合状态和价格都可能已变化。
// 全部校验基于执行时刻的最新组合视图与调用方传入的最新价格快照，
// 绝不基于决策快照。代理按上限满仓下单时可能因价格漂移被拒，
// 提示词里公布的安全余量就是为了吸收这段漂移。

package trading

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"arena.com/pkg/calc"
	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
	anats "arena.com/pkg/nats"
	"arena.com/pkg/portfolio"
)

// =============================================================================
// 依赖接口
// =============================================================================

// PortfolioService 引擎需要的组合操作
type PortfolioService interface {
	SnapshotAt(ctx context.Context, participantID string, prices map[string]decimal.Decimal) (*portfolio.View, error)
	ApplyExecution(ctx context.Context, req *portfolio.ApplyRequest) (*portfolio.Portfolio, error)
}

var _ PortfolioService = (*portfolio.Manager)(nil)

// LeaderboardInvalidator 成交后失效排行榜缓存
type LeaderboardInvalidator interface {
	Invalidate(ctx context.Context, competitionID string) error
}

// =============================================================================
// 请求与结果
// =============================================================================

// Request 一条交易指令
type Request struct {
	CompetitionID string
	ParticipantID string

	// DecisionID 发起指令的决策轮，写入订单做审计关联 (强平传空)
	DecisionID string

	Action Action

	// ===== 开仓字段 =====
	Symbol   string
	Side     calc.Side
	Quantity decimal.Decimal
	Leverage decimal.Decimal

	// ===== 平仓字段 =====
	// PositionID 为空时按 Symbol 唯一持仓回退定位
	PositionID string

	// Liquidation 强平指令: 跳过参与者/竞赛/标的三条准入规则
	Liquidation bool
}

// Result 执行结果
// Order 恒非空; 拒绝时 Trade/Position 为空，拒绝不是错误
type Result struct {
	Order     *Order
	Trade     *Trade
	Position  *cfd.Position
	Portfolio *portfolio.Portfolio
}

// Rejected 是否被风控拒绝
func (r *Result) Rejected() bool {
	return r.Order.Status == OrderRejected
}

// =============================================================================
// Engine - 执行引擎
// =============================================================================

// Engine 交易执行引擎
//
// 【设计】依赖仓储接口与组合服务接口，MySQL 与内存实现均可注入。
// NATS 与排行榜失效均为可选旁路。
type Engine struct {
	competitions competition.CompetitionRepository
	participants competition.ParticipantRepository
	portfolios   PortfolioService
	orders       OrderRepository
	trades       TradeRepository

	publisher   *anats.Publisher       // 可选
	leaderboard LeaderboardInvalidator // 可选
}

func NewEngine(
	competitions competition.CompetitionRepository,
	participants competition.ParticipantRepository,
	portfolios PortfolioService,
	orders OrderRepository,
	trades TradeRepository,
) *Engine {
	return &Engine{
		competitions: competitions,
		participants: participants,
		portfolios:   portfolios,
		orders:       orders,
		trades:       trades,
	}
}

// SetPublisher 设置 NATS 发布器
func (e *Engine) SetPublisher(publisher *anats.Publisher) {
	e.publisher = publisher
}

// SetLeaderboard 设置排行榜失效回调
func (e *Engine) SetLeaderboard(lb LeaderboardInvalidator) {
	e.leaderboard = lb
}

// =============================================================================
// 执行入口
// =============================================================================

// Execute 校验并执行一条指令
//
// prices 是调用方持有的最新价格快照 (同一轮内所有指令共用一份)。
// 返回 error 仅代表基础设施故障; 风控拒绝通过 Result.Order 表达。
func (e *Engine) Execute(ctx context.Context, req *Request, prices map[string]decimal.Decimal) (*Result, error) {
	now := time.Now().UTC()

	// 1. 建订单 (审计记录，拒绝单同样落库)
	o := &Order{
		ID:            GenerateOrderID(),
		CompetitionID: req.CompetitionID,
		ParticipantID: req.ParticipantID,
		DecisionID:    req.DecisionID,
		Action:        req.Action,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Leverage:      req.Leverage,
		PositionID:    req.PositionID,
		Status:        OrderPending,
		Liquidation:   req.Liquidation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// 2. 执行时刻重新加载状态
	comp, err := e.competitions.GetByID(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	participant, err := e.participants.GetByID(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	view, err := e.portfolios.SnapshotAt(ctx, req.ParticipantID, prices)
	if err != nil {
		return nil, err
	}

	// 3. 分动作校验 + 执行
	switch req.Action {
	case ActionOpen:
		return e.executeOpen(ctx, req, o, comp, participant, view, prices, now)
	case ActionClose:
		return e.executeClose(ctx, req, o, comp, participant, view, prices, now)
	default:
		return nil, errors.New("unknown order action")
	}
}

// =============================================================================
// 开仓
// =============================================================================

func (e *Engine) executeOpen(
	ctx context.Context,
	req *Request,
	o *Order,
	comp *competition.Competition,
	participant *competition.Participant,
	view *portfolio.View,
	prices map[string]decimal.Decimal,
	now time.Time,
) (*Result, error) {
	// 1. 准入规则
	if reason := e.admission(req, comp, participant, now); reason != "" {
		return e.reject(ctx, o, reason)
	}

	// 2. 杠杆边界 (0 < lev <= max，等于上限放行)
	if req.Leverage.Sign() <= 0 || req.Leverage.GreaterThan(comp.MaxLeverage) {
		return e.reject(ctx, o, ReasonLeverageOutOfBounds)
	}

	// 3. 数量必须为正
	if req.Quantity.Sign() <= 0 {
		return e.reject(ctx, o, ReasonQuantityNonPositive)
	}

	// 4. 价格可用性
	price, ok := prices[req.Symbol]
	if !ok || price.Sign() <= 0 {
		return e.reject(ctx, o, ReasonPriceUnavailable)
	}

	// 5. 单仓名义价值上限 (杠杆不放大上限，等于上限放行)
	notional := calc.Notional(req.Quantity, price)
	cap := calc.MaxPositionNotional(view.Equity, comp.MaxPositionSizePct)
	if notional.GreaterThan(cap) {
		return e.reject(ctx, o, ReasonSizeCapExceeded)
	}

	// 6. 可用保证金 (等于所需放行)
	margin, err := calc.MarginRequired(notional, req.Leverage)
	if err != nil {
		return e.reject(ctx, o, ReasonLeverageOutOfBounds)
	}
	if margin.GreaterThan(view.AvailableMargin) {
		return e.reject(ctx, o, ReasonInsufficientMargin)
	}

	// 7. 生成持仓与记账 Delta
	pos, delta, err := cfd.Open(cfd.OpenRequest{
		PortfolioID: view.Portfolio.ID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Leverage:    req.Leverage,
		MarkPrice:   price,
	})
	if err != nil {
		return nil, err
	}

	o.Status = OrderExecuted
	o.PositionID = pos.ID
	o.UpdatedAt = now

	trade := &Trade{
		ID:            GenerateTradeID(),
		OrderID:       o.ID,
		CompetitionID: req.CompetitionID,
		ParticipantID: req.ParticipantID,
		PositionID:    pos.ID,
		Action:        ActionOpen,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		Notional:      notional,
		Leverage:      req.Leverage,
		MarginDelta:   pos.ReservedMargin,
		RealizedPnL:   decimal.Zero,
		Liquidation:   req.Liquidation,
		ExecutedAt:    now,
	}

	// 8. 原子落账 (组合 + 持仓 + 订单 + 成交同事务)
	pf, err := e.portfolios.ApplyExecution(ctx, &portfolio.ApplyRequest{
		PortfolioID:    view.Portfolio.ID,
		Delta:          delta,
		CreatePosition: pos,
		Extra: func(tx *gorm.DB) error {
			if err := e.orders.CreateInTx(tx, o); err != nil {
				return err
			}
			return e.trades.CreateInTx(tx, trade)
		},
	})
	if err != nil {
		e.handleApplyError(ctx, req.ParticipantID, err)
		return nil, err
	}

	// 9. 计数器、事件、缓存失效 (旁路，失败只记日志)
	e.afterExecution(ctx, req, trade, 0)
	e.publishOpened(pos, trade)

	return &Result{Order: o, Trade: trade, Position: pos, Portfolio: pf}, nil
}

// =============================================================================
// 平仓
// =============================================================================

func (e *Engine) executeClose(
	ctx context.Context,
	req *Request,
	o *Order,
	comp *competition.Competition,
	participant *competition.Participant,
	view *portfolio.View,
	prices map[string]decimal.Decimal,
	now time.Time,
) (*Result, error) {
	// 1. 准入规则
	if reason := e.admission(req, comp, participant, now); reason != "" {
		return e.reject(ctx, o, reason)
	}

	// 2. 定位持仓: 优先 position_id，缺省按 symbol 唯一持仓回退
	pos := e.resolvePosition(req, view)
	if pos == nil {
		return e.reject(ctx, o, ReasonPositionNotOwned)
	}

	// 3. 价格可用性
	price, ok := prices[pos.Symbol]
	if !ok || price.Sign() <= 0 {
		return e.reject(ctx, o, ReasonPriceUnavailable)
	}

	// 4. 生成平仓结果与记账 Delta
	outcome, delta, err := cfd.Close(pos, price)
	if err != nil {
		return nil, err
	}

	// 方向/数量/杠杆由被平持仓推导
	o.Status = OrderExecuted
	o.Symbol = pos.Symbol
	o.Side = pos.Side.Opposite()
	o.Quantity = pos.Quantity
	o.Leverage = pos.Leverage
	o.PositionID = pos.ID
	o.UpdatedAt = now

	trade := &Trade{
		ID:            GenerateTradeID(),
		OrderID:       o.ID,
		CompetitionID: req.CompetitionID,
		ParticipantID: req.ParticipantID,
		PositionID:    pos.ID,
		Action:        ActionClose,
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Quantity:      pos.Quantity,
		Price:         outcome.ExecutedPrice,
		Notional:      calc.Notional(pos.Quantity, outcome.ExecutedPrice),
		Leverage:      pos.Leverage,
		MarginDelta:   outcome.MarginReleased.Neg(),
		RealizedPnL:   outcome.RealizedPnL,
		Liquidation:   req.Liquidation,
		ExecutedAt:    now,
	}

	// 5. 原子落账
	pf, err := e.portfolios.ApplyExecution(ctx, &portfolio.ApplyRequest{
		PortfolioID:      view.Portfolio.ID,
		Delta:            delta,
		RemovePositionID: pos.ID,
		Extra: func(tx *gorm.DB) error {
			if err := e.orders.CreateInTx(tx, o); err != nil {
				return err
			}
			return e.trades.CreateInTx(tx, trade)
		},
	})
	if err != nil {
		e.handleApplyError(ctx, req.ParticipantID, err)
		return nil, err
	}

	// 6. 计数器、事件、缓存失效
	e.afterExecution(ctx, req, trade, outcome.RealizedPnL.Sign())
	e.publishClosed(pos, trade)

	return &Result{Order: o, Trade: trade, Position: pos, Portfolio: pf}, nil
}

// =============================================================================
// 校验
// =============================================================================

// admission 准入规则 (强平指令跳过)
func (e *Engine) admission(req *Request, comp *competition.Competition, participant *competition.Participant, now time.Time) string {
	if req.Liquidation {
		return ""
	}
	if !participant.IsActive() {
		return ReasonParticipantInactive
	}
	if !comp.IsActive() || !comp.InWindow(now) || !comp.TradingHoursOpen(now) {
		return ReasonCompetitionInactive
	}
	if req.Action == ActionOpen && !comp.SymbolAllowed(req.Symbol) {
		return ReasonInstrumentDisallowed
	}
	if req.Action == ActionClose && req.Symbol != "" && !comp.SymbolAllowed(req.Symbol) {
		return ReasonInstrumentDisallowed
	}
	return ""
}

// resolvePosition 定位平仓目标，归属不符返回 nil
func (e *Engine) resolvePosition(req *Request, view *portfolio.View) *cfd.Position {
	if req.PositionID != "" {
		pos := view.FindPosition(req.PositionID)
		if pos == nil {
			return nil
		}
		if req.Symbol != "" && pos.Symbol != req.Symbol {
			return nil
		}
		return pos
	}
	matches := view.PositionsBySymbol(req.Symbol)
	if len(matches) != 1 {
		return nil
	}
	return matches[0]
}

// reject 拒绝订单并落库
func (e *Engine) reject(ctx context.Context, o *Order, reason string) (*Result, error) {
	o.Status = OrderRejected
	o.RejectReason = reason
	o.UpdatedAt = time.Now().UTC()
	if err := e.orders.Create(ctx, o); err != nil {
		log.Printf("[Trading] persist rejected order failed: order=%d, err=%v", o.ID, err)
	}
	return &Result{Order: o}, nil
}

// handleApplyError 落账失败处理
// 记账不变量被破坏说明参与者状态已不可信，直接取消资格
func (e *Engine) handleApplyError(ctx context.Context, participantID string, err error) {
	if !errors.Is(err, portfolio.ErrInternalConsistency) {
		return
	}
	log.Printf("[Trading] internal consistency violation: participant=%s, err=%v", participantID, err)
	derr := e.participants.UpdateStatus(ctx, participantID,
		competition.ParticipantActive, competition.ParticipantDisqualified)
	if derr != nil {
		log.Printf("[Trading] disqualify failed: participant=%s, err=%v", participantID, derr)
	}
}

// =============================================================================
// 旁路动作
// =============================================================================

// afterExecution 成交后的计数器与缓存失效
func (e *Engine) afterExecution(ctx context.Context, req *Request, trade *Trade, realizedSign int) {
	if err := e.participants.RecordTradeOutcome(ctx, req.ParticipantID, realizedSign); err != nil {
		log.Printf("[Trading] record trade outcome failed: participant=%s, err=%v", req.ParticipantID, err)
	}
	if e.leaderboard != nil {
		if err := e.leaderboard.Invalidate(ctx, req.CompetitionID); err != nil {
			log.Printf("[Trading] invalidate leaderboard failed: competition=%s, err=%v", req.CompetitionID, err)
		}
	}
}

func (e *Engine) publishOpened(pos *cfd.Position, trade *Trade) {
	if e.publisher == nil {
		return
	}
	event := map[string]any{
		"position_id":    pos.ID,
		"participant_id": trade.ParticipantID,
		"competition_id": trade.CompetitionID,
		"symbol":         pos.Symbol,
		"side":           pos.Side.String(),
		"quantity":       pos.Quantity,
		"entry_price":    pos.EntryPrice,
		"leverage":       pos.Leverage,
		"margin":         pos.ReservedMargin,
		"order_id":       trade.OrderID,
		"trade_id":       trade.ID,
	}
	e.publisher.Publish(SubjectPositionOpened, event)
	e.publishTrade(trade)
}

func (e *Engine) publishClosed(pos *cfd.Position, trade *Trade) {
	if e.publisher == nil {
		return
	}
	event := map[string]any{
		"position_id":    pos.ID,
		"participant_id": trade.ParticipantID,
		"competition_id": trade.CompetitionID,
		"symbol":         pos.Symbol,
		"side":           pos.Side.String(),
		"quantity":       pos.Quantity,
		"entry_price":    pos.EntryPrice,
		"executed_price": trade.Price,
		"realized_pnl":   trade.RealizedPnL,
		"liquidation":    trade.Liquidation,
		"order_id":       trade.OrderID,
		"trade_id":       trade.ID,
	}
	e.publisher.Publish(SubjectPositionClosed, event)
	e.publishTrade(trade)
}

func (e *Engine) publishTrade(trade *Trade) {
	event := map[string]any{
		"trade_id":       trade.ID,
		"order_id":       trade.OrderID,
		"participant_id": trade.ParticipantID,
		"competition_id": trade.CompetitionID,
		"action":         trade.Action,
		"symbol":         trade.Symbol,
		"side":           trade.Side.String(),
		"quantity":       trade.Quantity,
		"price":          trade.Price,
		"realized_pnl":   trade.RealizedPnL,
		"executed_at":    trade.ExecutedAt,
	}
	e.publisher.Publish(SubjectTradeExecuted, event)
}
