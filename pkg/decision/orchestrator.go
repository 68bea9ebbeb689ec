// 文件: pkg/decision/orchestrator.go
// 决策模块 - 轮次编排
//
// 【职责】
// 驱动单个参与者的一轮决策:
//   Idle → Building → Invoking → Parsing → Executing → Recording
// 任何终态失败 (超时/传输/解析) 直接短路到 Recording，这一轮照样落
// 审计记录；只有基础设施故障才以 error 上抛。
//
// 【lane 约定】(见 pkg/lane)
// - 快照+构建提示词阶段持有参与者 lane
// - 模型调用期间主动释放 lane (最长的挂起点，不能占着写通道)
// - 执行+落库阶段重新获取 lane
// 快照在执行时可能已经过时，执行阶段一律按当下状态与最新价复核，
// 这正是提示词里 98% 下单缓冲建议的来源。
//
// 【重叠】
// 每个参与者同时最多一轮。lane 中途会释放，挡不住两轮交错，所以另设
// 覆盖整轮的 round guard；新 tick 撞上未完轮直接丢弃并记日志。

package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arena.com/pkg/competition"
	"arena.com/pkg/lane"
	"arena.com/pkg/llm"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/trading"
)

// 入轮前置条件不满足时的拒绝，不产生决策记录
var (
	ErrRoundInFlight       = errors.New("decision round already in flight")
	ErrParticipantInactive = errors.New("participant not active")
	ErrCompetitionInactive = errors.New("competition not active")
)

const defaultInvocationTimeout = 120 * time.Second

// =============================================================================
// 依赖面
// =============================================================================

// CompetitionSource 竞赛与参与者读取
type CompetitionSource interface {
	GetCompetition(ctx context.Context, id string) (*competition.Competition, error)
	GetParticipant(ctx context.Context, id string) (*competition.Participant, error)
}

// PortfolioSource 组合快照
type PortfolioSource interface {
	SnapshotAt(ctx context.Context, participantID string, prices map[string]decimal.Decimal) (*portfolio.View, error)
}

// MarketSource 行情读取
type MarketSource interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	Briefs(ctx context.Context, symbols []string) (map[string]*market.Brief, error)
}

// Executor 订单提交
type Executor interface {
	Execute(ctx context.Context, req *trading.Request, prices map[string]decimal.Decimal) (*trading.Result, error)
}

// Invoker 模型调用
type Invoker interface {
	Invoke(ctx context.Context, provider string, req llm.Request) (*llm.Result, error)
}

// LeaderboardSource 排行榜读取，提示词 leaderboard 节用
type LeaderboardSource interface {
	GetLeaderboard(ctx context.Context, competitionID string) ([]*competition.LeaderboardEntry, error)
}

// 确保生产实现满足依赖面
var (
	_ CompetitionSource = (*competition.Manager)(nil)
	_ PortfolioSource   = (*portfolio.Manager)(nil)
	_ MarketSource      = (*market.Service)(nil)
	_ Executor          = (*trading.Engine)(nil)
	_ Invoker           = (*llm.Registry)(nil)
	_ LeaderboardSource = (*competition.LeaderboardService)(nil)
)

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator 决策轮编排器
type Orchestrator struct {
	competitions CompetitionSource
	portfolios   PortfolioSource
	market       MarketSource
	engine       Executor
	providers    Invoker
	records      Repository

	lanes  *lane.Registry // 参与者写通道，与强平监控共享
	rounds *lane.Registry // 整轮互斥，TryAcquire 实现 tick 丢弃

	leaderboard LeaderboardSource // 可选
}

func NewOrchestrator(
	competitions CompetitionSource,
	portfolios PortfolioSource,
	marketData MarketSource,
	engine Executor,
	providers Invoker,
	records Repository,
	lanes *lane.Registry,
) *Orchestrator {
	return &Orchestrator{
		competitions: competitions,
		portfolios:   portfolios,
		market:       marketData,
		engine:       engine,
		providers:    providers,
		records:      records,
		lanes:        lanes,
		rounds:       lane.NewRegistry(),
	}
}

// SetLeaderboard 设置排行榜读取
func (o *Orchestrator) SetLeaderboard(lb LeaderboardSource) {
	o.leaderboard = lb
}

// =============================================================================
// 轮入口
// =============================================================================

// RunRound 执行一个参与者的一轮决策
//
// 上一轮未结束时返回 ErrRoundInFlight (tick 丢弃语义)。可恢复错误不以
// error 返回，它们落在 Record 的 Status/ErrorDetail 上。
func (o *Orchestrator) RunRound(ctx context.Context, competitionID, participantID string) (*Record, error) {
	guard := o.rounds.Get(participantID)
	if !guard.TryAcquire() {
		log.Printf("[Decision] tick dropped, round in flight: participant=%s", participantID)
		return nil, ErrRoundInFlight
	}
	defer guard.Release()

	comp, err := o.competitions.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	participant, err := o.competitions.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !comp.IsActive() {
		return nil, ErrCompetitionInactive
	}
	if !participant.IsActive() {
		return nil, ErrParticipantInactive
	}

	return o.runRound(ctx, comp, participant)
}

func (o *Orchestrator) runRound(ctx context.Context, comp *competition.Competition, p *competition.Participant) (*Record, error) {
	rec := &Record{
		ID:            uuid.NewString(),
		CompetitionID: comp.ID,
		ParticipantID: p.ID,
		CreatedAt:     time.Now().UTC(),
	}

	// ===== Building: 快照 + 提示词，持有 lane =====
	ln := o.lanes.Get(p.ID)
	if err := ln.Acquire(ctx); err != nil {
		return nil, err
	}
	system, user, snapshotPrices, err := o.buildPrompt(ctx, comp, p)
	ln.Release()
	if err != nil {
		return nil, err
	}
	rec.Prompt = system + "\n\n" + user

	// ===== Invoking: lane 已释放 =====
	res, ierr := o.invoke(ctx, p, system, user, rec)
	if ierr != nil {
		rec.Status = failureStatus(ierr)
		rec.ErrorDetail = truncateDetail(ierr.Error())
	} else {
		rec.RawResponse = res.Text
		rec.PromptTokens = res.PromptTokens
		rec.ResponseTokens = res.ResponseTokens

		// ===== Parsing =====
		parsed, perr := Parse(res.Text)
		if perr != nil {
			rec.Status = StatusInvalidResponse
			rec.ErrorDetail = truncateDetail(perr.Error())
		} else {
			rec.Parsed = parsed
		}
	}

	// ===== Executing + Recording: 重新获取 lane =====
	// 调度器关停会取消 ctx；执行与落库必须冲完，换不带取消的派生 ctx
	flushCtx := context.WithoutCancel(ctx)
	if err := ln.Acquire(flushCtx); err != nil {
		return nil, err
	}
	defer ln.Release()

	execErr := o.executeOrders(flushCtx, comp, rec, snapshotPrices)

	if err := o.records.Create(flushCtx, rec); err != nil {
		return nil, fmt.Errorf("persist decision record: %w", err)
	}
	log.Printf("[Decision] round recorded: participant=%s status=%s executed=%d rejected=%d latency=%dms",
		p.ID, rec.Status, rec.ExecutedCount(), rec.RejectedCount(), rec.LatencyMs)
	return rec, execErr
}

// =============================================================================
// 各阶段
// =============================================================================

// buildPrompt 取快照并构建提示词，caller 持有 lane
// 返回快照价格，执行阶段拿不到新价时兜底用
func (o *Orchestrator) buildPrompt(ctx context.Context, comp *competition.Competition, p *competition.Participant) (system, user string, prices map[string]decimal.Decimal, err error) {
	prices, err = o.market.LatestPrices(ctx, comp.AllowedSymbols)
	if err != nil {
		return "", "", nil, fmt.Errorf("snapshot prices: %w", err)
	}
	briefs, err := o.market.Briefs(ctx, comp.AllowedSymbols)
	if err != nil {
		return "", "", nil, fmt.Errorf("market briefs: %w", err)
	}
	view, err := o.portfolios.SnapshotAt(ctx, p.ID, prices)
	if err != nil {
		return "", "", nil, fmt.Errorf("portfolio snapshot: %w", err)
	}

	// 排行榜拿不到只降级，不阻塞决策轮
	var entries []*competition.LeaderboardEntry
	if o.leaderboard != nil {
		if entries, err = o.leaderboard.GetLeaderboard(ctx, comp.ID); err != nil {
			log.Printf("[Decision] leaderboard unavailable, prompt goes without it: %v", err)
			entries, err = nil, nil
		}
	}

	user, err = BuildUserPrompt(&PromptInput{
		Competition: comp,
		Participant: p,
		View:        view,
		Briefs:      briefs,
		Leaderboard: entries,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		return "", "", nil, err
	}
	return BuildSystemPrompt(p), user, prices, nil
}

// invoke 调用模型，瞬态失败重试一次；超时/鉴权/取消直接终止
func (o *Orchestrator) invoke(ctx context.Context, p *competition.Participant, system, user string, rec *Record) (*llm.Result, error) {
	req := llm.Request{
		Model:        p.ModelID,
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  configFloat(p.ModelConfig, "temperature"),
		MaxTokens:    configInt(p.ModelConfig, "max_tokens"),
	}
	timeout := time.Duration(p.InvocationTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultInvocationTimeout
	}

	started := time.Now()
	defer func() { rec.LatencyMs = time.Since(started).Milliseconds() }()

	res, err := o.callOnce(ctx, p.Provider, req, timeout)
	if err != nil && llm.IsTransient(err) && ctx.Err() == nil {
		log.Printf("[Decision] transient llm failure, retrying once: participant=%s err=%v", p.ID, err)
		res, err = o.callOnce(ctx, p.Provider, req, timeout)
	}
	return res, err
}

// callOnce 单次调用，每次尝试都给满参与者时限
func (o *Orchestrator) callOnce(ctx context.Context, provider string, req llm.Request, timeout time.Duration) (*llm.Result, error) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return o.providers.Invoke(ictx, provider, req)
}

// executeOrders 按列表顺序提交订单，caller 持有 lane
//
// rec.Status 已是终态时直接跳过 (短路轮没有可执行订单)。
// 引擎返回 error 代表基础设施或一致性故障: 已执行部分保留在记录上，
// 错误上抛；一致性违规时引擎内部已将参与者取消资格。
func (o *Orchestrator) executeOrders(ctx context.Context, comp *competition.Competition, rec *Record, snapshotPrices map[string]decimal.Decimal) error {
	if rec.Status != "" {
		return nil
	}
	rec.Status = StatusSuccess

	orders := rec.Parsed.Orders
	if len(orders) == 0 {
		return nil
	}

	// 执行按当下价格复核；拿不到就退回快照价并记日志
	prices, err := o.market.LatestPrices(ctx, comp.AllowedSymbols)
	if err != nil || len(prices) == 0 {
		log.Printf("[Decision] execution prices unavailable, falling back to snapshot: %v", err)
		prices = snapshotPrices
	}
	rec.Prices = prices

	for i := range orders {
		result, execErr := o.engine.Execute(ctx, toRequest(rec, &orders[i]), prices)
		if execErr != nil {
			rec.ErrorDetail = truncateDetail(execErr.Error())
			return fmt.Errorf("execute order %d: %w", i, execErr)
		}
		rec.Executions = append(rec.Executions, toExecutionResult(result))
	}
	return nil
}

// =============================================================================
// 转换与小工具
// =============================================================================

// toRequest 解析订单到交易指令 (形状已由解析器校验)
func toRequest(rec *Record, po *ParsedOrder) *trading.Request {
	req := &trading.Request{
		CompetitionID: rec.CompetitionID,
		ParticipantID: rec.ParticipantID,
		DecisionID:    rec.ID,
		Symbol:        po.Symbol,
	}
	switch po.Action {
	case OrderActionClose:
		req.Action = trading.ActionClose
		req.PositionID = po.PositionID
	default:
		side, _ := parseSide(po.Side)
		req.Action = trading.ActionOpen
		req.Side = side
		req.Quantity = *po.Quantity
		req.Leverage = *po.Leverage
	}
	return req
}

func toExecutionResult(res *trading.Result) ExecutionResult {
	out := ExecutionResult{
		OrderID: res.Order.ID,
		Action:  string(res.Order.Action),
		Symbol:  res.Order.Symbol,
	}
	if res.Rejected() {
		out.Status = ExecutionRejected
		out.RejectReason = res.Order.RejectReason
		return out
	}
	out.Status = ExecutionExecuted
	if res.Trade != nil {
		out.ExecutedPrice = res.Trade.Price
		out.RealizedPnL = res.Trade.RealizedPnL
	}
	return out
}

// failureStatus 模型调用失败到轮终态的映射
// 取消与鉴权失败都按传输错误记，具体原因在 ErrorDetail
func failureStatus(err error) Status {
	if llm.KindOf(err) == llm.KindTimeout {
		return StatusTimeout
	}
	return StatusTransportError
}

// 模型配置是无模式 JSON，数值经反序列化后通常是 float64
func configFloat(cfg map[string]any, key string) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func configInt(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// truncateDetail 错误详情列宽 512，超长截断
func truncateDetail(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
