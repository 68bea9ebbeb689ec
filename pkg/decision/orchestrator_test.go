// 文件: pkg/decision/orchestrator_test.go

package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena.com/pkg/calc"
	"arena.com/pkg/competition"
	"arena.com/pkg/lane"
	"arena.com/pkg/llm"
	"arena.com/pkg/market"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/trading"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// =============================================================================
// 内存桩 (测试用)
// =============================================================================

type stubCompSource struct {
	mu   sync.Mutex
	comp *competition.Competition
	part *competition.Participant
}

var _ CompetitionSource = (*stubCompSource)(nil)

func (s *stubCompSource) GetCompetition(ctx context.Context, id string) (*competition.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.comp == nil || s.comp.ID != id {
		return nil, competition.ErrCompetitionNotFound
	}
	cp := *s.comp
	return &cp, nil
}

func (s *stubCompSource) GetParticipant(ctx context.Context, id string) (*competition.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.part == nil || s.part.ID != id {
		return nil, competition.ErrParticipantNotFound
	}
	cp := *s.part
	return &cp, nil
}

type stubViews struct {
	mu sync.Mutex
	pf *portfolio.Portfolio
}

var _ PortfolioSource = (*stubViews)(nil)

func (s *stubViews) SnapshotAt(ctx context.Context, participantID string, prices map[string]decimal.Decimal) (*portfolio.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if participantID != s.pf.ParticipantID {
		return nil, portfolio.ErrPortfolioNotFound
	}
	pf := *s.pf
	return portfolio.NewView(&pf, nil), nil
}

type stubMarket struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  int
}

var _ MarketSource = (*stubMarket)(nil)

func (s *stubMarket) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make(map[string]decimal.Decimal, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out, nil
}

func (s *stubMarket) Briefs(ctx context.Context, symbols []string) (map[string]*market.Brief, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*market.Brief, len(s.prices))
	for sym, price := range s.prices {
		out[sym] = &market.Brief{
			Symbol: sym,
			Quote:  market.PriceQuote{Symbol: sym, Price: price, AsOf: time.Now().UTC()},
		}
	}
	return out, nil
}

func (s *stubMarket) priceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubExecutor struct {
	mu     sync.Mutex
	nextID int64
	reqs   []*trading.Request
	fn     func(req *trading.Request) (*trading.Result, error)
}

var _ Executor = (*stubExecutor)(nil)

func (s *stubExecutor) Execute(ctx context.Context, req *trading.Request, prices map[string]decimal.Decimal) (*trading.Result, error) {
	s.mu.Lock()
	cp := *req
	s.reqs = append(s.reqs, &cp)
	s.nextID++
	id := s.nextID
	fn := s.fn
	s.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return executedStubResult(req, id, prices[req.Symbol]), nil
}

func executedStubResult(req *trading.Request, id int64, price decimal.Decimal) *trading.Result {
	return &trading.Result{
		Order: &trading.Order{
			ID:            id,
			CompetitionID: req.CompetitionID,
			ParticipantID: req.ParticipantID,
			DecisionID:    req.DecisionID,
			Action:        req.Action,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Leverage:      req.Leverage,
			Status:        trading.OrderExecuted,
		},
		Trade: &trading.Trade{ID: id, OrderID: id, Symbol: req.Symbol, Price: price},
	}
}

func rejectedStubResult(req *trading.Request, reason string) *trading.Result {
	return &trading.Result{
		Order: &trading.Order{
			ID:           99,
			Action:       req.Action,
			Symbol:       req.Symbol,
			Status:       trading.OrderRejected,
			RejectReason: reason,
		},
	}
}

type invokeStep struct {
	res *llm.Result
	err error
}

type stubInvoker struct {
	mu        sync.Mutex
	queue     []invokeStep
	reqs      []llm.Request
	providers []string
	deadlines []time.Duration
	block     chan struct{} // 非 nil 时挂起，ctx 取消按取消错误返回
}

var _ Invoker = (*stubInvoker)(nil)

func (s *stubInvoker) push(res *llm.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, invokeStep{res: res, err: err})
}

func (s *stubInvoker) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *stubInvoker) lastRequest() llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func (s *stubInvoker) Invoke(ctx context.Context, provider string, req llm.Request) (*llm.Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.providers = append(s.providers, provider)
	if deadline, ok := ctx.Deadline(); ok {
		s.deadlines = append(s.deadlines, time.Until(deadline))
	}
	var step invokeStep
	if len(s.queue) > 0 {
		step = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		step = invokeStep{res: &llm.Result{Text: `{"decision":"hold","reasoning":"default"}`}}
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &llm.CallError{Provider: provider, Kind: llm.KindCancelled, Err: ctx.Err()}
		}
	}
	return step.res, step.err
}

type stubLeaderboard struct {
	entries []*competition.LeaderboardEntry
	err     error
}

var _ LeaderboardSource = (*stubLeaderboard)(nil)

func (s *stubLeaderboard) GetLeaderboard(ctx context.Context, competitionID string) ([]*competition.LeaderboardEntry, error) {
	return s.entries, s.err
}

type memRecords struct {
	mu   sync.Mutex
	rows []*Record
}

var _ Repository = (*memRecords)(nil)

func (s *memRecords) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *memRecords) GetByID(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *memRecords) ListByParticipant(ctx context.Context, participantID string, status Status, limit, offset int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].ParticipantID != participantID {
			continue
		}
		if status != "" && s.rows[i].Status != status {
			continue
		}
		cp := *s.rows[i]
		out = append(out, &cp)
	}
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memRecords) CountByParticipant(ctx context.Context, participantID string, status Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.ParticipantID != participantID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		n++
	}
	return n, nil
}

func (s *memRecords) DeleteByParticipants(ctx context.Context, participantIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.rows[:0]
	for _, r := range s.rows {
		drop := false
		for _, id := range participantIDs {
			if r.ParticipantID == id {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, r)
		}
	}
	s.rows = keep
	return nil
}

func (s *memRecords) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// =============================================================================
// 测试脚手架
// =============================================================================

type roundFixture struct {
	orch    *Orchestrator
	comps   *stubCompSource
	views   *stubViews
	market  *stubMarket
	exec    *stubExecutor
	invoker *stubInvoker
	records *memRecords
	lanes   *lane.Registry
}

func newRoundFixture(t *testing.T) *roundFixture {
	t.Helper()

	now := time.Now().UTC()
	comp := &competition.Competition{
		ID:                        "comp-1",
		Name:                      "spring-cup",
		Status:                    competition.CompetitionActive,
		StartAt:                   now.Add(-time.Hour),
		EndAt:                     now.Add(time.Hour),
		InitialCapital:            d("10000"),
		MaxLeverage:               d("10"),
		MaxPositionSizePct:        d("50"),
		MaintenanceMarginPct:      d("5"),
		InvocationIntervalMinutes: 15,
		AllowedSymbols:            []string{"BTC/USDT", "ETH/USDT"},
	}
	part := &competition.Participant{
		ID:            "pt-1",
		CompetitionID: "comp-1",
		Name:          "alpha",
		Status:        competition.ParticipantActive,
		Provider:      "anthropic",
		ModelID:       "claude-sonnet-4-20250514",
		ModelConfig: map[string]any{
			"temperature": 0.6,
			"max_tokens":  float64(2000),
		},
		InvocationTimeoutSec: 5,
		CurrentEquity:        d("10000"),
		PeakEquity:           d("10000"),
	}

	comps := &stubCompSource{comp: comp, part: part}
	views := &stubViews{pf: &portfolio.Portfolio{
		ID:            "pf-1",
		ParticipantID: "pt-1",
		CashBalance:   d("10000"),
		Equity:        d("10000"),
	}}
	mkt := &stubMarket{prices: map[string]decimal.Decimal{
		"BTC/USDT": d("50000"),
		"ETH/USDT": d("3000"),
	}}
	exec := &stubExecutor{}
	invoker := &stubInvoker{}
	records := &memRecords{}
	lanes := lane.NewRegistry()

	return &roundFixture{
		orch:    NewOrchestrator(comps, views, mkt, exec, invoker, records, lanes),
		comps:   comps,
		views:   views,
		market:  mkt,
		exec:    exec,
		invoker: invoker,
		records: records,
		lanes:   lanes,
	}
}

const tradeDecisionJSON = `{"decision":"trade","reasoning":"momentum","orders":[{"action":"open","symbol":"BTC/USDT","side":"buy","quantity":0.01,"leverage":2}]}`

// =============================================================================
// 轮次测试
// =============================================================================

func TestRoundExecutesParsedOrders(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(&llm.Result{Text: tradeDecisionJSON, PromptTokens: 128, ResponseTokens: 42}, nil)

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, tradeDecisionJSON, rec.RawResponse)
	assert.Equal(t, 128, rec.PromptTokens)
	assert.Equal(t, 42, rec.ResponseTokens)
	require.NotNil(t, rec.Parsed)
	assert.Equal(t, DecisionTrade, rec.Parsed.Decision)

	// 提示词含各节与参与者名字
	assert.Contains(t, rec.Prompt, `"competition_context"`)
	assert.Contains(t, rec.Prompt, `"alpha"`)

	// 订单透传到引擎并带上决策 ID
	require.Len(t, f.exec.reqs, 1)
	req := f.exec.reqs[0]
	assert.Equal(t, rec.ID, req.DecisionID)
	assert.Equal(t, trading.ActionOpen, req.Action)
	assert.Equal(t, calc.SideLong, req.Side)
	assert.True(t, req.Quantity.Equal(d("0.01")))
	assert.True(t, req.Leverage.Equal(d("2")))

	// 执行结果与执行价格表都在记录上
	require.Len(t, rec.Executions, 1)
	assert.Equal(t, ExecutionExecuted, rec.Executions[0].Status)
	assert.True(t, rec.Executions[0].ExecutedPrice.Equal(d("50000")))
	assert.True(t, rec.Prices["BTC/USDT"].Equal(d("50000")))

	// 快照一次 + 执行复核一次
	assert.Equal(t, 2, f.market.priceCalls())

	assert.Equal(t, 1, f.records.count())

	// 模型请求携带参与者配置
	lreq := f.invoker.lastRequest()
	assert.Equal(t, "claude-sonnet-4-20250514", lreq.Model)
	assert.InDelta(t, 0.6, lreq.Temperature, 1e-9)
	assert.Equal(t, 2000, lreq.MaxTokens)
	assert.Contains(t, lreq.SystemPrompt, `"alpha"`)
}

func TestRoundHoldExecutesNothing(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(&llm.Result{Text: `{"decision":"hold","reasoning":"choppy"}`}, nil)

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Empty(t, rec.Executions)
	assert.Empty(t, f.exec.reqs)
	assert.Equal(t, 1, f.records.count())
}

func TestRoundInvalidResponseRecorded(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(&llm.Result{Text: "I shall not comply."}, nil)

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusInvalidResponse, rec.Status)
	assert.NotEmpty(t, rec.ErrorDetail)
	assert.Equal(t, "I shall not comply.", rec.RawResponse)
	assert.Nil(t, rec.Parsed)
	assert.Empty(t, f.exec.reqs)

	// 失败轮照样落审计记录
	stored, gerr := f.records.GetByID(context.Background(), rec.ID)
	require.NoError(t, gerr)
	assert.Equal(t, StatusInvalidResponse, stored.Status)
}

func TestRoundTimeoutTerminalNoRetry(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(nil, &llm.CallError{Provider: "anthropic", Kind: llm.KindTimeout, Err: context.DeadlineExceeded})

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, rec.Status)
	assert.Empty(t, rec.RawResponse)
	assert.Empty(t, rec.Executions)
	assert.Equal(t, 1, f.invoker.calls())
	assert.Equal(t, 1, f.records.count())
}

func TestRoundTransientRetriedOnce(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(nil, &llm.CallError{Provider: "anthropic", Kind: llm.KindTransient, Status: 529, Err: errors.New("overloaded")})
	f.invoker.push(&llm.Result{Text: `{"decision":"hold","reasoning":"after retry"}`}, nil)

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, 2, f.invoker.calls())
}

func TestRoundTransientGivesUpAfterOneRetry(t *testing.T) {
	f := newRoundFixture(t)
	transient := &llm.CallError{Provider: "anthropic", Kind: llm.KindTransient, Status: 503, Err: errors.New("unavailable")}
	f.invoker.push(nil, transient)
	f.invoker.push(nil, transient)

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusTransportError, rec.Status)
	assert.Equal(t, 2, f.invoker.calls())
	assert.Equal(t, 1, f.records.count())
}

func TestRoundAuthNotRetried(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(nil, &llm.CallError{Provider: "anthropic", Kind: llm.KindAuth, Status: 401, Err: errors.New("bad key")})

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusTransportError, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "auth")
	assert.Equal(t, 1, f.invoker.calls())
}

func TestRoundCancelledDuringInvokeStillRecords(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.block = make(chan struct{}) // 只能靠 ctx 取消返回

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	rec, err := f.orch.RunRound(ctx, "comp-1", "pt-1")
	require.NoError(t, err)

	// 取消按传输错误落账，执行与落库用不带取消的 ctx 冲完
	assert.Equal(t, StatusTransportError, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "cancel")
	assert.Equal(t, 1, f.records.count())
}

func TestRoundOverlapDropped(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.block = make(chan struct{})

	done := make(chan *Record, 1)
	go func() {
		rec, _ := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
		done <- rec
	}()

	// 等第一轮进入模型调用 (lane 已释放，round guard 仍持有)
	require.Eventually(t, func() bool { return f.invoker.calls() == 1 },
		time.Second, 5*time.Millisecond)

	_, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	assert.ErrorIs(t, err, ErrRoundInFlight)

	close(f.invoker.block)
	rec := <-done
	require.NotNil(t, rec)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, 1, f.records.count())
}

func TestRoundRejectionRecordedAsSuccess(t *testing.T) {
	f := newRoundFixture(t)
	f.invoker.push(&llm.Result{Text: tradeDecisionJSON}, nil)
	// 模型调用期间参与者被强平的情形: 执行复核逐单拒绝
	f.exec.fn = func(req *trading.Request) (*trading.Result, error) {
		return rejectedStubResult(req, trading.ReasonParticipantInactive), nil
	}

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, rec.Status)
	require.Len(t, rec.Executions, 1)
	assert.Equal(t, ExecutionRejected, rec.Executions[0].Status)
	assert.Equal(t, trading.ReasonParticipantInactive, rec.Executions[0].RejectReason)
	assert.Equal(t, 1, rec.RejectedCount())
	assert.Equal(t, 0, rec.ExecutedCount())
}

func TestRoundParticipantInactiveRefused(t *testing.T) {
	f := newRoundFixture(t)
	f.comps.part.Status = competition.ParticipantLiquidated

	_, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	assert.ErrorIs(t, err, ErrParticipantInactive)
	assert.Equal(t, 0, f.records.count())
	assert.Equal(t, 0, f.invoker.calls())
}

func TestRoundCompetitionInactiveRefused(t *testing.T) {
	f := newRoundFixture(t)
	f.comps.comp.Status = competition.CompetitionCompleted

	_, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	assert.ErrorIs(t, err, ErrCompetitionInactive)
	assert.Equal(t, 0, f.records.count())
}

func TestRoundEngineFailurePersistsPartialRecord(t *testing.T) {
	f := newRoundFixture(t)
	twoOrders := `{"decision":"trade","reasoning":"x","orders":[` +
		`{"action":"open","symbol":"BTC/USDT","side":"buy","quantity":0.01,"leverage":2},` +
		`{"action":"open","symbol":"ETH/USDT","side":"sell","quantity":1,"leverage":2}]}`
	f.invoker.push(&llm.Result{Text: twoOrders}, nil)

	calls := 0
	f.exec.fn = func(req *trading.Request) (*trading.Result, error) {
		calls++
		if calls == 1 {
			return executedStubResult(req, 1, d("50000")), nil
		}
		return nil, errors.New("db down")
	}

	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	// 已执行部分保留，记录照常落库
	require.NotNil(t, rec)
	require.Len(t, rec.Executions, 1)
	assert.Contains(t, rec.ErrorDetail, "db down")
	assert.Equal(t, 1, f.records.count())
}

func TestRoundAppliesInvocationDeadline(t *testing.T) {
	f := newRoundFixture(t)

	_, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)

	require.Len(t, f.invoker.deadlines, 1)
	assert.Greater(t, f.invoker.deadlines[0], 4*time.Second)
	assert.LessOrEqual(t, f.invoker.deadlines[0], 5*time.Second)
}

func TestRoundLeaderboardSectionOptional(t *testing.T) {
	f := newRoundFixture(t)

	// 排行榜故障只降级
	f.orch.SetLeaderboard(&stubLeaderboard{err: errors.New("redis down")})
	rec, err := f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)
	assert.NotContains(t, rec.Prompt, `"leaderboard"`)

	// 拿得到就带上
	f.orch.SetLeaderboard(&stubLeaderboard{entries: []*competition.LeaderboardEntry{
		{Rank: 1, ParticipantID: "pt-1", ParticipantName: "alpha", Equity: d("10000")},
	}})
	rec, err = f.orch.RunRound(context.Background(), "comp-1", "pt-1")
	require.NoError(t, err)
	assert.Contains(t, rec.Prompt, `"leaderboard"`)
	assert.Contains(t, rec.Prompt, `"is_you": true`)
}
