// 文件: cmd/simulation/memstore.go
// 内存存储: 模拟器进程内自带的七个仓储实现
//
// 【定位】
// 模拟器不连 MySQL。这里用互斥锁加 map 提供与线上仓储一致的语义:
// 查不到返回同名哨兵错误，状态迁移带前置状态校验，ApplyExecution
// 做与行锁事务相同的记账不变量检查。读写都走值拷贝，调用方拿不到
// 内部指针。
//
// 【锁约定】
// 全部仓储共享一把 memStore.mu。CreateInTx 是例外: 它只会在
// ApplyExecution 的 Extra 回调里被调用，彼时锁已持有，因此不再加锁。

package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"arena.com/pkg/calc"
	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
	"arena.com/pkg/decision"
	"arena.com/pkg/portfolio"
	"arena.com/pkg/trading"
)

// 确保实现了接口
var (
	_ competition.CompetitionRepository = (*memCompetitionRepo)(nil)
	_ competition.ParticipantRepository = (*memParticipantRepo)(nil)
	_ portfolio.Repository              = (*memPortfolioRepo)(nil)
	_ portfolio.HistoryRepository       = (*memHistoryRepo)(nil)
	_ trading.OrderRepository           = (*memOrderRepo)(nil)
	_ trading.TradeRepository           = (*memTradeRepo)(nil)
	_ decision.Repository               = (*memDecisionRepo)(nil)
)

// =============================================================================
// 共享底座
// =============================================================================

type memStore struct {
	mu sync.Mutex

	competitions map[string]*competition.Competition
	participants map[string]*competition.Participant
	portfolios   map[string]*portfolio.Portfolio // key: 组合 ID
	positions    map[string]*cfd.Position
	orders       map[int64]*trading.Order
	trades       []*trading.Trade
	history      []*portfolio.HistoryRecord
	records      map[string]*decision.Record

	historySeq uint64
}

func newMemStore() *memStore {
	return &memStore{
		competitions: make(map[string]*competition.Competition),
		participants: make(map[string]*competition.Participant),
		portfolios:   make(map[string]*portfolio.Portfolio),
		positions:    make(map[string]*cfd.Position),
		orders:       make(map[int64]*trading.Order),
		records:      make(map[string]*decision.Record),
	}
}

func cloneCompetition(c *competition.Competition) *competition.Competition {
	cp := *c
	cp.AllowedSymbols = append([]string(nil), c.AllowedSymbols...)
	return &cp
}

func cloneParticipant(p *competition.Participant) *competition.Participant {
	cp := *p
	if p.ModelConfig != nil {
		cp.ModelConfig = make(map[string]any, len(p.ModelConfig))
		for k, v := range p.ModelConfig {
			cp.ModelConfig[k] = v
		}
	}
	return &cp
}

// =============================================================================
// 竞赛仓储
// =============================================================================

type memCompetitionRepo struct {
	s *memStore
}

func (r *memCompetitionRepo) Create(_ context.Context, comp *competition.Competition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	comp.CreatedAt = now
	comp.UpdatedAt = now
	r.s.competitions[comp.ID] = cloneCompetition(comp)
	return nil
}

func (r *memCompetitionRepo) GetByID(_ context.Context, id string) (*competition.Competition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.competitions[id]
	if !ok {
		return nil, competition.ErrCompetitionNotFound
	}
	return cloneCompetition(c), nil
}

func (r *memCompetitionRepo) List(_ context.Context) ([]*competition.Competition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*competition.Competition, 0, len(r.s.competitions))
	for _, c := range r.s.competitions {
		out = append(out, cloneCompetition(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memCompetitionRepo) ListByStatus(_ context.Context, status competition.CompetitionStatus) ([]*competition.Competition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*competition.Competition, 0)
	for _, c := range r.s.competitions {
		if c.Status == status {
			out = append(out, cloneCompetition(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memCompetitionRepo) UpdateStatus(_ context.Context, id string, from, to competition.CompetitionStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.competitions[id]
	if !ok || c.Status != from {
		return competition.ErrInvalidTransition
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// 参与者仓储
// =============================================================================

type memParticipantRepo struct {
	s *memStore
}

func (r *memParticipantRepo) Create(_ context.Context, p *competition.Participant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.s.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (r *memParticipantRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.participants, id)
	return nil
}

func (r *memParticipantRepo) GetByID(_ context.Context, id string) (*competition.Participant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[id]
	if !ok {
		return nil, competition.ErrParticipantNotFound
	}
	return cloneParticipant(p), nil
}

func (r *memParticipantRepo) ListByCompetition(_ context.Context, competitionID string) ([]*competition.Participant, error) {
	return r.list(competitionID, false), nil
}

func (r *memParticipantRepo) ListActiveByCompetition(_ context.Context, competitionID string) ([]*competition.Participant, error) {
	return r.list(competitionID, true), nil
}

func (r *memParticipantRepo) list(competitionID string, activeOnly bool) []*competition.Participant {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*competition.Participant, 0)
	for _, p := range r.s.participants {
		if p.CompetitionID != competitionID {
			continue
		}
		if activeOnly && p.Status != competition.ParticipantActive {
			continue
		}
		out = append(out, cloneParticipant(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memParticipantRepo) CountByCompetition(_ context.Context, competitionID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, p := range r.s.participants {
		if p.CompetitionID == competitionID {
			n++
		}
	}
	return n, nil
}

func (r *memParticipantRepo) UpdateStatus(_ context.Context, id string, from, to competition.ParticipantStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[id]
	if !ok || p.Status != from {
		return competition.ErrInvalidTransition
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memParticipantRepo) UpdateEquity(_ context.Context, id string, equity decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[id]
	if !ok {
		return competition.ErrParticipantNotFound
	}
	p.CurrentEquity = equity
	if equity.GreaterThan(p.PeakEquity) {
		p.PeakEquity = equity
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memParticipantRepo) RecordTradeOutcome(_ context.Context, id string, realizedSign int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.participants[id]
	if !ok {
		return competition.ErrParticipantNotFound
	}
	p.TotalTrades++
	if realizedSign > 0 {
		p.WinningTrades++
	} else if realizedSign < 0 {
		p.LosingTrades++
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memParticipantRepo) ResetForCompetition(_ context.Context, competitionID string, equity decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range r.s.participants {
		if p.CompetitionID != competitionID {
			continue
		}
		p.Status = competition.ParticipantActive
		p.CurrentEquity = equity
		p.PeakEquity = equity
		p.TotalTrades = 0
		p.WinningTrades = 0
		p.LosingTrades = 0
		p.UpdatedAt = now
	}
	return nil
}

// =============================================================================
// 组合仓储
// =============================================================================

type memPortfolioRepo struct {
	s *memStore
}

func (r *memPortfolioRepo) CreatePortfolio(_ context.Context, p *portfolio.Portfolio) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	r.s.portfolios[cp.ID] = &cp
	return nil
}

func (r *memPortfolioRepo) GetByParticipant(_ context.Context, participantID string) (*portfolio.Portfolio, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.portfolios {
		if p.ParticipantID == participantID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, portfolio.ErrPortfolioNotFound
}

func (r *memPortfolioRepo) ListPositions(_ context.Context, portfolioID string) ([]*cfd.Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*cfd.Position, 0)
	for _, pos := range r.s.positions {
		if pos.PortfolioID == portfolioID {
			cp := *pos
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (r *memPortfolioRepo) GetPosition(_ context.Context, positionID string) (*cfd.Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	pos, ok := r.s.positions[positionID]
	if !ok {
		return nil, portfolio.ErrPositionNotFound
	}
	cp := *pos
	return &cp, nil
}

// ApplyExecution 原子应用一次执行，语义对齐线上的行锁事务
//
// 1. 应用 Delta 到记账列
// 2. 校验持仓增删的前置条件
// 3. 校验不变量: reserved >= 0 且 reserved == Σ 持仓保证金
// 4. 提交持仓变更与派生缓存
// 5. 执行附加写入 (订单与成交，持锁中以 nil 事务回调)
func (r *memPortfolioRepo) ApplyExecution(_ context.Context, req *portfolio.ApplyRequest) (*portfolio.Portfolio, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.portfolios[req.PortfolioID]
	if !ok {
		return nil, portfolio.ErrPortfolioNotFound
	}

	// 1. 应用 Delta
	p := *stored
	p.CashBalance = p.CashBalance.Add(req.Delta.Cash)
	p.ReservedMargin = p.ReservedMargin.Add(req.Delta.ReservedMargin)
	p.RealizedPnL = p.RealizedPnL.Add(req.Delta.RealizedPnL)
	if p.ReservedMargin.Sign() < 0 {
		return nil, fmt.Errorf("%w: reserved margin would go negative (%s)",
			portfolio.ErrInternalConsistency, p.ReservedMargin)
	}

	// 2. 持仓增删前置校验
	if req.RemovePositionID != "" {
		pos, ok := r.s.positions[req.RemovePositionID]
		if !ok || pos.PortfolioID != req.PortfolioID {
			return nil, portfolio.ErrPositionNotFound
		}
	}

	// 3. 不变量: reserved == Σ 持仓保证金 (按增删后的持仓集合计算)
	var marginSum, unrealizedSum decimal.Decimal
	for id, pos := range r.s.positions {
		if pos.PortfolioID != req.PortfolioID || id == req.RemovePositionID {
			continue
		}
		marginSum = marginSum.Add(pos.ReservedMargin)
		unrealizedSum = unrealizedSum.Add(pos.UnrealizedPnL)
	}
	if req.CreatePosition != nil {
		marginSum = marginSum.Add(req.CreatePosition.ReservedMargin)
		unrealizedSum = unrealizedSum.Add(req.CreatePosition.UnrealizedPnL)
	}
	if !marginSum.Equal(p.ReservedMargin) {
		return nil, fmt.Errorf("%w: reserved margin %s != position margin sum %s",
			portfolio.ErrInternalConsistency, p.ReservedMargin, marginSum)
	}

	// 4. 提交
	if req.CreatePosition != nil {
		cp := *req.CreatePosition
		r.s.positions[cp.ID] = &cp
	}
	if req.RemovePositionID != "" {
		delete(r.s.positions, req.RemovePositionID)
	}
	p.UnrealizedPnL = unrealizedSum
	p.Equity = calc.Equity(p.CashBalance, unrealizedSum)
	p.UpdatedAt = time.Now().UTC()
	r.s.portfolios[p.ID] = &p

	// 5. 附加写入
	if req.Extra != nil {
		if err := req.Extra(nil); err != nil {
			return nil, err
		}
	}

	out := p
	return &out, nil
}

func (r *memPortfolioRepo) SavePositions(_ context.Context, positions []*cfd.Position) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, pos := range positions {
		stored, ok := r.s.positions[pos.ID]
		if !ok {
			continue
		}
		stored.MarkPrice = pos.MarkPrice
		stored.UnrealizedPnL = pos.UnrealizedPnL
		stored.UpdatedAt = pos.UpdatedAt
	}
	return nil
}

func (r *memPortfolioRepo) SaveDerived(_ context.Context, portfolioID string, unrealized, equity decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.portfolios[portfolioID]
	if !ok {
		return portfolio.ErrPortfolioNotFound
	}
	p.UnrealizedPnL = unrealized
	p.Equity = equity
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memPortfolioRepo) ResetPortfolio(_ context.Context, participantID string, cash decimal.Decimal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var target *portfolio.Portfolio
	for _, p := range r.s.portfolios {
		if p.ParticipantID == participantID {
			target = p
			break
		}
	}
	if target == nil {
		return portfolio.ErrPortfolioNotFound
	}

	for id, pos := range r.s.positions {
		if pos.PortfolioID == target.ID {
			delete(r.s.positions, id)
		}
	}
	target.CashBalance = cash
	target.ReservedMargin = decimal.Zero
	target.RealizedPnL = decimal.Zero
	target.UnrealizedPnL = decimal.Zero
	target.Equity = cash
	target.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// 权益历史仓储
// =============================================================================

type memHistoryRepo struct {
	s *memStore
}

func (r *memHistoryRepo) BatchInsert(_ context.Context, records []*portfolio.HistoryRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, rec := range records {
		cp := *rec
		r.s.historySeq++
		cp.ID = r.s.historySeq
		r.s.history = append(r.s.history, &cp)
	}
	return nil
}

func (r *memHistoryRepo) ListByParticipant(_ context.Context, participantID string, limit int) ([]*portfolio.HistoryRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		limit = 1000
	}
	out := make([]*portfolio.HistoryRecord, 0)
	for _, rec := range r.s.history {
		if rec.ParticipantID != participantID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memHistoryRepo) DeleteByParticipants(_ context.Context, participantIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	drop := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		drop[id] = struct{}{}
	}
	kept := r.s.history[:0]
	for _, rec := range r.s.history {
		if _, ok := drop[rec.ParticipantID]; !ok {
			kept = append(kept, rec)
		}
	}
	r.s.history = kept
	return nil
}

// =============================================================================
// 订单与成交仓储
// =============================================================================

type memOrderRepo struct {
	s *memStore
}

func (r *memOrderRepo) Create(_ context.Context, o *trading.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.storeOrder(o)
	return nil
}

// CreateInTx 只会从 ApplyExecution 的 Extra 回调进来，锁已持有
func (r *memOrderRepo) CreateInTx(_ *gorm.DB, o *trading.Order) error {
	r.storeOrder(o)
	return nil
}

func (r *memOrderRepo) storeOrder(o *trading.Order) {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	cp := *o
	r.s.orders[cp.ID] = &cp
}

func (r *memOrderRepo) GetByID(_ context.Context, id int64) (*trading.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, trading.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memOrderRepo) ListByParticipant(_ context.Context, participantID string, limit int) ([]*trading.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]*trading.Order, 0)
	for _, o := range r.s.orders {
		if o.ParticipantID == participantID {
			cp := *o
			out = append(out, &cp)
		}
	}
	// 雪花 ID 单调递增，按 ID 降序即最近优先
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOrderRepo) DeleteByParticipants(_ context.Context, participantIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	drop := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		drop[id] = struct{}{}
	}
	for id, o := range r.s.orders {
		if _, ok := drop[o.ParticipantID]; ok {
			delete(r.s.orders, id)
		}
	}
	return nil
}

type memTradeRepo struct {
	s *memStore
}

// CreateInTx 只会从 ApplyExecution 的 Extra 回调进来，锁已持有
func (r *memTradeRepo) CreateInTx(_ *gorm.DB, t *trading.Trade) error {
	cp := *t
	r.s.trades = append(r.s.trades, &cp)
	return nil
}

func (r *memTradeRepo) ListByParticipant(_ context.Context, participantID string, limit, offset int) ([]*trading.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	// 按追加序反向扫描即最近优先
	out := make([]*trading.Trade, 0)
	skipped := 0
	for i := len(r.s.trades) - 1; i >= 0; i-- {
		t := r.s.trades[i]
		if t.ParticipantID != participantID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *t
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memTradeRepo) CountByParticipant(_ context.Context, participantID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, t := range r.s.trades {
		if t.ParticipantID == participantID {
			n++
		}
	}
	return n, nil
}

func (r *memTradeRepo) DeleteByParticipants(_ context.Context, participantIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	drop := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		drop[id] = struct{}{}
	}
	kept := r.s.trades[:0]
	for _, t := range r.s.trades {
		if _, ok := drop[t.ParticipantID]; !ok {
			kept = append(kept, t)
		}
	}
	r.s.trades = kept
	return nil
}

// =============================================================================
// 决策记录仓储
// =============================================================================

type memDecisionRepo struct {
	s *memStore
}

func (r *memDecisionRepo) Create(_ context.Context, rec *decision.Record) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	r.s.records[cp.ID] = &cp
	return nil
}

func (r *memDecisionRepo) GetByID(_ context.Context, id string) (*decision.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[id]
	if !ok {
		return nil, decision.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memDecisionRepo) ListByParticipant(_ context.Context, participantID string, status decision.Status, limit, offset int) ([]*decision.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	all := make([]*decision.Record, 0)
	for _, rec := range r.s.records {
		if rec.ParticipantID != participantID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []*decision.Record{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memDecisionRepo) CountByParticipant(_ context.Context, participantID string, status decision.Status) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, rec := range r.s.records {
		if rec.ParticipantID != participantID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		n++
	}
	return n, nil
}

func (r *memDecisionRepo) DeleteByParticipants(_ context.Context, participantIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	drop := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		drop[id] = struct{}{}
	}
	for id, rec := range r.s.records {
		if _, ok := drop[rec.ParticipantID]; ok {
			delete(r.s.records, id)
		}
	}
	return nil
}
