// 文件: pkg/portfolio/manager_test.go

package portfolio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena.com/pkg/calc"
	"arena.com/pkg/cfd"
	"arena.com/pkg/competition"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// =============================================================================
// 内存实现 (测试用)
// =============================================================================

type memRepo struct {
	mu         sync.Mutex
	portfolios map[string]*Portfolio    // by id
	byOwner    map[string]string        // participantID -> portfolioID
	positions  map[string]*cfd.Position // by id
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		portfolios: make(map[string]*Portfolio),
		byOwner:    make(map[string]string),
		positions:  make(map[string]*cfd.Position),
	}
}

func (r *memRepo) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.portfolios[p.ID] = &cp
	r.byOwner[p.ParticipantID] = p.ID
	return nil
}

func (r *memRepo) GetByParticipant(ctx context.Context, participantID string) (*Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOwner[participantID]
	if !ok {
		return nil, ErrPortfolioNotFound
	}
	cp := *r.portfolios[id]
	return &cp, nil
}

func (r *memRepo) ListPositions(ctx context.Context, portfolioID string) ([]*cfd.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*cfd.Position
	for _, pos := range r.positions {
		if pos.PortfolioID == portfolioID {
			cp := *pos
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (r *memRepo) GetPosition(ctx context.Context, positionID string) (*cfd.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[positionID]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *pos
	return &cp, nil
}

func (r *memRepo) ApplyExecution(ctx context.Context, req *ApplyRequest) (*Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.portfolios[req.PortfolioID]
	if !ok {
		return nil, ErrPortfolioNotFound
	}

	next := *p
	next.CashBalance = next.CashBalance.Add(req.Delta.Cash)
	next.ReservedMargin = next.ReservedMargin.Add(req.Delta.ReservedMargin)
	next.RealizedPnL = next.RealizedPnL.Add(req.Delta.RealizedPnL)
	if next.ReservedMargin.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative reserved margin", ErrInternalConsistency)
	}

	if req.RemovePositionID != "" {
		if _, ok := r.positions[req.RemovePositionID]; !ok {
			return nil, ErrPositionNotFound
		}
	}

	// 变更持仓前先留好回滚路径: 内存实现直接在校验通过后才提交
	created := req.CreatePosition
	marginSum := decimal.Zero
	unrealizedSum := decimal.Zero
	for id, pos := range r.positions {
		if pos.PortfolioID != req.PortfolioID || id == req.RemovePositionID {
			continue
		}
		marginSum = marginSum.Add(pos.ReservedMargin)
		unrealizedSum = unrealizedSum.Add(pos.UnrealizedPnL)
	}
	if created != nil {
		marginSum = marginSum.Add(created.ReservedMargin)
		unrealizedSum = unrealizedSum.Add(created.UnrealizedPnL)
	}
	if !marginSum.Equal(next.ReservedMargin) {
		return nil, fmt.Errorf("%w: reserved %s != sum %s", ErrInternalConsistency, next.ReservedMargin, marginSum)
	}

	if req.RemovePositionID != "" {
		delete(r.positions, req.RemovePositionID)
	}
	if created != nil {
		cp := *created
		r.positions[created.ID] = &cp
	}

	next.UnrealizedPnL = unrealizedSum
	next.Equity = calc.Equity(next.CashBalance, unrealizedSum)
	next.UpdatedAt = time.Now().UTC()
	*p = next

	if req.Extra != nil {
		if err := req.Extra(nil); err != nil {
			return nil, err
		}
	}

	cp := next
	return &cp, nil
}

func (r *memRepo) SavePositions(ctx context.Context, positions []*cfd.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pos := range positions {
		if stored, ok := r.positions[pos.ID]; ok {
			stored.MarkPrice = pos.MarkPrice
			stored.UnrealizedPnL = pos.UnrealizedPnL
			stored.UpdatedAt = pos.UpdatedAt
		}
	}
	return nil
}

func (r *memRepo) SaveDerived(ctx context.Context, portfolioID string, unrealized, equity decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.portfolios[portfolioID]; ok {
		p.UnrealizedPnL = unrealized
		p.Equity = equity
	}
	return nil
}

func (r *memRepo) ResetPortfolio(ctx context.Context, participantID string, cash decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byOwner[participantID]
	if !ok {
		return ErrPortfolioNotFound
	}
	for posID, pos := range r.positions {
		if pos.PortfolioID == id {
			delete(r.positions, posID)
		}
	}
	p := r.portfolios[id]
	p.CashBalance = cash
	p.ReservedMargin = decimal.Zero
	p.RealizedPnL = decimal.Zero
	p.UnrealizedPnL = decimal.Zero
	p.Equity = cash
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	records []*HistoryRecord
}

var _ HistoryRepository = (*memHistory)(nil)

func (h *memHistory) BatchInsert(ctx context.Context, records []*HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, records...)
	return nil
}

func (h *memHistory) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*HistoryRecord
	for _, rec := range h.records {
		if rec.ParticipantID == participantID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *memHistory) DeleteByParticipants(ctx context.Context, participantIDs []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	drop := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		drop[id] = true
	}
	kept := h.records[:0]
	for _, rec := range h.records {
		if !drop[rec.ParticipantID] {
			kept = append(kept, rec)
		}
	}
	h.records = kept
	return nil
}

type memParticipants struct {
	mu   sync.Mutex
	rows map[string]*competition.Participant
}

var _ competition.ParticipantRepository = (*memParticipants)(nil)

func newMemParticipants() *memParticipants {
	return &memParticipants{rows: make(map[string]*competition.Participant)}
}

func (r *memParticipants) Create(ctx context.Context, p *competition.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.rows[p.ID] = &cp
	return nil
}

func (r *memParticipants) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memParticipants) GetByID(ctx context.Context, id string) (*competition.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, competition.ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memParticipants) ListByCompetition(ctx context.Context, competitionID string) ([]*competition.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*competition.Participant
	for _, p := range r.rows {
		if p.CompetitionID == competitionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memParticipants) ListActiveByCompetition(ctx context.Context, competitionID string) ([]*competition.Participant, error) {
	all, _ := r.ListByCompetition(ctx, competitionID)
	var out []*competition.Participant
	for _, p := range all {
		if p.Status == competition.ParticipantActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memParticipants) CountByCompetition(ctx context.Context, competitionID string) (int64, error) {
	all, _ := r.ListByCompetition(ctx, competitionID)
	return int64(len(all)), nil
}

func (r *memParticipants) UpdateStatus(ctx context.Context, id string, from, to competition.ParticipantStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok || p.Status != from {
		return competition.ErrInvalidTransition
	}
	p.Status = to
	return nil
}

func (r *memParticipants) UpdateEquity(ctx context.Context, id string, equity decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return competition.ErrParticipantNotFound
	}
	p.CurrentEquity = equity
	if equity.GreaterThan(p.PeakEquity) {
		p.PeakEquity = equity
	}
	return nil
}

func (r *memParticipants) RecordTradeOutcome(ctx context.Context, id string, realizedSign int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return competition.ErrParticipantNotFound
	}
	p.TotalTrades++
	if realizedSign > 0 {
		p.WinningTrades++
	} else if realizedSign < 0 {
		p.LosingTrades++
	}
	return nil
}

func (r *memParticipants) ResetForCompetition(ctx context.Context, competitionID string, equity decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.CompetitionID == competitionID {
			p.Status = competition.ParticipantActive
			p.CurrentEquity = equity
			p.PeakEquity = equity
			p.TotalTrades = 0
			p.WinningTrades = 0
			p.LosingTrades = 0
		}
	}
	return nil
}

// =============================================================================
// 测试脚手架
// =============================================================================

type fixture struct {
	repo         *memRepo
	history      *memHistory
	participants *memParticipants
	mgr          *Manager
	comp         *competition.Competition
	participant  *competition.Participant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := newMemRepo()
	history := &memHistory{}
	participants := newMemParticipants()
	mgr := NewManager(repo, history, participants)

	comp := &competition.Competition{
		ID:             "comp-1",
		Name:           "spring-cup",
		Status:         competition.CompetitionActive,
		InitialCapital: d("10000"),
	}
	participant := &competition.Participant{
		ID:            "pt-1",
		CompetitionID: comp.ID,
		Name:          "claude-trader",
		Status:        competition.ParticipantActive,
		CurrentEquity: d("10000"),
		PeakEquity:    d("10000"),
	}
	require.NoError(t, participants.Create(context.Background(), participant))
	require.NoError(t, mgr.SeedPortfolio(context.Background(), participant.ID, comp.InitialCapital))

	return &fixture{
		repo:         repo,
		history:      history,
		participants: participants,
		mgr:          mgr,
		comp:         comp,
		participant:  participant,
	}
}

// openPosition 在测试组合里开一笔 0.01 BTC @50000 2x (保证金 250)
func (f *fixture) openPosition(t *testing.T) *cfd.Position {
	t.Helper()
	ctx := context.Background()

	p, err := f.mgr.repo.GetByParticipant(ctx, f.participant.ID)
	require.NoError(t, err)

	pos, delta, err := cfd.Open(cfd.OpenRequest{
		PortfolioID: p.ID,
		Symbol:      "BTC/USDT",
		Side:        calc.SideLong,
		Quantity:    d("0.01"),
		Leverage:    d("2"),
		MarkPrice:   d("50000"),
	})
	require.NoError(t, err)

	_, err = f.mgr.ApplyExecution(ctx, &ApplyRequest{
		PortfolioID:    p.ID,
		Delta:          delta,
		CreatePosition: pos,
	})
	require.NoError(t, err)
	return pos
}

// =============================================================================
// 测试
// =============================================================================

func TestSeedPortfolio(t *testing.T) {
	f := newFixture(t)

	view, err := f.mgr.Snapshot(context.Background(), f.participant.ID)
	require.NoError(t, err)

	assert.True(t, view.Portfolio.CashBalance.Equal(d("10000")))
	assert.True(t, view.Equity.Equal(d("10000")))
	assert.True(t, view.Portfolio.ReservedMargin.IsZero())
	assert.Empty(t, view.Positions)
}

func TestApplyExecutionOpen(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	view, err := f.mgr.Snapshot(context.Background(), f.participant.ID)
	require.NoError(t, err)

	// 开仓不动现金，只占用保证金
	assert.True(t, view.Portfolio.CashBalance.Equal(d("10000")), "cash=%s", view.Portfolio.CashBalance)
	assert.True(t, view.Portfolio.ReservedMargin.Equal(d("250")), "reserved=%s", view.Portfolio.ReservedMargin)
	assert.True(t, view.Equity.Equal(d("10000")), "equity=%s", view.Equity)
	assert.True(t, view.AvailableMargin.Equal(d("9750")))
	require.Len(t, view.Positions, 1)
}

func TestApplyExecutionGuardsConsistency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.mgr.repo.GetByParticipant(ctx, f.participant.ID)
	require.NoError(t, err)

	// 保证金入账却没有对应持仓
	_, err = f.mgr.ApplyExecution(ctx, &ApplyRequest{
		PortfolioID: p.ID,
		Delta:       cfd.Delta{ReservedMargin: d("250")},
	})
	assert.ErrorIs(t, err, ErrInternalConsistency)
}

func TestSnapshotAtAppliesPrices(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	view, err := f.mgr.SnapshotAt(context.Background(), f.participant.ID,
		map[string]decimal.Decimal{"BTC/USDT": d("55000")})
	require.NoError(t, err)

	assert.True(t, view.UnrealizedPnL.Equal(d("50")), "uPnL=%s", view.UnrealizedPnL)
	assert.True(t, view.Equity.Equal(d("10050")), "equity=%s", view.Equity)
	assert.True(t, view.AvailableMargin.Equal(d("9800")))
	assert.True(t, view.TotalNotional.Equal(d("550")))
	require.True(t, view.MarginLevelDefined)
	assert.True(t, view.MarginLevelPct.Equal(d("4020")), "marginLevel=%s", view.MarginLevelPct)

	// 不落库: 再取一次快照仍是入场标记
	stored, err := f.mgr.Snapshot(context.Background(), f.participant.ID)
	require.NoError(t, err)
	assert.True(t, stored.UnrealizedPnL.IsZero())
}

func TestRepriceCompetition(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)
	ctx := context.Background()

	at := time.Now().UTC()
	marked, err := f.mgr.RepriceCompetition(ctx, f.comp,
		map[string]decimal.Decimal{"BTC/USDT": d("55000")}, at)
	require.NoError(t, err)
	require.Len(t, marked, 1)

	view := marked[0].View
	assert.True(t, view.Equity.Equal(d("10050")))

	// 标记价与派生缓存已落库
	stored, err := f.mgr.Snapshot(ctx, f.participant.ID)
	require.NoError(t, err)
	assert.True(t, stored.UnrealizedPnL.Equal(d("50")))
	assert.True(t, stored.Equity.Equal(d("10050")))
	require.Len(t, stored.Positions, 1)
	assert.True(t, stored.Positions[0].MarkPrice.Equal(d("55000")))

	// 参与者权益同步
	pt, err := f.participants.GetByID(ctx, f.participant.ID)
	require.NoError(t, err)
	assert.True(t, pt.CurrentEquity.Equal(d("10050")))
	assert.True(t, pt.PeakEquity.Equal(d("10050")))

	// 权益采样已写入 (未接 Kafka 时直接落库)
	records, err := f.mgr.EquityHistory(ctx, f.participant.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Equity.Equal(d("10050")))
	assert.Equal(t, at, records[0].RecordedAt)
}

func TestRepriceKeepsStaleMarkWhenPriceMissing(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)
	ctx := context.Background()

	_, err := f.mgr.RepriceCompetition(ctx, f.comp,
		map[string]decimal.Decimal{"ETH/USDT": d("3000")}, time.Now().UTC())
	require.NoError(t, err)

	stored, err := f.mgr.Snapshot(ctx, f.participant.ID)
	require.NoError(t, err)
	assert.True(t, stored.Positions[0].MarkPrice.Equal(d("50000")), "missing price must keep last mark")
}

func TestCloseRoundTrip(t *testing.T) {
	f := newFixture(t)
	pos := f.openPosition(t)
	ctx := context.Background()

	outcome, delta, err := cfd.Close(pos, d("55000"))
	require.NoError(t, err)
	assert.True(t, outcome.RealizedPnL.Equal(d("50")))

	p, err := f.mgr.ApplyExecution(ctx, &ApplyRequest{
		PortfolioID:      pos.PortfolioID,
		Delta:            delta,
		RemovePositionID: pos.ID,
	})
	require.NoError(t, err)

	assert.True(t, p.CashBalance.Equal(d("10050")), "cash=%s", p.CashBalance)
	assert.True(t, p.ReservedMargin.IsZero())
	assert.True(t, p.RealizedPnL.Equal(d("50")))
	assert.True(t, p.Equity.Equal(d("10050")))

	view, err := f.mgr.Snapshot(ctx, f.participant.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Positions)
}

func TestResetForCompetition(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)
	ctx := context.Background()

	_, err := f.mgr.RepriceCompetition(ctx, f.comp,
		map[string]decimal.Decimal{"BTC/USDT": d("55000")}, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, f.mgr.ResetForCompetition(ctx, f.comp))

	view, err := f.mgr.Snapshot(ctx, f.participant.ID)
	require.NoError(t, err)
	assert.True(t, view.Portfolio.CashBalance.Equal(d("10000")))
	assert.True(t, view.Equity.Equal(d("10000")))
	assert.Empty(t, view.Positions)

	records, err := f.mgr.EquityHistory(ctx, f.participant.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
