package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// 内存假行情源
// =============================================================================

type fakeSource struct {
	mu         sync.Mutex
	quotes     map[string]PriceQuote
	fail       map[string]bool // 拉价即报错的 symbol
	klines     map[string][]Candle
	tickers    map[string]*TickerData
	failTicker bool
	failKlines bool
	priceCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		quotes:  make(map[string]PriceQuote),
		fail:    make(map[string]bool),
		klines:  make(map[string][]Candle),
		tickers: make(map[string]*TickerData),
	}
}

func (f *fakeSource) setQuote(symbol, price string, asOf time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = PriceQuote{Symbol: symbol, Price: d(price), AsOf: asOf}
}

func (f *fakeSource) LatestPrices(_ context.Context, symbols []string) (map[string]PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++

	out := make(map[string]PriceQuote, len(symbols))
	for _, sym := range symbols {
		if f.fail[sym] {
			return nil, errors.New("upstream down")
		}
		if q, ok := f.quotes[sym]; ok {
			out[sym] = q
		}
	}
	return out, nil
}

func (f *fakeSource) Klines(_ context.Context, symbol, _ string, _ int) ([]Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKlines {
		return nil, errors.New("klines down")
	}
	return f.klines[symbol], nil
}

func (f *fakeSource) Ticker24h(_ context.Context, symbol string) (*TickerData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTicker {
		return nil, errors.New("ticker down")
	}
	td, ok := f.tickers[symbol]
	if !ok {
		return nil, ErrPriceUnavailable
	}
	return td, nil
}

var _ Source = (*fakeSource)(nil)

// =============================================================================
// 快照发布
// =============================================================================

func TestRefreshSnapshotPublishesAllQuotes(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.setQuote("BTC/USDT", "50000", now)
	src.setQuote("ETH/USDT", "3000", now)

	svc := NewService(src, ServiceConfig{})
	snap, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	if snap.Len() != 2 {
		t.Fatalf("expected 2 quotes, got %d", snap.Len())
	}
	if px, ok := snap.Price("BTC/USDT"); !ok || !px.Equal(d("50000")) {
		t.Errorf("expected BTC 50000, got %s (ok=%v)", px, ok)
	}
	prices := snap.Prices()
	if !prices["ETH/USDT"].Equal(d("3000")) {
		t.Errorf("expected ETH 3000, got %s", prices["ETH/USDT"])
	}
	if snap.TakenAt().IsZero() {
		t.Error("snapshot must carry its publication instant")
	}
	if svc.Snapshot() != snap {
		t.Error("published snapshot must be readable via Snapshot()")
	}
}

func TestRefreshSnapshotCarriesForwardOnFetchFailure(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.setQuote("BTC/USDT", "50000", now)
	src.setQuote("ETH/USDT", "3000", now)

	svc := NewService(src, ServiceConfig{})
	if _, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT", "ETH/USDT"}); err != nil {
		t.Fatal(err)
	}

	// ETH 源故障，BTC 价格更新
	src.mu.Lock()
	src.fail["ETH/USDT"] = true
	src.mu.Unlock()
	src.setQuote("BTC/USDT", "51000", time.Now().UTC())

	snap, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	if px, _ := snap.Price("BTC/USDT"); !px.Equal(d("51000")) {
		t.Errorf("expected fresh BTC 51000, got %s", px)
	}
	if px, ok := snap.Price("ETH/USDT"); !ok || !px.Equal(d("3000")) {
		t.Errorf("expected carried-forward ETH 3000, got %s (ok=%v)", px, ok)
	}
}

func TestRefreshSnapshotDropsStaleQuote(t *testing.T) {
	src := newFakeSource()
	src.setQuote("BTC/USDT", "50000", time.Now().UTC().Add(-2*time.Minute))

	svc := NewService(src, ServiceConfig{MaxQuoteAge: time.Minute})
	snap, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := snap.Price("BTC/USDT"); ok {
		t.Error("quote older than MaxQuoteAge must not enter the snapshot")
	}
}

func TestRefreshSnapshotUnknownSymbolAbsent(t *testing.T) {
	src := newFakeSource()
	src.setQuote("BTC/USDT", "50000", time.Now().UTC())

	svc := NewService(src, ServiceConfig{})
	snap, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT", "DOGE/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := snap.Price("DOGE/USDT"); ok {
		t.Error("symbol unknown upstream must be absent, not zero-priced")
	}
	if snap.Len() != 1 {
		t.Errorf("expected 1 quote, got %d", snap.Len())
	}
}

func TestSnapshotImmutableAcrossRefresh(t *testing.T) {
	src := newFakeSource()
	src.setQuote("BTC/USDT", "50000", time.Now().UTC())

	svc := NewService(src, ServiceConfig{})
	first, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	src.setQuote("BTC/USDT", "60000", time.Now().UTC())
	second, err := svc.RefreshSnapshot(context.Background(), []string{"BTC/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	// 旧快照的读者不受新一代发布影响
	if px, _ := first.Price("BTC/USDT"); !px.Equal(d("50000")) {
		t.Errorf("old snapshot must keep its generation, got %s", px)
	}
	if px, _ := second.Price("BTC/USDT"); !px.Equal(d("60000")) {
		t.Errorf("new snapshot must carry the new price, got %s", px)
	}
	if svc.Snapshot() != second {
		t.Error("Snapshot() must point at the latest generation")
	}
}

func TestNilSnapshotIsSafe(t *testing.T) {
	svc := NewService(newFakeSource(), ServiceConfig{})

	snap := svc.Snapshot()
	if snap != nil {
		t.Fatal("no refresh yet, snapshot must be nil")
	}
	if _, ok := snap.Price("BTC/USDT"); ok {
		t.Error("nil snapshot lookup must miss")
	}
	if snap.Len() != 0 || len(snap.Prices()) != 0 {
		t.Error("nil snapshot must read as empty")
	}
}

// =============================================================================
// 执行时点查询
// =============================================================================

func TestLatestPricesFiltersStale(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.setQuote("BTC/USDT", "50000", now)
	src.setQuote("ETH/USDT", "3000", now.Add(-5*time.Minute))

	svc := NewService(src, ServiceConfig{MaxQuoteAge: time.Minute})
	prices, err := svc.LatestPrices(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	if !prices["BTC/USDT"].Equal(d("50000")) {
		t.Errorf("expected fresh BTC 50000, got %s", prices["BTC/USDT"])
	}
	if _, ok := prices["ETH/USDT"]; ok {
		t.Error("stale ETH quote must be filtered out")
	}
}

// =============================================================================
// 行情简报
// =============================================================================

func TestBriefsDegradeGracefully(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.setQuote("BTC/USDT", "50000", now)
	src.failTicker = true

	candles := make([]Candle, 40)
	px := d("49000")
	for i := range candles {
		candles[i] = Candle{
			OpenTime:  now.Add(time.Duration(i-40) * time.Hour),
			Open:      px,
			High:      px.Add(d("50")),
			Low:       px.Sub(d("50")),
			Close:     px.Add(d("25")),
			Volume:    d("10"),
			CloseTime: now.Add(time.Duration(i-39) * time.Hour),
		}
		px = px.Add(d("25"))
	}
	src.klines["BTC/USDT"] = candles

	svc := NewService(src, ServiceConfig{})
	briefs, err := svc.Briefs(context.Background(), []string{"BTC/USDT", "DOGE/USDT"})
	if err != nil {
		t.Fatal(err)
	}

	// 无报价的 symbol 整个缺席
	if _, ok := briefs["DOGE/USDT"]; ok {
		t.Error("symbol without a quote must be absent from briefs")
	}

	brief, ok := briefs["BTC/USDT"]
	if !ok {
		t.Fatal("expected a BTC brief")
	}
	if !brief.Quote.Price.Equal(d("50000")) {
		t.Errorf("expected quote 50000, got %s", brief.Quote.Price)
	}
	if brief.Ticker != nil {
		t.Error("failed ticker fetch must degrade to nil, not error the brief")
	}
	if len(brief.Candles) != 40 {
		t.Errorf("expected 40 candles, got %d", len(brief.Candles))
	}
	if brief.Indicators == nil || brief.Indicators.EMA20 == nil {
		t.Error("40 candles must yield ema20")
	}
	if brief.Indicators.MACD == nil {
		t.Error("40 candles must yield macd")
	}
}

func TestBriefsSkipStaleQuote(t *testing.T) {
	src := newFakeSource()
	src.setQuote("BTC/USDT", "50000", time.Now().UTC().Add(-10*time.Minute))

	svc := NewService(src, ServiceConfig{MaxQuoteAge: time.Minute})
	briefs, err := svc.Briefs(context.Background(), []string{"BTC/USDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(briefs) != 0 {
		t.Error("stale quote must not produce a brief")
	}
}
