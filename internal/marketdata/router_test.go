package marketdata

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"

	"trade-gateway/internal/adapter"
	"trade-gateway/internal/apperr"
	"trade-gateway/internal/config"
)

type fakeSource struct {
	id      string
	mu      sync.Mutex
	calls   int
	err     error
	price   float64
	symbols []string
	delay   time.Duration
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) MarketData(ctx context.Context, symbol string) (adapter.MarketData, error) {
	f.mu.Lock()
	f.calls++
	err, price, delay := f.err, f.price, f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return adapter.MarketData{}, err
	}
	return adapter.MarketData{
		Symbol: symbol, Price: price, Timestamp: time.Now(), Source: f.id,
	}, nil
}

func (f *fakeSource) OrderBook(ctx context.Context, symbol string, depth int) (adapter.OrderBook, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return adapter.OrderBook{}, err
	}
	return adapter.OrderBook{
		Symbol: symbol,
		Bids:   []adapter.OrderBookLevel{{Price: 100, Amount: 1}},
		Asks:   []adapter.OrderBookLevel{{Price: 101, Amount: 1}},
		Source: f.id,
	}, nil
}

func (f *fakeSource) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]adapter.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []adapter.Candle{{Close: f.price}}, nil
}

func (f *fakeSource) SupportedSymbols(ctx context.Context) ([]string, error) {
	if f.symbols == nil {
		return []string{"BTC/USDT"}, nil
	}
	return f.symbols, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) setError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakePrefs struct {
	overrides map[string]string
	selected  string
}

func (p *fakePrefs) SourceOverride(symbol string) (string, bool) {
	id, ok := p.overrides[symbol]
	return id, ok
}

func (p *fakePrefs) SelectedID() string { return p.selected }

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		CacheTTL:       30 * time.Second,
		FetchTimeout:   time.Second,
		OrderBookDepth: 10,
		DecayFactor:    0.5,
		RecoveryStep:   0.2,
	}
}

func TestRouterFallsBackOnFailure(t *testing.T) {
	primary := &fakeSource{id: "binance", err: errors.New("boom")}
	backup := &fakeSource{id: "kraken", price: 50000}

	r := NewRouter(testRouterConfig(), &fakePrefs{selected: "binance"}, nil)
	r.AddSource(primary)
	r.AddSource(backup)

	data, err := r.MarketData(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("expected fallback to succeed: %v", err)
	}
	if data.Source != "kraken" {
		t.Fatalf("expected kraken to serve, got %s", data.Source)
	}
	if primary.callCount() != 1 {
		t.Fatalf("primary should be tried once, got %d", primary.callCount())
	}
}

func TestRouterExhaustedNamesAllSources(t *testing.T) {
	a := &fakeSource{id: "binance", err: errors.New("down")}
	b := &fakeSource{id: "kraken", err: errors.New("also down")}

	r := NewRouter(testRouterConfig(), nil, nil)
	r.AddSource(a)
	r.AddSource(b)

	_, err := r.MarketData(context.Background(), "BTC/USDT")
	if apperr.KindOf(err) != apperr.KindData {
		t.Fatalf("expected data error, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "binance") || !strings.Contains(msg, "kraken") {
		t.Fatalf("error must name every exhausted source: %s", msg)
	}
}

func TestRouterMarksFallbackOnIntermediateFailures(t *testing.T) {
	a := &fakeSource{id: "binance", err: apperr.Connection("exchange_timeout", "请求超时")}
	b := &fakeSource{id: "kraken", err: apperr.Connection("exchange_timeout", "请求超时")}

	r := NewRouter(testRouterConfig(), &fakePrefs{selected: "binance"}, nil)
	r.AddSource(a)
	r.AddSource(b)

	_, err := r.MarketData(context.Background(), "BTC/USDT")
	if apperr.KindOf(err) != apperr.KindData {
		t.Fatalf("expected data error, got %v", err)
	}

	var exhausted *apperr.Error
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected apperr error, got %T", err)
	}
	perSource := multierr.Errors(exhausted.Unwrap())
	if len(perSource) != 2 {
		t.Fatalf("expected 2 per-source errors, got %d", len(perSource))
	}

	var first, last *apperr.Error
	if !errors.As(perSource[0], &first) || !errors.As(perSource[1], &last) {
		t.Fatalf("per-source errors must carry apperr details: %v", perSource)
	}
	if !first.FallbackAvailable {
		t.Fatalf("failure with remaining candidates must report fallback available")
	}
	if last.FallbackAvailable {
		t.Fatalf("last source failure must not report fallback available")
	}
}

func TestRouterCachesResults(t *testing.T) {
	src := &fakeSource{id: "binance", price: 100}
	r := NewRouter(testRouterConfig(), nil, nil)
	r.AddSource(src)

	for i := 0; i < 5; i++ {
		if _, err := r.MarketData(context.Background(), "BTC/USDT"); err != nil {
			t.Fatalf("MarketData failed: %v", err)
		}
	}
	if src.callCount() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", src.callCount())
	}
}

func TestRouterCacheExpires(t *testing.T) {
	src := &fakeSource{id: "binance", price: 100}
	cfg := testRouterConfig()
	cfg.CacheTTL = 10 * time.Millisecond
	r := NewRouter(cfg, nil, nil)
	r.AddSource(src)

	if _, err := r.MarketData(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.MarketData(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}
	if src.callCount() != 2 {
		t.Fatalf("expected cache expiry to refetch, got %d calls", src.callCount())
	}
}

func TestRouterFailureDecaysReliability(t *testing.T) {
	flaky := &fakeSource{id: "binance", err: errors.New("down")}
	stable := &fakeSource{id: "kraken", price: 100}

	r := NewRouter(testRouterConfig(), nil, nil)
	r.AddSource(flaky)
	r.AddSource(stable)

	if _, err := r.MarketData(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}

	status := r.SourceStatus()
	if status[0].ID != "kraken" {
		t.Fatalf("stable source should rank first, got %s", status[0].ID)
	}
	for _, s := range status {
		if s.ID == "binance" && s.Reliability >= 1.0 {
			t.Fatalf("failed source reliability should decay, got %f", s.Reliability)
		}
	}

	// 来源恢复后可靠性逐步回升。
	flaky.setError(nil)
	decayed := 0.0
	for _, s := range r.SourceStatus() {
		if s.ID == "binance" {
			decayed = s.Reliability
		}
	}
	r.recordSuccess("binance", 10*time.Millisecond)

	for _, s := range r.SourceStatus() {
		if s.ID == "binance" && s.Reliability <= decayed {
			t.Fatalf("recovered source reliability should rise: %f <= %f", s.Reliability, decayed)
		}
	}
}

func TestRouterOverrideBeatsRanking(t *testing.T) {
	fast := &fakeSource{id: "binance", price: 100}
	chosen := &fakeSource{id: "delta", price: 101}

	r := NewRouter(testRouterConfig(), &fakePrefs{
		overrides: map[string]string{"BTC/USDT": "delta"},
		selected:  "binance",
	}, nil)
	r.AddSource(fast)
	r.AddSource(chosen)

	data, err := r.MarketData(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}
	if data.Source != "delta" {
		t.Fatalf("user override must win, got %s", data.Source)
	}
	if fast.callCount() != 0 {
		t.Fatalf("ranked source should not be tried when override succeeds, got %d", fast.callCount())
	}
}

func TestRouterOverrideFailureFallsThrough(t *testing.T) {
	backup := &fakeSource{id: "binance", price: 100}
	broken := &fakeSource{id: "delta", err: errors.New("down")}

	r := NewRouter(testRouterConfig(), &fakePrefs{
		overrides: map[string]string{"BTC/USDT": "delta"},
	}, nil)
	r.AddSource(backup)
	r.AddSource(broken)

	data, err := r.MarketData(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}
	if data.Source != "binance" {
		t.Fatalf("expected fallback after override failure, got %s", data.Source)
	}
}

func TestRouterTieBreakPrefersSelected(t *testing.T) {
	a := &fakeSource{id: "binance", price: 1}
	b := &fakeSource{id: "kraken", price: 2}

	r := NewRouter(testRouterConfig(), &fakePrefs{selected: "kraken"}, nil)
	r.AddSource(a)
	r.AddSource(b)

	data, err := r.MarketData(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}
	if data.Source != "kraken" {
		t.Fatalf("selected exchange should win ties, got %s", data.Source)
	}
}

func TestRouterCoverageFiltersSources(t *testing.T) {
	btcOnly := &fakeSource{id: "binance", price: 1, symbols: []string{"BTC/USDT"}}
	ethOnly := &fakeSource{id: "kraken", price: 2, symbols: []string{"ETH/USD"}}

	r := NewRouter(testRouterConfig(), nil, nil)
	r.AddSource(btcOnly)
	r.AddSource(ethOnly)
	r.RefreshCoverage(context.Background(), []string{"BTC/USDT", "ETH/USD"})

	sources := r.SymbolSources("ETH/USD")
	if len(sources) != 1 || sources[0] != "kraken" {
		t.Fatalf("unexpected sources for ETH/USD: %v", sources)
	}

	data, err := r.MarketData(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("MarketData failed: %v", err)
	}
	if data.Source != "kraken" {
		t.Fatalf("only supporting source should serve, got %s", data.Source)
	}
	if btcOnly.callCount() != 0 {
		t.Fatalf("non-supporting source must be skipped, got %d calls", btcOnly.callCount())
	}
}

func TestRouterConcurrentRequestsCollapse(t *testing.T) {
	src := &fakeSource{id: "binance", price: 100, delay: 20 * time.Millisecond}
	r := NewRouter(testRouterConfig(), nil, nil)
	r.AddSource(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.MarketData(context.Background(), "BTC/USDT"); err != nil {
				t.Errorf("MarketData failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if src.callCount() != 1 {
		t.Fatalf("concurrent requests should collapse to 1 call, got %d", src.callCount())
	}
}
