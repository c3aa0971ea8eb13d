package execution

import (
	"context"
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"trade-gateway/internal/adapter"
	"trade-gateway/internal/apperr"
	"trade-gateway/internal/credential"
)

type stubCreds struct {
	valid map[string]bool
	err   error
}

func (s *stubCreds) IsValid(_ context.Context, exchangeID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.valid[exchangeID], nil
}

type stubConverter struct {
	rate  float64
	err   error
	calls int
}

func (s *stubConverter) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	s.calls++
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return amount.Mul(decimal.NewFromFloat(s.rate)), nil
}

type stubAdapter struct {
	id          string
	settlement  string
	placeCalls  int
	placeErr    error
	result      adapter.ExecutionResult
	lastOrder   adapter.Order
	cancelCalls int
	cancelErr   error
}

func (s *stubAdapter) ID() string                 { return s.id }
func (s *stubAdapter) SettlementCurrency() string { return s.settlement }
func (s *stubAdapter) Connected() bool            { return true }

func (s *stubAdapter) Connect(context.Context, credential.Credentials) error { return nil }

func (s *stubAdapter) TestConnection(context.Context, credential.Credentials) error { return nil }

func (s *stubAdapter) MarketData(context.Context, string) (adapter.MarketData, error) {
	return adapter.MarketData{}, nil
}

func (s *stubAdapter) OrderBook(context.Context, string, int) (adapter.OrderBook, error) {
	return adapter.OrderBook{}, nil
}

func (s *stubAdapter) Candles(context.Context, string, string, int) ([]adapter.Candle, error) {
	return nil, nil
}

func (s *stubAdapter) SupportedSymbols(context.Context) ([]string, error) { return nil, nil }

func (s *stubAdapter) PlaceOrder(_ context.Context, order adapter.Order) (adapter.ExecutionResult, error) {
	s.placeCalls++
	s.lastOrder = order
	if s.placeErr != nil {
		return adapter.ExecutionResult{}, s.placeErr
	}
	result := s.result
	result.ClientOrderID = order.ClientOrderID
	return result, nil
}

func (s *stubAdapter) CancelOrder(_ context.Context, orderID, symbol string) error {
	s.cancelCalls++
	return s.cancelErr
}

func (s *stubAdapter) AccountInfo(context.Context) (adapter.AccountInfo, error) {
	return adapter.AccountInfo{}, nil
}

func (s *stubAdapter) Positions(context.Context) ([]adapter.Position, error) { return nil, nil }

type stubProvider struct {
	adapters map[string]*stubAdapter
	err      error
}

func (s *stubProvider) Trading(_ context.Context, exchangeID string) (adapter.Adapter, error) {
	if s.err != nil {
		return nil, s.err
	}
	a, ok := s.adapters[exchangeID]
	if !ok {
		return nil, apperr.NotFound("exchange_not_found", "no adapter")
	}
	return a, nil
}

type stubSelection struct{ id string }

func (s *stubSelection) SelectedID() string { return s.id }

func newTestEngine(a *stubAdapter, creds *stubCreds, conv *stubConverter) *Engine {
	if creds == nil {
		creds = &stubCreds{valid: map[string]bool{a.id: true}}
	}
	if conv == nil {
		conv = &stubConverter{rate: 1}
	}
	return NewEngine(creds, conv,
		&stubProvider{adapters: map[string]*stubAdapter{a.id: a}},
		&stubSelection{id: a.id}, nil)
}

func marketOrder() adapter.Order {
	return adapter.Order{
		Symbol: "BTC/USDT", Side: adapter.SideBuy, Type: adapter.OrderTypeMarket, Amount: 0.5,
	}
}

func TestSubmitHappyPathReachesFilled(t *testing.T) {
	a := &stubAdapter{
		id: "binance", settlement: "USDT",
		result: adapter.ExecutionResult{OrderID: "ex-1", Status: "closed", FilledAmount: 0.5},
	}
	e := newTestEngine(a, nil, nil)

	record, err := e.Submit(context.Background(), marketOrder())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if record.State != StateFilled {
		t.Fatalf("expected filled, got %s", record.State)
	}
	if record.ClientOrderID == "" {
		t.Fatal("client order id must be assigned")
	}
	if record.ExchangeOrderID != "ex-1" {
		t.Fatalf("exchange order id not recorded: %+v", record)
	}

	want := []State{StateCreated, StateCredentialValidated, StateCurrencyResolved, StateSubmitted, StateFilled}
	if len(record.Transitions) != len(want) {
		t.Fatalf("unexpected transitions: %+v", record.Transitions)
	}
	for i, tr := range record.Transitions {
		if tr.To != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
}

func TestSubmitInvalidCredentialsNeverReachesExchange(t *testing.T) {
	a := &stubAdapter{id: "fyers", settlement: "INR"}
	creds := &stubCreds{valid: map[string]bool{"fyers": false}}
	e := newTestEngine(a, creds, nil)

	record, err := e.Submit(context.Background(), adapter.Order{
		Symbol: "SBIN-EQ", Side: adapter.SideBuy, Type: adapter.OrderTypeMarket, Amount: 10,
		Exchange: "fyers",
	})
	if apperr.KindOf(err) != apperr.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if record.State != StateRejected {
		t.Fatalf("expected rejected, got %s", record.State)
	}
	if a.placeCalls != 0 {
		t.Fatalf("order must not reach exchange, got %d calls", a.placeCalls)
	}
}

func TestSubmitSnapshotsExchangeAtCreation(t *testing.T) {
	a := &stubAdapter{
		id: "binance", settlement: "USDT",
		result: adapter.ExecutionResult{OrderID: "ex-1", Status: "closed"},
	}
	selection := &stubSelection{id: "binance"}
	e := NewEngine(
		&stubCreds{valid: map[string]bool{"binance": true}},
		&stubConverter{rate: 1},
		&stubProvider{adapters: map[string]*stubAdapter{"binance": a}},
		selection, nil)

	record, err := e.Submit(context.Background(), marketOrder())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if record.Exchange != "binance" {
		t.Fatalf("expected binance snapshot, got %s", record.Exchange)
	}

	// 提交后切换选中交易所，已有记录不受影响。
	selection.id = "kraken"
	got, err := e.Order(record.ClientOrderID)
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if got.Exchange != "binance" {
		t.Fatalf("record exchange must stay snapshotted, got %s", got.Exchange)
	}
}

func TestSubmitConvertsLimitPriceToSettlementCurrency(t *testing.T) {
	a := &stubAdapter{
		id: "delta", settlement: "INR",
		result: adapter.ExecutionResult{OrderID: "ex-2", Status: "open"},
	}
	conv := &stubConverter{rate: 83.0}
	e := newTestEngine(a, nil, conv)

	record, err := e.Submit(context.Background(), adapter.Order{
		Symbol: "BTC/INR", Side: adapter.SideBuy, Type: adapter.OrderTypeLimit,
		Amount: 0.1, Price: 50000, Currency: "USD", Exchange: "delta",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if conv.calls != 2 {
		t.Fatalf("expected amount and price conversions, got %d", conv.calls)
	}
	if a.lastOrder.Amount != 0.1*83.0 {
		t.Fatalf("amount not converted: %f", a.lastOrder.Amount)
	}
	if a.lastOrder.Price != 50000*83.0 {
		t.Fatalf("price not converted: %f", a.lastOrder.Price)
	}
	if a.lastOrder.Currency != "INR" {
		t.Fatalf("order currency not normalized: %s", a.lastOrder.Currency)
	}
	if record.State != StateSubmitted {
		t.Fatalf("open order should stay submitted, got %s", record.State)
	}
}

func TestSubmitConvertsMarketAmountToSettlementCurrency(t *testing.T) {
	a := &stubAdapter{
		id: "delta", settlement: "INR",
		result: adapter.ExecutionResult{OrderID: "ex-5", Status: "closed"},
	}
	conv := &stubConverter{rate: 83.0}
	e := newTestEngine(a, nil, conv)

	_, err := e.Submit(context.Background(), adapter.Order{
		Symbol: "BTC/INR", Side: adapter.SideBuy, Type: adapter.OrderTypeMarket,
		Amount: 100, Currency: "USDT", Exchange: "delta",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if a.lastOrder.Amount != 100*83.0 {
		t.Fatalf("amount not converted to settlement currency: %f", a.lastOrder.Amount)
	}
}

func TestSubmitMissingRateAborts(t *testing.T) {
	a := &stubAdapter{id: "delta", settlement: "INR"}
	conv := &stubConverter{err: apperr.RateUnavailable("rate_unavailable", "no rate")}
	e := newTestEngine(a, nil, conv)

	record, err := e.Submit(context.Background(), adapter.Order{
		Symbol: "BTC/INR", Side: adapter.SideBuy, Type: adapter.OrderTypeLimit,
		Amount: 0.1, Price: 50000, Currency: "USD", Exchange: "delta",
	})
	if apperr.KindOf(err) != apperr.KindRateUnavailable {
		t.Fatalf("expected rate-unavailable, got %v", err)
	}
	if record.State != StateFailed {
		t.Fatalf("expected failed, got %s", record.State)
	}
	if a.placeCalls != 0 {
		t.Fatalf("order must not reach exchange without a rate, got %d calls", a.placeCalls)
	}
}

func TestSubmitPlacesExactlyOnceOnFailure(t *testing.T) {
	a := &stubAdapter{
		id: "binance", settlement: "USDT",
		placeErr: &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "timeout"},
	}
	e := newTestEngine(a, nil, nil)

	record, err := e.Submit(context.Background(), marketOrder())
	if err == nil {
		t.Fatal("expected error")
	}
	if a.placeCalls != 1 {
		t.Fatalf("submission must be attempted exactly once, got %d", a.placeCalls)
	}
	if record.State != StateFailed {
		t.Fatalf("retryable failure should end failed, got %s", record.State)
	}
	var gwErr *apperr.Error
	if !errors.As(err, &gwErr) || !gwErr.Retryable {
		t.Fatalf("expected retryable trading error, got %v", err)
	}
}

func TestSubmitRejectedOrderNotRetryable(t *testing.T) {
	a := &stubAdapter{
		id: "binance", settlement: "USDT",
		placeErr: apperr.Trading("insufficient_funds", "余额不足", false),
	}
	e := newTestEngine(a, nil, nil)

	record, err := e.Submit(context.Background(), marketOrder())
	if err == nil {
		t.Fatal("expected error")
	}
	if record.State != StateRejected {
		t.Fatalf("non-retryable failure should reject, got %s", record.State)
	}
}

func TestCancelOpenOrder(t *testing.T) {
	a := &stubAdapter{
		id: "binance", settlement: "USDT",
		result: adapter.ExecutionResult{OrderID: "ex-3", Status: "open"},
	}
	e := newTestEngine(a, nil, nil)

	record, err := e.Submit(context.Background(), adapter.Order{
		Symbol: "BTC/USDT", Side: adapter.SideSell, Type: adapter.OrderTypeLimit,
		Amount: 0.1, Price: 60000,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	canceled, err := e.Cancel(context.Background(), record.ClientOrderID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if a.cancelCalls != 1 {
		t.Fatalf("expected 1 cancel call, got %d", a.cancelCalls)
	}
	if canceled.State != StateRejected {
		t.Fatalf("canceled order should be terminal, got %s", canceled.State)
	}
}

func TestCancelTerminalOrderFails(t *testing.T) {
	a := &stubAdapter{
		id: "binance", settlement: "USDT",
		result: adapter.ExecutionResult{OrderID: "ex-4", Status: "closed"},
	}
	e := newTestEngine(a, nil, nil)

	record, err := e.Submit(context.Background(), marketOrder())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	_, err = e.Cancel(context.Background(), record.ClientOrderID)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for terminal order, got %v", err)
	}
	if a.cancelCalls != 0 {
		t.Fatalf("terminal order cancel must not hit exchange, got %d", a.cancelCalls)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	a := &stubAdapter{id: "binance", settlement: "USDT"}
	e := newTestEngine(a, nil, nil)

	_, err := e.Cancel(context.Background(), "missing")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}
