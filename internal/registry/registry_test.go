package registry

import (
	"context"
	"errors"
	"testing"

	"trade-gateway/internal/apperr"
)

type memPreferenceStore struct {
	pref    Preference
	found   bool
	saveErr error
	saves   int
}

func (m *memPreferenceStore) Load(ctx context.Context) (Preference, bool, error) {
	return m.pref, m.found, nil
}

func (m *memPreferenceStore) Save(ctx context.Context, pref Preference) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.pref = pref
	m.found = true
	m.saves++
	return nil
}

func testCatalog() []ExchangeInfo {
	return []ExchangeInfo{
		{ID: "binance", Name: "Binance", Class: AssetCrypto, BaseCurrency: "USDT", Symbols: []string{"BTC/USDT", "ETH/USDT"}, Spot: true, Futures: true},
		{ID: "kraken", Name: "Kraken", Class: AssetCrypto, BaseCurrency: "USD", Symbols: []string{"BTC/USDT"}, Spot: true},
		{ID: "delta", Name: "Delta Exchange", Class: AssetCrypto, BaseCurrency: "INR", Symbols: []string{"BTC/USDT"}, Spot: true, Futures: true},
		{ID: "fyers", Name: "Fyers", Class: AssetStock, BaseCurrency: "INR", Symbols: []string{"RELIANCE/INR"}, Spot: true},
	}
}

func newTestRegistry(t *testing.T, store PreferenceStore) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), testCatalog(), "binance", store, nil)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	return r
}

func TestNewRegistry_DefaultsToConfiguredExchange(t *testing.T) {
	r := newTestRegistry(t, &memPreferenceStore{})

	info, err := r.Selected()
	if err != nil {
		t.Fatalf("Selected returned error: %v", err)
	}
	if info.ID != "binance" {
		t.Errorf("expected default selection binance, got %s", info.ID)
	}
	if got := len(r.List()); got != 4 {
		t.Errorf("expected 4 exchanges, got %d", got)
	}
}

func TestNewRegistry_RestoresPersistedSelection(t *testing.T) {
	store := &memPreferenceStore{
		pref:  Preference{Selected: "delta", Default: "binance", SourceOverrides: map[string]string{}},
		found: true,
	}
	r := newTestRegistry(t, store)

	info, err := r.Selected()
	if err != nil {
		t.Fatalf("Selected returned error: %v", err)
	}
	if info.ID != "delta" {
		t.Errorf("expected restored selection delta, got %s", info.ID)
	}
}

func TestNewRegistry_StaleSelectionFallsBack(t *testing.T) {
	store := &memPreferenceStore{
		pref:  Preference{Selected: "ghost", Default: "ghost", SourceOverrides: map[string]string{}},
		found: true,
	}
	r := newTestRegistry(t, store)

	info, err := r.Selected()
	if err != nil {
		t.Fatalf("Selected returned error: %v", err)
	}
	if info.ID != "binance" {
		t.Errorf("expected fallback to first catalog entry, got %s", info.ID)
	}
}

func TestSelect_UnknownExchangeKeepsPriorSelection(t *testing.T) {
	store := &memPreferenceStore{}
	r := newTestRegistry(t, store)

	err := r.Select(context.Background(), "unknown")
	if err == nil {
		t.Fatalf("expected error for unknown exchange")
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not_found kind, got %v", apperr.KindOf(err))
	}

	info, _ := r.Selected()
	if info.ID != "binance" {
		t.Errorf("prior selection changed, got %s", info.ID)
	}
	if store.saves != 0 {
		t.Errorf("expected no persistence on failed select, got %d saves", store.saves)
	}
}

func TestSelect_PersistFailureKeepsPriorSelection(t *testing.T) {
	store := &memPreferenceStore{saveErr: errors.New("disk full")}
	r := newTestRegistry(t, store)

	if err := r.Select(context.Background(), "kraken"); err == nil {
		t.Fatalf("expected persistence error")
	}

	info, _ := r.Selected()
	if info.ID != "binance" {
		t.Errorf("selection mutated despite persist failure, got %s", info.ID)
	}
}

func TestSelect_PersistsAndSwitches(t *testing.T) {
	store := &memPreferenceStore{}
	r := newTestRegistry(t, store)

	if err := r.Select(context.Background(), "delta"); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}

	info, _ := r.Selected()
	if info.ID != "delta" {
		t.Errorf("expected delta selected, got %s", info.ID)
	}
	if store.pref.Selected != "delta" {
		t.Errorf("expected persisted selection delta, got %s", store.pref.Selected)
	}
}

func TestSetDefault_ValidatesExchange(t *testing.T) {
	store := &memPreferenceStore{}
	r := newTestRegistry(t, store)

	if err := r.SetDefault(context.Background(), "unknown"); err == nil {
		t.Fatalf("expected error for unknown default exchange")
	}
	if err := r.SetDefault(context.Background(), "kraken"); err != nil {
		t.Fatalf("SetDefault returned error: %v", err)
	}
	if store.pref.Default != "kraken" {
		t.Errorf("expected persisted default kraken, got %s", store.pref.Default)
	}
}

func TestValidateCapability(t *testing.T) {
	r := newTestRegistry(t, &memPreferenceStore{})

	if !r.ValidateCapability("binance", AssetCrypto) {
		t.Errorf("binance should support crypto")
	}
	if r.ValidateCapability("binance", AssetStock) {
		t.Errorf("binance should not support stock")
	}
	if !r.ValidateCapability("fyers", AssetStock) {
		t.Errorf("fyers should support stock")
	}
	if r.ValidateCapability("unknown", AssetCrypto) {
		t.Errorf("unknown exchange should fail capability check")
	}
}

func TestSourceOverride_RoundTrip(t *testing.T) {
	store := &memPreferenceStore{}
	r := newTestRegistry(t, store)

	if err := r.SetSourceOverride(context.Background(), "BTC/USDT", "kraken"); err != nil {
		t.Fatalf("SetSourceOverride returned error: %v", err)
	}

	id, ok := r.SourceOverride("BTC/USDT")
	if !ok || id != "kraken" {
		t.Errorf("expected override kraken, got %q ok=%v", id, ok)
	}

	if err := r.SetSourceOverride(context.Background(), "BTC/USDT", ""); err != nil {
		t.Fatalf("clearing override returned error: %v", err)
	}
	if _, ok := r.SourceOverride("BTC/USDT"); ok {
		t.Errorf("expected override cleared")
	}
}

func TestPreference_ReturnsCopy(t *testing.T) {
	r := newTestRegistry(t, &memPreferenceStore{})

	pref := r.Preference()
	pref.SourceOverrides["ETH/USDT"] = "kraken"

	if _, ok := r.SourceOverride("ETH/USDT"); ok {
		t.Errorf("mutating the returned preference leaked into the registry")
	}
}
