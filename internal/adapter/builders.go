package adapter

import (
	ccxt "github.com/ccxt/ccxt/go/v4"

	"trade-gateway/internal/apperr"
)

// builderFor 返回指定交易所的客户端构造函数。
// ccxt 的构造函数按交易所各自生成类型，无法用反射统一，只能逐一列举。
func builderFor(exchangeID string) (buildFunc, error) {
	switch exchangeID {
	case "binance":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewBinance(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	case "kraken":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewKraken(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	case "coinbase":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewCoinbase(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	case "bybit":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewBybit(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	case "okx":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewOkx(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	case "kucoin":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewKucoin(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	case "delta":
		return func(userConfig map[string]interface{}) (*clientBundle, error) {
			ex := ccxt.NewDelta(userConfig)
			return &clientBundle{
				api:         ex,
				loadSymbols: func() ([]string, error) { return symbolsOf(ex.LoadMarkets()) },
				setSandbox:  func(v bool) { ex.SetSandboxMode(v) },
			}, nil
		}, nil
	default:
		return nil, apperr.NotFound("exchange_not_implemented",
			"交易所 "+exchangeID+" 暂无可用适配器")
	}
}
