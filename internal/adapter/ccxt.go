package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trade-gateway/internal/apperr"
	"trade-gateway/internal/config"
	"trade-gateway/internal/credential"
)

// nativeClient 抽象 ccxt 生成的交易所客户端中本适配器用到的方法。
// 所有 ccxt 交易所类型的方法签名一致，因此可以共用一个接口。
type nativeClient interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// clientBundle 将 ccxt 客户端与少量无法进入接口的操作打包。
type clientBundle struct {
	api         nativeClient
	loadSymbols func() ([]string, error)
	setSandbox  func(bool)
}

type buildFunc func(userConfig map[string]interface{}) (*clientBundle, error)

// CCXTAdapter 把固定的适配器契约映射到任意 ccxt 支持的交易所。
// 行情操作走未鉴权客户端，交易操作要求先 Connect 建立会话。
type CCXTAdapter struct {
	cfg     config.ExchangeConfig
	sandbox bool
	build   buildFunc
	limiter *rate.Limiter
	logger  *zap.Logger

	mu            sync.Mutex
	public        *clientBundle
	trading       *clientBundle
	symbols       []string
	symbolsLoaded bool
}

// NewCCXT 为目录中的交易所创建适配器。sandbox 为真且交易所支持时启用沙箱。
func NewCCXT(cfg config.ExchangeConfig, sandbox bool, logger *zap.Logger) (*CCXTAdapter, error) {
	build, err := builderFor(cfg.ID)
	if err != nil {
		return nil, err
	}
	return newCCXTWithBuilder(cfg, sandbox, build, logger), nil
}

func newCCXTWithBuilder(cfg config.ExchangeConfig, sandbox bool, build buildFunc, logger *zap.Logger) *CCXTAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}

	rpm := cfg.RateLimit.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}

	return &CCXTAdapter{
		cfg:     cfg,
		sandbox: sandbox && cfg.SandboxAvailable,
		build:   build,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		logger:  logger.With(zap.String("exchange", cfg.ID)),
	}
}

// ID 返回交易所标识。
func (a *CCXTAdapter) ID() string {
	return a.cfg.ID
}

// SettlementCurrency 返回交易所的结算货币。
func (a *CCXTAdapter) SettlementCurrency() string {
	return a.cfg.BaseCurrency
}

// Connected 返回是否已建立交易会话。
func (a *CCXTAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.trading != nil
}

// Connect 建立鉴权会话并加载市场元数据。
func (a *CCXTAdapter) Connect(ctx context.Context, creds credential.Credentials) error {
	bundle, err := a.newBundle(creds)
	if err != nil {
		return err
	}

	var symbols []string
	err = a.callWithRetry(ctx, "load_markets", func() error {
		var loadErr error
		symbols, loadErr = bundle.loadSymbols()
		return loadErr
	})
	if err != nil {
		return apperr.FromCCXT(a.cfg.ID, err)
	}

	a.mu.Lock()
	a.trading = bundle
	a.symbols = symbols
	a.symbolsLoaded = true
	a.mu.Unlock()

	a.logger.Info("交易会话已建立", zap.Int("symbols", len(symbols)))
	return nil
}

// TestConnection 用给定凭证做一次鉴权调用，不保留任何会话状态。
func (a *CCXTAdapter) TestConnection(ctx context.Context, creds credential.Credentials) error {
	bundle, err := a.newBundle(creds)
	if err != nil {
		return err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("adapter: 等待请求配额失败: %w", err)
	}

	err = a.invoke(ctx, func() error {
		_, callErr := bundle.api.FetchBalance()
		return callErr
	})
	if err != nil {
		return apperr.FromCCXT(a.cfg.ID, err)
	}
	return nil
}

// MarketData 拉取最新行情。
func (a *CCXTAdapter) MarketData(ctx context.Context, symbol string) (MarketData, error) {
	api, err := a.publicAPI()
	if err != nil {
		return MarketData{}, err
	}

	var raw ccxt.Ticker
	err = a.callWithRetry(ctx, "fetch_ticker", func() error {
		var callErr error
		raw, callErr = api.FetchTicker(symbol)
		return callErr
	})
	if err != nil {
		return MarketData{}, apperr.FromCCXT(a.cfg.ID, err)
	}

	data := MarketData{
		Symbol:    symbol,
		Price:     derefFloat(raw.Last),
		Bid:       derefFloat(raw.Bid),
		Ask:       derefFloat(raw.Ask),
		Volume:    derefFloat(raw.BaseVolume),
		High24h:   derefFloat(raw.High),
		Low24h:    derefFloat(raw.Low),
		Change24h: derefFloat(raw.Percentage),
		Timestamp: msToTime(raw.Timestamp),
		Source:    a.cfg.ID,
	}

	if data.Price <= 0 {
		return MarketData{}, apperr.Data("malformed_ticker",
			fmt.Sprintf("交易所 %s 返回的 %s 行情缺少有效价格", a.cfg.ID, symbol))
	}

	return data, nil
}

// OrderBook 拉取订单簿快照。
func (a *CCXTAdapter) OrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	api, err := a.publicAPI()
	if err != nil {
		return OrderBook{}, err
	}
	if depth <= 0 {
		depth = 10
	}

	var raw ccxt.OrderBook
	err = a.callWithRetry(ctx, "fetch_order_book", func() error {
		var callErr error
		raw, callErr = api.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(int64(depth)))
		return callErr
	})
	if err != nil {
		return OrderBook{}, apperr.FromCCXT(a.cfg.ID, err)
	}

	return convertOrderBook(a.cfg.ID, symbol, raw), nil
}

// Candles 拉取指定周期的K线数据。
func (a *CCXTAdapter) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	api, err := a.publicAPI()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err = a.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		var callErr error
		raw, callErr = api.FetchOHLCV(symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
		return callErr
	})
	if err != nil {
		return nil, apperr.FromCCXT(a.cfg.ID, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles, nil
}

// SupportedSymbols 返回交易所挂牌的交易对，首次调用后缓存。
func (a *CCXTAdapter) SupportedSymbols(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	if a.symbolsLoaded {
		out := append([]string(nil), a.symbols...)
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	bundle, err := a.publicBundle()
	if err != nil {
		return nil, err
	}

	var symbols []string
	err = a.callWithRetry(ctx, "load_markets", func() error {
		var loadErr error
		symbols, loadErr = bundle.loadSymbols()
		return loadErr
	})
	if err != nil {
		return nil, apperr.FromCCXT(a.cfg.ID, err)
	}

	a.mu.Lock()
	a.symbols = symbols
	a.symbolsLoaded = true
	a.mu.Unlock()

	return append([]string(nil), symbols...), nil
}

// PlaceOrder 提交订单。只发起一次网络调用，失败不重试，由调用方决定是否重发。
func (a *CCXTAdapter) PlaceOrder(ctx context.Context, order Order) (ExecutionResult, error) {
	api, err := a.tradingAPI()
	if err != nil {
		return ExecutionResult{}, err
	}

	if order.Amount <= 0 {
		return ExecutionResult{}, apperr.Validation("invalid_amount", "下单数量必须为正")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return ExecutionResult{}, fmt.Errorf("adapter: 等待请求配额失败: %w", err)
	}

	var raw ccxt.Order
	start := time.Now()
	err = a.invoke(ctx, func() error {
		var callErr error
		switch order.Type {
		case OrderTypeMarket:
			raw, callErr = api.CreateMarketOrder(order.Symbol, string(order.Side), order.Amount)
		case OrderTypeLimit:
			if order.Price <= 0 {
				return apperr.Validation("missing_limit_price", "限价单必须指定价格")
			}
			raw, callErr = api.CreateLimitOrder(order.Symbol, string(order.Side), order.Amount, order.Price)
		default:
			return apperr.Validation("unsupported_order_type",
				fmt.Sprintf("不支持的订单类型 %s", order.Type))
		}
		return callErr
	})
	latency := time.Since(start)

	if err != nil {
		var gwErr *apperr.Error
		if errors.As(err, &gwErr) && gwErr.Kind == apperr.KindValidation {
			return ExecutionResult{}, err
		}
		a.logger.Error("下单失败",
			zap.String("symbol", order.Symbol),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return ExecutionResult{}, apperr.FromCCXT(a.cfg.ID, err)
	}

	result := convertExecution(a.cfg.ID, order.ClientOrderID, a.cfg.BaseCurrency, raw)
	a.logger.Info("下单完成",
		zap.String("symbol", order.Symbol),
		zap.String("order_id", result.OrderID),
		zap.String("status", result.Status),
		zap.Duration("latency", latency),
	)
	return result, nil
}

// CancelOrder 请求撤销挂单。
func (a *CCXTAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	api, err := a.tradingAPI()
	if err != nil {
		return err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("adapter: 等待请求配额失败: %w", err)
	}

	err = a.invoke(ctx, func() error {
		_, callErr := api.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return callErr
	})
	if err != nil {
		return apperr.FromCCXT(a.cfg.ID, err)
	}

	a.logger.Info("撤单完成", zap.String("order_id", orderID), zap.String("symbol", symbol))
	return nil
}

// AccountInfo 返回账户余额快照。
func (a *CCXTAdapter) AccountInfo(ctx context.Context) (AccountInfo, error) {
	api, err := a.tradingAPI()
	if err != nil {
		return AccountInfo{}, err
	}

	var raw ccxt.Balances
	err = a.callWithRetry(ctx, "fetch_balance", func() error {
		var callErr error
		raw, callErr = api.FetchBalance()
		return callErr
	})
	if err != nil {
		return AccountInfo{}, apperr.FromCCXT(a.cfg.ID, err)
	}

	info := AccountInfo{
		Exchange:  a.cfg.ID,
		Balances:  make(map[string]AssetBalance),
		UpdatedAt: time.Now().UTC(),
	}
	if raw.Total != nil {
		for code, total := range raw.Total {
			if total == nil || *total <= 0 {
				continue
			}
			entry := info.Balances[code]
			entry.Total = *total
			info.Balances[code] = entry
		}
	}
	if raw.Free != nil {
		for code, free := range raw.Free {
			if free == nil {
				continue
			}
			entry, ok := info.Balances[code]
			if !ok && *free <= 0 {
				continue
			}
			entry.Free = *free
			info.Balances[code] = entry
		}
	}

	return info, nil
}

// Positions 返回当前持仓。
func (a *CCXTAdapter) Positions(ctx context.Context) ([]Position, error) {
	api, err := a.tradingAPI()
	if err != nil {
		return nil, err
	}

	var raw []ccxt.Position
	err = a.callWithRetry(ctx, "fetch_positions", func() error {
		var callErr error
		raw, callErr = api.FetchPositions()
		return callErr
	})
	if err != nil {
		return nil, apperr.FromCCXT(a.cfg.ID, err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		size := derefFloat(p.Contracts)
		if size == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:        derefString(p.Symbol),
			Side:          derefString(p.Side),
			Size:          size,
			EntryPrice:    derefFloat(p.EntryPrice),
			MarkPrice:     derefFloat(p.MarkPrice),
			UnrealizedPnL: derefFloat(p.UnrealizedPnl),
			Leverage:      derefFloat(p.Leverage),
			Timestamp:     time.Now().UTC(),
		})
	}
	return positions, nil
}

func (a *CCXTAdapter) newBundle(creds credential.Credentials) (*clientBundle, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"timeout":         int64(a.cfg.RequestTimeout / time.Millisecond),
	}
	if creds.APIKey != "" {
		userConfig["apiKey"] = creds.APIKey
	}
	if creds.APISecret != "" {
		userConfig["secret"] = creds.APISecret
	}
	if creds.Passphrase != "" {
		userConfig["password"] = creds.Passphrase
	}

	bundle, err := a.build(userConfig)
	if err != nil {
		return nil, err
	}
	if a.sandbox {
		bundle.setSandbox(true)
	}
	return bundle, nil
}

func (a *CCXTAdapter) publicBundle() (*clientBundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.trading != nil {
		return a.trading, nil
	}
	if a.public == nil {
		bundle, err := a.newBundle(credential.Credentials{})
		if err != nil {
			return nil, err
		}
		a.public = bundle
	}
	return a.public, nil
}

func (a *CCXTAdapter) publicAPI() (nativeClient, error) {
	bundle, err := a.publicBundle()
	if err != nil {
		return nil, err
	}
	return bundle.api, nil
}

func (a *CCXTAdapter) tradingAPI() (nativeClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trading == nil {
		return nil, apperr.Authentication("session_not_established",
			fmt.Sprintf("交易所 %s 尚未建立交易会话", a.cfg.ID))
	}
	return a.trading.api, nil
}

// invoke 在有限时间内执行一次阻塞调用。超时后调用在后台完成并被丢弃。
func (a *CCXTAdapter) invoke(ctx context.Context, fn func() error) error {
	timeout := a.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case <-callCtx.Done():
		return apperr.Connection("exchange_timeout",
			fmt.Sprintf("交易所 %s 请求超时", a.cfg.ID)).WithCause(callCtx.Err())
	case err := <-done:
		return err
	}
}

// callWithRetry 对可重试错误按指数退避重试，行为与重试参数由配置决定。
func (a *CCXTAdapter) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := a.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := a.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := a.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("adapter: 等待请求配额失败: %w", err)
		}

		attempt++
		start := time.Now()
		err := a.invoke(ctx, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				a.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !apperr.IsRetryable(err) || attempt >= maxAttempts {
			a.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		a.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func convertOrderBook(exchangeID, symbol string, ob ccxt.OrderBook) OrderBook {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	return OrderBook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: msToTime(ob.Timestamp),
		Source:    exchangeID,
	}
}

// convertExecution 归一化 ccxt 订单回执。ccxt 的 Fee 只携带费率和金额，
// 手续费货币按交易所结算货币记。
func convertExecution(exchangeID, clientOrderID, settlementCurrency string, raw ccxt.Order) ExecutionResult {
	status := derefString(raw.Status)
	if status == "" {
		status = "open"
	}

	commission := derefFloat(raw.Fee.Cost)
	commissionCcy := ""
	if commission != 0 {
		commissionCcy = settlementCurrency
	}

	return ExecutionResult{
		OrderID:       derefString(raw.Id),
		ClientOrderID: clientOrderID,
		Status:        status,
		FilledAmount:  derefFloat(raw.Filled),
		AveragePrice:  derefFloat(raw.Average),
		Commission:    commission,
		CommissionCcy: commissionCcy,
		Timestamp:     msToTime(raw.Timestamp),
		Exchange:      exchangeID,
	}
}

func symbolsOf[M any](markets map[string]M, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(markets))
	for symbol := range markets {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out, nil
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func msToTime(ms *int64) time.Time {
	if ms == nil || *ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(*ms).UTC()
}
