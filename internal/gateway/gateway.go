// Package gateway 是对外的统一入口，组合注册表、凭证库、适配器、
// 行情路由与执行引擎，调用方不直接接触任何交易所客户端。
package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trade-gateway/internal/adapter"
	"trade-gateway/internal/apperr"
	"trade-gateway/internal/credential"
	"trade-gateway/internal/execution"
	"trade-gateway/internal/marketdata"
	"trade-gateway/internal/registry"
)

// AdapterFactory 按交易所标识提供适配器。
type AdapterFactory interface {
	Get(exchangeID string) (adapter.Adapter, error)
}

// CredentialStore 是网关依赖的凭证库能力。
type CredentialStore interface {
	Store(ctx context.Context, exchangeID string, creds credential.Credentials) error
	Retrieve(ctx context.Context, exchangeID string) (credential.Credentials, error)
	Validate(ctx context.Context, exchangeID string) (bool, error)
	IsValid(ctx context.Context, exchangeID string) (bool, error)
	Delete(ctx context.Context, exchangeID string) error
	Configured(ctx context.Context, exchangeID string) (bool, error)
}

// Gateway 聚合全部子系统并暴露面向调用方的操作。
type Gateway struct {
	registry  *registry.Registry
	creds     CredentialStore
	factory   AdapterFactory
	router    *marketdata.Router
	engine    *execution.Engine
	logger    *zap.Logger
	timeframe map[string]struct{}
}

// 支持的K线周期，交易所之间取交集。
var supportedTimeframes = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}

// New 构建网关。engine 依赖网关的 Trading 方法获取已连接的适配器，
// 因此由调用方在网关构建后注入。
func New(reg *registry.Registry, creds CredentialStore, factory AdapterFactory, router *marketdata.Router, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	tf := make(map[string]struct{}, len(supportedTimeframes))
	for _, t := range supportedTimeframes {
		tf[t] = struct{}{}
	}
	return &Gateway{
		registry:  reg,
		creds:     creds,
		factory:   factory,
		router:    router,
		logger:    logger,
		timeframe: tf,
	}
}

// AttachEngine 注入执行引擎。
func (g *Gateway) AttachEngine(engine *execution.Engine) {
	g.engine = engine
}

// ListExchanges 返回目录中的全部交易所。
func (g *Gateway) ListExchanges() []registry.ExchangeInfo {
	return g.registry.List()
}

// SelectExchange 切换当前交易所。
func (g *Gateway) SelectExchange(ctx context.Context, exchangeID string) error {
	return g.registry.Select(ctx, exchangeID)
}

// SetDefaultExchange 设置启动时使用的默认交易所。
func (g *Gateway) SetDefaultExchange(ctx context.Context, exchangeID string) error {
	return g.registry.SetDefault(ctx, exchangeID)
}

// SetLiveTrading 切换实盘开关。
func (g *Gateway) SetLiveTrading(ctx context.Context, enabled bool) error {
	return g.registry.SetLiveTrading(ctx, enabled)
}

// SetSourceOverride 为交易对指定固定行情来源，传空交易所标识清除。
func (g *Gateway) SetSourceOverride(ctx context.Context, symbol, exchangeID string) error {
	return g.registry.SetSourceOverride(ctx, symbol, exchangeID)
}

// ValidateCapability 确认交易所支持指定资产类别，配置前的纯元数据校验。
func (g *Gateway) ValidateCapability(exchangeID string, class registry.AssetClass) bool {
	return g.registry.ValidateCapability(exchangeID, class)
}

// ConfigureCredentials 加密保存交易所凭证。保存后凭证处于未验证状态，
// 需要 TestConnection 通过后才能下单。
func (g *Gateway) ConfigureCredentials(ctx context.Context, exchangeID string, creds credential.Credentials) error {
	if _, err := g.registry.Get(exchangeID); err != nil {
		return err
	}
	return g.creds.Store(ctx, exchangeID, creds)
}

// RemoveCredentials 删除交易所凭证。
func (g *Gateway) RemoveCredentials(ctx context.Context, exchangeID string) error {
	return g.creds.Delete(ctx, exchangeID)
}

// TestConnection 用已保存的凭证做一次鉴权调用并记录验证结果。
func (g *Gateway) TestConnection(ctx context.Context, exchangeID string) (bool, error) {
	if _, err := g.registry.Get(exchangeID); err != nil {
		return false, err
	}
	return g.creds.Validate(ctx, exchangeID)
}

// GetMarketData 返回交易对行情，来源由路由器按健康度决定。
func (g *Gateway) GetMarketData(ctx context.Context, symbol string) (adapter.MarketData, error) {
	if symbol == "" {
		return adapter.MarketData{}, apperr.Validation("missing_symbol", "交易对不能为空")
	}
	return g.router.MarketData(ctx, symbol)
}

// GetOrderBook 返回订单簿快照。
func (g *Gateway) GetOrderBook(ctx context.Context, symbol string) (adapter.OrderBook, error) {
	if symbol == "" {
		return adapter.OrderBook{}, apperr.Validation("missing_symbol", "交易对不能为空")
	}
	return g.router.OrderBook(ctx, symbol)
}

// GetPriceHistory 返回历史K线。
func (g *Gateway) GetPriceHistory(ctx context.Context, symbol, timeframe string, limit int) ([]adapter.Candle, error) {
	if symbol == "" {
		return nil, apperr.Validation("missing_symbol", "交易对不能为空")
	}
	if _, ok := g.timeframe[timeframe]; !ok {
		return nil, apperr.Validation("unsupported_timeframe",
			fmt.Sprintf("不支持的K线周期 %s", timeframe))
	}
	if limit <= 0 || limit > 1000 {
		return nil, apperr.Validation("invalid_limit", "K线条数必须在 1 到 1000 之间")
	}
	return g.router.Candles(ctx, symbol, timeframe, limit)
}

// SubmitOrder 执行订单。
func (g *Gateway) SubmitOrder(ctx context.Context, order adapter.Order) (execution.Record, error) {
	return g.engine.Submit(ctx, order)
}

// CancelOrder 撤销挂单。
func (g *Gateway) CancelOrder(ctx context.Context, clientOrderID string) (execution.Record, error) {
	return g.engine.Cancel(ctx, clientOrderID)
}

// GetOrder 查询订单记录。
func (g *Gateway) GetOrder(clientOrderID string) (execution.Record, error) {
	return g.engine.Order(clientOrderID)
}

// ListOrders 返回全部订单记录。
func (g *Gateway) ListOrders() []execution.Record {
	return g.engine.Orders()
}

// GetAccountBalance 返回账户余额，exchangeID 为空时查当前选中交易所。
func (g *Gateway) GetAccountBalance(ctx context.Context, exchangeID string) (adapter.AccountInfo, error) {
	trading, err := g.Trading(ctx, g.resolveExchange(exchangeID))
	if err != nil {
		return adapter.AccountInfo{}, err
	}
	return trading.AccountInfo(ctx)
}

// GetOpenPositions 返回当前持仓，exchangeID 为空时查当前选中交易所。
func (g *Gateway) GetOpenPositions(ctx context.Context, exchangeID string) ([]adapter.Position, error) {
	trading, err := g.Trading(ctx, g.resolveExchange(exchangeID))
	if err != nil {
		return nil, err
	}
	return trading.Positions(ctx)
}

// SourceStatus 返回行情来源的健康度快照。
func (g *Gateway) SourceStatus() []marketdata.SourceStatus {
	return g.router.SourceStatus()
}

// Trading 返回已建立交易会话的适配器，首次访问时取出凭证建连。
func (g *Gateway) Trading(ctx context.Context, exchangeID string) (adapter.Adapter, error) {
	a, err := g.factory.Get(exchangeID)
	if err != nil {
		return nil, err
	}
	if a.Connected() {
		return a, nil
	}

	creds, err := g.creds.Retrieve(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	defer creds.Wipe()

	if err := a.Connect(ctx, creds); err != nil {
		return nil, err
	}
	return a, nil
}

func (g *Gateway) resolveExchange(exchangeID string) string {
	if exchangeID != "" {
		return exchangeID
	}
	return g.registry.SelectedID()
}
