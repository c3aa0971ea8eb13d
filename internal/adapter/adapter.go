// Package adapter 定义统一的交易所适配器契约。具体交易所只在鉴权方式、
// 结算货币与符号命名等细节上不同，契约本身固定，新增交易所只需实现
// 一个适配器并在工厂中注册，调用方无需改动。
package adapter

import (
	"context"

	"trade-gateway/internal/credential"
)

// Adapter 为单一交易所的全部网关操作。实现必须自带超时与请求预算控制。
type Adapter interface {
	// ID 返回交易所标识（如 "binance"）。
	ID() string

	// SettlementCurrency 返回交易所的结算货币（如 USDT、INR）。
	SettlementCurrency() string

	// Connect 用凭证建立交易会话。凭证由调用方负责清理。
	Connect(ctx context.Context, creds credential.Credentials) error

	// Connected 返回是否已建立交易会话。
	Connected() bool

	// TestConnection 用给定凭证做一次连通性校验，不保留会话。
	TestConnection(ctx context.Context, creds credential.Credentials) error

	// MarketData 拉取交易对的最新行情。无需交易会话。
	MarketData(ctx context.Context, symbol string) (MarketData, error)

	// OrderBook 拉取订单簿快照。无需交易会话。
	OrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)

	// Candles 拉取指定周期的K线。无需交易会话。
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)

	// SupportedSymbols 返回交易所挂牌的交易对。
	SupportedSymbols(ctx context.Context) ([]string, error)

	// PlaceOrder 提交订单。实现只发起一次网络调用，绝不自行重试。
	PlaceOrder(ctx context.Context, order Order) (ExecutionResult, error)

	// CancelOrder 请求撤销挂单。这是一次独立的网络操作。
	CancelOrder(ctx context.Context, orderID, symbol string) error

	// AccountInfo 返回账户余额快照。需要交易会话。
	AccountInfo(ctx context.Context) (AccountInfo, error)

	// Positions 返回当前持仓。需要交易会话。
	Positions(ctx context.Context) ([]Position, error)
}
