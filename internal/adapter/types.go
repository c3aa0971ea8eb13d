package adapter

import "time"

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// MarketData 为单个交易对的行情快照，每次拉取重新生成。
type MarketData struct {
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Volume    float64
	High24h   float64
	Low24h    float64
	Change24h float64
	Timestamp time.Time
	Source    string // 提供数据的交易所 id
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBook 为订单簿快照。
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
	Source    string
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Order 描述一笔待提交的委托，由调用方创建、执行引擎一次性消费。
type Order struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Amount        float64
	Price         float64 // 限价单必填
	Currency      string  // 金额计价货币，空表示交易所结算货币
	Exchange      string  // 目标交易所，空表示当前选中交易所
	ClientOrderID string
}

// ExecutionResult 为订单执行的终态结果，返回后不再变化。
type ExecutionResult struct {
	OrderID       string
	ClientOrderID string
	Status        string
	FilledAmount  float64
	AveragePrice  float64
	Commission    float64
	CommissionCcy string
	Timestamp     time.Time
	Exchange      string
}

// AssetBalance 为单一币种的余额。
type AssetBalance struct {
	Free  float64
	Total float64
}

// AccountInfo 为账户余额快照。
type AccountInfo struct {
	Exchange  string
	Balances  map[string]AssetBalance
	UpdatedAt time.Time
}

// Position 表示单个持仓。
type Position struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
	Timestamp     time.Time
}
