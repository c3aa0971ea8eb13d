// Package currency 在订单货币与交易所结算货币之间换算金额。
// 汇率不可用或已过期时换算直接失败，绝不退回陈旧或猜测的汇率。
package currency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-gateway/internal/apperr"
)

// RateSource 提供一对货币的即时汇率。
type RateSource interface {
	Rate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Converter 带 TTL 缓存的货币换算器，多个汇率来源按序尝试。
type Converter struct {
	sources []RateSource
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	rates map[string]cachedRate
}

// NewConverter 构建换算器。sources 按优先级排列，全部失败时换算报错。
func NewConverter(sources []RateSource, ttl time.Duration, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Converter{
		sources: sources,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		rates:   make(map[string]cachedRate),
	}
}

// Convert 把 amount 从 from 货币换算成 to 货币。
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return decimal.Zero, apperr.Validation("missing_currency", "换算货币不能为空")
	}
	if from == to {
		return amount, nil
	}

	rate, err := c.rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

// Rate 返回 base→quote 的当前汇率。
func (c *Converter) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == quote {
		return decimal.NewFromInt(1), nil
	}
	return c.rate(ctx, base, quote)
}

func (c *Converter) rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	key := base + "/" + quote

	c.mu.RLock()
	cached, ok := c.rates[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.rate, nil
	}

	for _, source := range c.sources {
		rate, err := source.Rate(ctx, base, quote)
		if err != nil {
			c.logger.Debug("汇率来源失败",
				zap.String("pair", key), zap.Error(err))
			continue
		}
		if rate.Sign() <= 0 {
			c.logger.Warn("汇率来源返回非正汇率",
				zap.String("pair", key), zap.String("rate", rate.String()))
			continue
		}

		c.mu.Lock()
		c.rates[key] = cachedRate{rate: rate, fetchedAt: c.now()}
		c.mu.Unlock()
		return rate, nil
	}

	// 倒数关系可以由反向缓存推出，仍在有效期内才可用。
	inverseKey := quote + "/" + base
	c.mu.RLock()
	inverse, ok := c.rates[inverseKey]
	c.mu.RUnlock()
	if ok && c.now().Sub(inverse.fetchedAt) < c.ttl && inverse.rate.Sign() > 0 {
		return decimal.NewFromInt(1).Div(inverse.rate), nil
	}

	return decimal.Zero, apperr.RateUnavailable("rate_unavailable",
		fmt.Sprintf("无法获取 %s 到 %s 的有效汇率", base, quote))
}

// StaticSource 使用配置中的固定汇率表，作为行情来源不可用时的后备。
type StaticSource struct {
	rates map[string]decimal.Decimal
}

// NewStaticSource 从 "BASE/QUOTE"→rate 的映射构建静态汇率来源。
func NewStaticSource(rates map[string]float64) *StaticSource {
	table := make(map[string]decimal.Decimal, len(rates))
	for pair, rate := range rates {
		if rate <= 0 {
			continue
		}
		table[strings.ToUpper(strings.TrimSpace(pair))] = decimal.NewFromFloat(rate)
	}
	return &StaticSource{rates: table}
}

// Rate 查静态表，支持反向对。
func (s *StaticSource) Rate(_ context.Context, base, quote string) (decimal.Decimal, error) {
	if rate, ok := s.rates[base+"/"+quote]; ok {
		return rate, nil
	}
	if rate, ok := s.rates[quote+"/"+base]; ok && rate.Sign() > 0 {
		return decimal.NewFromInt(1).Div(rate), nil
	}
	return decimal.Zero, apperr.RateUnavailable("static_rate_missing",
		fmt.Sprintf("静态汇率表中没有 %s/%s", base, quote))
}

// TickerRate 把行情价格源当作汇率来源，适用于交易所挂牌的法币/稳定币对，
// 例如用 USDT/INR 行情推导 USD 和 INR 间的近似汇率。
type TickerRate interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// MarketSource 通过行情路由器报价换算汇率。
type MarketSource struct {
	ticker TickerRate
	// pairs 把货币对映射到行情交易对，如 "USDT/INR" → "USDT/INR"。
	pairs map[string]string
}

// NewMarketSource 构建行情驱动的汇率来源。
func NewMarketSource(ticker TickerRate, pairs map[string]string) *MarketSource {
	normalized := make(map[string]string, len(pairs))
	for pair, symbol := range pairs {
		normalized[strings.ToUpper(strings.TrimSpace(pair))] = symbol
	}
	return &MarketSource{ticker: ticker, pairs: normalized}
}

// Rate 查行情获得汇率，支持反向对。
func (m *MarketSource) Rate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	if symbol, ok := m.pairs[base+"/"+quote]; ok {
		price, err := m.ticker.LastPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromFloat(price), nil
	}
	if symbol, ok := m.pairs[quote+"/"+base]; ok {
		price, err := m.ticker.LastPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if price <= 0 {
			return decimal.Zero, apperr.RateUnavailable("bad_market_rate",
				fmt.Sprintf("行情 %s 价格非正", symbol))
		}
		return decimal.NewFromInt(1).Div(decimal.NewFromFloat(price)), nil
	}
	return decimal.Zero, apperr.RateUnavailable("market_pair_missing",
		fmt.Sprintf("没有对应 %s/%s 的行情交易对", base, quote))
}
