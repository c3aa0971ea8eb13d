package adapter

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"trade-gateway/internal/apperr"
	"trade-gateway/internal/config"
	"trade-gateway/internal/registry"
)

// Factory 按交易所目录懒加载适配器实例，同一交易所复用同一实例。
type Factory struct {
	sandbox bool
	logger  *zap.Logger

	mu       sync.Mutex
	catalog  map[string]config.ExchangeConfig
	adapters map[string]Adapter
}

// NewFactory 构建适配器工厂。liveTrading 为假时对支持沙箱的交易所启用沙箱模式。
func NewFactory(exchanges []config.ExchangeConfig, liveTrading bool, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := make(map[string]config.ExchangeConfig, len(exchanges))
	for _, cfg := range exchanges {
		catalog[cfg.ID] = cfg
	}
	return &Factory{
		sandbox:  !liveTrading,
		logger:   logger,
		catalog:  catalog,
		adapters: make(map[string]Adapter),
	}
}

// Get 返回指定交易所的适配器，第一次访问时创建。
// 股票类交易所需要券商专用协议，ccxt 不覆盖，这里直接拒绝。
func (f *Factory) Get(exchangeID string) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.adapters[exchangeID]; ok {
		return a, nil
	}

	cfg, ok := f.catalog[exchangeID]
	if !ok {
		return nil, apperr.NotFound("exchange_not_found",
			fmt.Sprintf("交易所 %s 不在目录中", exchangeID))
	}
	if cfg.Type == string(registry.AssetStock) {
		return nil, apperr.NotFound("exchange_not_implemented",
			fmt.Sprintf("股票交易所 %s 暂无可用适配器", exchangeID))
	}

	a, err := NewCCXT(cfg, f.sandbox, f.logger)
	if err != nil {
		return nil, err
	}

	f.adapters[exchangeID] = a
	f.logger.Debug("适配器已创建",
		zap.String("exchange", exchangeID),
		zap.Bool("sandbox", f.sandbox && cfg.SandboxAvailable),
	)
	return a, nil
}

// Implemented 返回目录中有可用适配器的交易所标识。
func (f *Factory) Implemented() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.catalog))
	for id, cfg := range f.catalog {
		if cfg.Type == string(registry.AssetStock) {
			continue
		}
		if _, err := builderFor(id); err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
