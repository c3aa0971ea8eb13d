package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trade-gateway/internal/adapter"
	"trade-gateway/internal/config"
	"trade-gateway/internal/credential"
	"trade-gateway/internal/currency"
	"trade-gateway/internal/execution"
	"trade-gateway/internal/gateway"
	"trade-gateway/internal/marketdata"
	"trade-gateway/internal/registry"
	"trade-gateway/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// adapterTester 让凭证库通过适配器做真实的鉴权调用。
type adapterTester struct {
	factory *adapter.Factory
}

func (t *adapterTester) TestConnection(ctx context.Context, exchangeID string, creds credential.Credentials) error {
	a, err := t.factory.Get(exchangeID)
	if err != nil {
		return err
	}
	return a.TestConnection(ctx, creds)
}

// routerTicker 把行情路由器当作汇率的价格来源。
type routerTicker struct {
	router *marketdata.Router
}

func (t *routerTicker) LastPrice(ctx context.Context, symbol string) (float64, error) {
	data, err := t.router.MarketData(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return data.Price, nil
}

// Build 组装网关及其全部子系统。
func (a *App) Build(ctx context.Context) (*gateway.Gateway, *marketdata.Router, error) {
	prefStore, err := registry.NewSQLitePreferenceStore(a.store.DB())
	if err != nil {
		return nil, nil, fmt.Errorf("app: 初始化偏好存储失败: %w", err)
	}

	reg, err := registry.NewRegistry(ctx, registry.FromConfig(a.cfg.Exchanges),
		a.cfg.App.DefaultExchange, prefStore, a.logger)
	if err != nil {
		return nil, nil, err
	}

	live := a.cfg.App.LiveTrading || reg.Preference().LiveTrading
	factory := adapter.NewFactory(a.cfg.Exchanges, live, a.logger)

	credStore, err := credential.NewStore(a.store.DB(), a.cfg.Credential.MasterPassword,
		&adapterTester{factory: factory}, a.logger)
	if err != nil {
		return nil, nil, err
	}

	router := marketdata.NewRouter(a.cfg.Router, reg, a.logger)
	for _, id := range factory.Implemented() {
		source, err := factory.Get(id)
		if err != nil {
			a.logger.Warn("行情来源初始化失败", zap.String("exchange", id), zap.Error(err))
			continue
		}
		router.AddSource(source)
	}

	// 汇率优先用交易所挂牌的行情对推导，拿不到时退回配置的静态汇率。
	pairs := make(map[string]string, len(a.cfg.Converter.StaticRates))
	for pair := range a.cfg.Converter.StaticRates {
		pairs[pair] = pair
	}
	converter := currency.NewConverter([]currency.RateSource{
		currency.NewMarketSource(&routerTicker{router: router}, pairs),
		currency.NewStaticSource(a.cfg.Converter.StaticRates),
	}, a.cfg.Converter.RateTTL, a.logger)

	gw := gateway.New(reg, credStore, factory, router, a.logger)
	gw.AttachEngine(execution.NewEngine(credStore, converter, gw, reg, a.logger))
	return gw, router, nil
}

// Run 构建网关后阻塞运行，周期性输出行情来源的健康度。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易网关已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("default_exchange", a.cfg.App.DefaultExchange),
		zap.Int("exchanges", len(a.cfg.Exchanges)),
		zap.Bool("live_trading", a.cfg.App.LiveTrading),
	)

	gw, router, err := a.Build(ctx)
	if err != nil {
		return err
	}

	symbols := a.watchedSymbols()
	router.RefreshCoverage(ctx, symbols)
	a.logger.Info("行情来源覆盖率已刷新", zap.Int("symbols", len(symbols)))

	interval := a.cfg.App.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			for _, status := range gw.SourceStatus() {
				a.logger.Info("行情来源状态",
					zap.String("source", status.ID),
					zap.Float64("score", status.Score),
					zap.Float64("reliability", status.Reliability),
					zap.Duration("latency", status.Latency),
					zap.Float64("coverage", status.Coverage),
					zap.Int64("failures", status.Failures),
				)
			}
		}
	}
}

func (a *App) watchedSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ex := range a.cfg.Exchanges {
		for _, symbol := range ex.Symbols {
			if _, ok := seen[symbol]; ok {
				continue
			}
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	return out
}
