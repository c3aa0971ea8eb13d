// Package marketdata 按来源健康度路由行情请求，单一来源故障时自动降级到次优来源。
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"trade-gateway/internal/adapter"
	"trade-gateway/internal/apperr"
	"trade-gateway/internal/config"
)

// 打分权重来自长期运行经验：可靠性占大头，延迟次之。
const (
	weightReliability = 0.4
	weightLatency     = 0.3
	weightCoverage    = 0.2
	weightCost        = 0.1

	// 延迟归一化上限，超过视为最差。
	latencyCeiling = 5 * time.Second

	ewmaAlpha = 0.3
)

// Source 是路由器对行情来源的最小要求，适配器天然满足。
type Source interface {
	ID() string
	MarketData(ctx context.Context, symbol string) (adapter.MarketData, error)
	OrderBook(ctx context.Context, symbol string, depth int) (adapter.OrderBook, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]adapter.Candle, error)
	SupportedSymbols(ctx context.Context) ([]string, error)
}

// Preferences 提供用户对来源的显式偏好。
type Preferences interface {
	SourceOverride(symbol string) (string, bool)
	SelectedID() string
}

type sourceState struct {
	source      Source
	reliability float64
	latency     time.Duration
	coverage    float64
	cost        float64
	successes   int64
	failures    int64
	lastError   string
	symbols     map[string]struct{}
}

// SourceStatus 是单个来源的健康度快照。
type SourceStatus struct {
	ID          string
	Reliability float64
	Latency     time.Duration
	Coverage    float64
	Score       float64
	Successes   int64
	Failures    int64
	LastError   string
}

// Router 按综合得分排序来源，逐个尝试直到成功。
type Router struct {
	cfg    config.RouterConfig
	prefs  Preferences
	logger *zap.Logger

	mu      sync.RWMutex
	states  map[string]*sourceState
	order   []string
	cache   *ttlCache
	flights singleflight.Group
}

// NewRouter 构建行情路由器，来源随后通过 AddSource 注册。
func NewRouter(cfg config.RouterConfig, prefs Preferences, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Router{
		cfg:    cfg,
		prefs:  prefs,
		logger: logger,
		states: make(map[string]*sourceState),
		cache:  newTTLCache(ttl),
	}
}

// AddSource 注册行情来源。新来源初始视为完全健康。
func (r *Router) AddSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.ID()
	if _, ok := r.states[id]; ok {
		return
	}
	r.states[id] = &sourceState{
		source:      s,
		reliability: 1.0,
		coverage:    1.0,
		cost:        1.0,
	}
	r.order = append(r.order, id)
}

// MarketData 返回指定交易对的行情，优先命中缓存。
func (r *Router) MarketData(ctx context.Context, symbol string) (adapter.MarketData, error) {
	key := "ticker/" + symbol
	if cached, _, ok := r.cache.get(key); ok {
		return cached.(adapter.MarketData), nil
	}

	value, err, _ := r.flights.Do(key, func() (interface{}, error) {
		if cached, _, ok := r.cache.get(key); ok {
			return cached, nil
		}
		data, err := fetchRanked(ctx, r, symbol, func(ctx context.Context, s Source) (adapter.MarketData, error) {
			return s.MarketData(ctx, symbol)
		})
		if err != nil {
			return nil, err
		}
		r.cache.put(key, data.Source, data)
		return data, nil
	})
	if err != nil {
		return adapter.MarketData{}, err
	}
	return value.(adapter.MarketData), nil
}

// OrderBook 返回订单簿快照。
func (r *Router) OrderBook(ctx context.Context, symbol string) (adapter.OrderBook, error) {
	key := "book/" + symbol
	if cached, _, ok := r.cache.get(key); ok {
		return cached.(adapter.OrderBook), nil
	}

	depth := r.cfg.OrderBookDepth
	value, err, _ := r.flights.Do(key, func() (interface{}, error) {
		if cached, _, ok := r.cache.get(key); ok {
			return cached, nil
		}
		book, err := fetchRanked(ctx, r, symbol, func(ctx context.Context, s Source) (adapter.OrderBook, error) {
			return s.OrderBook(ctx, symbol, depth)
		})
		if err != nil {
			return nil, err
		}
		r.cache.put(key, book.Source, book)
		return book, nil
	})
	if err != nil {
		return adapter.OrderBook{}, err
	}
	return value.(adapter.OrderBook), nil
}

// Candles 返回历史K线。
func (r *Router) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]adapter.Candle, error) {
	key := fmt.Sprintf("candles/%s/%s/%d", symbol, timeframe, limit)
	if cached, _, ok := r.cache.get(key); ok {
		return cached.([]adapter.Candle), nil
	}

	value, err, _ := r.flights.Do(key, func() (interface{}, error) {
		if cached, _, ok := r.cache.get(key); ok {
			return cached, nil
		}
		candles, err := fetchRanked(ctx, r, symbol, func(ctx context.Context, s Source) ([]adapter.Candle, error) {
			return s.Candles(ctx, symbol, timeframe, limit)
		})
		if err != nil {
			return nil, err
		}
		r.cache.put(key, "", candles)
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]adapter.Candle), nil
}

// fetchRanked 按得分顺序逐个来源尝试，全部耗尽时返回列出所有来源的数据错误。
func fetchRanked[T any](ctx context.Context, r *Router, symbol string, fetch func(context.Context, Source) (T, error)) (T, error) {
	var zero T

	ranked := r.rankedSources(symbol)
	if len(ranked) == 0 {
		return zero, apperr.Data("no_sources",
			fmt.Sprintf("没有支持 %s 的行情来源", symbol))
	}

	timeout := r.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var errs error
	tried := make([]string, 0, len(ranked))
	for i, s := range ranked {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		tried = append(tried, s.ID())
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		result, err := fetch(fetchCtx, s)
		latency := time.Since(start)
		cancel()

		if err == nil {
			r.recordSuccess(s.ID(), latency)
			return result, nil
		}

		r.recordFailure(s.ID(), err)
		// 后面还有候选来源时标记可降级，诊断时能区分中途失败和最终失败。
		var appErr *apperr.Error
		if i < len(ranked)-1 && errors.As(err, &appErr) {
			err = appErr.WithFallback()
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.ID(), err))
		r.logger.Warn("行情来源失败，切换下一来源",
			zap.String("source", s.ID()),
			zap.String("symbol", symbol),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	}

	return zero, apperr.Data("sources_exhausted",
		fmt.Sprintf("全部行情来源获取 %s 失败: %s", symbol, strings.Join(tried, ", "))).
		WithCause(errs)
}

// rankedSources 返回按优先级排列的来源。用户指定的来源永远排第一，
// 其余按综合得分降序，得分相同优先当前选中的交易所。
func (r *Router) rankedSources(symbol string) []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var overrideID string
	var selectedID string
	if r.prefs != nil {
		if id, ok := r.prefs.SourceOverride(symbol); ok {
			overrideID = id
		}
		selectedID = r.prefs.SelectedID()
	}

	type scored struct {
		state *sourceState
		score float64
	}
	candidates := make([]scored, 0, len(r.order))
	var override *sourceState

	for _, id := range r.order {
		state := r.states[id]
		if !state.supports(symbol) {
			continue
		}
		if id == overrideID {
			override = state
			continue
		}
		candidates = append(candidates, scored{state: state, score: state.score()})
	}

	// 选中的交易所先进列表，稳定排序保证同分时它排在前面。
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].state.source.ID() == selectedID &&
				candidates[j].state.source.ID() != selectedID
		}
		return candidates[i].score > candidates[j].score
	})

	out := make([]Source, 0, len(candidates)+1)
	if override != nil {
		out = append(out, override.source)
	}
	for _, c := range candidates {
		out = append(out, c.state.source)
	}
	return out
}

func (r *Router) recordSuccess(id string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[id]
	if !ok {
		return
	}
	state.successes++
	state.reliability += r.recoveryStep() * (1 - state.reliability)
	if state.latency == 0 {
		state.latency = latency
	} else {
		state.latency = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(state.latency))
	}
	state.lastError = ""
}

func (r *Router) recordFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[id]
	if !ok {
		return
	}
	state.failures++
	state.reliability *= r.decayFactor()
	state.lastError = err.Error()
}

func (r *Router) decayFactor() float64 {
	if r.cfg.DecayFactor > 0 && r.cfg.DecayFactor < 1 {
		return r.cfg.DecayFactor
	}
	return 0.5
}

func (r *Router) recoveryStep() float64 {
	if r.cfg.RecoveryStep > 0 && r.cfg.RecoveryStep <= 1 {
		return r.cfg.RecoveryStep
	}
	return 0.2
}

// RefreshCoverage 拉取各来源的交易对清单并更新覆盖率。
// symbols 是网关关心的交易对全集，来源支持的比例即覆盖率。
func (r *Router) RefreshCoverage(ctx context.Context, symbols []string) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		state := r.states[id]
		r.mu.RUnlock()

		supported, err := state.source.SupportedSymbols(ctx)
		if err != nil {
			r.logger.Warn("获取来源交易对清单失败",
				zap.String("source", id), zap.Error(err))
			continue
		}

		set := make(map[string]struct{}, len(supported))
		for _, s := range supported {
			set[s] = struct{}{}
		}

		covered := 0
		for _, s := range symbols {
			if _, ok := set[s]; ok {
				covered++
			}
		}
		coverage := 1.0
		if len(symbols) > 0 {
			coverage = float64(covered) / float64(len(symbols))
		}

		r.mu.Lock()
		state.symbols = set
		state.coverage = coverage
		r.mu.Unlock()
	}
}

// SymbolSources 返回已知支持该交易对的来源标识。
func (r *Router) SymbolSources(symbol string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.states[id].supports(symbol) {
			out = append(out, id)
		}
	}
	return out
}

// SourceStatus 返回全部来源的健康度快照，按得分降序。
func (r *Router) SourceStatus() []SourceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SourceStatus, 0, len(r.order))
	for _, id := range r.order {
		state := r.states[id]
		out = append(out, SourceStatus{
			ID:          id,
			Reliability: state.reliability,
			Latency:     state.latency,
			Coverage:    state.coverage,
			Score:       state.score(),
			Successes:   state.successes,
			Failures:    state.failures,
			LastError:   state.lastError,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Invalidate 清除指定交易对的行情缓存。
func (r *Router) Invalidate(symbol string) {
	r.cache.invalidate("ticker/" + symbol)
	r.cache.invalidate("book/" + symbol)
}

func (s *sourceState) score() float64 {
	latNorm := float64(s.latency) / float64(latencyCeiling)
	if latNorm > 1 {
		latNorm = 1
	}
	return weightReliability*s.reliability +
		weightLatency*(1-latNorm) +
		weightCoverage*s.coverage +
		weightCost*s.cost
}

// supports 在清单未知时放行，由实际调用判定。
func (s *sourceState) supports(symbol string) bool {
	if s.symbols == nil {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}
