package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"trade-gateway/internal/apperr"
)

// PreferenceStore 持久化用户的交易所偏好。
type PreferenceStore interface {
	Load(ctx context.Context) (Preference, bool, error)
	Save(ctx context.Context, pref Preference) error
}

// Registry 维护交易所目录与用户偏好。目录在构造后只读，偏好修改
// 先持久化成功再提交到内存，保证失败时原有选择不变。
type Registry struct {
	catalog map[string]ExchangeInfo
	order   []string

	mu    sync.RWMutex
	pref  Preference
	store PreferenceStore

	logger *zap.Logger
}

// NewRegistry 加载目录并恢复持久化的用户偏好。
func NewRegistry(ctx context.Context, infos []ExchangeInfo, defaultExchange string, store PreferenceStore, logger *zap.Logger) (*Registry, error) {
	if len(infos) == 0 {
		return nil, fmt.Errorf("registry: 交易所目录不能为空")
	}
	if store == nil {
		return nil, fmt.Errorf("registry: 偏好存储不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog := make(map[string]ExchangeInfo, len(infos))
	order := make([]string, 0, len(infos))
	for _, info := range infos {
		if _, dup := catalog[info.ID]; dup {
			return nil, fmt.Errorf("registry: 交易所 %q 重复", info.ID)
		}
		catalog[info.ID] = info
		order = append(order, info.ID)
	}

	pref, found, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: 加载用户偏好失败: %w", err)
	}
	if pref.SourceOverrides == nil {
		pref.SourceOverrides = make(map[string]string)
	}

	if !found || pref.Selected == "" {
		if defaultExchange == "" {
			defaultExchange = order[0]
		}
		pref.Selected = defaultExchange
		pref.Default = defaultExchange
	}

	// 持久化的选择可能指向已从目录移除的交易所
	if _, ok := catalog[pref.Selected]; !ok {
		logger.Warn("持久化的交易所选择已失效，回退到目录首项",
			zap.String("selected", pref.Selected))
		pref.Selected = order[0]
	}
	if _, ok := catalog[pref.Default]; !ok {
		pref.Default = pref.Selected
	}

	r := &Registry{
		catalog: catalog,
		order:   order,
		pref:    pref,
		store:   store,
		logger:  logger,
	}

	logger.Info("交易所目录加载完成",
		zap.Int("exchanges", len(order)),
		zap.String("selected", pref.Selected),
	)

	return r, nil
}

// List 返回目录中的全部交易所，顺序与配置一致。
func (r *Registry) List() []ExchangeInfo {
	out := make([]ExchangeInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.catalog[id])
	}
	return out
}

// Get 返回指定交易所的目录记录。
func (r *Registry) Get(id string) (ExchangeInfo, error) {
	info, ok := r.catalog[id]
	if !ok {
		return ExchangeInfo{}, apperr.NotFound("exchange_not_found",
			fmt.Sprintf("交易所 %q 不在目录中", id))
	}
	return info, nil
}

// Select 切换当前交易所。未知 id 返回 NotFound 并保持原有选择。
func (r *Registry) Select(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.pref.clone()
	next.Selected = id
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("registry: 持久化交易所选择失败: %w", err)
	}

	r.pref = next
	r.logger.Info("已切换交易所", zap.String("exchange", id))
	return nil
}

// SetDefault 设置下次启动自动选择的交易所。
func (r *Registry) SetDefault(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.pref.clone()
	next.Default = id
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("registry: 持久化默认交易所失败: %w", err)
	}

	r.pref = next
	return nil
}

// SetLiveTrading 开关实盘交易。
func (r *Registry) SetLiveTrading(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.pref.clone()
	next.LiveTrading = enabled
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("registry: 持久化实盘开关失败: %w", err)
	}

	r.pref = next
	r.logger.Info("实盘交易开关已更新", zap.Bool("enabled", enabled))
	return nil
}

// SetSourceOverride 为指定交易对固定行情数据源；exchangeID 为空表示清除。
func (r *Registry) SetSourceOverride(ctx context.Context, symbol, exchangeID string) error {
	if exchangeID != "" {
		if _, err := r.Get(exchangeID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.pref.clone()
	if exchangeID == "" {
		delete(next.SourceOverrides, symbol)
	} else {
		next.SourceOverrides[symbol] = exchangeID
	}
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("registry: 持久化数据源覆盖失败: %w", err)
	}

	r.pref = next
	return nil
}

// SourceOverride 返回指定交易对的用户数据源覆盖。
func (r *Registry) SourceOverride(symbol string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.pref.SourceOverrides[symbol]
	return id, ok
}

// Preference 返回当前偏好的副本。
func (r *Registry) Preference() Preference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pref.clone()
}

// SelectedID 返回当前选中交易所的标识。
func (r *Registry) SelectedID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pref.Selected
}

// Selected 返回当前选中交易所的目录记录。
func (r *Registry) Selected() (ExchangeInfo, error) {
	r.mu.RLock()
	id := r.pref.Selected
	r.mu.RUnlock()
	return r.Get(id)
}

// ValidateCapability 确认交易所支持指定资产类别。纯元数据校验，不触网。
func (r *Registry) ValidateCapability(id string, class AssetClass) bool {
	info, ok := r.catalog[id]
	if !ok {
		return false
	}
	return info.Class == class
}
