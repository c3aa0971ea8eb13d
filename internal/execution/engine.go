// Package execution 驱动订单从创建到终态的状态机。
// 每个订单只向交易所提交一次，任何失败都不自动重发。
package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-gateway/internal/adapter"
	"trade-gateway/internal/apperr"
)

// CredentialChecker 回答指定交易所的凭证是否已通过验证。
type CredentialChecker interface {
	IsValid(ctx context.Context, exchangeID string) (bool, error)
}

// Converter 在订单货币与结算货币间换算。
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// AdapterProvider 返回已建立交易会话的适配器。
type AdapterProvider interface {
	Trading(ctx context.Context, exchangeID string) (adapter.Adapter, error)
}

// Selection 提供当前选中的交易所。
type Selection interface {
	SelectedID() string
}

// Engine 是订单执行引擎。提交串行化，避免同一账户的并发下单
// 触发交易所的自成交与频控保护。
type Engine struct {
	creds     CredentialChecker
	converter Converter
	adapters  AdapterProvider
	selection Selection
	logger    *zap.Logger

	submitMu sync.Mutex

	mu      sync.RWMutex
	records map[string]*Record
}

// NewEngine 构建执行引擎。
func NewEngine(creds CredentialChecker, converter Converter, adapters AdapterProvider, selection Selection, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		creds:     creds,
		converter: converter,
		adapters:  adapters,
		selection: selection,
		logger:    logger,
		records:   make(map[string]*Record),
	}
}

// Submit 执行一笔订单并返回其记录。交易所在订单创建时确定，
// 之后用户切换交易所不影响本单。
func (e *Engine) Submit(ctx context.Context, order adapter.Order) (Record, error) {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	exchangeID := order.Exchange
	if exchangeID == "" {
		exchangeID = e.selection.SelectedID()
	}
	if exchangeID == "" {
		return Record{}, apperr.Validation("no_exchange", "没有可用的目标交易所")
	}
	order.Exchange = exchangeID

	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}

	record := e.create(order, exchangeID)

	// 凭证未验证时订单不出网。
	valid, err := e.creds.IsValid(ctx, exchangeID)
	if err != nil {
		return e.fail(record, StateFailed, err)
	}
	if !valid {
		return e.fail(record, StateRejected, apperr.Authentication("credentials_not_validated",
			fmt.Sprintf("交易所 %s 的凭证未通过验证", exchangeID)))
	}
	e.transition(record, StateCredentialValidated)

	trading, err := e.adapters.Trading(ctx, exchangeID)
	if err != nil {
		return e.fail(record, StateFailed, err)
	}

	normalized, err := e.resolveCurrency(ctx, order, trading.SettlementCurrency())
	if err != nil {
		return e.fail(record, StateFailed, err)
	}
	e.transition(record, StateCurrencyResolved)

	e.transition(record, StateSubmitted)
	result, err := trading.PlaceOrder(ctx, normalized)
	if err != nil {
		if apperr.IsRetryable(err) {
			return e.fail(record, StateFailed,
				apperr.Trading("submit_failed", fmt.Sprintf("订单提交失败: %v", err), true).WithCause(err))
		}
		return e.fail(record, StateRejected, err)
	}

	e.mu.Lock()
	record.Result = &result
	record.ExchangeOrderID = result.OrderID
	e.mu.Unlock()

	switch strings.ToLower(result.Status) {
	case "closed", "filled":
		e.transition(record, StateFilled)
	case "canceled", "cancelled", "rejected", "expired":
		e.transition(record, StateRejected)
	default:
		// 未成交的挂单保持 Submitted，由后续查询或撤单收尾。
	}

	e.logger.Info("订单执行完成",
		zap.String("client_order_id", record.ClientOrderID),
		zap.String("exchange", exchangeID),
		zap.String("symbol", order.Symbol),
		zap.String("state", string(e.stateOf(record))),
		zap.String("exchange_order_id", result.OrderID),
	)
	return e.snapshot(record.ClientOrderID)
}

// Cancel 向交易所发起撤单。撤单是网络操作，不是本地状态回滚。
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) (Record, error) {
	e.mu.RLock()
	record, ok := e.records[clientOrderID]
	e.mu.RUnlock()
	if !ok {
		return Record{}, apperr.NotFound("order_not_found",
			fmt.Sprintf("订单 %s 不存在", clientOrderID))
	}

	e.mu.RLock()
	state := record.State
	exchangeOrderID := record.ExchangeOrderID
	exchangeID := record.Exchange
	symbol := record.Order.Symbol
	e.mu.RUnlock()

	if state.terminal() {
		return Record{}, apperr.Validation("order_terminal",
			fmt.Sprintf("订单 %s 已处于终态 %s", clientOrderID, state))
	}
	if exchangeOrderID == "" {
		return Record{}, apperr.Validation("order_not_submitted",
			fmt.Sprintf("订单 %s 尚未提交到交易所", clientOrderID))
	}

	trading, err := e.adapters.Trading(ctx, exchangeID)
	if err != nil {
		return Record{}, err
	}
	if err := trading.CancelOrder(ctx, exchangeOrderID, symbol); err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	record.Reason = "用户撤单"
	e.mu.Unlock()
	e.transition(record, StateRejected)
	return e.snapshot(clientOrderID)
}

// Order 返回指定订单的记录快照。
func (e *Engine) Order(clientOrderID string) (Record, error) {
	return e.snapshot(clientOrderID)
}

// Orders 返回全部订单记录快照，按创建时间升序。
func (e *Engine) Orders() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) resolveCurrency(ctx context.Context, order adapter.Order, settlement string) (adapter.Order, error) {
	if order.Currency == "" || strings.EqualFold(order.Currency, settlement) {
		order.Currency = settlement
		return order, nil
	}

	amount, err := e.converter.Convert(ctx, decimal.NewFromFloat(order.Amount), order.Currency, settlement)
	if err != nil {
		return adapter.Order{}, err
	}
	order.Amount, _ = amount.Float64()

	if order.Type == adapter.OrderTypeLimit && order.Price > 0 {
		price, err := e.converter.Convert(ctx, decimal.NewFromFloat(order.Price), order.Currency, settlement)
		if err != nil {
			return adapter.Order{}, err
		}
		order.Price, _ = price.Float64()
	}

	order.Currency = settlement
	return order, nil
}

func (e *Engine) create(order adapter.Order, exchangeID string) *Record {
	now := time.Now().UTC()
	record := &Record{
		ClientOrderID: order.ClientOrderID,
		Exchange:      exchangeID,
		Order:         order,
		State:         StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		Transitions:   []Transition{{From: "", To: StateCreated, At: now}},
	}

	e.mu.Lock()
	e.records[order.ClientOrderID] = record
	e.mu.Unlock()
	return record
}

func (e *Engine) transition(record *Record, to State) {
	now := time.Now().UTC()
	e.mu.Lock()
	record.Transitions = append(record.Transitions, Transition{From: record.State, To: to, At: now})
	record.State = to
	record.UpdatedAt = now
	e.mu.Unlock()
}

func (e *Engine) fail(record *Record, to State, cause error) (Record, error) {
	e.mu.Lock()
	record.Reason = cause.Error()
	e.mu.Unlock()
	e.transition(record, to)

	e.logger.Warn("订单执行终止",
		zap.String("client_order_id", record.ClientOrderID),
		zap.String("exchange", record.Exchange),
		zap.String("state", string(to)),
		zap.Error(cause),
	)

	snapshot, _ := e.snapshot(record.ClientOrderID)
	return snapshot, cause
}

func (e *Engine) stateOf(record *Record) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return record.State
}

func (e *Engine) snapshot(clientOrderID string) (Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, ok := e.records[clientOrderID]
	if !ok {
		return Record{}, apperr.NotFound("order_not_found",
			fmt.Sprintf("订单 %s 不存在", clientOrderID))
	}
	return record.clone(), nil
}
