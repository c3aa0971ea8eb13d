package execution

import (
	"time"

	"trade-gateway/internal/adapter"
)

// State 是订单生命周期状态。
type State string

const (
	StateCreated             State = "created"
	StateCredentialValidated State = "credential_validated"
	StateCurrencyResolved    State = "currency_resolved"
	StateSubmitted           State = "submitted"
	StateFilled              State = "filled"
	StateRejected            State = "rejected"
	StateFailed              State = "failed"
)

// terminal 表示状态不再变化。
func (s State) terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateFailed:
		return true
	}
	return false
}

// Transition 记录一次状态迁移。
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Record 是单个订单的执行记录。Exchange 在创建时快照，之后切换
// 当前交易所不影响已创建的订单。
type Record struct {
	ClientOrderID   string
	Exchange        string
	Order           adapter.Order
	State           State
	ExchangeOrderID string
	Result          *adapter.ExecutionResult
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Transitions     []Transition
}

func (r *Record) clone() Record {
	out := *r
	out.Transitions = append([]Transition(nil), r.Transitions...)
	if r.Result != nil {
		result := *r.Result
		out.Result = &result
	}
	return out
}
