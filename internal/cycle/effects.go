package cycle

import (
	"time"

	"github.com/betbot/spotcycle/internal/domain"
)

// Effect 状态机产出的副作用，由控制器执行，执行结果再作为输入回到状态机
type Effect interface{ effect() }

// PlaceOrder 下单。ResolvePrice 为 true 时执行方需先查询最新价作为买入价。
type PlaceOrder struct {
	Role         Role
	Request      domain.OrderRequest
	ResolvePrice bool
}

// CancelOrder 撤单
type CancelOrder struct {
	Role     Role
	OrderID  string
	ClientID string
	Reason   string
}

// ArmTimer 按 Key 挂定时器；同 Key 的旧定时器被替换
type ArmTimer struct {
	Key   TimerKey
	After time.Duration
	Token uint64
}

// DisarmTimer 取消定时器
type DisarmTimer struct {
	Key TimerKey
}

// RecordTrade 记录一次完成的往返交易
type RecordTrade struct {
	Trade domain.RealizedTrade
}

// RequestReconcile 状态与交易所可能不一致，请求一轮对账
type RequestReconcile struct {
	Since  time.Time
	Reason string
}

func (PlaceOrder) effect()       {}
func (CancelOrder) effect()      {}
func (ArmTimer) effect()         {}
func (DisarmTimer) effect()      {}
func (RecordTrade) effect()      {}
func (RequestReconcile) effect() {}

// TimerKey 定时器按槽位区分
type TimerKey string

const (
	TimerFillWindow      TimerKey = "aggressive_fill_window"
	TimerAggressiveRetry TimerKey = "aggressive_retry"
	TimerReconcileRetry  TimerKey = "reconcile_retry"
)

// PlaceResult 下单结果（Order 为交易所回显；失败时为 nil）
type PlaceResult struct {
	Role     Role
	ClientID string
	Order    *domain.Order
	Err      error
}

// CancelResult 撤单结果
type CancelResult struct {
	Role     Role
	OrderID  string
	ClientID string
	Err      error
}

// TimerFired 定时器到期
type TimerFired struct {
	Key   TimerKey
	Token uint64
}
