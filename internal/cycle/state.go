package cycle

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/internal/reconcile"
)

// Phase 循环阶段
type Phase string

const (
	PhaseAggressiveBuying Phase = "aggressive_buying"
	PhaseHolding          Phase = "holding"
)

// Role 订单在循环中的角色
type Role string

const (
	RoleAggressive Role = "aggressive"
	RoleDCA        Role = "dca"
	RoleSell       Role = "sell"
	RoleOrphan     Role = "orphan"
)

// OrderSlot 激进买单 / 补仓买单的槽位。OrderID 为空表示下单请求已发出、尚未拿到回执。
type OrderSlot struct {
	OrderID  string          `json:"order_id,omitempty"`
	ClientID string          `json:"client_id"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	PlacedAt time.Time       `json:"placed_at"`
	KnownAt  time.Time       `json:"known_at"`
	// 对账看到过成交记录但订单仍挂着；被撤时需要再对账一次补回已成交部分
	Partial bool `json:"partial,omitempty"`

	// 激进买单专用：超时撤单已发出，等待确认
	Cancelling bool   `json:"-"`
	timerToken uint64
}

// Matches 按交易所 ID 或客户端 ID 匹配
func (s *OrderSlot) Matches(orderID, clientID string) bool {
	if s == nil {
		return false
	}
	if orderID != "" && s.OrderID == orderID {
		return true
	}
	return clientID != "" && s.ClientID == clientID
}

// SellSlot 一张止盈卖单及其来源买单
type SellSlot struct {
	OrderID    string          `json:"order_id"`
	ClientID   string          `json:"client_id"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	BuyOrderID string          `json:"buy_order_id"`
	CreatedAt  time.Time       `json:"created_at"`
	KnownAt    time.Time       `json:"known_at"`
}

func (s *SellSlot) matches(orderID, clientID string) bool {
	if orderID != "" && s.OrderID == orderID {
		return true
	}
	return clientID != "" && s.ClientID == clientID
}

// Registry 仓位登记：卖单集合、补仓槽位、激进买单槽位，以及已请求撤单的订单
type Registry struct {
	sells        map[string]*SellSlot // order id → slot
	pendingSells map[string]*SellSlot // client id → slot（尚未拿到回执）
	DCA          *OrderSlot
	Aggressive   *OrderSlot
	retiring     map[string]retired // order id → 撤单中的订单
}

type retired struct {
	role     Role
	clientID string
	knownAt  time.Time
	partial  bool
}

func newRegistry() Registry {
	return Registry{
		sells:        make(map[string]*SellSlot),
		pendingSells: make(map[string]*SellSlot),
		retiring:     make(map[string]retired),
	}
}

// SellCount 卖单数量（含已发出、尚未回执的卖单）
func (r *Registry) SellCount() int {
	return len(r.sells) + len(r.pendingSells)
}

// SellSlots 已确认的卖单，按创建时间排序
func (r *Registry) SellSlots() []SellSlot {
	out := make([]SellSlot, 0, len(r.sells))
	for _, s := range r.sells {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingSellCount 尚未拿到回执的卖单数量
func (r *Registry) PendingSellCount() int { return len(r.pendingSells) }

func (r *Registry) findSell(orderID, clientID string) *SellSlot {
	if orderID != "" {
		if s, ok := r.sells[orderID]; ok {
			return s
		}
	}
	if clientID != "" {
		if s, ok := r.pendingSells[clientID]; ok {
			return s
		}
	}
	for _, s := range r.sells {
		if s.matches(orderID, clientID) {
			return s
		}
	}
	return nil
}

func (r *Registry) removeSell(s *SellSlot) {
	if s.OrderID != "" {
		delete(r.sells, s.OrderID)
	}
	if s.ClientID != "" {
		delete(r.pendingSells, s.ClientID)
	}
}

// ReferencesBuy 是否已有卖单由该买单派生
func (r *Registry) ReferencesBuy(buyOrderID string) bool {
	for _, s := range r.sells {
		if s.BuyOrderID == buyOrderID {
			return true
		}
	}
	for _, s := range r.pendingSells {
		if s.BuyOrderID == buyOrderID {
			return true
		}
	}
	return false
}

// tracksOrder 订单 ID 是否仍在本地任何位置被跟踪
func (r *Registry) tracksOrder(orderID string) bool {
	if orderID == "" {
		return false
	}
	if _, ok := r.sells[orderID]; ok {
		return true
	}
	if _, ok := r.retiring[orderID]; ok {
		return true
	}
	return (r.DCA != nil && r.DCA.OrderID == orderID) || (r.Aggressive != nil && r.Aggressive.OrderID == orderID)
}

// Tracked 生成对账视图
func (r *Registry) Tracked() reconcile.Tracked {
	t := reconcile.Tracked{
		Orders:    make(map[string]reconcile.TrackedOrder),
		Retiring:  make(map[string]reconcile.TrackedOrder),
		ClientIDs: make(map[string]string),
	}
	for id, s := range r.sells {
		t.Orders[id] = reconcile.TrackedOrder{Role: string(RoleSell), KnownAt: s.KnownAt}
		t.ClientIDs[s.ClientID] = string(RoleSell)
	}
	for cid := range r.pendingSells {
		t.ClientIDs[cid] = string(RoleSell)
	}
	for role, slot := range map[Role]*OrderSlot{RoleDCA: r.DCA, RoleAggressive: r.Aggressive} {
		if slot == nil {
			continue
		}
		if slot.ClientID != "" {
			t.ClientIDs[slot.ClientID] = string(role)
		}
		if slot.OrderID != "" {
			t.Orders[slot.OrderID] = reconcile.TrackedOrder{Role: string(role), KnownAt: slot.KnownAt}
		}
	}
	for id, rt := range r.retiring {
		t.Retiring[id] = reconcile.TrackedOrder{Role: string(rt.role), KnownAt: rt.knownAt}
	}
	delete(t.ClientIDs, "")
	return t
}

// State 控制器独占的全部可变状态
type State struct {
	Phase Phase
	Registry
	Profit      decimal.Decimal
	LastPrice   decimal.Decimal
	LastPriceAt time.Time

	applied    *fillLedger
	retryToken uint64 // 激进买单重试定时器（0 表示未挂）
	active     bool   // 启动对账完成后才允许下单
	stopping   bool
}

// NewState 空状态
func NewState() *State {
	return &State{
		Phase:    PhaseAggressiveBuying,
		Registry: newRegistry(),
		Profit:   decimal.Zero,
		applied:  newFillLedger(defaultLedgerSize),
	}
}

// Active 是否已完成启动
func (s *State) Active() bool { return s.active }

// Stopping 是否处于退出流程
func (s *State) Stopping() bool { return s.stopping }

// RetiringCount 已请求撤单、尚未确认的订单数
func (s *State) RetiringCount() int { return len(s.retiring) }

const defaultLedgerSize = 4096

// fillLedger 最近已处理成交的订单 ID（有界 FIFO），保证重放幂等
type fillLedger struct {
	limit int
	ids   []string
	set   map[string]struct{}
}

func newFillLedger(limit int) *fillLedger {
	return &fillLedger{limit: limit, set: make(map[string]struct{}, limit)}
}

func (l *fillLedger) Has(id string) bool {
	_, ok := l.set[id]
	return ok
}

func (l *fillLedger) Add(id string) {
	if id == "" || l.Has(id) {
		return
	}
	l.ids = append(l.ids, id)
	l.set[id] = struct{}{}
	if len(l.ids) > l.limit {
		drop := l.ids[0]
		l.ids = l.ids[1:]
		delete(l.set, drop)
	}
}

func (l *fillLedger) IDs() []string {
	return append([]string(nil), l.ids...)
}
