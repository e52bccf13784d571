package cycle

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/pkg/persistence"
)

// Snapshot 持久化的状态快照。只是启动提示，交易所才是最终依据：
// 启动后先以 SavedAt 为起点对账，再决定阶段。
type Snapshot struct {
	Pair         string          `json:"pair"`
	Phase        Phase           `json:"phase"`
	SellSlots    []SellSlot      `json:"sell_slots"`
	DCA          *OrderSlot      `json:"dca,omitempty"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Profit       decimal.Decimal `json:"profit"`
	AppliedFills []string        `json:"applied_fills,omitempty"`
	SavedAt      time.Time       `json:"saved_at"`
}

// SnapshotOf 从当前状态生成快照（尚未拿到回执的订单不落盘，重启后由对账处理）
func SnapshotOf(pair string, s *State, now time.Time) Snapshot {
	snap := Snapshot{
		Pair:         pair,
		Phase:        s.Phase,
		SellSlots:    s.SellSlots(),
		LastPrice:    s.LastPrice,
		Profit:       s.Profit,
		AppliedFills: s.applied.IDs(),
		SavedAt:      now,
	}
	if s.DCA != nil && s.DCA.OrderID != "" {
		dca := *s.DCA
		snap.DCA = &dca
	}
	return snap
}

// Restore 由快照重建状态。阶段由卖单集合推导，不直接采信快照里的值。
func (snap Snapshot) Restore() *State {
	s := NewState()
	for i := range snap.SellSlots {
		slot := snap.SellSlots[i]
		if slot.OrderID == "" {
			continue
		}
		s.sells[slot.OrderID] = &slot
	}
	if snap.DCA != nil && snap.DCA.OrderID != "" {
		dca := *snap.DCA
		s.DCA = &dca
	}
	s.LastPrice = snap.LastPrice
	s.Profit = snap.Profit
	for _, id := range snap.AppliedFills {
		s.applied.Add(id)
	}
	if s.SellCount() > 0 {
		s.Phase = PhaseHolding
	}
	return s
}

// LoadSnapshot 读取快照；不存在时返回 (nil, nil)
func LoadSnapshot(store persistence.Store) (*Snapshot, error) {
	if store == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := store.Load(&snap); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}
