package cycle

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/events"
	"github.com/betbot/spotcycle/internal/ports"
)

var log = logrus.WithField("component", "cycle")

// ClientIDPrefix 本程序下单的客户端 ID 前缀，用于在账户流里认出自己的订单
const ClientIDPrefix = "sc-"

// Params 循环参数
type Params struct {
	Pair             string
	TradeSize        decimal.Decimal
	ProfitMargin     decimal.Decimal
	DCAMargin        decimal.Decimal
	FillWindow       time.Duration
	RetryDelay       time.Duration
	RejectRetryDelay time.Duration
}

// Machine 循环状态机：(state, input) → (state', effects)。
// 不做任何 IO，也不加锁；只允许控制器的事件循环调用。
type Machine struct {
	p     Params
	s     *State
	now   func() time.Time
	newID func() string
	seq   uint64
}

// NewMachine 创建状态机。s 为 nil 时从空状态开始。
func NewMachine(p Params, s *State) *Machine {
	if s == nil {
		s = NewState()
	}
	return &Machine{
		p:     p,
		s:     s,
		now:   time.Now,
		newID: func() string { return ClientIDPrefix + uuid.NewString() },
	}
}

// State 当前状态（只读使用）
func (m *Machine) State() *State { return m.s }

// Params 当前参数
func (m *Machine) Params() Params { return m.p }

func (m *Machine) nextToken() uint64 {
	m.seq++
	return m.seq
}

// Begin 启动对账完成后调用：没有卖单则撤掉遗留补仓单并进入激进买入，否则进入持有
func (m *Machine) Begin() []Effect {
	s := m.s
	if s.active {
		return nil
	}
	s.active = true
	var effs []Effect
	if s.SellCount() == 0 && s.DCA != nil {
		effs = append(effs, m.retireDCA("启动时无卖单，撤掉遗留补仓单")...)
	}
	effs = append(effs, m.settle()...)
	log.Infof("🚀 循环启动: phase=%s sells=%d profit=%s", s.Phase, s.SellCount(), s.Profit)
	return effs
}

// Stop 进入退出流程：之后不再产生任何下单
func (m *Machine) Stop() []Effect {
	m.s.stopping = true
	m.s.retryToken = 0
	return []Effect{DisarmTimer{Key: TimerFillWindow}, DisarmTimer{Key: TimerAggressiveRetry}}
}

// OnPriceTick 更新最新价（乱序的旧行情忽略）
func (m *Machine) OnPriceTick(t events.PriceTick) {
	s := m.s
	if !t.Price.IsPositive() {
		return
	}
	if !s.LastPriceAt.IsZero() && t.Time.Before(s.LastPriceAt) {
		return
	}
	s.LastPrice = t.Price
	s.LastPriceAt = t.Time
}

// Apply 处理一条账户事件（实时推送与对账重放走同一入口）
func (m *Machine) Apply(ev events.AccountEvent) []Effect {
	var effs []Effect
	switch e := ev.(type) {
	case events.BuyFilled:
		effs = m.onBuyFill(e.Fill)
	case events.SellFilled:
		effs = m.onSellFill(e.Fill)
	case events.OrderCancelled:
		effs = m.onCancelled(e.OrderID, e.ClientID, "账户推送")
	case events.OrderAccepted:
		effs = m.onAccepted(e)
	}
	return append(effs, m.settle()...)
}

// OnPlaceResult 下单结果回到状态机。回执对应的槽位可能已经被替换，需要重新校验。
func (m *Machine) OnPlaceResult(r PlaceResult) []Effect {
	var effs []Effect
	switch r.Role {
	case RoleAggressive:
		effs = m.onAggressivePlaced(r)
	case RoleDCA:
		effs = m.onDCAPlaced(r)
	case RoleSell:
		effs = m.onSellPlaced(r)
	}
	return append(effs, m.settle()...)
}

// OnCancelResult 撤单结果
func (m *Machine) OnCancelResult(r CancelResult) []Effect {
	s := m.s
	var effs []Effect
	switch {
	case r.Err == nil:
		effs = m.onCancelled(r.OrderID, r.ClientID, "撤单成功")
	case errors.Is(r.Err, ports.ErrNotFound):
		// 交易所已无此单：多半刚好成交。激进买单保持“撤单中”等成交事件，同时请求对账兜底。
		if slot := s.Aggressive; slot.Matches(r.OrderID, "") {
			log.Warnf("激进买单撤单返回不存在，等待成交确认: order=%s", r.OrderID)
			effs = append(effs, RequestReconcile{Since: slot.PlacedAt.Add(-time.Second), Reason: "aggressive cancel not found"})
		} else {
			if rt, ok := s.retiring[r.OrderID]; ok && rt.partial {
				effs = append(effs, partialRecheck(r.OrderID, rt.knownAt))
			}
			delete(s.retiring, r.OrderID)
		}
	default:
		log.WithError(r.Err).Warnf("撤单失败: role=%s order=%s", r.Role, r.OrderID)
		if slot := s.Aggressive; slot.Matches(r.OrderID, "") && slot.Cancelling {
			// 回到等待窗口，由超时路径再次撤单
			slot.Cancelling = false
			slot.timerToken = m.nextToken()
			effs = append(effs, ArmTimer{Key: TimerFillWindow, After: m.p.FillWindow, Token: slot.timerToken})
		}
	}
	return append(effs, m.settle()...)
}

// OnTimer 定时器到期。token 对不上（槽位已结束或已被替换）时什么也不做。
func (m *Machine) OnTimer(t TimerFired) []Effect {
	s := m.s
	switch t.Key {
	case TimerFillWindow:
		slot := s.Aggressive
		if slot == nil || slot.timerToken != t.Token || slot.Cancelling || slot.OrderID == "" || s.stopping {
			return nil
		}
		slot.Cancelling = true
		log.Infof("⏱️ 激进买单 %s 未在 %s 内成交，撤单后按最新价重挂", slot.OrderID, m.p.FillWindow)
		return []Effect{CancelOrder{Role: RoleAggressive, OrderID: slot.OrderID, ClientID: slot.ClientID, Reason: "fill window elapsed"}}
	case TimerAggressiveRetry:
		if t.Token == 0 || t.Token != s.retryToken {
			return nil
		}
		s.retryToken = 0
		return m.settle()
	}
	return nil
}

// ClearMissing 对账发现本地跟踪的订单已不在交易所挂单中：清掉对应槽位，不重试
func (m *Machine) ClearMissing(orderID string) []Effect {
	s := m.s
	var effs []Effect
	switch {
	case s.Aggressive.Matches(orderID, ""):
		s.Aggressive = nil
		effs = append(effs, DisarmTimer{Key: TimerFillWindow})
		log.Warnf("对账: 激进买单 %s 已不在交易所，清除槽位", orderID)
	case s.DCA.Matches(orderID, ""):
		s.DCA = nil
		log.Warnf("对账: 补仓单 %s 已不在交易所，清除槽位", orderID)
	default:
		if sell, ok := s.sells[orderID]; ok {
			s.removeSell(sell)
			log.Warnf("对账: 卖单 %s 已不在交易所，清除槽位（买入价 %s 数量 %s）", orderID, sell.BuyPrice, sell.Size)
		} else {
			delete(s.retiring, orderID)
		}
	}
	return append(effs, m.settle()...)
}

// MarkPartial 对账看到买单已有成交但仍挂在交易所：记下来，被撤时再对账一次
func (m *Machine) MarkPartial(orderID string) {
	s := m.s
	switch {
	case s.Aggressive.Matches(orderID, ""):
		s.Aggressive.Partial = true
	case s.DCA.Matches(orderID, ""):
		s.DCA.Partial = true
	default:
		if rt, ok := s.retiring[orderID]; ok {
			rt.partial = true
			s.retiring[orderID] = rt
		}
	}
}

// partialRecheck 部分成交的买单被撤后，已成交部分要靠对账重放才能补挂卖单
func partialRecheck(orderID string, from time.Time) Effect {
	since := time.Time{}
	if !from.IsZero() {
		since = from.Add(-time.Second)
	}
	log.Infof("部分成交的订单 %s 已撤销，请求对账补回已成交部分", orderID)
	return RequestReconcile{Since: since, Reason: "partially filled order cancelled"}
}

// OrderGone 成交未知的对账轮里，本地订单已不在交易所挂单中。
// 只清理撤单中的激进买单：它无论成交还是被撤都已终结，若是成交，
// 之后的推送或对账会按本程序的客户端 ID 补挂卖单与补仓单。其余槽位等成交结果。
func (m *Machine) OrderGone(orderID string) []Effect {
	s := m.s
	slot := s.Aggressive
	if slot == nil || !slot.Cancelling || !slot.Matches(orderID, "") {
		return nil
	}
	s.Aggressive = nil
	log.Warnf("对账: 撤单中的激进买单 %s 已不在交易所，成交记录暂不可用，先清除槽位", orderID)
	return append([]Effect{DisarmTimer{Key: TimerFillWindow}}, m.settle()...)
}

// Reflected 该成交是否已反映在本地状态中：
// 买单成交已被记账或已有卖单引用；卖单成交已记账或已没有对应卖单。
func (m *Machine) Reflected(f domain.Fill) bool {
	s := m.s
	if s.applied.Has(f.OrderID) {
		return true
	}
	if f.Side == domain.SideBuy {
		return s.ReferencesBuy(f.OrderID)
	}
	return s.findSell(f.OrderID, f.ClientID) == nil
}

func (m *Machine) onBuyFill(f domain.Fill) []Effect {
	s := m.s
	if s.applied.Has(f.OrderID) || s.ReferencesBuy(f.OrderID) {
		log.Debugf("买单成交已处理过，忽略: order=%s", f.OrderID)
		return nil
	}

	var effs []Effect
	var source Role
	switch {
	case s.Aggressive.Matches(f.OrderID, f.ClientID):
		source = RoleAggressive
		s.Aggressive = nil
		effs = append(effs, DisarmTimer{Key: TimerFillWindow})
	case s.DCA.Matches(f.OrderID, f.ClientID):
		source = RoleDCA
		s.DCA = nil
	default:
		if rt, ok := s.retiring[f.OrderID]; ok {
			source = rt.role
			delete(s.retiring, f.OrderID)
			log.Infof("撤单途中的订单成交了: order=%s role=%s", f.OrderID, rt.role)
		} else if !strings.HasPrefix(f.ClientID, ClientIDPrefix) {
			log.Warnf("忽略非本程序订单的买入成交: order=%s client=%s", f.OrderID, f.ClientID)
			return nil
		} else {
			log.Warnf("未跟踪的本程序买单成交，按正常成交处理: order=%s", f.OrderID)
		}
	}
	s.applied.Add(f.OrderID)
	log.Infof("✅ 买单成交: source=%s order=%s price=%s size=%s", source, f.OrderID, f.Price, f.Size)

	if s.stopping {
		log.Warnf("退出流程中，不再为买单 %s 挂卖单/补仓单", f.OrderID)
		return effs
	}

	one := decimal.NewFromInt(1)
	now := m.now()

	// 腿 1：止盈卖单
	sellPrice := f.Price.Mul(one.Add(m.p.ProfitMargin))
	sellCID := m.newID()
	s.pendingSells[sellCID] = &SellSlot{
		ClientID:   sellCID,
		Price:      sellPrice,
		Size:       f.Size,
		BuyPrice:   f.Price,
		BuyOrderID: f.OrderID,
		CreatedAt:  now,
	}
	effs = append(effs, PlaceOrder{Role: RoleSell, Request: domain.OrderRequest{
		Pair: m.p.Pair, Side: domain.SideSell, Price: sellPrice, Size: f.Size, ClientID: sellCID,
	}})

	// 腿 2：先撤旧补仓单，再挂新的
	effs = append(effs, m.retireDCA("新成交替换补仓单")...)
	dcaPrice := f.Price.Mul(one.Sub(m.p.DCAMargin))
	dcaCID := m.newID()
	s.DCA = &OrderSlot{ClientID: dcaCID, Price: dcaPrice, Size: f.Size, PlacedAt: now}
	effs = append(effs, PlaceOrder{Role: RoleDCA, Request: domain.OrderRequest{
		Pair: m.p.Pair, Side: domain.SideBuy, Price: dcaPrice, Size: f.Size, ClientID: dcaCID,
	}})
	return effs
}

func (m *Machine) onSellFill(f domain.Fill) []Effect {
	s := m.s
	slot := s.findSell(f.OrderID, f.ClientID)
	if slot == nil {
		log.Debugf("卖单成交已反映或非本程序卖单，忽略: order=%s", f.OrderID)
		return nil
	}
	profit := f.Price.Sub(slot.BuyPrice).Mul(f.Size)
	s.Profit = s.Profit.Add(profit)
	s.removeSell(slot)
	s.applied.Add(f.OrderID)

	orderID := f.OrderID
	if orderID == "" {
		orderID = slot.OrderID
	}
	log.Infof("💰 卖单成交: order=%s price=%s size=%s profit=%s total=%s remaining=%d",
		orderID, f.Price, f.Size, profit, s.Profit, s.SellCount())
	return []Effect{RecordTrade{Trade: domain.RealizedTrade{
		Pair:        m.p.Pair,
		BuyOrderID:  slot.BuyOrderID,
		SellOrderID: orderID,
		BuyPrice:    slot.BuyPrice,
		SellPrice:   f.Price,
		Size:        f.Size,
		Profit:      profit,
		ClosedAt:    f.Time,
	}}}
}

func (m *Machine) onAccepted(e events.OrderAccepted) []Effect {
	s := m.s
	now := m.now()
	adopt := func(slot *OrderSlot) {
		if slot.OrderID == "" {
			slot.OrderID = e.OrderID
			slot.KnownAt = now
		}
	}
	switch {
	case s.Aggressive != nil && s.Aggressive.ClientID == e.ClientID && e.ClientID != "":
		adopt(s.Aggressive)
	case s.DCA != nil && s.DCA.ClientID == e.ClientID && e.ClientID != "":
		adopt(s.DCA)
	case s.pendingSells[e.ClientID] != nil && e.ClientID != "":
		p := s.pendingSells[e.ClientID]
		delete(s.pendingSells, e.ClientID)
		p.OrderID = e.OrderID
		p.KnownAt = now
		if e.Price.IsPositive() {
			p.Price = e.Price
		}
		if e.Size.IsPositive() {
			p.Size = e.Size
		}
		s.sells[p.OrderID] = p
	case s.tracksOrder(e.OrderID) || s.applied.Has(e.OrderID):
	case strings.HasPrefix(e.ClientID, ClientIDPrefix):
		// 本程序发出、但槽位已被替换的订单
		s.retiring[e.OrderID] = retired{role: RoleOrphan, clientID: e.ClientID, knownAt: now}
		log.Warnf("收到已失效槽位的挂单确认，撤单: order=%s client=%s", e.OrderID, e.ClientID)
		return []Effect{CancelOrder{Role: RoleOrphan, OrderID: e.OrderID, ClientID: e.ClientID, Reason: "stale acceptance"}}
	}
	return nil
}

func (m *Machine) onCancelled(orderID, clientID, why string) []Effect {
	s := m.s
	var effs []Effect
	switch {
	case s.Aggressive.Matches(orderID, clientID):
		slot := s.Aggressive
		s.Aggressive = nil
		effs = append(effs, DisarmTimer{Key: TimerFillWindow})
		if slot.Cancelling {
			log.Infof("激进买单 %s 超时撤单已确认（%s）", slot.OrderID, why)
		} else {
			log.Warnf("激进买单 %s 被撤销（%s）", slot.OrderID, why)
		}
		if slot.Partial {
			effs = append(effs, partialRecheck(slot.OrderID, slot.PlacedAt))
		}
	case s.DCA.Matches(orderID, clientID):
		slot := s.DCA
		log.Infof("补仓单 %s 被撤销（%s）", slot.OrderID, why)
		s.DCA = nil
		if slot.Partial {
			effs = append(effs, partialRecheck(slot.OrderID, slot.PlacedAt))
		}
	default:
		if sell := s.findSell(orderID, clientID); sell != nil {
			s.removeSell(sell)
			log.Warnf("卖单 %s 被撤销（%s），对应持仓不再有止盈单: buy=%s size=%s", sell.OrderID, why, sell.BuyOrderID, sell.Size)
		} else if rt, ok := s.retiring[orderID]; ok {
			delete(s.retiring, orderID)
			if rt.partial {
				effs = append(effs, partialRecheck(orderID, rt.knownAt))
			}
		} else {
			log.Debugf("未跟踪订单被撤销: order=%s", orderID)
		}
	}
	return effs
}

func (m *Machine) onAggressivePlaced(r PlaceResult) []Effect {
	s := m.s
	slot := s.Aggressive
	if slot == nil || slot.ClientID != r.ClientID {
		return m.staleAck(r)
	}
	if r.Err != nil && slot.OrderID == "" {
		s.Aggressive = nil
		delay := m.p.RetryDelay
		if errors.Is(r.Err, ports.ErrRejected) {
			delay = m.p.RejectRetryDelay
		}
		log.WithError(r.Err).Warnf("激进买单下单失败，%s 后重试", delay)
		if s.Phase == PhaseAggressiveBuying && s.active && !s.stopping {
			s.retryToken = m.nextToken()
			return []Effect{ArmTimer{Key: TimerAggressiveRetry, After: delay, Token: s.retryToken}}
		}
		return nil
	}
	if r.Err != nil {
		// 回执失败，但账户流已确认挂单
		log.WithError(r.Err).Warnf("激进买单回执失败，但已通过账户流确认: order=%s", slot.OrderID)
	}
	m.fillFromEcho(slot, r.Order)
	slot.timerToken = m.nextToken()
	log.Infof("📤 激进买单已挂: order=%s price=%s size=%s", slot.OrderID, slot.Price, slot.Size)
	return []Effect{ArmTimer{Key: TimerFillWindow, After: m.p.FillWindow, Token: slot.timerToken}}
}

func (m *Machine) onDCAPlaced(r PlaceResult) []Effect {
	s := m.s
	slot := s.DCA
	if slot == nil || slot.ClientID != r.ClientID {
		return m.staleAck(r)
	}
	if r.Err != nil && slot.OrderID == "" {
		s.DCA = nil
		log.WithError(r.Err).Errorf("补仓单下单失败: price=%s size=%s", slot.Price, slot.Size)
		return nil
	}
	m.fillFromEcho(slot, r.Order)
	log.Infof("📤 补仓单已挂: order=%s price=%s size=%s", slot.OrderID, slot.Price, slot.Size)
	return nil
}

func (m *Machine) onSellPlaced(r PlaceResult) []Effect {
	s := m.s
	p := s.pendingSells[r.ClientID]
	if p == nil {
		return m.staleAck(r)
	}
	delete(s.pendingSells, r.ClientID)
	if r.Err != nil || r.Order == nil || r.Order.OrderID == "" {
		log.WithError(r.Err).Errorf("❌ 卖单下单失败，买单 %s 的持仓没有止盈单: price=%s size=%s", p.BuyOrderID, p.Price, p.Size)
		return nil
	}
	p.OrderID = r.Order.OrderID
	p.KnownAt = m.now()
	if r.Order.Price.IsPositive() {
		p.Price = r.Order.Price
	}
	if r.Order.Size.IsPositive() {
		p.Size = r.Order.Size
	}
	s.sells[p.OrderID] = p
	log.Infof("📤 卖单已挂: order=%s price=%s size=%s buy=%s", p.OrderID, p.Price, p.Size, p.BuyPrice)
	return nil
}

func (m *Machine) fillFromEcho(slot *OrderSlot, o *domain.Order) {
	if o != nil {
		if o.OrderID != "" {
			slot.OrderID = o.OrderID
		}
		if o.Price.IsPositive() {
			slot.Price = o.Price
		}
		if o.Size.IsPositive() {
			slot.Size = o.Size
		}
	}
	if slot.KnownAt.IsZero() {
		slot.KnownAt = m.now()
	}
}

// staleAck 回执对应的槽位已不存在：该订单若仍挂着且没人认领，撤掉
func (m *Machine) staleAck(r PlaceResult) []Effect {
	s := m.s
	if r.Err != nil || r.Order == nil || r.Order.OrderID == "" {
		return nil
	}
	id := r.Order.OrderID
	if s.tracksOrder(id) || s.applied.Has(id) {
		return nil
	}
	s.retiring[id] = retired{role: r.Role, clientID: r.ClientID, knownAt: m.now()}
	log.Warnf("回执对应的槽位已被替换，撤掉过期订单: role=%s order=%s", r.Role, id)
	return []Effect{CancelOrder{Role: r.Role, OrderID: id, ClientID: r.ClientID, Reason: "stale placement"}}
}

func (m *Machine) retireDCA(reason string) []Effect {
	s := m.s
	slot := s.DCA
	if slot == nil {
		return nil
	}
	s.DCA = nil
	if slot.OrderID == "" {
		// 还没拿到回执，回执到达时按过期订单撤掉
		return nil
	}
	s.retiring[slot.OrderID] = retired{role: RoleDCA, clientID: slot.ClientID, knownAt: slot.KnownAt, partial: slot.Partial}
	log.Infof("撤补仓单 %s: %s", slot.OrderID, reason)
	return []Effect{CancelOrder{Role: RoleDCA, OrderID: slot.OrderID, ClientID: slot.ClientID, Reason: reason}}
}

func (m *Machine) retireAggressive(reason string) []Effect {
	s := m.s
	slot := s.Aggressive
	if slot == nil {
		return nil
	}
	s.Aggressive = nil
	effs := []Effect{DisarmTimer{Key: TimerFillWindow}}
	if slot.OrderID == "" {
		return effs
	}
	s.retiring[slot.OrderID] = retired{role: RoleAggressive, clientID: slot.ClientID, knownAt: slot.KnownAt, partial: slot.Partial}
	if !slot.Cancelling {
		log.Infof("撤激进买单 %s: %s", slot.OrderID, reason)
		effs = append(effs, CancelOrder{Role: RoleAggressive, OrderID: slot.OrderID, ClientID: slot.ClientID, Reason: reason})
	}
	return effs
}

// settle 维持阶段不变式：有卖单 ⇔ Holding；AggressiveBuying 时保持恰好一张激进买单（重试等待期除外）
func (m *Machine) settle() []Effect {
	s := m.s
	var effs []Effect
	if s.SellCount() > 0 {
		if s.Phase != PhaseHolding {
			log.Infof("阶段切换: %s → %s", s.Phase, PhaseHolding)
			s.Phase = PhaseHolding
		}
		if s.Aggressive != nil {
			effs = append(effs, m.retireAggressive("已持仓，激进买单作废")...)
		}
		if s.retryToken != 0 {
			s.retryToken = 0
			effs = append(effs, DisarmTimer{Key: TimerAggressiveRetry})
		}
		return effs
	}

	if s.Phase != PhaseAggressiveBuying {
		log.Infof("阶段切换: %s → %s", s.Phase, PhaseAggressiveBuying)
		s.Phase = PhaseAggressiveBuying
	}
	if !s.active || s.stopping || s.Aggressive != nil || s.retryToken != 0 {
		return effs
	}
	return append(effs, m.placeAggressive()...)
}

func (m *Machine) placeAggressive() []Effect {
	s := m.s
	cid := m.newID()
	price := s.LastPrice
	s.Aggressive = &OrderSlot{ClientID: cid, Price: price, Size: m.p.TradeSize, PlacedAt: m.now()}
	return []Effect{PlaceOrder{
		Role: RoleAggressive,
		Request: domain.OrderRequest{
			Pair: m.p.Pair, Side: domain.SideBuy, Price: price, Size: m.p.TradeSize, ClientID: cid,
		},
		ResolvePrice: !price.IsPositive(),
	}}
}
