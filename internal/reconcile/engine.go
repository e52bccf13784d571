package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/ports"
	"github.com/betbot/spotcycle/pkg/syncgroup"
)

var log = logrus.WithField("component", "reconcile")

// Source 对账需要的两项查询
type Source interface {
	ports.OpenOrderLister
	ports.FillLister
}

// Engine 负责对账数据的抓取。状态修改不在这里做：抓取结果交回控制器的事件循环，
// 由控制器在独占状态的前提下按 BuildPlan 的结果执行。
type Engine struct {
	src     Source
	pair    string
	timeout time.Duration
	now     func() time.Time
}

// NewEngine 创建对账引擎
func NewEngine(src Source, pair string, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{src: src, pair: pair, timeout: timeout, now: time.Now}
}

// Result 一次抓取的结果。单项失败只记录错误，不影响另一项。
type Result struct {
	Since     time.Time
	StartedAt time.Time
	Open      []domain.Order
	OpenErr   error
	Fills     []domain.Fill
	FillsErr  error
}

// Fetch 并发拉取挂单与 since 之后的成交
func (e *Engine) Fetch(ctx context.Context, since time.Time) Result {
	res := Result{Since: since, StartedAt: e.now()}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	g := syncgroup.NewSyncGroup()
	g.Add("reconcile-open-orders", func() {
		res.Open, res.OpenErr = e.src.OpenOrders(ctx, e.pair)
	})
	g.Add("reconcile-fills", func() {
		res.Fills, res.FillsErr = e.src.FillsSince(ctx, e.pair, since)
	})
	g.Run()
	g.Wait()

	if res.OpenErr != nil {
		log.WithError(res.OpenErr).Warn("拉取挂单失败，本轮跳过成交重放、撤单核对与孤儿清理")
	}
	if res.FillsErr != nil {
		log.WithError(res.FillsErr).Warn("拉取成交失败，本轮跳过漏成交重放与撤单核对")
	}
	return res
}

// TrackedOrder 本地跟踪的一张订单
type TrackedOrder struct {
	Role    string
	KnownAt time.Time // 本地拿到交易所订单 ID 的时间
}

// Tracked 对账开始时本地状态的视图
type Tracked struct {
	Orders    map[string]TrackedOrder // 有交易所 ID 的活跃订单（卖单、补仓单、激进买单）
	Retiring  map[string]TrackedOrder // 已请求撤单、尚未确认的订单
	ClientIDs map[string]string       // 所有仍在跟踪的客户端 ID（含尚未拿到回执的下单）
}

// Plan 一轮对账要执行的动作，顺序固定：先重放成交，再清理消失的订单，最后撤孤儿单
type Plan struct {
	Fills   []domain.Fill
	Missing []string
	Orphans []domain.Order
	// Gone 成交抓取失败时，挂单列表里已经没有的本地订单（是成交还是被撤无法判断）
	Gone []string
	// StillOpen 有成交记录但仍在挂单列表中的订单（部分成交），本轮不重放
	StillOpen []string
}

// Empty 是否无事可做
func (p Plan) Empty() bool {
	return len(p.Fills) == 0 && len(p.Missing) == 0 && len(p.Orphans) == 0 && len(p.Gone) == 0
}

// BuildPlan 根据本地视图与交易所结果生成计划（纯函数）。
//   - 成交：since 之后的成交按订单聚合，是否已反映由状态机判定（幂等）。
//     只重放已经不在挂单列表里的订单；仍挂着的只是部分成交，留给实时推送或下一轮。
//     挂单抓取失败时无法区分部分成交，本轮不重放。
//   - 消失：本地有 ID、在抓取开始前就已知、但不在挂单列表中的订单。
//     成交抓取失败时不算消失，只列入 Gone，由状态机决定哪些可以安全清理。
//   - 孤儿：交易所挂单中既不是本地跟踪 ID、客户端 ID 也对不上的订单。
func BuildPlan(t Tracked, r Result) Plan {
	var p Plan
	if r.OpenErr != nil {
		return p
	}

	open := make(map[string]struct{}, len(r.Open))
	for _, o := range r.Open {
		open[o.OrderID] = struct{}{}
	}

	if r.FillsErr == nil {
		for _, f := range Aggregate(r.Fills, r.Since) {
			if _, ok := open[f.OrderID]; ok {
				p.StillOpen = append(p.StillOpen, f.OrderID)
				continue
			}
			p.Fills = append(p.Fills, f)
		}
	}

	collect := func(m map[string]TrackedOrder) {
		for id, tr := range m {
			if _, ok := open[id]; ok {
				continue
			}
			if !tr.KnownAt.IsZero() && !tr.KnownAt.Before(r.StartedAt) {
				continue
			}
			if r.FillsErr != nil {
				p.Gone = append(p.Gone, id)
			} else {
				p.Missing = append(p.Missing, id)
			}
		}
	}
	collect(t.Orders)
	collect(t.Retiring)
	sort.Strings(p.Missing)
	sort.Strings(p.Gone)

	for _, o := range r.Open {
		if _, ok := t.Orders[o.OrderID]; ok {
			continue
		}
		if o.ClientID != "" {
			if _, ok := t.ClientIDs[o.ClientID]; ok {
				continue
			}
		}
		p.Orphans = append(p.Orphans, o)
	}
	sort.Slice(p.Orphans, func(i, j int) bool { return p.Orphans[i].OrderID < p.Orphans[j].OrderID })
	return p
}

// Aggregate 把逐笔成交按订单聚合（总量 + 成交均价），只保留最后成交时间晚于 since 的订单，按时间升序。
func Aggregate(fills []domain.Fill, since time.Time) []domain.Fill {
	type acc struct {
		fill     domain.Fill
		notional decimal.Decimal
	}
	byOrder := make(map[string]*acc)
	var order []string
	for _, f := range fills {
		if f.OrderID == "" || !f.Side.Valid() || !f.Size.IsPositive() {
			continue
		}
		a, ok := byOrder[f.OrderID]
		if !ok {
			a = &acc{fill: f, notional: decimal.Zero}
			a.fill.Size = decimal.Zero
			byOrder[f.OrderID] = a
			order = append(order, f.OrderID)
		}
		a.notional = a.notional.Add(f.Notional())
		a.fill.Size = a.fill.Size.Add(f.Size)
		if f.Time.After(a.fill.Time) {
			a.fill.Time = f.Time
		}
		if a.fill.ClientID == "" {
			a.fill.ClientID = f.ClientID
		}
	}

	out := make([]domain.Fill, 0, len(order))
	for _, id := range order {
		a := byOrder[id]
		if !a.fill.Time.After(since) {
			continue
		}
		a.fill.Price = a.notional.Div(a.fill.Size)
		out = append(out, a.fill)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}
