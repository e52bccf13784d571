package cycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/spotcycle/internal/domain"
	"github.com/betbot/spotcycle/internal/events"
	"github.com/betbot/spotcycle/internal/metrics"
	"github.com/betbot/spotcycle/internal/ports"
	"github.com/betbot/spotcycle/internal/reconcile"
	"github.com/betbot/spotcycle/pkg/executor"
	"github.com/betbot/spotcycle/pkg/persistence"
	"github.com/betbot/spotcycle/pkg/syncgroup"
)

const (
	cmdKindPlace  = "place"
	cmdKindCancel = "cancel"

	// 抓取失败后补跑对账的退避上限
	maxReconcileRetry = 30 * time.Second
)

// errStopping 退出流程开始后仍在队列里的下单命令
var errStopping = errors.New("controller stopping")

// Venue 控制器需要的网关能力
type Venue interface {
	ports.OrderPlacer
	ports.OrderCanceler
	ports.OpenOrderLister
	ports.LastPriceGetter
}

// Journal 已完成往返交易的记录器
type Journal interface {
	Record(ctx context.Context, t domain.RealizedTrade) error
}

// StopOptions 退出参数
type StopOptions struct {
	PollInterval     time.Duration
	MaxPolls         int
	CancelOpenOrders bool
}

// Status 控制器对外可见的状态快照（可在任意 goroutine 读取）
type Status struct {
	Pair          string          `json:"pair"`
	Phase         Phase           `json:"phase"`
	SellSlots     int             `json:"sell_slots"`
	PendingSells  int             `json:"pending_sells"`
	HasDCA        bool            `json:"has_dca"`
	HasAggressive bool            `json:"has_aggressive"`
	Retiring      int             `json:"retiring"`
	Profit        decimal.Decimal `json:"profit"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Active        bool            `json:"active"`
	Stopping      bool            `json:"stopping"`
	Reconciling   bool            `json:"reconciling"`
	Deferred      int             `json:"deferred"`
}

// 事件循环的输入
type (
	accountInput struct{ ev events.AccountEvent }

	reconcileRequest struct {
		since  time.Time
		reason string
		begin  bool
		done   chan error
	}

	fetchDone struct{ res reconcile.Result }

	stopRequest struct{ done chan struct{} }

	saveRequest struct{ done chan error }
)

// Controller 单 goroutine 事件循环：独占状态机，所有输入（行情、账户事件、
// 下单/撤单结果、定时器、对账结果）都经 inbox 串行处理。网络调用通过串行执行器
// 在循环外完成，结果再作为输入回到循环，由状态机重新校验。
type Controller struct {
	m       *Machine
	venue   Venue
	engine  *reconcile.Engine
	exec    *executor.Serial
	timers  *Scheduler
	store   persistence.Store
	journal Journal
	bg      *syncgroup.SyncGroup

	inbox    chan any
	loopDone chan struct{}
	stopped  atomic.Bool
	status   atomic.Pointer[Status]

	cmdTimeout time.Duration

	// 以下字段只在事件循环中访问
	runCtx      context.Context
	later       []any
	deferred    []events.AccountEvent
	booted      bool
	reconciling bool
	beginAfter  bool
	waiters     []chan error
	nextWaiters []chan error
	nextSince   time.Time
	hasNext     bool
	watermark   time.Time
	dirty       bool

	retryDelay time.Duration // 当前补跑退避（0 表示没有待补跑的对账）
	retrySince time.Time
	retryToken uint64
}

// NewController 创建控制器。store 与 journal 可以为 nil。
func NewController(m *Machine, venue Venue, engine *reconcile.Engine, store persistence.Store, journal Journal) *Controller {
	c := &Controller{
		m:          m,
		venue:      venue,
		engine:     engine,
		exec:       executor.NewSerial(256),
		store:      store,
		journal:    journal,
		bg:         syncgroup.NewSyncGroup(),
		inbox:      make(chan any, 1024),
		loopDone:   make(chan struct{}),
		cmdTimeout: 30 * time.Second,
	}
	c.timers = NewScheduler(func(t TimerFired) { c.post(t) })
	c.publish()
	return c
}

// Status 最近一次处理完输入后的状态
func (c *Controller) Status() Status {
	return *c.status.Load()
}

// Run 启动执行器并运行事件循环，直到 ctx 取消
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	c.exec.Start(ctx)
	defer close(c.loopDone)
	log.Infof("🔄 事件循环启动: pair=%s", c.m.Params().Pair)
	for {
		select {
		case <-ctx.Done():
			c.timers.DisarmAll()
			log.Infof("事件循环退出: %v", ctx.Err())
			return
		case in := <-c.inbox:
			c.handle(in)
			for len(c.later) > 0 {
				next := c.later[0]
				c.later = c.later[1:]
				c.handle(next)
			}
			c.persistIfDirty()
			c.publish()
		}
	}
}

// post 投递输入；事件循环已退出时丢弃并返回 false
func (c *Controller) post(in any) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.loopDone:
		return false
	}
}

// OnPriceTick 行情推送
func (c *Controller) OnPriceTick(ctx context.Context, tick events.PriceTick) error {
	select {
	case c.inbox <- tick:
		return nil
	case <-c.loopDone:
		return errStopping
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnAccountEvent 账户推送
func (c *Controller) OnAccountEvent(ctx context.Context, ev events.AccountEvent) error {
	select {
	case c.inbox <- accountInput{ev: ev}:
		return nil
	case <-c.loopDone:
		return errStopping
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile 账户流每次握手成功后调用，返回前该会话的事件不会被处理。
// since 为零值时从启动对账的时间点开始。
func (c *Controller) Reconcile(ctx context.Context, since time.Time) error {
	return c.request(ctx, reconcileRequest{since: since, reason: "account session"})
}

// Bootstrap 启动对账：以 since 为起点对账一轮，完成后开始循环
func (c *Controller) Bootstrap(ctx context.Context, since time.Time) error {
	if since.IsZero() {
		since = time.Now()
	}
	return c.request(ctx, reconcileRequest{since: since, reason: "startup", begin: true})
}

func (c *Controller) request(ctx context.Context, req reconcileRequest) error {
	req.done = make(chan error, 1)
	select {
	case c.inbox <- req:
	case <-c.loopDone:
		return errStopping
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-c.loopDone:
		return errStopping
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 退出流程：停止下单，等待在途撤单，可选撤掉全部挂单，最后保存快照
func (c *Controller) Stop(ctx context.Context, opts StopOptions) error {
	if c.stopped.Swap(true) {
		return nil
	}
	log.Info("🛑 控制器开始退出，不再下新单")

	stopDone := make(chan struct{})
	if c.post(stopRequest{done: stopDone}) {
		select {
		case <-stopDone:
		case <-ctx.Done():
		}
	}

	if !c.exec.AwaitKind(ctx, cmdKindCancel, opts.PollInterval, opts.MaxPolls) {
		log.Warnf("在途撤单未在 %d 次轮询内完成: inflight=%d", opts.MaxPolls, c.exec.InFlight(cmdKindCancel))
	}

	if opts.CancelOpenOrders {
		c.cancelAllOpen(ctx)
	}

	saveDone := make(chan error, 1)
	if c.post(saveRequest{done: saveDone}) {
		select {
		case err := <-saveDone:
			if err != nil {
				log.WithError(err).Error("退出时保存快照失败")
			}
		case <-ctx.Done():
		}
	} else if err := c.save(); err != nil {
		log.WithError(err).Error("退出时保存快照失败")
	}

	c.bg.Wait()
	return c.exec.Stop(ctx)
}

func (c *Controller) cancelAllOpen(ctx context.Context) {
	pair := c.m.Params().Pair
	open, err := c.venue.OpenOrders(ctx, pair)
	if err != nil {
		log.WithError(err).Error("退出时查询挂单失败，挂单未撤")
		return
	}
	for _, o := range open {
		err := c.venue.CancelOrder(ctx, o.OrderID, o.ClientID)
		if err != nil && !errors.Is(err, ports.ErrNotFound) {
			log.WithError(err).Errorf("退出时撤单失败: order=%s", o.OrderID)
		} else {
			log.Infof("退出时撤单: order=%s side=%s price=%s", o.OrderID, o.Side, o.Price)
		}
		c.post(CancelResult{Role: RoleOrphan, OrderID: o.OrderID, ClientID: o.ClientID, Err: err})
	}
}

func (c *Controller) handle(in any) {
	switch v := in.(type) {
	case events.PriceTick:
		c.m.OnPriceTick(v)
	case accountInput:
		if !c.booted || c.reconciling {
			c.deferred = append(c.deferred, v.ev)
			return
		}
		c.applyEvent(v.ev, "live")
	case PlaceResult:
		c.execute(c.m.OnPlaceResult(v))
		c.dirty = true
	case CancelResult:
		c.execute(c.m.OnCancelResult(v))
		c.dirty = true
	case TimerFired:
		if v.Key == TimerReconcileRetry {
			c.onRetryTimer(v)
			return
		}
		c.execute(c.m.OnTimer(v))
	case reconcileRequest:
		c.requestPass(v)
	case fetchDone:
		c.finishPass(v.res)
	case stopRequest:
		c.execute(c.m.Stop())
		c.timers.DisarmAll()
		c.dirty = true
		close(v.done)
	case saveRequest:
		v.done <- c.save()
		c.dirty = false
	}
}

func (c *Controller) applyEvent(ev events.AccountEvent, source string) {
	switch e := ev.(type) {
	case events.BuyFilled:
		if !c.m.Reflected(e.Fill) {
			metrics.Fills.WithLabelValues(string(domain.SideBuy), source).Inc()
		}
	case events.SellFilled:
		if !c.m.Reflected(e.Fill) {
			metrics.Fills.WithLabelValues(string(domain.SideSell), source).Inc()
		}
	}
	c.execute(c.m.Apply(ev))
	c.dirty = true
}

func (c *Controller) requestPass(req reconcileRequest) {
	since := req.since
	if since.IsZero() {
		since = c.watermark
	}
	if since.IsZero() {
		// 启动对账之前没有可信的起点，不回放历史成交
		since = time.Now()
	}
	if req.begin {
		c.beginAfter = true
	}
	if c.reconciling {
		if !c.hasNext || since.Before(c.nextSince) {
			c.nextSince = since
		}
		c.hasNext = true
		if req.done != nil {
			c.nextWaiters = append(c.nextWaiters, req.done)
		}
		log.Infof("对账进行中，合并请求（%s）: since=%s", req.reason, since.Format(time.RFC3339))
		return
	}
	var waiters []chan error
	if req.done != nil {
		waiters = append(waiters, req.done)
	}
	c.startPass(since, req.reason, waiters)
}

func (c *Controller) startPass(since time.Time, reason string, waiters []chan error) {
	c.reconciling = true
	c.waiters = waiters
	metrics.ReconcileRuns.Inc()
	log.Infof("🔍 开始对账（%s）: since=%s", reason, since.Format(time.RFC3339))
	ctx := c.runCtx
	c.bg.Go("reconcile-fetch", func() {
		c.post(fetchDone{res: c.engine.Fetch(ctx, since)})
	})
}

// finishPass 在循环内按固定顺序执行对账计划：成交 → 消失的订单 → 孤儿单
func (c *Controller) finishPass(res reconcile.Result) {
	if c.watermark.IsZero() {
		c.watermark = res.StartedAt
	}
	plan := reconcile.BuildPlan(c.m.State().Tracked(), res)

	for _, f := range plan.Fills {
		if !c.m.Reflected(f) {
			metrics.ReconcileMissedFills.Inc()
			log.Infof("对账: 重放漏掉的成交 order=%s side=%s price=%s size=%s", f.OrderID, f.Side, f.Price, f.Size)
		}
		c.applyEvent(events.FromFill(f), "replay")
	}
	for _, id := range plan.Missing {
		metrics.ReconcileMissing.Inc()
		c.execute(c.m.ClearMissing(id))
		c.dirty = true
	}
	for _, id := range plan.Gone {
		if effs := c.m.OrderGone(id); len(effs) > 0 {
			c.execute(effs)
			c.dirty = true
		}
	}
	for _, id := range plan.StillOpen {
		log.Infof("对账: 订单 %s 部分成交仍在挂单中，等待完整成交", id)
		c.m.MarkPartial(id)
	}
	for _, o := range plan.Orphans {
		metrics.ReconcileOrphans.Inc()
		log.Warnf("对账: 撤掉未跟踪的挂单 order=%s client=%s side=%s price=%s size=%s", o.OrderID, o.ClientID, o.Side, o.Price, o.Size)
		c.execute([]Effect{CancelOrder{Role: RoleOrphan, OrderID: o.OrderID, ClientID: o.ClientID, Reason: "orphan"}})
	}

	err := errors.Join(res.OpenErr, res.FillsErr)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		c.scheduleRetry(res.Since)
	} else {
		c.clearRetry(res.Since)
	}
	log.Infof("✅ 对账完成: fills=%d missing=%d orphans=%d phase=%s sells=%d",
		len(plan.Fills), len(plan.Missing), len(plan.Orphans), c.m.State().Phase, c.m.State().SellCount())

	c.reconciling = false
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil

	if c.beginAfter && !c.booted {
		c.booted = true
		c.beginAfter = false
		c.execute(c.m.Begin())
	}

	if c.hasNext {
		since, waiters := c.nextSince, c.nextWaiters
		c.hasNext, c.nextSince, c.nextWaiters = false, time.Time{}, nil
		c.startPass(since, "coalesced", waiters)
		return
	}
	if c.booted && len(c.deferred) > 0 {
		pending := c.deferred
		c.deferred = nil
		log.Infof("处理对账期间暂存的 %d 条账户事件", len(pending))
		for _, ev := range pending {
			c.applyEvent(ev, "live")
		}
	}
}

// scheduleRetry 抓取失败的一轮对账按退避补跑，起点取所有失败轮中最早的 since
func (c *Controller) scheduleRetry(since time.Time) {
	if c.stopped.Load() {
		return
	}
	d := c.retryDelay * 2
	if d == 0 {
		d = c.m.Params().RetryDelay
	}
	if d <= 0 {
		d = time.Second
	}
	if d > maxReconcileRetry {
		d = maxReconcileRetry
	}
	c.retryDelay = d
	if c.retrySince.IsZero() || since.Before(c.retrySince) {
		c.retrySince = since
	}
	c.retryToken++
	c.timers.Arm(TimerReconcileRetry, d, c.retryToken)
	log.Warnf("对账抓取失败，%s 后补跑: since=%s", d, c.retrySince.Format(time.RFC3339))
}

// clearRetry 成功的一轮覆盖了待补跑的区间时取消补跑
func (c *Controller) clearRetry(since time.Time) {
	if c.retryDelay == 0 || since.After(c.retrySince) {
		return
	}
	c.retryDelay, c.retrySince = 0, time.Time{}
	c.retryToken++
	c.timers.Disarm(TimerReconcileRetry)
}

func (c *Controller) onRetryTimer(t TimerFired) {
	if t.Token != c.retryToken || c.retryDelay == 0 || c.stopped.Load() {
		return
	}
	c.requestPass(reconcileRequest{since: c.retrySince, reason: "retry after fetch error"})
}

// execute 把状态机的副作用落到执行器、定时器、记账与对账上
func (c *Controller) execute(effs []Effect) {
	for _, eff := range effs {
		switch e := eff.(type) {
		case PlaceOrder:
			c.submitPlace(e)
		case CancelOrder:
			c.submitCancel(e)
		case ArmTimer:
			c.timers.Arm(e.Key, e.After, e.Token)
		case DisarmTimer:
			c.timers.Disarm(e.Key)
		case RecordTrade:
			c.record(e.Trade)
		case RequestReconcile:
			c.requestPass(reconcileRequest{since: e.Since, reason: e.Reason})
		}
	}
}

func (c *Controller) submitPlace(e PlaceOrder) {
	cmd := executor.Command{
		Name:    "place:" + string(e.Role) + ":" + e.Request.ClientID,
		Kind:    cmdKindPlace,
		Key:     "place:" + e.Request.ClientID,
		Timeout: c.cmdTimeout,
		Do: func(ctx context.Context) {
			c.post(c.place(ctx, e))
		},
	}
	if err := c.exec.Submit(cmd); err != nil {
		metrics.OrderErrors.WithLabelValues(string(e.Role), "submit").Inc()
		c.later = append(c.later, PlaceResult{Role: e.Role, ClientID: e.Request.ClientID, Err: err})
	}
}

func (c *Controller) place(ctx context.Context, e PlaceOrder) PlaceResult {
	res := PlaceResult{Role: e.Role, ClientID: e.Request.ClientID}
	if c.stopped.Load() {
		res.Err = errStopping
		return res
	}
	req := e.Request
	if e.ResolvePrice || !req.Price.IsPositive() {
		price, err := c.venue.LastPrice(ctx, req.Pair)
		if err != nil {
			res.Err = err
			metrics.OrderErrors.WithLabelValues(string(e.Role), metrics.ErrorKind(err)).Inc()
			return res
		}
		req.Price = price
	}
	order, err := c.venue.PlaceOrder(ctx, req)
	if err != nil {
		res.Err = err
		metrics.OrderErrors.WithLabelValues(string(e.Role), metrics.ErrorKind(err)).Inc()
		return res
	}
	metrics.OrdersPlaced.WithLabelValues(string(e.Role)).Inc()
	res.Order = order
	return res
}

func (c *Controller) submitCancel(e CancelOrder) {
	cmd := executor.Command{
		Name:    "cancel:" + string(e.Role) + ":" + e.OrderID,
		Kind:    cmdKindCancel,
		Key:     "cancel:" + e.OrderID,
		Timeout: c.cmdTimeout,
		Do: func(ctx context.Context) {
			err := c.venue.CancelOrder(ctx, e.OrderID, e.ClientID)
			if err != nil {
				metrics.OrderErrors.WithLabelValues(string(e.Role), metrics.ErrorKind(err)).Inc()
			}
			c.post(CancelResult{Role: e.Role, OrderID: e.OrderID, ClientID: e.ClientID, Err: err})
		},
	}
	err := c.exec.Submit(cmd)
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrDuplicateInFlight):
		log.Debugf("撤单已在途，跳过: order=%s", e.OrderID)
	default:
		metrics.OrderErrors.WithLabelValues(string(e.Role), "submit").Inc()
		c.later = append(c.later, CancelResult{Role: e.Role, OrderID: e.OrderID, ClientID: e.ClientID, Err: err})
	}
}

func (c *Controller) record(t domain.RealizedTrade) {
	if c.journal == nil {
		return
	}
	c.bg.Go("journal", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.journal.Record(ctx, t); err != nil {
			log.WithError(err).Errorf("记录往返交易失败: sell=%s", t.SellOrderID)
		}
	})
}

func (c *Controller) persistIfDirty() {
	if !c.dirty {
		return
	}
	c.dirty = false
	if err := c.save(); err != nil {
		log.WithError(err).Warn("保存快照失败")
	}
}

func (c *Controller) save() error {
	if c.store == nil {
		return nil
	}
	snap := SnapshotOf(c.m.Params().Pair, c.m.State(), time.Now())
	if err := c.store.Save(snap); err != nil {
		metrics.SnapshotErrors.Inc()
		return err
	}
	metrics.SnapshotSaves.Inc()
	return nil
}

func (c *Controller) publish() {
	s := c.m.State()
	st := &Status{
		Pair:          c.m.Params().Pair,
		Phase:         s.Phase,
		SellSlots:     len(s.sells),
		PendingSells:  len(s.pendingSells),
		HasDCA:        s.DCA != nil,
		HasAggressive: s.Aggressive != nil,
		Retiring:      len(s.retiring),
		Profit:        s.Profit,
		LastPrice:     s.LastPrice,
		Active:        s.active,
		Stopping:      s.stopping,
		Reconciling:   c.reconciling,
		Deferred:      len(c.deferred),
	}
	c.status.Store(st)

	metrics.SellSlots.Set(float64(s.SellCount()))
	metrics.RealizedProfit.Set(s.Profit.InexactFloat64())
	metrics.SetPhase(string(s.Phase), string(PhaseAggressiveBuying), string(PhaseHolding))
}
