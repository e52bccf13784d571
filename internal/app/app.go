package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/spotcycle/internal/controlplane/server"
	"github.com/betbot/spotcycle/internal/cycle"
	"github.com/betbot/spotcycle/internal/health"
	"github.com/betbot/spotcycle/internal/infrastructure/venue"
	"github.com/betbot/spotcycle/internal/infrastructure/websocket"
	"github.com/betbot/spotcycle/internal/journal"
	"github.com/betbot/spotcycle/internal/reconcile"
	"github.com/betbot/spotcycle/pkg/config"
	"github.com/betbot/spotcycle/pkg/instancelock"
	"github.com/betbot/spotcycle/pkg/persistence"
	"github.com/betbot/spotcycle/pkg/shutdown"
	"github.com/betbot/spotcycle/pkg/syncgroup"
)

var log = logrus.WithField("component", "app")

const (
	snapshotPrefix = "spotcycle"
	snapshotTag    = "snapshot"
)

// App 组装好的进程：网关、控制器、两条流、健康检查、运维接口
type App struct {
	cfg *config.Config

	lock     *instancelock.Lock
	client   *venue.Client
	storeSvc persistence.Service
	journal  *journal.Journal
	ctrl     *cycle.Controller
	market   *websocket.Client
	account  *websocket.Client
	monitor  *health.Monitor
	control  *server.Server
	snapshot *cycle.Snapshot

	group    *syncgroup.SyncGroup
	shutdown *shutdown.Manager

	loopCtx    context.Context
	loopCancel context.CancelFunc
	feedCtx    context.Context
	feedCancel context.CancelFunc
	ctlCancel  context.CancelFunc

	stateOnce sync.Once
	closeOnce sync.Once
}

// New 按配置组装各组件。任何一步失败都是启动致命错误，此时尚未下任何订单。
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{
		cfg:      cfg,
		group:    syncgroup.NewSyncGroup(),
		shutdown: shutdown.NewManager(),
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	// 同一交易对、同一状态目录只允许一个进程
	if a.lock, err = instancelock.Acquire(cfg.Persistence.Dir, cfg.Trading.Pair); err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}

	a.client = venue.NewClient(venue.Options{
		BaseURL:      cfg.Venue.RestURL,
		APIKey:       cfg.Venue.APIKey,
		APISecret:    cfg.Venue.APISecret,
		Pair:         cfg.Trading.Pair,
		Timeout:      cfg.Venue.RestTimeout,
		Retries:      cfg.Venue.RestRetries,
		RetryWait:    cfg.Venue.RestRetryWait,
		RetryMaxWait: cfg.Venue.RestRetryMax,
		RatePerSec:   cfg.Venue.RateLimitPerSec,
	})

	inst, err := a.client.Instrument(ctx, cfg.Trading.Pair)
	if err != nil {
		return nil, fmt.Errorf("load instrument %s: %w", cfg.Trading.Pair, err)
	}
	if cfg.Trading.TradeSize.LessThan(inst.MinSize) {
		return nil, fmt.Errorf("trade_size %s 小于交易所最小下单量 %s", cfg.Trading.TradeSize, inst.MinSize)
	}
	last, err := a.client.LastPrice(ctx, cfg.Trading.Pair)
	if err != nil {
		return nil, fmt.Errorf("load last price %s: %w", cfg.Trading.Pair, err)
	}
	log.Infof("📈 %s 最新价 %s，tick=%s lot=%s min=%s", cfg.Trading.Pair, last, inst.PriceIncrement, inst.SizeIncrement, inst.MinSize)

	if a.storeSvc, err = openStore(cfg.Persistence); err != nil {
		return nil, err
	}
	store := a.storeSvc.NewStore(snapshotPrefix, cfg.Trading.Pair, snapshotTag)
	snap, err := cycle.LoadSnapshot(store)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var state *cycle.State
	if snap != nil {
		if snap.Pair != "" && snap.Pair != cfg.Trading.Pair {
			log.Warnf("快照交易对 %s 与配置 %s 不一致，忽略快照", snap.Pair, cfg.Trading.Pair)
			snap = nil
		} else {
			state = snap.Restore()
			log.Infof("♻️ 已加载快照: saved_at=%s sells=%d profit=%s", snap.SavedAt.Format(time.RFC3339), len(snap.SellSlots), snap.Profit)
		}
	}
	a.snapshot = snap
	if state == nil {
		state = cycle.NewState()
	}
	if state.LastPrice.IsZero() || snap == nil {
		state.LastPrice = last
	}

	if cfg.JournalPath != "" {
		if a.journal, err = journal.Open(cfg.JournalPath); err != nil {
			return nil, err
		}
	}

	machine := cycle.NewMachine(cycle.Params{
		Pair:             cfg.Trading.Pair,
		TradeSize:        cfg.Trading.TradeSize,
		ProfitMargin:     cfg.Trading.ProfitMargin,
		DCAMargin:        cfg.Trading.DCAMargin,
		FillWindow:       cfg.Trading.FillWindow,
		RetryDelay:       cfg.Trading.RetryDelay,
		RejectRetryDelay: cfg.Trading.RejectRetryDelay,
	}, state)
	engine := reconcile.NewEngine(a.client, cfg.Trading.Pair, cfg.Venue.RestTimeout*3)

	var jr cycle.Journal
	if a.journal != nil {
		jr = a.journal
	}
	a.ctrl = cycle.NewController(machine, a.client, engine, store, jr)

	a.market = websocket.NewClient(websocket.Options{
		Name:     "market",
		URL:      cfg.Venue.WSPublicURL,
		MinDelay: cfg.Health.ReconnectMinDelay,
		MaxDelay: cfg.Health.ReconnectMaxDelay,
	}, websocket.NewMarketFeed(cfg.Trading.Pair, a.ctrl))
	a.account = websocket.NewClient(websocket.Options{
		Name:     "account",
		URL:      cfg.Venue.WSPrivateURL,
		MinDelay: cfg.Health.ReconnectMinDelay,
		MaxDelay: cfg.Health.ReconnectMaxDelay,
	}, websocket.NewUserFeed(cfg.Trading.Pair, websocket.UserCredentials{
		APIKey: cfg.Venue.APIKey,
		Secret: cfg.Venue.APISecret,
	}, a.ctrl, a.ctrl))
	a.monitor = health.NewMonitor(cfg.Health.PollInterval, a.market, a.account)

	if cfg.ControlAddr != "" {
		var trades server.TradeLog
		if a.journal != nil {
			trades = a.journal
		}
		a.control, err = server.New(server.Config{
			Status:      a.ctrl,
			Feeds:       a.monitor,
			Trades:      trades,
			StaleAfter:  2 * cfg.Health.PollInterval,
			EnablePprof: cfg.Pprof,
		})
		if err != nil {
			return nil, err
		}
	}

	a.registerShutdown()
	return a, nil
}

func openStore(cfg config.PersistenceConfig) (persistence.Service, error) {
	switch cfg.Backend {
	case "badger":
		svc, err := persistence.NewBadgerService(filepath.Join(cfg.Dir, "badger"))
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return svc, nil
	default:
		return persistence.NewJSONFileService(cfg.Dir), nil
	}
}

// Start 启动事件循环与各条流，并完成启动对账。返回时循环已经开始。
func (a *App) Start(ctx context.Context) error {
	a.loopCtx, a.loopCancel = context.WithCancel(context.Background())
	a.feedCtx, a.feedCancel = context.WithCancel(ctx)

	a.group.Add("cycle-controller", func() { a.ctrl.Run(a.loopCtx) })
	a.group.Add("ws-market", func() { a.market.Run(a.feedCtx) })
	a.group.Add("ws-account", func() { a.account.Run(a.feedCtx) })
	a.group.Add("health-monitor", func() { a.monitor.Run(a.feedCtx) })
	a.group.Run()

	if a.control != nil {
		ctlCtx, cancel := context.WithCancel(context.Background())
		a.ctlCancel = cancel
		if _, err := a.control.StartAsync(ctlCtx, a.cfg.ControlAddr); err != nil {
			log.WithError(err).Warn("运维接口启动失败，继续运行")
		}
	}

	// 从上次快照时间点补齐离线期间的成交；没有快照时从现在开始
	var since time.Time
	if a.snapshot != nil {
		since = a.snapshot.SavedAt
	}
	if err := a.ctrl.Bootstrap(ctx, since); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	log.Infof("🚀 循环已启动: pair=%s size=%s profit=%s dca=%s",
		a.cfg.Trading.Pair, a.cfg.Trading.TradeSize, a.cfg.Trading.ProfitMargin, a.cfg.Trading.DCAMargin)
	return nil
}

// Status 当前循环状态
func (a *App) Status() cycle.Status { return a.ctrl.Status() }

func (a *App) registerShutdown() {
	a.shutdown.OnShutdown(shutdown.StageIntake, "feeds", func(ctx context.Context) {
		if a.feedCancel != nil {
			a.feedCancel()
		}
	})
	a.shutdown.OnShutdown(shutdown.StageTrading, "controller", func(ctx context.Context) {
		err := a.ctrl.Stop(ctx, cycle.StopOptions{
			PollInterval:     a.cfg.Shutdown.PollInterval,
			MaxPolls:         a.cfg.Shutdown.MaxPolls,
			CancelOpenOrders: a.cfg.Trading.CancelOnShutdown,
		})
		if err != nil {
			log.WithError(err).Warn("控制器退出未完全完成")
		}
		if a.loopCancel != nil {
			a.loopCancel()
		}
	})
	a.shutdown.OnShutdown(shutdown.StageState, "goroutines", func(ctx context.Context) {
		done := make(chan struct{})
		go func() {
			a.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warnf("等待后台任务退出超时: running=%d", a.group.Running())
		}
		a.closeState()
	})
	a.shutdown.OnShutdown(shutdown.StageResource, "resources", func(ctx context.Context) {
		a.release()
	})
}

// Shutdown 按阶段优雅退出：停流 → 停止下单并撤单 → 落盘 → 释放资源
func (a *App) Shutdown(ctx context.Context) {
	a.shutdown.Shutdown(ctx)
}

// closeState 关闭台账与快照存储，只执行一次
func (a *App) closeState() {
	a.stateOnce.Do(func() {
		if a.journal != nil {
			if err := a.journal.Close(); err != nil {
				log.WithError(err).Warn("关闭台账失败")
			}
		}
		if a.storeSvc != nil {
			if err := a.storeSvc.Close(); err != nil {
				log.WithError(err).Warn("关闭快照存储失败")
			}
		}
	})
}

func (a *App) release() {
	a.closeState()
	a.closeOnce.Do(func() {
		if a.ctlCancel != nil {
			a.ctlCancel()
		}
		if a.lock != nil {
			if err := a.lock.Release(); err != nil {
				log.WithError(err).Warn("释放实例锁失败")
			}
		}
	})
}
