package shutdown

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// 关闭阶段，数值小的先执行。同一阶段内的回调并发执行。
const (
	StageIntake   = 10 // 停止接收新事件（行情/账户流、控制面）
	StageTrading  = 20 // 停止下单、等待撤单、撤掉剩余挂单
	StageState    = 30 // 落盘快照、关闭账本
	StageResource = 40 // 释放文件锁等进程级资源
)

// Handler 关闭处理函数
type Handler func(ctx context.Context)

type entry struct {
	stage int
	name  string
	fn    Handler
}

// Manager 分阶段的优雅关闭管理器
type Manager struct {
	mu      sync.Mutex
	entries []entry
	once    sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(stage int, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{stage: stage, name: name, fn: handler})
}

// Shutdown 按阶段顺序执行回调（阻塞调用，只执行一次）。
// ctx 超时后剩余阶段仍会执行，由各回调自行依据 ctx 快速返回。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		entries := append([]entry(nil), m.entries...)
		m.mu.Unlock()

		if len(entries) == 0 {
			log.Info("没有注册的关闭回调")
			return
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].stage < entries[j].stage })
		log.Infof("开始优雅关闭，共 %d 个回调", len(entries))

		for i := 0; i < len(entries); {
			j := i
			for j < len(entries) && entries[j].stage == entries[i].stage {
				j++
			}
			runStage(ctx, entries[i:j])
			i = j
		}
		log.Info("所有关闭回调已完成")
	})
}

func runStage(ctx context.Context, stage []entry) {
	var wg sync.WaitGroup
	for _, e := range stage {
		wg.Add(1)
		go func(e entry) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("关闭回调 %s panic: %v", e.name, r)
				}
			}()
			e.fn(ctx)
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warnf("关闭阶段 %d 超时: %v", stage[0].stage, ctx.Err())
	}
}
