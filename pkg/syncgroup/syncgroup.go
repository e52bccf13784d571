package syncgroup

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncGroup 是 sync.WaitGroup 的包装器，自动管理 Add()/Done()，
// 并对每个 goroutine 做 panic 保护（panic 记录日志，不影响其余 goroutine）。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []namedFunc
	running int
}

type namedFunc struct {
	name string
	fn   func()
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个待启动的函数，Run() 时统一启动
func (g *SyncGroup) Add(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.pending = append(g.pending, namedFunc{name: name, fn: fn})
	g.mu.Unlock()
}

// Go 立即启动一个 goroutine
func (g *SyncGroup) Go(name string, fn func()) {
	if fn == nil {
		return
	}
	g.start(namedFunc{name: name, fn: fn})
}

// Run 启动所有已登记的函数并清空登记列表
func (g *SyncGroup) Run() {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, f := range fns {
		g.start(f)
	}
}

func (g *SyncGroup) start(f namedFunc) {
	g.wg.Add(1)
	g.mu.Lock()
	g.running++
	g.mu.Unlock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("component", "syncgroup").Errorf("goroutine %s panic: %v", f.name, r)
			}
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
			g.wg.Done()
		}()
		f.fn()
	}()
}

// Running 当前仍在运行的 goroutine 数量
func (g *SyncGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait 等待所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
