package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "command_executor")

// ErrDuplicateInFlight 同一 Key 的命令仍在队列中或正在执行
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("command queue full")

// ErrStopped 执行器已停止
var ErrStopped = errors.New("command executor stopped")

// Command 表示一次需要串行执行的 IO/交易动作。
// Do 不得长时间阻塞不响应 ctx；结果由 Do 自行回投给调用方的事件循环。
type Command struct {
	Name    string
	Kind    string // 用于按类别统计 in-flight，例如 "place" / "cancel"
	Key     string // 非空时做去重：同 Key 命令完成前再次提交会被拒绝
	Timeout time.Duration
	Do      func(ctx context.Context)
}

// Serial 单 worker 串行执行，保证下单/撤单的先后顺序与限速。
type Serial struct {
	ch     chan Command
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	keys    map[string]struct{}
	perKind map[string]int
	stopped bool
}

// NewSerial 创建串行执行器
func NewSerial(buffer int) *Serial {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Serial{
		ch:      make(chan Command, buffer),
		keys:    make(map[string]struct{}),
		perKind: make(map[string]int),
	}
}

// Start 启动 worker。重复调用无效果。
func (e *Serial) Start(ctx context.Context) {
	e.once.Do(func() {
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.wg.Add(1)
		go e.loop()
		log.Infof("✅ CommandExecutor 已启动 (buffer=%d)", cap(e.ch))
	})
}

func (e *Serial) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.ch:
			e.run(cmd)
		}
	}
}

func (e *Serial) run(cmd Command) {
	defer e.release(cmd)
	if cmd.Do == nil {
		return
	}
	runCtx, cancel := e.ctx, context.CancelFunc(func() {})
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(e.ctx, cmd.Timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("命令 panic: name=%s panic=%v", cmd.Name, r)
		}
	}()
	cmd.Do(runCtx)
}

func (e *Serial) release(cmd Command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cmd.Key != "" {
		delete(e.keys, cmd.Key)
	}
	if cmd.Kind != "" {
		e.perKind[cmd.Kind]--
	}
}

// Submit 非阻塞投递
func (e *Serial) Submit(cmd Command) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if cmd.Key != "" {
		if _, ok := e.keys[cmd.Key]; ok {
			e.mu.Unlock()
			return ErrDuplicateInFlight
		}
	}
	select {
	case e.ch <- cmd:
		if cmd.Key != "" {
			e.keys[cmd.Key] = struct{}{}
		}
		if cmd.Kind != "" {
			e.perKind[cmd.Kind]++
		}
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		log.Warnf("⚠️ CommandExecutor 队列已满，丢弃命令: %s", cmd.Name)
		return ErrQueueFull
	}
}

// InFlight 某类命令排队中 + 执行中的数量
func (e *Serial) InFlight(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perKind[kind]
}

// QueueLen 队列中尚未开始执行的命令数
func (e *Serial) QueueLen() int {
	return len(e.ch)
}

// AwaitKind 每 poll 检查一次，直到该类命令清空或达到 maxPolls 次。返回是否已清空。
func (e *Serial) AwaitKind(ctx context.Context, kind string, poll time.Duration, maxPolls int) bool {
	for i := 0; ; i++ {
		if e.InFlight(kind) == 0 {
			return true
		}
		if i >= maxPolls {
			return false
		}
		select {
		case <-ctx.Done():
			return e.InFlight(kind) == 0
		case <-time.After(poll):
		}
	}
}

// Stop 拒绝新命令并等待 worker 退出。队列里未执行的命令被丢弃。
func (e *Serial) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Infof("✅ CommandExecutor 已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("停止 CommandExecutor 超时: %w", ctx.Err())
	}
}
