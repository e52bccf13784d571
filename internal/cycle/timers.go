package cycle

import (
	"sync"
	"time"
)

// Scheduler 按槽位 Key 管理的可取消定时任务。
// 同 Key 重新 Arm 会替换旧定时器；到期时把 (Key, Token) 投递回事件循环，
// 过期的 token 由状态机判定为无效，因此“取消与到期赛跑”不会产生副作用。
type Scheduler struct {
	mu     sync.Mutex
	timers map[TimerKey]*time.Timer
	fire   func(TimerFired)
}

// NewScheduler 创建调度器，fire 在定时器 goroutine 中被调用
func NewScheduler(fire func(TimerFired)) *Scheduler {
	return &Scheduler{timers: make(map[TimerKey]*time.Timer), fire: fire}
}

// Arm 挂定时器
func (s *Scheduler) Arm(key TimerKey, after time.Duration, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(after, func() {
		s.mu.Lock()
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		s.fire(TimerFired{Key: key, Token: token})
	})
	s.timers[key] = t
}

// Disarm 取消定时器
func (s *Scheduler) Disarm(key TimerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// DisarmAll 取消全部定时器
func (s *Scheduler) DisarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}

// Armed 是否有该 Key 的定时器在等待
func (s *Scheduler) Armed(key TimerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}
