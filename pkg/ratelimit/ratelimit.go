package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket 令牌桶速率限制器，按经过时间连续补充（支持小数速率，例如 0.5 次/秒）
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	ratePerSec float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket 创建令牌桶：容量 burst，每秒补充 ratePerSec 个
func NewTokenBucket(burst int, ratePerSec float64) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		ratePerSec: ratePerSec,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.ratePerSec
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// reserve 取一个令牌；不足时返回还需等待的时长
func (tb *TokenBucket) reserve() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return 0
	}
	if tb.ratePerSec <= 0 {
		return time.Second
	}
	missing := 1 - tb.tokens
	return time.Duration(missing / tb.ratePerSec * float64(time.Second))
}

// Allow 检查是否允许请求（非阻塞）
func (tb *TokenBucket) Allow() bool {
	return tb.reserve() == 0
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait := tb.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining 当前可用令牌数（向下取整）
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}
