package cache

import (
	"sync"
	"time"
)

// InMemoryCache 带 TTL 的内存缓存，过期项在读取时惰性清理
type InMemoryCache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]cacheItem[V]
	defaultTTL time.Duration
	now        func() time.Time
}

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		items:      make(map[K]cacheItem[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.now().After(item.expiresAt) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认 TTL
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.items[key] = cacheItem[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// GetOrLoad 命中直接返回；未命中时调用 load 并缓存成功结果（错误不缓存）
func (c *InMemoryCache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v, 0)
	return v, nil
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Size 当前条目数（含尚未清理的过期项）
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
