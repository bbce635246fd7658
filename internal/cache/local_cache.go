package cache

import (
	"sync"
	"time"
)

// TTLCache 进程内 TTL 缓存（L1 缓存）
//
// 用于热路径上的元数据缓存（例如附件元数据），减少对数据库的重复查询。
// 过期条目由后台协程定期清理，Stop 后不再清理。
type TTLCache[T any] struct {
	mu   sync.RWMutex
	data map[string]entry[T]
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewTTLCache 创建本地缓存
//
// 参数:
//   - ttl: 默认过期时间
//   - cleanupInterval: 后台清理周期
func NewTTLCache[T any](ttl, cleanupInterval time.Duration) *TTLCache[T] {
	c := &TTLCache[T]{
		data: make(map[string]entry[T]),
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

// Get 获取缓存值
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	if !ok {
		var zero T
		return zero, false
	}

	// 已过期的条目视为未命中，交给清理协程回收
	if time.Now().After(e.expiresAt) {
		var zero T
		return zero, false
	}

	return e.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *TTLCache[T]) Set(key string, value T, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	c.data[key] = entry[T]{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete 删除缓存值
func (c *TTLCache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len 返回当前条目数（含未清理的过期条目）
func (c *TTLCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stop 停止后台清理协程
func (c *TTLCache[T]) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *TTLCache[T]) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.data {
				if now.After(e.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
