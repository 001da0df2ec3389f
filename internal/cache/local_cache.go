package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 进程内 TTL 缓存，作为会话层存储
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期
// - 后台定期清理过期条目，Close 后停止
// - 超出容量时淘汰最早过期的条目
type LocalCache struct {
	data    sync.Map
	size    atomic.Int64
	evictMu sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<=0 表示不限制
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	c := &LocalCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go c.cleanupLoop(time.Minute)

	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (any, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	entry := &cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}

	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
	c.evictOverflow()
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *LocalCache) Len() int {
	return int(c.size.Load())
}

// Clear 清空所有缓存
func (c *LocalCache) Clear() {
	c.data.Range(func(key, _ any) bool {
		c.Delete(key.(string))
		return true
	})
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// evictOverflow 超出容量时淘汰最早过期的条目
func (c *LocalCache) evictOverflow() {
	if c.maxSize <= 0 || c.Len() <= c.maxSize {
		return
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for c.Len() > c.maxSize {
		var oldestKey string
		var oldest time.Time
		c.data.Range(func(key, value any) bool {
			entry := value.(*cacheEntry)
			if oldestKey == "" || entry.expiresAt.Before(oldest) {
				oldestKey = key.(string)
				oldest = entry.expiresAt
			}
			return true
		})
		if oldestKey == "" {
			return
		}
		c.Delete(oldestKey)
	}
}

// removeExpired 删除所有过期条目
func (c *LocalCache) removeExpired() {
	now := c.now()
	c.data.Range(func(key, value any) bool {
		if now.After(value.(*cacheEntry).expiresAt) {
			c.Delete(key.(string))
		}
		return true
	})
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}
