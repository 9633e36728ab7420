package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
)

// Options TTL缓存配置
type Options struct {
	TTL        time.Duration // 条目有效期
	MaxEntries int           // 超出后按LRU淘汰，0 表示不限
	// 过期后仍可通过 GetStale 读取的时长
	StaleTTL time.Duration
	// 后台清理周期，0 表示只做访问时的惰性过期
	JanitorInterval time.Duration
	Now             func() time.Time
}

// Stats 缓存统计
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	StaleHits uint64 `json:"staleHits"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache 带TTL与LRU上限的并发安全缓存
// 过期由访问时检查与后台清理共同驱动，不为单个条目创建定时器
type TTLCache[K comparable, V any] struct {
	mu   sync.Mutex
	lru  *lru.Cache
	opts Options

	hits, misses, staleHits, evictions, expired atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New 创建缓存，JanitorInterval>0 时启动后台清理，使用完需 Close
func New[K comparable, V any](opts Options) *TTLCache[K, V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &TTLCache[K, V]{
		lru:  lru.New(opts.MaxEntries),
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		c.evictions.Add(1)
	}

	if opts.JanitorInterval > 0 {
		go c.janitor(opts.JanitorInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get 读取未过期的条目
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	raw, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := raw.(*entry[V])
	now := c.opts.Now()
	if now.After(e.expiresAt) {
		c.misses.Add(1)
		if now.After(e.expiresAt.Add(c.opts.StaleTTL)) {
			c.removeExpired(key)
		}
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// GetStale 读取条目，已过期但在 StaleTTL 内也返回，第二个返回值表示是否新鲜
func (c *TTLCache[K, V]) GetStale(key K) (value V, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, found := c.lru.Get(key)
	if !found {
		return value, false, false
	}
	e := raw.(*entry[V])
	now := c.opts.Now()
	if !now.After(e.expiresAt) {
		return e.value, true, true
	}
	if now.After(e.expiresAt.Add(c.opts.StaleTTL)) {
		c.removeExpired(key)
		return value, false, false
	}
	c.staleHits.Add(1)
	return e.value, false, true
}

// Set 写入条目，使用默认TTL
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.opts.TTL)
}

// SetWithTTL 写入条目并指定TTL
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, &entry[V]{
		value:     value,
		expiresAt: c.opts.Now().Add(ttl),
	})
}

// Delete 删除条目
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 手动删除不计入淘汰
	onEvicted := c.lru.OnEvicted
	c.lru.OnEvicted = nil
	c.lru.Remove(key)
	c.lru.OnEvicted = onEvicted
}

// Flush 清空缓存
func (c *TTLCache[K, V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	onEvicted := c.lru.OnEvicted
	c.lru.OnEvicted = nil
	c.lru.Clear()
	c.lru = lru.New(c.opts.MaxEntries)
	c.lru.OnEvicted = onEvicted
}

// Len 条目数（含尚未清理的过期条目）
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// EvictExpired 清理超过 StaleTTL 的过期条目，返回清理数量
func (c *TTLCache[K, V]) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	var stale []lru.Key
	// groupcache/lru 不提供遍历，从最旧端逐个弹出再放回
	n := c.lru.Len()
	kept := make([]struct {
		key lru.Key
		e   interface{}
	}, 0, n)

	onEvicted := c.lru.OnEvicted
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		e := value.(*entry[V])
		if now.After(e.expiresAt.Add(c.opts.StaleTTL)) {
			stale = append(stale, key)
			return
		}
		kept = append(kept, struct {
			key lru.Key
			e   interface{}
		}{key, value})
	}
	for i := 0; i < n; i++ {
		c.lru.RemoveOldest()
	}
	c.lru.OnEvicted = onEvicted

	// kept 按从旧到新排列，依次放回以保留LRU顺序
	for _, k := range kept {
		c.lru.Add(k.key, k.e)
	}
	c.expired.Add(uint64(len(stale)))
	return len(stale)
}

// Stats 返回统计
func (c *TTLCache[K, V]) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}

// Close 停止后台清理
func (c *TTLCache[K, V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *TTLCache[K, V]) removeExpired(key K) {
	onEvicted := c.lru.OnEvicted
	c.lru.OnEvicted = nil
	c.lru.Remove(key)
	c.lru.OnEvicted = onEvicted
	c.expired.Add(1)
}

func (c *TTLCache[K, V]) janitor(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}
