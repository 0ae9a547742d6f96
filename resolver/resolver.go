package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"socksbalancer/logger"
)

// CacheEntry 缓存条目
type CacheEntry struct {
	Addrs  []string
	Expiry time.Time
	Access time.Time
}

// Cache 解析结果缓存
type Cache struct {
	cache       map[string]*CacheEntry
	maxSize     int
	mu          sync.RWMutex
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewCache 创建解析缓存
func NewCache(maxSize int, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		cache:       make(map[string]*CacheEntry),
		maxSize:     maxSize,
		cleanupDone: make(chan struct{}),
	}

	// 启动清理任务
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}

	return c
}

// Get 从缓存获取解析结果
func (c *Cache) Get(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil
	}

	// 检查是否过期
	if time.Now().After(entry.Expiry) {
		delete(c.cache, key)
		return nil
	}

	entry.Access = time.Now()
	addrs := make([]string, len(entry.Addrs))
	copy(addrs, entry.Addrs)
	return addrs
}

// Put 将解析结果存入缓存
func (c *Cache) Put(key string, addrs []string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) >= c.maxSize {
		c.evictOldest()
	}

	stored := make([]string, len(addrs))
	copy(stored, addrs)

	c.cache[key] = &CacheEntry{
		Addrs:  stored,
		Expiry: time.Now().Add(ttl),
		Access: time.Now(),
	}
}

// evictOldest 驱逐最旧的缓存条目
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.cache {
		if oldestKey == "" || entry.Access.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.Access
		}
	}

	if oldestKey != "" {
		delete(c.cache, oldestKey)
	}
}

// cleanupLoop 定期清理过期缓存
func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.cleanupDone:
			return
		}
	}
}

// cleanup 清理过期缓存
func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.cache {
		if now.After(entry.Expiry) {
			delete(c.cache, key)
		}
	}
}

// Len 当前缓存条目数
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Stop 停止缓存系统
func (c *Cache) Stop() {
	c.closeOnce.Do(func() {
		close(c.cleanupDone)
	})
}

// Config 解析器配置
type Config struct {
	Servers         []string
	CacheSize       int
	CleanupInterval time.Duration
}

// Resolver 上游主机名解析器
type Resolver struct {
	config   *Config
	cache    *Cache
	client   *dns.Client
	fallback *net.Resolver
	logger   *logger.SlogLogger
}

// 应答未给出TTL或使用系统解析器回退时的默认缓存TTL
const defaultTTL = 300 * time.Second

// NewResolver 创建解析器
func NewResolver(config *Config, log *logger.SlogLogger) *Resolver {
	if log == nil {
		log = logger.WithPrefix("[Resolver]")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}

	return &Resolver{
		config:   config,
		cache:    NewCache(config.CacheSize, config.CleanupInterval),
		client:   &dns.Client{Timeout: 2 * time.Second},
		fallback: &net.Resolver{},
		logger:   log,
	}
}

// LookupHost 解析主机名，返回第一个可用地址。
// 字面量IP直接返回，不经过缓存。
func (r *Resolver) LookupHost(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if addrs := r.cache.Get(host); len(addrs) > 0 {
		return addrs[0], nil
	}

	addrs, ttl, err := r.query(ctx, host)
	if err != nil {
		// 所有配置的服务器都没有应答时回退到系统解析器
		fallbackAddrs, fbErr := r.fallback.LookupHost(ctx, host)
		if fbErr != nil {
			return "", fmt.Errorf("resolve %s failed: %v", host, err)
		}
		addrs = fallbackAddrs
		ttl = defaultTTL
	}

	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no address records", host)
	}

	r.cache.Put(host, addrs, ttl)
	return addrs[0], nil
}

// query 依次向配置的服务器查询A记录，必要时再查AAAA
func (r *Resolver) query(ctx context.Context, host string) ([]string, time.Duration, error) {
	fqdn := dns.Fqdn(host)
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		for _, server := range r.config.Servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("server %s answered rcode %s", server, dns.RcodeToString[resp.Rcode])
				continue
			}

			addrs, ttl := extractAddrs(resp)
			if len(addrs) > 0 {
				return addrs, ttl, nil
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no answer for %s", host)
	}
	return nil, 0, lastErr
}

// extractAddrs 从应答中取出地址和最小TTL
func extractAddrs(resp *dns.Msg) ([]string, time.Duration) {
	var addrs []string
	minTTL := uint32(0)

	for _, rr := range resp.Answer {
		var addr string
		switch record := rr.(type) {
		case *dns.A:
			addr = record.A.String()
		case *dns.AAAA:
			addr = record.AAAA.String()
		default:
			continue
		}
		addrs = append(addrs, addr)
		if minTTL == 0 || rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return addrs, ttl
}

// Stop 停止解析器
func (r *Resolver) Stop() {
	r.cache.Stop()
}
