package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket 令牌桶（基于 x/time/rate）
type TokenBucket struct {
	l *rate.Limiter
}

// NewTokenBucket 创建令牌桶：capacity 为桶容量，每个 window 补满一次
func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	every := window / time.Duration(capacity)
	return &TokenBucket{l: rate.NewLimiter(rate.Every(every), capacity)}
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool { return tb.l.Allow() }

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error { return tb.l.Wait(ctx) }

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	n := int(tb.l.Tokens())
	if n < 0 {
		return 0
	}
	return n
}

// KeyedLimiter 按 key（IP / 租户）分别限流，长时间不活跃的 key 会被清理
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	capacity int
	window   time.Duration
	idleTTL  time.Duration
	now      func() time.Time
}

type keyedEntry struct {
	bucket     *TokenBucket
	lastAccess time.Time
}

// NewKeyedLimiter 创建按 key 限流器
func NewKeyedLimiter(capacity int, window, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &KeyedLimiter{
		limiters: make(map[string]*keyedEntry),
		capacity: capacity,
		window:   window,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Get 获取（或创建）指定 key 的限流器
func (kl *KeyedLimiter) Get(key string) RateLimiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	e, ok := kl.limiters[key]
	if !ok {
		e = &keyedEntry{bucket: NewTokenBucket(kl.capacity, kl.window)}
		kl.limiters[key] = e
	}
	e.lastAccess = kl.now()
	return e.bucket
}

// Allow 检查 key 是否允许请求
func (kl *KeyedLimiter) Allow(key string) bool { return kl.Get(key).Allow() }

// Wait 等待直到 key 允许请求
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return kl.Get(key).Wait(ctx)
}

// GetRemaining 获取 key 的剩余请求数
func (kl *KeyedLimiter) GetRemaining(key string) int { return kl.Get(key).GetRemaining() }

// Sweep 清理空闲超过 idleTTL 的 key，返回清理数量
func (kl *KeyedLimiter) Sweep() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	cutoff := kl.now().Add(-kl.idleTTL)
	n := 0
	for k, e := range kl.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(kl.limiters, k)
			n++
		}
	}
	return n
}

// Len 当前跟踪的 key 数量
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}
