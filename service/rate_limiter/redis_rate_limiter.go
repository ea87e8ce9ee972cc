/*
 * @module service/rate_limiter/redis_rate_limiter
 * @description 基于Redis的固定窗口限流，用于保护触发与审批等写接口
 * @architecture 工具层 - 提供分布式限流能力
 * @stateFlow 构造窗口Key -> Lua脚本原子计数 -> 判断是否超限
 * @rules 使用Redis INCR和EXPIRE实现固定窗口限流；未启用Redis时使用进程内实现
 * @dependencies github.com/go-redis/redis/v8
 * @refs api/middleware/rate_limit.go
 */

package rate_limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimitResult 限流检查结果
type RateLimitResult struct {
	Allowed   bool  `json:"allowed"`   // 是否允许请求
	Limit     int   `json:"limit"`     // 限制数量
	Remaining int   `json:"remaining"` // 剩余数量
	ResetAt   int64 `json:"reset_at"`  // 重置时间（Unix时间戳）
}

// Limiter 限流器
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error)
}

const limitScript = `
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	if current >= max_requests then
		local ttl = redis.call('TTL', key)
		if ttl == -1 then
			ttl = window
		end
		return {0, current, ttl}
	end

	local new_count = redis.call('INCR', key)
	if new_count == 1 then
		redis.call('EXPIRE', key, window)
	end

	local ttl = redis.call('TTL', key)
	if ttl == -1 then
		ttl = window
	end
	return {1, new_count, ttl}
`

// RedisRateLimiter Redis限流器
type RedisRateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRateLimiter 创建Redis限流器
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, now: time.Now}
}

// Allow 对 key 计数一次，返回是否放行
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	seconds := windowSeconds(window)
	windowKey := buildKey(key, r.now(), seconds)

	result, err := r.client.Eval(ctx, limitScript, []string{windowKey}, limit, seconds).Result()
	if err != nil {
		return nil, fmt.Errorf("限流检查失败: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("限流脚本返回值异常: %v", result)
	}
	allowed := values[0].(int64) == 1
	current := int(values[1].(int64))
	ttl := values[2].(int64)

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   r.now().Add(time.Duration(ttl) * time.Second).Unix(),
	}, nil
}

// Reset 重置 key 当前窗口的计数
func (r *RedisRateLimiter) Reset(ctx context.Context, key string, window time.Duration) error {
	return r.client.Del(ctx, buildKey(key, r.now(), windowSeconds(window))).Err()
}

// LocalRateLimiter 进程内固定窗口限流器
type LocalRateLimiter struct {
	mu       sync.Mutex
	counters map[string]*localWindow
	now      func() time.Time
}

type localWindow struct {
	index int64
	count int
}

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{counters: make(map[string]*localWindow), now: time.Now}
}

// Allow 对 key 计数一次，返回是否放行
func (l *LocalRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	seconds := windowSeconds(window)
	index := l.now().Unix() / seconds
	resetAt := (index + 1) * seconds

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.counters[key]
	if !ok || w.index != index {
		if len(l.counters) > 4096 {
			l.pruneLocked(index)
		}
		w = &localWindow{index: index}
		l.counters[key] = w
	}

	if w.count >= limit {
		return &RateLimitResult{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}
	w.count++
	return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit - w.count, ResetAt: resetAt}, nil
}

func (l *LocalRateLimiter) pruneLocked(index int64) {
	for k, w := range l.counters {
		if w.index < index {
			delete(l.counters, k)
		}
	}
}

func windowSeconds(window time.Duration) int64 {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// buildKey 构造限流Key，窗口编号随时间滚动
func buildKey(key string, now time.Time, seconds int64) string {
	return fmt.Sprintf("rate_limit:%s:%d", key, now.Unix()/seconds)
}
