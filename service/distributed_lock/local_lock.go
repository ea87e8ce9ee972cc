package distributed_lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLock 进程内锁，未启用 Redis 的单实例部署使用
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> 过期时间
	now   func() time.Time
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{locks: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.locks[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}

func (l *LocalLock) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.locks[key]; !ok {
		return fmt.Errorf("锁不存在: %s", key)
	}
	l.locks[key] = l.now().Add(ttl)
	return nil
}

func (l *LocalLock) IsLocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.locks[key]
	return ok && l.now().Before(expiresAt), nil
}
