package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual 手动推进的时钟，Advance 时按到期顺序同步触发回调
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	clock   *Manual
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewManual 创建手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{clock: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance 推进时间，回调在不持有锁的情况下执行，回调内可以继续登记新的定时器
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.dueLocked(target)
		if due == nil {
			m.now = target
			m.compactLocked()
			m.mu.Unlock()
			return
		}
		if due.at.After(m.now) {
			m.now = due.at
		}
		due.fired = true
		m.mu.Unlock()

		due.f()
	}
}

// Pending 返回尚未触发的定时器数量
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			count++
		}
	}
	return count
}

func (m *Manual) dueLocked(target time.Time) *manualTimer {
	candidates := make([]*manualTimer, 0)
	for _, t := range m.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].at.Before(candidates[j].at)
	})
	return candidates[0]
}

func (m *Manual) compactLocked() {
	active := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			active = append(active, t)
		}
	}
	m.timers = active
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
