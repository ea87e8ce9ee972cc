/**
 * @module Sweeper
 * @description 工作流扫描器，按 cron 表达式定期推进到期的校验工作流
 * @architecture 基于 robfig/cron 的定时调度 + 分布式锁保证同一时刻只有一个副本在扫描
 * @stateFlow 启动 -> 立即扫描一次 -> 按计划扫描 -> 停止
 * @rules 扫描本身不改变工作流语义，只负责在定时器丢失（例如进程重启）后重新驱动实例
 * @dependencies github.com/robfig/cron/v3, service/distributed_lock
 * @refs service/orchestrator/engine.go
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dq-validation-service/service/distributed_lock"
)

// DefaultSchedule 默认扫描间隔
const DefaultSchedule = "@every 15s"

const sweepLockKey = "dq-sweeper"

// SweepFunc 执行一次扫描，返回处理的实例数
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper 工作流扫描器
type Sweeper struct {
	sweep    SweepFunc
	schedule string
	locks    *distributed_lock.LockExecutor
	lockTTL  time.Duration
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	running bool
	runs    int
}

// NewSweeper 创建扫描器，schedule 为空时使用 DefaultSchedule，lock 为空时使用进程内锁
func NewSweeper(sweep SweepFunc, schedule string, lock distributed_lock.DistributedLock) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if lock == nil {
		lock = distributed_lock.NewLocalLock()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		sweep:    sweep,
		schedule: schedule,
		locks:    distributed_lock.NewLockExecutor(lock),
		lockTTL:  time.Minute,
		cron:     cron.New(cron.WithSeconds()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 注册扫描任务并立即执行一次，用于恢复重启前挂起的工作流
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunOnce); err != nil {
		return fmt.Errorf("注册扫描任务失败 [%s]: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("工作流扫描器已启动", "schedule", s.schedule)

	go s.RunOnce()
	return nil
}

// Stop 停止扫描器并等待正在执行的扫描结束
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	slog.Info("工作流扫描器已停止")
}

// RunOnce 执行一次扫描；上一次扫描未结束或其他副本正在扫描时跳过
func (s *Sweeper) RunOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Debug("上一次扫描尚未结束，跳过")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.runs++
		s.mu.Unlock()
	}()

	var count int
	acquired, err := s.locks.ExecuteWithLock(s.ctx, sweepLockKey, s.lockTTL, func() error {
		var sweepErr error
		count, sweepErr = s.sweep(s.ctx)
		return sweepErr
	})
	switch {
	case err != nil:
		slog.Error("工作流扫描失败", "error", err)
	case !acquired:
		slog.Debug("其他副本正在扫描，跳过")
	case count > 0:
		slog.Info("工作流扫描完成", "advanced", count)
	}
}

// Runs 已完成的扫描次数
func (s *Sweeper) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
