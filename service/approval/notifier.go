package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// DefaultWakeChannel 审批决定唤醒通知的 PostgreSQL 频道
const DefaultWakeChannel = "dq_approval_decisions"

// PgWakeListener 通过 PostgreSQL LISTEN/NOTIFY 在多副本间传播审批决定，
// 收到通知的副本立即恢复对应工作流，丢失的通知由定时扫描兜底
type PgWakeListener struct {
	db       *gorm.DB
	connStr  string
	channel  string
	listener *pq.Listener
}

// NewPgWakeListener 创建监听器
func NewPgWakeListener(db *gorm.DB, connStr, channel string) *PgWakeListener {
	if channel == "" {
		channel = DefaultWakeChannel
	}
	return &PgWakeListener{db: db, connStr: connStr, channel: channel}
}

// Notify 发送唤醒通知，payload 为 run_id
func (l *PgWakeListener) Notify(ctx context.Context, runID string) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", l.channel, runID).Error; err != nil {
		return fmt.Errorf("发送数据库通知失败: %w", err)
	}
	return nil
}

// Start 开始监听，直到 ctx 结束
func (l *PgWakeListener) Start(ctx context.Context, resumer Resumer) error {
	l.listener = pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("PostgreSQL监听器事件", "event", ev, "error", err)
		}
	})

	if err := l.listener.Listen(l.channel); err != nil {
		l.listener.Close()
		return fmt.Errorf("监听数据库通知失败: %w", err)
	}
	slog.Info("审批唤醒监听器已启动", "channel", l.channel)

	go func() {
		defer l.listener.Close()
		for {
			select {
			case n := <-l.listener.Notify:
				// 重连后会收到 nil，期间丢失的通知由扫描补偿
				if n == nil || n.Extra == "" {
					continue
				}
				resumer.Resume(ctx, n.Extra)
			case <-time.After(90 * time.Second):
				if err := l.listener.Ping(); err != nil {
					slog.Warn("PostgreSQL监听连接检查失败", "error", err)
				}
			case <-ctx.Done():
				slog.Info("审批唤醒监听器已停止")
				return
			}
		}
	}()
	return nil
}
