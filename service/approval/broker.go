/*
 * @module service/approval/broker
 * @description 审批代理：持久化审批请求、通知审核人、以关联令牌恢复挂起的工作流
 * @architecture 业务服务层
 * @stateFlow submit(decision=none) -> resolve(approved|rejected) -> 恢复工作流
 * @rules 同一 run_id 只有一个审批请求；decision 只迁移一次，依靠条件更新保证并发安全；超时由编排器自行判定
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/orchestrator/engine.go, api/controllers/approval_controller.go
 */

package approval

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"dq-validation-service/client/connectors"
	"dq-validation-service/service/clock"
	"dq-validation-service/service/metrics"
	"dq-validation-service/service/models"
)

var (
	// ErrBrokerUnavailable 审批存储或通知通道暂时不可用，可重试
	ErrBrokerUnavailable = errors.New("审批代理暂时不可用")
	// ErrTokenNotFound 关联令牌不存在
	ErrTokenNotFound = errors.New("审批关联令牌不存在")
	// ErrInvalidDecision 决定取值非法
	ErrInvalidDecision = errors.New("审批决定只能为 approved 或 rejected")
)

// Resumer 审批决定落库后用于恢复工作流
type Resumer interface {
	Resume(ctx context.Context, runID string)
}

// WakeNotifier 跨实例的唤醒通知
type WakeNotifier interface {
	Notify(ctx context.Context, runID string) error
}

// SubmitRequest 审批提交参数
type SubmitRequest struct {
	RunID      string
	DatasetRef string
	Rules      models.RuleSpecList
	DeadlineAt time.Time
}

// ApprovalNotice 发给审核人的审批通知
type ApprovalNotice struct {
	RunID            string              `json:"run_id"`
	CorrelationToken string              `json:"correlation_token"`
	DatasetRef       string              `json:"dataset_ref"`
	Rules            models.RuleSpecList `json:"rules"`
	SubmittedAt      time.Time           `json:"submitted_at"`
	DeadlineAt       time.Time           `json:"deadline_at"`
}

// ResolveResult 审批决定的处理结果
type ResolveResult struct {
	Request *models.ApprovalRequest `json:"request"`
	Applied bool                    `json:"applied"` // 本次调用是否写入了决定
	Late    bool                    `json:"late"`    // 决定晚于截止时间，对工作流无效
}

// Broker 审批代理
type Broker struct {
	db        *gorm.DB
	publisher connectors.Publisher
	topic     string
	clock     clock.Clock
	metrics   *metrics.Metrics
	resumer   Resumer
	notifier  WakeNotifier
}

// NewBroker 创建审批代理，publisher 为 nil 时不发送审批通知
func NewBroker(db *gorm.DB, publisher connectors.Publisher, topic string, clk clock.Clock, m *metrics.Metrics) *Broker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Broker{db: db, publisher: publisher, topic: topic, clock: clk, metrics: m}
}

// SetResumer 设置工作流恢复器
func (b *Broker) SetResumer(r Resumer) {
	b.resumer = r
}

// SetWakeNotifier 设置跨实例唤醒通知
func (b *Broker) SetWakeNotifier(n WakeNotifier) {
	b.notifier = n
}

// Submit 持久化审批请求并通知审核人。同一 run_id 重复提交返回已有请求，
// 上次通知未成功时补发通知
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (*models.ApprovalRequest, error) {
	var existing models.ApprovalRequest
	err := b.db.WithContext(ctx).Where("run_id = ?", req.RunID).First(&existing).Error
	switch {
	case err == nil:
		if existing.NotifiedAt == nil {
			if err := b.notify(ctx, &existing); err != nil {
				return nil, err
			}
		}
		return &existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, classify("查询审批请求失败", err)
	}

	now := b.clock.Now()
	request := &models.ApprovalRequest{
		RunID:            req.RunID,
		CorrelationToken: uuid.New().String(),
		DatasetRef:       req.DatasetRef,
		Rules:            req.Rules,
		SubmittedAt:      now,
		DeadlineAt:       req.DeadlineAt,
		Decision:         models.DecisionNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := b.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, classify("创建审批请求失败", err)
	}

	slog.Info("审批请求已创建", "run_id", req.RunID, "correlation_token", request.CorrelationToken, "deadline_at", req.DeadlineAt)

	if err := b.notify(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

func (b *Broker) notify(ctx context.Context, request *models.ApprovalRequest) error {
	if b.publisher == nil {
		return nil
	}

	notice := ApprovalNotice{
		RunID:            request.RunID,
		CorrelationToken: request.CorrelationToken,
		DatasetRef:       request.DatasetRef,
		Rules:            request.Rules,
		SubmittedAt:      request.SubmittedAt,
		DeadlineAt:       request.DeadlineAt,
	}
	if err := b.publisher.Publish(ctx, b.topic, request.RunID, notice); err != nil {
		return fmt.Errorf("%w: 发送审批通知失败: %v", ErrBrokerUnavailable, err)
	}

	now := b.clock.Now()
	if err := b.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("id = ?", request.ID).
		Updates(map[string]interface{}{"notified_at": now, "updated_at": now}).Error; err != nil {
		return classify("记录通知时间失败", err)
	}
	request.NotifiedAt = &now
	return nil
}

// Resolve 记录审核决定。决定只写入一次，重复调用或并发调用中只有一个生效，其余为空操作
func (b *Broker) Resolve(ctx context.Context, token, decision, reviewer, comments string) (*ResolveResult, error) {
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, ErrInvalidDecision
	}

	now := b.clock.Now()
	res := b.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("correlation_token = ? AND decision = ?", token, models.DecisionNone).
		Updates(map[string]interface{}{
			"decision":   decision,
			"decided_at": now,
			"reviewer":   reviewer,
			"comments":   comments,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, classify("写入审批决定失败", res.Error)
	}

	request, err := b.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	result := &ResolveResult{
		Request: request,
		Applied: res.RowsAffected == 1,
		Late:    request.DecidedAt != nil && !request.DecidedAt.Before(request.DeadlineAt),
	}
	if !result.Applied {
		slog.Info("审批决定已存在，忽略重复提交", "correlation_token", token, "decision", request.Decision)
		return result, nil
	}

	b.metrics.ObserveDecision(decision)
	slog.Info("审批决定已记录", "run_id", request.RunID, "decision", decision, "reviewer", reviewer, "late", result.Late)

	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, request.RunID); err != nil {
			slog.Warn("发送唤醒通知失败", "run_id", request.RunID, "error", err)
		}
	}
	if b.resumer != nil {
		b.resumer.Resume(ctx, request.RunID)
	}
	return result, nil
}

// Get 按关联令牌查询
func (b *Broker) Get(ctx context.Context, token string) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	if err := b.db.WithContext(ctx).Where("correlation_token = ?", token).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, classify("查询审批请求失败", err)
	}
	return &request, nil
}

// List 按决定分页查询审批请求
func (b *Broker) List(ctx context.Context, decision string, page, size int) ([]models.ApprovalRequest, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 20
	}

	query := b.db.WithContext(ctx).Model(&models.ApprovalRequest{})
	if decision != "" {
		query = query.Where("decision = ?", decision)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var requests []models.ApprovalRequest
	err := query.Order("submitted_at DESC").Offset((page - 1) * size).Limit(size).Find(&requests).Error
	return requests, total, err
}

// IsTransient 判断提交错误是否可重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable)
}

// classify 连接类错误归为 ErrBrokerUnavailable，其余原样包装
func classify(msg string, err error) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
