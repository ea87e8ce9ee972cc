/*
 * @module service/alerting/trigger
 * @description 告警触发器：整体得分低于阈值时发送质量告警事件
 * @architecture 业务服务层
 * @rules 严格小于阈值才告警；发送失败只记录日志，不重试，不影响运行结果
 * @dependencies dq-validation-service/client/connectors
 * @refs service/orchestrator/engine.go
 */

package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dq-validation-service/client/connectors"
	"dq-validation-service/service/clock"
	"dq-validation-service/service/metrics"
)

// SeverityWarning 质量告警级别
const SeverityWarning = "warning"

// AlertEvent 质量告警事件
type AlertEvent struct {
	RunID      string                 `json:"run_id"`
	DatasetRef string                 `json:"dataset_ref"`
	Score      float64                `json:"score"`
	Threshold  float64                `json:"threshold"`
	Severity   string                 `json:"severity"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	EmittedAt  time.Time              `json:"emitted_at"`
}

// AlertInput 告警判定参数
type AlertInput struct {
	RunID      string
	DatasetRef string
	Score      float64
	Details    map[string]interface{}
}

// Breached 得分是否低于阈值
func Breached(score, threshold float64) bool {
	return score < threshold
}

// Trigger 告警触发器
type Trigger struct {
	publisher connectors.Publisher
	topic     string
	threshold float64
	timeout   time.Duration
	clock     clock.Clock
	metrics   *metrics.Metrics
}

// NewTrigger 创建告警触发器
func NewTrigger(publisher connectors.Publisher, topic string, threshold float64, clk clock.Clock, m *metrics.Metrics) *Trigger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Trigger{
		publisher: publisher,
		topic:     topic,
		threshold: threshold,
		timeout:   10 * time.Second,
		clock:     clk,
		metrics:   m,
	}
}

// MaybeAlert 得分低于阈值时发送告警，返回是否触发了告警
func (t *Trigger) MaybeAlert(ctx context.Context, in AlertInput) bool {
	if !Breached(in.Score, t.threshold) {
		return false
	}

	event := AlertEvent{
		RunID:      in.RunID,
		DatasetRef: in.DatasetRef,
		Score:      in.Score,
		Threshold:  t.threshold,
		Severity:   SeverityWarning,
		Title:      fmt.Sprintf("Quality check failed for %s", in.DatasetRef),
		Message:    fmt.Sprintf("Quality score %v is below threshold %v", in.Score, t.threshold),
		Details:    in.Details,
		EmittedAt:  t.clock.Now(),
	}

	if t.publisher == nil {
		slog.Warn("未配置告警通道，告警仅记录日志", "run_id", in.RunID, "score", in.Score)
		t.metrics.ObserveAlert("dropped")
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.publisher.Publish(ctx, t.topic, in.RunID, event); err != nil {
		slog.Error("质量告警发送失败", "run_id", in.RunID, "dataset_ref", in.DatasetRef, "score", in.Score, "error", err)
		t.metrics.ObserveAlert("failed")
		return true
	}

	slog.Info("质量告警已发送", "run_id", in.RunID, "dataset_ref", in.DatasetRef, "score", in.Score, "topic", t.topic)
	t.metrics.ObserveAlert("sent")
	return true
}
