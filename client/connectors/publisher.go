/*
 * @module client/connectors/publisher
 * @description 事件发布器抽象，告警事件与审批通知通过它投递到外部消息系统
 * @architecture 适配器模式 - 屏蔽 dapr/kafka/mqtt/redis/webhook 差异
 * @rules payload 统一序列化为 JSON；MultiPublisher 对每个下游都尝试一次并汇总错误
 * @dependencies encoding/json, log/slog
 * @refs service/alerting, service/approval
 */
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Publisher 事件发布器
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	Name() string
}

// MultiPublisher 扇出到多个发布器
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher 创建扇出发布器
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish 依次发布到所有下游，单个失败不影响其余下游
func (m *MultiPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, topic, key, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) Name() string {
	return "multi"
}

// Len 下游数量
func (m *MultiPublisher) Len() int {
	return len(m.publishers)
}

// LogPublisher 仅写日志的发布器
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "发布事件", "topic", topic, "key", key, "payload", string(data))
	return nil
}

func (LogPublisher) Name() string {
	return "log"
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化消息失败: %w", err)
	}
	return data, nil
}
