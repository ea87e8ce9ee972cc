/*
 * @module KafkaConnector
 * @description Kafka生产者封装，按topic懒加载writer，用于投递告警与审批通知
 * @architecture 适配器模式 - 封装第三方Kafka客户端，提供统一的发布接口
 * @stateFlow 首次发布创建writer -> 消息发送 -> Close 释放
 * @rules 同一 key 的消息落在同一分区；写入超时由配置控制
 * @dependencies github.com/segmentio/kafka-go
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig Kafka生产者配置
type KafkaConfig struct {
	Brokers       []string          `json:"brokers" yaml:"brokers"`
	RequiredAcks  int               `json:"required_acks" yaml:"required_acks"`
	BatchTimeout  time.Duration     `json:"batch_timeout" yaml:"batch_timeout"`
	WriteTimeout  time.Duration     `json:"write_timeout" yaml:"write_timeout"`
	CustomHeaders map[string]string `json:"custom_headers" yaml:"custom_headers"`
}

// KafkaConnector Kafka连接器
type KafkaConnector struct {
	config  *KafkaConfig
	writers map[string]*kafka.Writer // 按topic分组的生产者
	mutex   sync.Mutex
}

// NewKafkaConnector 创建新的Kafka连接器
func NewKafkaConnector(config *KafkaConfig) *KafkaConnector {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.RequiredAcks == 0 {
		config.RequiredAcks = int(kafka.RequireOne)
	}
	return &KafkaConnector{
		config:  config,
		writers: make(map[string]*kafka.Writer),
	}
}

func (kc *KafkaConnector) writer(topic string) *kafka.Writer {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	if w, ok := kc.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(kc.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(kc.config.RequiredAcks),
		WriteTimeout: kc.config.WriteTimeout,
	}
	if kc.config.BatchTimeout > 0 {
		w.BatchTimeout = kc.config.BatchTimeout
	}
	kc.writers[topic] = w
	return w
}

// Publish 发送消息
func (kc *KafkaConnector) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	value, err := encodePayload(payload)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}
	for k, v := range kc.config.CustomHeaders {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(ctx, kc.config.WriteTimeout)
	defer cancel()

	if err := kc.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送Kafka消息失败: %w", err)
	}
	slog.Debug("Kafka消息已发送", "topic", topic, "key", key)
	return nil
}

func (kc *KafkaConnector) Name() string {
	return "kafka"
}

// Close 关闭所有生产者
func (kc *KafkaConnector) Close() error {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	for topic, w := range kc.writers {
		if err := w.Close(); err != nil {
			slog.Warn("关闭Kafka生产者失败", "topic", topic, "error", err)
		}
	}
	kc.writers = make(map[string]*kafka.Writer)
	return nil
}
