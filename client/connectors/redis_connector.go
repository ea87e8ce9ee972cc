/*
 * @module RedisConnector
 * @description Redis 发布端封装，基于 PUBLISH 将事件广播到订阅方
 * @architecture 适配器模式
 * @rules 复用全局 redis 客户端，不负责关闭
 * @dependencies github.com/go-redis/redis/v8
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisConnector Redis连接器
type RedisConnector struct {
	client        *redis.Client
	channelPrefix string
}

// NewRedisConnector 创建Redis连接器
func NewRedisConnector(client *redis.Client, channelPrefix string) *RedisConnector {
	return &RedisConnector{client: client, channelPrefix: channelPrefix}
}

// Publish 发布消息到频道
func (rc *RedisConnector) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if err := rc.client.Publish(ctx, rc.channelPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("Redis发布失败: %w", err)
	}
	return nil
}

func (rc *RedisConnector) Name() string {
	return "redis"
}
