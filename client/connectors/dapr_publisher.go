package connectors

import (
	"context"
	"fmt"

	dapr "github.com/dapr/go-sdk/client"
)

// DaprPublisher 通过 dapr sidecar 的 pubsub 组件发布
type DaprPublisher struct {
	client     dapr.Client
	pubsubName string
}

// NewDaprPublisher 创建 dapr 发布器，client 由调用方负责关闭
func NewDaprPublisher(client dapr.Client, pubsubName string) *DaprPublisher {
	return &DaprPublisher{client: client, pubsubName: pubsubName}
}

func (d *DaprPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	opts := []dapr.PublishEventOption{dapr.PublishEventWithContentType("application/json")}
	if key != "" {
		opts = append(opts, dapr.PublishEventWithMetadata(map[string]string{"partitionKey": key}))
	}

	if err := d.client.PublishEvent(ctx, d.pubsubName, topic, data, opts...); err != nil {
		return fmt.Errorf("dapr 发布失败: %w", err)
	}
	return nil
}

func (d *DaprPublisher) Name() string {
	return "dapr"
}
