package connectors

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// WebhookPublisher 以 HTTP POST 投递事件
type WebhookPublisher struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookPublisher 创建 webhook 发布器
func NewWebhookPublisher(url string, headers map[string]string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{URL: url, Headers: headers, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("创建Webhook请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Topic", topic)
	if key != "" {
		req.Header.Set("X-Event-Key", key)
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送Webhook失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookPublisher) Name() string {
	return "webhook"
}
