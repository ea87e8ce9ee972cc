/*
 * @module MQTTConnector
 * @description MQTT发布端封装，向现场看板/网关推送质量告警
 * @architecture 适配器模式 - 封装第三方MQTT客户端，提供统一的发布接口
 * @stateFlow 连接建立 -> 发布 -> 连接断开
 * @rules 启用自动重连；发布等待 broker 确认或超时
 * @dependencies github.com/eclipse/paho.mqtt.golang
 * @refs client/connectors/publisher.go
 */
package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig MQTT连接配置
type MQTTConfig struct {
	Broker       string        `json:"broker" yaml:"broker"`
	ClientID     string        `json:"client_id" yaml:"client_id"`
	Username     string        `json:"username" yaml:"username"`
	Password     string        `json:"password" yaml:"password"`
	QoS          byte          `json:"qos" yaml:"qos"`
	KeepAlive    time.Duration `json:"keep_alive" yaml:"keep_alive"`
	PublishWait  time.Duration `json:"publish_wait" yaml:"publish_wait"`
	CleanSession bool          `json:"clean_session" yaml:"clean_session"`
}

// MQTTConnector MQTT连接器
type MQTTConnector struct {
	config      *MQTTConfig
	client      mqtt.Client
	mutex       sync.Mutex
	isConnected bool
}

// NewMQTTConnector 创建新的MQTT连接器
func NewMQTTConnector(config *MQTTConfig) *MQTTConnector {
	if config.PublishWait <= 0 {
		config.PublishWait = 5 * time.Second
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}

	connector := &MQTTConnector{config: config}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(config.CleanSession)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT连接断开", "broker", config.Broker, "error", err)
	})

	connector.client = mqtt.NewClient(opts)
	return connector
}

// Connect 建立MQTT连接
func (mc *MQTTConnector) Connect() error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if mc.isConnected {
		return nil
	}
	if token := mc.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT连接失败: %w", token.Error())
	}
	mc.isConnected = true
	slog.Info("MQTT连接器已连接", "broker", mc.config.Broker)
	return nil
}

// Publish 发布消息，未连接时先建立连接
func (mc *MQTTConnector) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	if err := mc.Connect(); err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	token := mc.client.Publish(topic, mc.config.QoS, false, data)
	wait := mc.config.PublishWait
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("MQTT发布超时: topic=%s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("MQTT发布失败: %w", token.Error())
	}
	return nil
}

func (mc *MQTTConnector) Name() string {
	return "mqtt"
}

// Disconnect 断开MQTT连接
func (mc *MQTTConnector) Disconnect() {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if !mc.isConnected {
		return
	}
	mc.client.Disconnect(250)
	mc.isConnected = false
}
