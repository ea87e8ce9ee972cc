/*
 * @module service/init
 * @description 服务初始化模块，负责数据库连接、Redis、事件通道与编排引擎的装配
 * @architecture 分层架构 - 服务层
 * @stateFlow 打开数据库 -> 迁移 -> 基础设施(Redis/锁/限流/发布器) -> 领域组件 -> 编排引擎 -> 启动扫描
 * @rules 确保所有依赖服务正常启动后才提供API服务；Redis 未启用时退化为进程内锁与限流
 * @dependencies gorm.io/gorm, github.com/go-redis/redis/v8, github.com/dapr/go-sdk, github.com/prometheus/client_golang
 * @refs service/config/config.go, main.go
 */

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"dq-validation-service/client/connectors"
	"dq-validation-service/service/alerting"
	"dq-validation-service/service/approval"
	"dq-validation-service/service/clock"
	"dq-validation-service/service/config"
	"dq-validation-service/service/database"
	"dq-validation-service/service/distributed_lock"
	"dq-validation-service/service/evaluation"
	"dq-validation-service/service/metrics"
	"dq-validation-service/service/orchestrator"
	"dq-validation-service/service/rate_limiter"
	"dq-validation-service/service/result"
	"dq-validation-service/service/scheduler"
)

// Services 已装配的服务组件
type Services struct {
	Config      *config.Config
	DB          *gorm.DB
	Redis       *redis.Client
	Lock        distributed_lock.DistributedLock
	RateLimiter rate_limiter.Limiter
	Publisher   connectors.Publisher
	Metrics     *metrics.Metrics
	Broker      *approval.Broker
	Engine      *orchestrator.Engine
	Sweeper     *scheduler.Sweeper

	wakeListener *approval.PgWakeListener
	cancel       context.CancelFunc
	closers      []func()
}

// InitServices 按配置装配全部服务组件，reg 为 nil 时使用默认注册表
func InitServices(cfg *config.Config, reg prometheus.Registerer) (*Services, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Services{Config: cfg}

	if err := s.initDatabase(); err != nil {
		return nil, err
	}
	if err := s.initRedis(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initPublishers(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initWorkflow(reg); err != nil {
		s.Close()
		return nil, err
	}

	slog.Info("服务初始化完成",
		"db_driver", cfg.Database.Driver,
		"redis_enabled", cfg.Redis.Enabled,
		"alert_sinks", strings.Join(cfg.Messaging.AlertSinks, ","))
	return s, nil
}

// initDatabase 初始化数据库连接并运行迁移
func (s *Services) initDatabase() error {
	db, err := database.Open(database.Options{
		Driver:     s.Config.Database.Driver,
		DSN:        s.Config.Database.DSN(),
		Schema:     s.Config.Database.Schema,
		SQLitePath: s.Config.Database.SQLitePath,
	})
	if err != nil {
		return err
	}
	s.DB = db
	s.closers = append(s.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	if err := database.AutoMigrate(db, s.Config.Database.Schema); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// initRedis Redis 启用时创建分布式锁与限流器，否则使用进程内实现
func (s *Services) initRedis() error {
	if !s.Config.Redis.Enabled {
		s.Lock = distributed_lock.NewLocalLock()
		s.RateLimiter = rate_limiter.NewLocalRateLimiter()
		slog.Info("Redis未启用，使用进程内锁与限流")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         s.Config.Redis.Addr(),
		Password:     s.Config.Redis.Password,
		DB:           s.Config.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("Redis连接失败: %w", err)
	}

	s.Redis = client
	s.closers = append(s.closers, func() { client.Close() })
	s.Lock = distributed_lock.NewRedisLock(client, "dq-validation:lock:")
	s.RateLimiter = rate_limiter.NewRedisRateLimiter(client)
	slog.Info("Redis连接成功", "addr", s.Config.Redis.Addr())
	return nil
}

// initPublishers 按 ALERT_SINKS 创建事件发布器
func (s *Services) initPublishers() error {
	m := s.Config.Messaging
	var publishers []connectors.Publisher

	for _, sink := range m.AlertSinks {
		switch strings.ToLower(strings.TrimSpace(sink)) {
		case "", "log":
			publishers = append(publishers, connectors.LogPublisher{})
		case "dapr":
			client, err := dapr.NewClient()
			if err != nil {
				return fmt.Errorf("创建dapr客户端失败: %w", err)
			}
			s.closers = append(s.closers, client.Close)
			publishers = append(publishers, connectors.NewDaprPublisher(client, m.PubsubName))
		case "kafka":
			if len(m.KafkaBrokers) == 0 {
				return errors.New("kafka 发布需要配置 KAFKA_BROKERS")
			}
			kc := connectors.NewKafkaConnector(&connectors.KafkaConfig{Brokers: m.KafkaBrokers})
			s.closers = append(s.closers, func() { kc.Close() })
			publishers = append(publishers, kc)
		case "mqtt":
			if m.MQTTBroker == "" {
				return errors.New("mqtt 发布需要配置 MQTT_BROKER")
			}
			mc := connectors.NewMQTTConnector(&connectors.MQTTConfig{
				Broker:       m.MQTTBroker,
				ClientID:     "dq-validation-" + uuid.NewString()[:8],
				QoS:          1,
				CleanSession: true,
			})
			s.closers = append(s.closers, mc.Disconnect)
			publishers = append(publishers, mc)
		case "redis":
			if s.Redis == nil {
				return errors.New("redis 发布需要启用 REDIS_ENABLED")
			}
			publishers = append(publishers, connectors.NewRedisConnector(s.Redis, "dq-validation:"))
		case "webhook":
			if m.WebhookURL == "" {
				return errors.New("webhook 发布需要配置 ALERT_WEBHOOK_URL")
			}
			publishers = append(publishers, connectors.NewWebhookPublisher(m.WebhookURL, nil, 10*time.Second))
		default:
			return fmt.Errorf("不支持的告警通道: %s", sink)
		}
	}
	if len(publishers) == 0 {
		publishers = append(publishers, connectors.LogPublisher{})
	}

	s.Publisher = connectors.NewMultiPublisher(publishers...)
	return nil
}

// initWorkflow 装配审批代理、评估客户端、结果处理、告警与编排引擎
func (s *Services) initWorkflow(reg prometheus.Registerer) error {
	cfg := s.Config
	clk := clock.Real()
	s.Metrics = metrics.New(reg)

	policy, err := result.NewPolicy(cfg.Scoring.Policy, cfg.Scoring.Weights, cfg.Scoring.ScriptPath)
	if err != nil {
		return fmt.Errorf("创建评分策略失败: %w", err)
	}
	dimensionMode, err := result.ParseDimensionMode(cfg.Scoring.DimensionMode)
	if err != nil {
		return err
	}

	evaluator := evaluation.NewHTTPClient(cfg.Evaluation.URL, cfg.Evaluation.Timeout)
	s.Broker = approval.NewBroker(s.DB, s.Publisher, cfg.Messaging.ApprovalTopic, clk, s.Metrics)

	s.Engine = orchestrator.NewEngine(s.DB, orchestrator.Dependencies{
		Broker:    s.Broker,
		Evaluator: evaluator,
		Jobs:      evaluation.NewJobRegistry(s.DB),
		Processor: result.NewProcessor(s.DB, evaluator, policy, clk).WithDimensionMode(dimensionMode),
		Alerts:    alerting.NewTrigger(s.Publisher, cfg.Messaging.AlertTopic, cfg.Workflow.QualityThreshold, clk, s.Metrics),
		Lock:      s.Lock,
		Clock:     clk,
		Metrics:   s.Metrics,
	}, cfg.Policy())
	s.closers = append(s.closers, s.Engine.Close)
	s.Broker.SetResumer(s.Engine)

	if s.DB.Dialector.Name() == "postgres" {
		s.wakeListener = approval.NewPgWakeListener(s.DB, cfg.Database.DSN(), approval.DefaultWakeChannel)
		s.Broker.SetWakeNotifier(s.wakeListener)
	}

	s.Sweeper = scheduler.NewSweeper(s.Engine.Sweep, cfg.Workflow.SweepSchedule, s.Lock)
	return nil
}

// Start 启动后台任务：跨副本唤醒监听与定时扫描
func (s *Services) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.wakeListener != nil {
		if err := s.wakeListener.Start(ctx, s.Engine); err != nil {
			// 监听失败时仍可依赖定时扫描
			slog.Warn("审批唤醒监听器启动失败", "error", err)
		}
	}
	if err := s.Sweeper.Start(); err != nil {
		return fmt.Errorf("启动扫描器失败: %w", err)
	}
	return nil
}

// Ready 就绪检查
func (s *Services) Ready(ctx context.Context) error {
	if err := database.Ping(ctx, s.DB); err != nil {
		return fmt.Errorf("数据库不可用: %w", err)
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("Redis不可用: %w", err)
		}
	}
	return nil
}

// Close 停止后台任务并释放资源，按创建的逆序关闭
func (s *Services) Close() {
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
