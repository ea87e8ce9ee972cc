/*
 * @module service/config/config
 * @description 服务配置：默认值 -> YAML 配置文件 -> 环境变量覆盖
 * @architecture 分层架构 - 基础设施层
 * @stateFlow 默认配置 -> 读取 CONFIG_FILE -> 应用环境变量 -> 校验
 * @rules 环境变量优先级最高；时长类配置使用 Go duration 写法（如 30s、24h）
 * @dependencies gopkg.in/yaml.v3, github.com/spf13/cast
 * @refs service/init.go, service/orchestrator/retry.go
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"dq-validation-service/service/orchestrator"
)

// Config 服务配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Messaging  MessagingConfig  `yaml:"messaging"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port               int    `yaml:"port"`
	BaseContext        string `yaml:"base_context"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // postgres, sqlite
	URL        string `yaml:"url"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	SSLMode    string `yaml:"ssl_mode"`
	Schema     string `yaml:"schema"`
	SQLitePath string `yaml:"sqlite_path"`
}

// DSN postgres 连接串，配置了 URL 时直接使用
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode, d.Schema)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EvaluationConfig 评估引擎配置
type EvaluationConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkflowConfig 编排时间参数
type WorkflowConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	DispatchMaxAttempts    int           `yaml:"dispatch_max_attempts"`
	DispatchBackoffBase    time.Duration `yaml:"dispatch_backoff_base"`
	DispatchBackoffRate    float64       `yaml:"dispatch_backoff_rate"`
	ApprovalTimeout        time.Duration `yaml:"approval_timeout"`
	SubmitMaxAttempts      int           `yaml:"approval_submit_max_attempts"`
	SubmitBackoffBase      time.Duration `yaml:"approval_submit_backoff_base"`
	SubmitBackoffRate      float64       `yaml:"approval_submit_backoff_rate"`
	WorkflowTimeout        time.Duration `yaml:"workflow_timeout"`
	ProcessRedeliveryDelay time.Duration `yaml:"process_redelivery_delay"`
	QualityThreshold       float64       `yaml:"quality_threshold"`
	SweepSchedule          string        `yaml:"sweep_schedule"`
}

// ScoringConfig 整体得分策略
type ScoringConfig struct {
	Policy     string `yaml:"policy"` // mean, weighted, script
	Weights    string `yaml:"weights"`
	ScriptPath string `yaml:"script_path"`
	// DimensionMode 维度得分口径: rules, records
	DimensionMode string `yaml:"dimension_mode"`
}

// MessagingConfig 事件通道配置
type MessagingConfig struct {
	AlertSinks            []string `yaml:"alert_sinks"`
	PubsubName            string   `yaml:"pubsub_name"`
	AlertTopic            string   `yaml:"alert_topic"`
	ApprovalTopic         string   `yaml:"approval_topic"`
	ApprovalDecisionTopic string   `yaml:"approval_decision_topic"`
	KafkaBrokers          []string `yaml:"kafka_brokers"`
	MQTTBroker            string   `yaml:"mqtt_broker"`
	WebhookURL            string   `yaml:"webhook_url"`
}

// Default 默认配置
func Default() *Config {
	policy := orchestrator.DefaultPolicy()
	return &Config{
		Server: ServerConfig{Port: 80, RateLimitPerMinute: 120},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			User:       "postgres",
			Password:   "postgres",
			Name:       "postgres",
			SSLMode:    "disable",
			Schema:     "public",
			SQLitePath: "dq-validation.db",
		},
		Redis:      RedisConfig{Host: "localhost", Port: 6379},
		Evaluation: EvaluationConfig{URL: "http://localhost:8090", Timeout: 30 * time.Second},
		Workflow: WorkflowConfig{
			PollInterval:           policy.PollInterval,
			DispatchMaxAttempts:    policy.Dispatch.MaxAttempts,
			DispatchBackoffBase:    policy.Dispatch.Base,
			DispatchBackoffRate:    policy.Dispatch.Rate,
			ApprovalTimeout:        policy.ApprovalTimeout,
			SubmitMaxAttempts:      policy.Submit.MaxAttempts,
			SubmitBackoffBase:      policy.Submit.Base,
			SubmitBackoffRate:      policy.Submit.Rate,
			WorkflowTimeout:        policy.WorkflowTimeout,
			ProcessRedeliveryDelay: policy.ProcessRedeliveryDelay,
			QualityThreshold:       policy.QualityThreshold,
			SweepSchedule:          "@every 15s",
		},
		Scoring: ScoringConfig{Policy: "mean", DimensionMode: "rules"},
		Messaging: MessagingConfig{
			AlertSinks:            []string{"log"},
			PubsubName:            "pubsub",
			AlertTopic:            "dq-alerts",
			ApprovalTopic:         "dq-approval-requests",
			ApprovalDecisionTopic: "dq-approval-decisions",
		},
		LogLevel: "info",
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("解析配置文件失败 [%s]: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv 应用环境变量覆盖
func (c *Config) applyEnv(lookup lookupFunc) error {
	o := &overrider{lookup: lookup}

	o.setInt("LISTEN_PORT", &c.Server.Port)
	o.setString("BASE_CONTEXT", &c.Server.BaseContext)
	o.setInt("RATE_LIMIT_PER_MINUTE", &c.Server.RateLimitPerMinute)

	o.setString("DB_DRIVER", &c.Database.Driver)
	o.setString("DATABASE_URL", &c.Database.URL)
	o.setString("DB_HOST", &c.Database.Host)
	o.setInt("DB_PORT", &c.Database.Port)
	o.setString("DB_USER", &c.Database.User)
	o.setString("DB_PASSWORD", &c.Database.Password)
	o.setString("DB_NAME", &c.Database.Name)
	o.setString("DB_SSLMODE", &c.Database.SSLMode)
	o.setString("DB_SCHEMA", &c.Database.Schema)
	o.setString("SQLITE_PATH", &c.Database.SQLitePath)

	o.setBool("REDIS_ENABLED", &c.Redis.Enabled)
	o.setString("REDIS_HOST", &c.Redis.Host)
	o.setInt("REDIS_PORT", &c.Redis.Port)
	o.setString("REDIS_PASSWORD", &c.Redis.Password)
	o.setInt("REDIS_DB", &c.Redis.DB)

	o.setString("EVALUATION_ENGINE_URL", &c.Evaluation.URL)
	o.setDuration("EVALUATION_ENGINE_TIMEOUT", &c.Evaluation.Timeout)

	w := &c.Workflow
	o.setDuration("POLL_INTERVAL", &w.PollInterval)
	o.setInt("DISPATCH_MAX_ATTEMPTS", &w.DispatchMaxAttempts)
	o.setDuration("DISPATCH_BACKOFF_BASE", &w.DispatchBackoffBase)
	o.setFloat("DISPATCH_BACKOFF_RATE", &w.DispatchBackoffRate)
	o.setDuration("APPROVAL_TIMEOUT", &w.ApprovalTimeout)
	o.setInt("APPROVAL_SUBMIT_MAX_ATTEMPTS", &w.SubmitMaxAttempts)
	o.setDuration("APPROVAL_SUBMIT_BACKOFF_BASE", &w.SubmitBackoffBase)
	o.setFloat("APPROVAL_SUBMIT_BACKOFF_RATE", &w.SubmitBackoffRate)
	o.setDuration("WORKFLOW_TIMEOUT", &w.WorkflowTimeout)
	o.setDuration("PROCESS_REDELIVERY_DELAY", &w.ProcessRedeliveryDelay)
	o.setFloat("QUALITY_THRESHOLD", &w.QualityThreshold)
	o.setString("SWEEP_SCHEDULE", &w.SweepSchedule)

	o.setString("SCORE_POLICY", &c.Scoring.Policy)
	o.setString("DIMENSION_WEIGHTS", &c.Scoring.Weights)
	o.setString("SCORE_POLICY_SCRIPT", &c.Scoring.ScriptPath)
	o.setString("SCORE_DIMENSION_MODE", &c.Scoring.DimensionMode)

	m := &c.Messaging
	o.setList("ALERT_SINKS", &m.AlertSinks)
	o.setString("PUBSUB_NAME", &m.PubsubName)
	o.setString("ALERT_TOPIC", &m.AlertTopic)
	o.setString("APPROVAL_TOPIC", &m.ApprovalTopic)
	o.setString("APPROVAL_DECISION_TOPIC", &m.ApprovalDecisionTopic)
	o.setList("KAFKA_BROKERS", &m.KafkaBrokers)
	o.setString("MQTT_BROKER", &m.MQTTBroker)
	o.setString("ALERT_WEBHOOK_URL", &m.WebhookURL)

	o.setString("LOG_LEVEL", &c.LogLevel)

	return o.err
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("服务端口无效: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	w := c.Workflow
	if w.PollInterval <= 0 || w.ApprovalTimeout <= 0 || w.WorkflowTimeout <= 0 {
		return fmt.Errorf("轮询间隔、审批超时与工作流超时必须为正数")
	}
	if w.DispatchMaxAttempts < 1 || w.SubmitMaxAttempts < 1 {
		return fmt.Errorf("最大尝试次数至少为 1")
	}
	if w.QualityThreshold < 0 || w.QualityThreshold > 1 {
		return fmt.Errorf("质量阈值必须在 [0,1] 之间: %v", w.QualityThreshold)
	}
	return nil
}

// Policy 转换为编排参数
func (c *Config) Policy() orchestrator.Policy {
	p := orchestrator.DefaultPolicy()
	w := c.Workflow
	p.PollInterval = w.PollInterval
	p.Dispatch = orchestrator.RetryPolicy{MaxAttempts: w.DispatchMaxAttempts, Base: w.DispatchBackoffBase, Rate: w.DispatchBackoffRate}
	p.Submit = orchestrator.RetryPolicy{MaxAttempts: w.SubmitMaxAttempts, Base: w.SubmitBackoffBase, Rate: w.SubmitBackoffRate}
	p.ApprovalTimeout = w.ApprovalTimeout
	p.WorkflowTimeout = w.WorkflowTimeout
	p.ProcessRedeliveryDelay = w.ProcessRedeliveryDelay
	p.QualityThreshold = w.QualityThreshold
	return p
}

// overrider 记录第一个解析错误，后续覆盖继续执行
type overrider struct {
	lookup lookupFunc
	err    error
}

func (o *overrider) value(key string) (string, bool) {
	v, ok := o.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (o *overrider) fail(key string, err error) {
	if o.err == nil {
		o.err = fmt.Errorf("环境变量 %s 无效: %w", key, err)
	}
}

func (o *overrider) setString(key string, dst *string) {
	if v, ok := o.value(key); ok {
		*dst = v
	}
}

func (o *overrider) setInt(key string, dst *int) {
	if v, ok := o.value(key); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*dst = n
	}
}

func (o *overrider) setFloat(key string, dst *float64) {
	if v, ok := o.value(key); ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*dst = f
	}
}

func (o *overrider) setBool(key string, dst *bool) {
	if v, ok := o.value(key); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*dst = b
	}
}

func (o *overrider) setDuration(key string, dst *time.Duration) {
	if v, ok := o.value(key); ok {
		d, err := cast.ToDurationE(v)
		if err != nil {
			o.fail(key, err)
			return
		}
		*dst = d
	}
}

func (o *overrider) setList(key string, dst *[]string) {
	if v, ok := o.value(key); ok {
		items := make([]string, 0)
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}
