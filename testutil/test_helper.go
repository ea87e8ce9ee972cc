/*
 * @module testutil/test_helper
 * @description 测试工具和辅助函数
 * @architecture 测试基础设施 - 提供测试数据库、数据工厂与事件记录器
 * @stateFlow 测试环境初始化 -> 测试数据创建 -> 测试执行 -> 清理资源
 * @rules 每个测试使用独立的内存库；所有时间使用UTC
 * @dependencies gorm, sqlite, testify
 * @refs service/models
 */

package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dq-validation-service/service/models"
)

var dbSeq int64

// TestDB 测试数据库
type TestDB struct {
	DB *gorm.DB
}

// NewTestDB 创建内存测试数据库并迁移校验模型
func NewTestDB() *TestDB {
	name := fmt.Sprintf("file:dq_test_%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect test database: %v", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to get sql.DB: %v", err))
	}
	// 内存库只能由单连接共享
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.ValidationModels()...); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}

	return &TestDB{DB: db}
}

// CleanDB 清理数据库
func (tdb *TestDB) CleanDB() {
	tables := []string{
		"validation_workflow_instances",
		"rule_approval_requests",
		"evaluation_jobs",
		"validation_runs",
		"rule_results",
		"quality_scores",
	}

	for _, table := range tables {
		tdb.DB.Exec(fmt.Sprintf("DELETE FROM %s", table))
	}
}

// Close 关闭数据库连接
func (tdb *TestDB) Close() {
	if db, err := tdb.DB.DB(); err == nil {
		db.Close()
	}
}

// TestDataFactory 测试数据工厂
type TestDataFactory struct {
	DB *gorm.DB
}

// NewTestDataFactory 创建测试数据工厂
func NewTestDataFactory(db *gorm.DB) *TestDataFactory {
	return &TestDataFactory{DB: db}
}

// ApprovalRequestOption 审批请求选项函数类型
type ApprovalRequestOption func(*models.ApprovalRequest)

// CreateApprovalRequest 创建测试审批请求
func (f *TestDataFactory) CreateApprovalRequest(runID string, opts ...ApprovalRequestOption) *models.ApprovalRequest {
	now := time.Now().UTC()
	req := &models.ApprovalRequest{
		RunID:            runID,
		CorrelationToken: "tok_" + generateSuffix(),
		DatasetRef:       "customers",
		Rules:            models.RuleSpecList{{ID: "r1", Expression: `IsComplete "email"`, Type: "completeness"}},
		SubmittedAt:      now,
		DeadlineAt:       now.Add(24 * time.Hour),
		Decision:         models.DecisionNone,
	}

	for _, opt := range opts {
		opt(req)
	}

	if err := f.DB.Create(req).Error; err != nil {
		panic(fmt.Sprintf("failed to create test approval request: %v", err))
	}
	return req
}

// ValidationRunOption 校验运行选项函数类型
type ValidationRunOption func(*models.ValidationRun)

// CreateValidationRun 创建测试校验运行记录
func (f *TestDataFactory) CreateValidationRun(opts ...ValidationRunOption) *models.ValidationRun {
	now := time.Now().UTC()
	run := &models.ValidationRun{
		ID:         generateID("run"),
		DatasetRef: "customers",
		RulesetRef: "dataset-customers-rules",
		RuleIDs:    models.JSONBStringArray{"r1"},
		Status:     models.RunStatusRunning,
		StartedAt:  now,
	}

	for _, opt := range opts {
		opt(run)
	}

	if err := f.DB.Create(run).Error; err != nil {
		panic(fmt.Sprintf("failed to create test validation run: %v", err))
	}
	return run
}

// 辅助函数
func generateID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), generateSuffix())
}

func generateSuffix() string {
	return fmt.Sprintf("%d", atomic.AddInt64(&dbSeq, 1))
}

// PublishedMessage 记录的一条发布消息
type PublishedMessage struct {
	Topic   string
	Key     string
	Payload interface{}
}

// RecordingPublisher 记录所有发布消息的发布器，可注入失败
type RecordingPublisher struct {
	mu       sync.Mutex
	Messages []PublishedMessage
	Err      error
}

// Publish 记录消息；设置了 Err 时直接返回该错误
func (p *RecordingPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Messages = append(p.Messages, PublishedMessage{Topic: topic, Key: key, Payload: payload})
	return nil
}

// Name 发布器名称
func (p *RecordingPublisher) Name() string {
	return "recording"
}

// Count 已记录的消息数
func (p *RecordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Messages)
}

// SetErr 设置后续发布返回的错误
func (p *RecordingPublisher) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// HTTPTestHelper HTTP测试辅助工具
type HTTPTestHelper struct{}

// NewHTTPTestHelper 创建HTTP测试辅助工具
func NewHTTPTestHelper() *HTTPTestHelper {
	return &HTTPTestHelper{}
}

// CreateJSONRequest 创建JSON请求
func (h *HTTPTestHelper) CreateJSONRequest(method, url string, body interface{}) (*http.Request, error) {
	var reqBody io.Reader

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// DecodeResponse 断言状态码并解析响应体
func (h *HTTPTestHelper) DecodeResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, out interface{}) {
	assert.Equal(t, expectedStatus, w.Code, w.Body.String())
	if out != nil {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
}
