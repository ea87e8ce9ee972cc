/*
 * @module service/evaluation/client
 * @description 外部规则评估引擎客户端契约：提交作业、查询状态、拉取规则结果
 * @architecture 外部服务适配层
 * @rules 容量耗尽是唯一可重试的提交错误；客户端自身不做限流，节奏由编排器的轮询间隔控制
 * @dependencies dq-validation-service/service/models
 * @refs service/orchestrator/engine.go, service/result/processor.go
 */

package evaluation

import (
	"context"
	"errors"
	"fmt"

	"dq-validation-service/service/models"
)

var (
	// ErrCapacityExhausted 评估引擎并发容量已满，可稍后重试
	ErrCapacityExhausted = errors.New("评估引擎容量已满")
	// ErrJobNotFound 作业不存在
	ErrJobNotFound = errors.New("评估作业不存在")
)

// DispatchRequest 作业提交请求
type DispatchRequest struct {
	RunID       string            `json:"run_id"`
	DatasetRef  string            `json:"dataset_ref"`
	RulesetRef  string            `json:"ruleset_ref"`
	Rules       []models.RuleSpec `json:"rules"`
	ClientToken string            `json:"client_token"` // 引擎侧去重键，取 run_id
}

// JobStatus 作业状态
type JobStatus struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
	Message   string `json:"message,omitempty"`
}

// IsTerminal 作业是否已结束
func (s *JobStatus) IsTerminal() bool {
	return s.Status == models.JobStatusSucceeded || s.Status == models.JobStatusFailed
}

// EngineRuleResult 引擎返回的单条规则结果
type EngineRuleResult struct {
	RuleID         string   `json:"rule_id"`
	Name           string   `json:"name"`
	RuleType       string   `json:"rule_type"`
	Result         string   `json:"result"` // PASS / FAIL / ERROR / SKIP
	EvaluatedCount int64    `json:"evaluated_count"`
	PassedCount    int64    `json:"passed_count"`
	FailedCount    int64    `json:"failed_count"`
	SampleFailures []string `json:"sample_failures"`
	Message        string   `json:"message"`
}

// JobResults 作业的全部规则结果
type JobResults struct {
	JobID       string             `json:"job_id"`
	RuleResults []EngineRuleResult `json:"rule_results"`
}

// Client 评估引擎客户端
type Client interface {
	Dispatch(ctx context.Context, req DispatchRequest) (string, error)
	Poll(ctx context.Context, jobID string) (*JobStatus, error)
}

// ResultFetcher 拉取已完成作业的规则结果
type ResultFetcher interface {
	FetchResults(ctx context.Context, jobID string) (*JobResults, error)
}

// DispatchError 不可重试的提交错误
type DispatchError struct {
	StatusCode int
	Message    string
}

func (e *DispatchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("评估作业提交失败: %s", e.Message)
	}
	return fmt.Sprintf("评估作业提交失败 (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsCapacityExhausted 判断是否为容量耗尽错误
func IsCapacityExhausted(err error) bool {
	return errors.Is(err, ErrCapacityExhausted)
}
