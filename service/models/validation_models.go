/*
 * @module service/models/validation_models
 * @description 校验编排相关模型，包括工作流实例、审批请求、评估作业、规则结果与质量维度评分
 * @architecture 数据模型层
 * @stateFlow 触发 -> 规则状态检查 -> 审批/直接执行 -> 轮询 -> 结果处理 -> 阈值检查 -> 终态
 * @rules run_id 全局唯一；规则结果与维度评分以 run_id 为自然去重键，只写一次
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/orchestrator, service/approval, service/result
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RuleSpec 单条质量规则定义
type RuleSpec struct {
	ID         string `json:"id" validate:"required"`
	Expression string `json:"expression"`
	Type       string `json:"type"`
}

// 规则状态
const (
	RuleStatusPending  = "pending"
	RuleStatusApproved = "approved"
)

// 审批决定
const (
	DecisionNone     = "none"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// 评估作业状态
const (
	JobStatusSubmitted = "submitted"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// 校验运行记录状态
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// 规则结果
const (
	OutcomePass  = "pass"
	OutcomeFail  = "fail"
	OutcomeError = "error"
	OutcomeSkip  = "skip"
)

// WorkflowInstance 校验工作流实例，每个校验运行一个
type WorkflowInstance struct {
	RunID              string           `gorm:"type:varchar(64);primaryKey" json:"run_id"`
	DatasetRef         string           `gorm:"type:varchar(255);index" json:"dataset_ref"`
	RulesetRef         string           `gorm:"type:varchar(255)" json:"ruleset_ref"`
	RuleIDs            JSONBStringArray `gorm:"type:jsonb" json:"rule_ids"`
	Rules              RuleSpecList     `gorm:"type:jsonb" json:"rules"`
	RuleStatus         string           `gorm:"type:varchar(20)" json:"rule_status"`
	State              string           `gorm:"type:varchar(40);not null;index" json:"state"`
	Version            int64            `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CorrelationToken   string           `gorm:"type:varchar(64);index" json:"correlation_token,omitempty"`
	SubmitAttempts     int              `gorm:"default:0" json:"submit_attempts"`
	JobID              string           `gorm:"type:varchar(128)" json:"job_id,omitempty"`
	DispatchAttempts   int              `gorm:"default:0" json:"dispatch_attempts"`
	ProcessAttempts    int              `gorm:"default:0" json:"process_attempts"`
	OverallScore       *float64         `json:"overall_score,omitempty"`
	FailureReason      string           `gorm:"type:varchar(40)" json:"failure_reason,omitempty"`
	FailureCause       string           `gorm:"type:text" json:"failure_cause,omitempty"`
	DeadlineAt         *time.Time       `json:"deadline_at,omitempty"` // 仅在等待审批期间有值
	WorkflowDeadlineAt time.Time        `json:"workflow_deadline_at"`
	NextWakeAt         *time.Time       `gorm:"index" json:"next_wake_at,omitempty"`
	ArchivedAt         *time.Time       `gorm:"index" json:"archived_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// TableName 指定表名
func (WorkflowInstance) TableName() string {
	return "validation_workflow_instances"
}

// ApprovalRequest 规则审批请求
type ApprovalRequest struct {
	ID               string       `gorm:"type:varchar(50);primaryKey" json:"id"`
	RunID            string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"run_id"`
	CorrelationToken string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"correlation_token"`
	DatasetRef       string       `gorm:"type:varchar(255)" json:"dataset_ref"`
	Rules            RuleSpecList `gorm:"type:jsonb" json:"rules"`
	SubmittedAt      time.Time    `json:"submitted_at"`
	DeadlineAt       time.Time    `json:"deadline_at"`
	NotifiedAt       *time.Time   `json:"notified_at,omitempty"` // 审批通知成功发出的时间
	Decision         string       `gorm:"type:varchar(20);not null;default:'none';index" json:"decision"`
	DecidedAt        *time.Time   `json:"decided_at,omitempty"`
	Reviewer         string       `gorm:"type:varchar(100)" json:"reviewer,omitempty"`
	Comments         string       `gorm:"type:text" json:"comments,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName 指定表名
func (ApprovalRequest) TableName() string {
	return "rule_approval_requests"
}

// BeforeCreate 创建前钩子
func (a *ApprovalRequest) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Decision == "" {
		a.Decision = DecisionNone
	}
	return nil
}

// EvaluationJob 外部评估引擎作业记录
type EvaluationJob struct {
	ID           string     `gorm:"type:varchar(50);primaryKey" json:"id"`
	JobID        string     `gorm:"type:varchar(128);not null;uniqueIndex" json:"job_id"`
	RunID        string     `gorm:"type:varchar(64);not null;index" json:"run_id"`
	DatasetRef   string     `gorm:"type:varchar(255)" json:"dataset_ref"`
	RulesetRef   string     `gorm:"type:varchar(255)" json:"ruleset_ref"`
	Status       string     `gorm:"type:varchar(20);not null" json:"status"`
	Attempts     int        `json:"attempts"` // 提交重试次数
	ResultRef    string     `gorm:"type:varchar(255)" json:"result_ref,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (EvaluationJob) TableName() string {
	return "evaluation_jobs"
}

// BeforeCreate 创建前钩子
func (e *EvaluationJob) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// ValidationRun 校验运行记录，对外暴露的运行结果
type ValidationRun struct {
	ID             string           `gorm:"type:varchar(64);primaryKey" json:"run_id"`
	DatasetRef     string           `gorm:"type:varchar(255);index" json:"dataset_ref"`
	RulesetRef     string           `gorm:"type:varchar(255)" json:"ruleset_ref"`
	RuleIDs        JSONBStringArray `gorm:"type:jsonb" json:"rule_ids"`
	Status         string           `gorm:"type:varchar(20);not null;index" json:"status"`
	JobID          string           `gorm:"type:varchar(128)" json:"job_id,omitempty"`
	ProcessedJobID string           `gorm:"type:varchar(128)" json:"-"`
	OverallScore   *float64         `json:"overall_score"`
	RulesEvaluated int              `json:"rules_evaluated"`
	RulesPassed    int              `json:"rules_passed"`
	RulesFailed    int              `json:"rules_failed"`
	FailureReason  string           `gorm:"type:varchar(40)" json:"failure_reason,omitempty"`
	FailureCause   string           `gorm:"type:text" json:"failure_cause,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	RuleResults   []RuleResult   `gorm:"foreignKey:RunID;references:ID" json:"rule_results"`
	QualityScores []QualityScore `gorm:"foreignKey:RunID;references:ID" json:"quality_scores"`
}

// TableName 指定表名
func (ValidationRun) TableName() string {
	return "validation_runs"
}

// RuleResult 单条规则的评估结果，写入后不再修改
type RuleResult struct {
	ID             string           `gorm:"type:varchar(50);primaryKey" json:"id"`
	RunID          string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_rule_results_run_rule" json:"run_id"`
	RuleID         string           `gorm:"type:varchar(128);not null;uniqueIndex:idx_rule_results_run_rule" json:"rule_id"`
	RuleType       string           `gorm:"type:varchar(50)" json:"rule_type"`
	Dimension      string           `gorm:"type:varchar(30)" json:"dimension"`
	Outcome        string           `gorm:"type:varchar(10);not null" json:"outcome"`
	EvaluatedCount int64            `json:"evaluated_count"`
	PassedCount    int64            `json:"passed_count"`
	FailedCount    int64            `json:"failed_count"`
	SampleFailures JSONBStringArray `gorm:"type:jsonb" json:"sample_failures"`
	Message        string           `gorm:"type:text" json:"evaluation_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// TableName 指定表名
func (RuleResult) TableName() string {
	return "rule_results"
}

// BeforeCreate 创建前钩子
func (r *RuleResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// QualityScore 运行内单个质量维度评分 (0-1)
type QualityScore struct {
	ID         string    `gorm:"type:varchar(50);primaryKey" json:"id"`
	RunID      string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_quality_scores_run_dimension" json:"run_id"`
	Dimension  string    `gorm:"type:varchar(30);not null;uniqueIndex:idx_quality_scores_run_dimension" json:"dimension"`
	DatasetRef string    `gorm:"type:varchar(255);index" json:"dataset_ref"`
	Score      float64   `json:"score"`
	MeasuredAt time.Time `json:"measured_at"`
}

// TableName 指定表名
func (QualityScore) TableName() string {
	return "quality_scores"
}

// BeforeCreate 创建前钩子
func (q *QualityScore) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	return nil
}

// ValidationModels 返回需要迁移的全部模型
func ValidationModels() []interface{} {
	return []interface{}{
		&WorkflowInstance{},
		&ApprovalRequest{},
		&EvaluationJob{},
		&ValidationRun{},
		&RuleResult{},
		&QualityScore{},
	}
}
