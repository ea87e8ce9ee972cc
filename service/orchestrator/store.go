package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dq-validation-service/service/models"
)

var (
	// ErrRunExists run_id 已被使用
	ErrRunExists = errors.New("校验运行已存在")
	// ErrRunNotFound 校验运行不存在
	ErrRunNotFound = errors.New("校验运行不存在")
	// ErrConcurrentTransition 版本号不匹配，实例已被其他执行者推进
	ErrConcurrentTransition = errors.New("工作流实例已被并发推进")
)

// RunFilter 运行记录查询条件
type RunFilter struct {
	Status     string
	DatasetRef string
	Page       int
	Size       int
}

// Store 工作流实例与运行记录的持久化
type Store struct {
	db *gorm.DB
}

// NewStore 创建存储
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create 在同一事务中创建运行记录与工作流实例
func (s *Store) Create(ctx context.Context, inst *Instance, run *models.ValidationRun) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ValidationRun{}).Where("id = ?", run.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("检查运行记录失败: %w", err)
		}
		if count > 0 {
			return ErrRunExists
		}
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("创建运行记录失败: %w", err)
		}
		if err := tx.Create(inst).Error; err != nil {
			return fmt.Errorf("创建工作流实例失败: %w", err)
		}
		return nil
	})
}

// Load 读取工作流实例
func (s *Store) Load(ctx context.Context, runID string) (*Instance, error) {
	var inst Instance
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &inst, nil
}

// SaveTransition 以 prev.Version 做乐观锁写入 next；进入终态时同步结束运行记录
func (s *Store) SaveTransition(ctx context.Context, prev, next *Instance) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.WorkflowInstance{}).
			Where("run_id = ? AND version = ?", prev.RunID, prev.Version).
			Updates(map[string]interface{}{
				"state":             next.State,
				"version":           next.Version,
				"correlation_token": next.CorrelationToken,
				"submit_attempts":   next.SubmitAttempts,
				"job_id":            next.JobID,
				"dispatch_attempts": next.DispatchAttempts,
				"process_attempts":  next.ProcessAttempts,
				"overall_score":     next.OverallScore,
				"failure_reason":    next.FailureReason,
				"failure_cause":     next.FailureCause,
				"deadline_at":       next.DeadlineAt,
				"next_wake_at":      next.NextWakeAt,
				"archived_at":       next.ArchivedAt,
				"updated_at":        next.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("保存状态迁移失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentTransition
		}

		runUpdates := map[string]interface{}{"updated_at": next.UpdatedAt}
		if next.JobID != "" {
			runUpdates["job_id"] = next.JobID
		}
		if next.OverallScore != nil {
			runUpdates["overall_score"] = *next.OverallScore
		}
		if state := State(next.State); state.IsTerminal() {
			runUpdates["status"] = state.RunStatus()
			runUpdates["failure_reason"] = next.FailureReason
			runUpdates["failure_cause"] = next.FailureCause
			runUpdates["completed_at"] = next.UpdatedAt
		}
		if err := tx.Model(&models.ValidationRun{}).Where("id = ?", next.RunID).Updates(runUpdates).Error; err != nil {
			return fmt.Errorf("更新运行记录失败: %w", err)
		}
		return nil
	})
}

// DueInstances 返回需要推进的未归档实例：到期的、没有挂起条件的、已越过总时限的、审批已有决定的
func (s *Store) DueInstances(ctx context.Context, now time.Time, limit int) ([]string, error) {
	decided := s.db.Model(&models.ApprovalRequest{}).
		Select("correlation_token").
		Where("decision <> ?", models.DecisionNone)

	var ids []string
	err := s.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Where("archived_at IS NULL").
		Where(s.db.Where("next_wake_at IS NULL OR next_wake_at <= ?", now).
			Or("workflow_deadline_at <= ?", now).
			Or("state = ? AND correlation_token IN (?)", string(StateAwaitingApproval), decided)).
		Order("created_at ASC").
		Limit(limit).
		Pluck("run_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("查询待推进实例失败: %w", err)
	}
	return ids, nil
}

// LoadRun 读取运行记录及其规则结果与维度评分
func (s *Store) LoadRun(ctx context.Context, runID string) (*models.ValidationRun, error) {
	var run models.ValidationRun
	err := s.db.WithContext(ctx).
		Preload("RuleResults", func(db *gorm.DB) *gorm.DB { return db.Order("rule_id ASC") }).
		Preload("QualityScores", func(db *gorm.DB) *gorm.DB { return db.Order("dimension ASC") }).
		Where("id = ?", runID).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns 分页查询运行记录
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]models.ValidationRun, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Size < 1 || filter.Size > 200 {
		filter.Size = 20
	}

	query := s.db.WithContext(ctx).Model(&models.ValidationRun{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.DatasetRef != "" {
		query = query.Where("dataset_ref = ?", filter.DatasetRef)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []models.ValidationRun
	err := query.Order("started_at DESC").
		Offset((filter.Page - 1) * filter.Size).
		Limit(filter.Size).
		Find(&runs).Error
	return runs, total, err
}
