package evaluation

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dq-validation-service/service/models"
)

// JobRegistry 评估作业登记表，记录每次提交与最近一次轮询结果
type JobRegistry struct {
	db *gorm.DB
}

// NewJobRegistry 创建作业登记表
func NewJobRegistry(db *gorm.DB) *JobRegistry {
	return &JobRegistry{db: db}
}

// Record 登记已被引擎接受的作业，同一 job_id 重复登记只更新尝试次数
func (r *JobRegistry) Record(ctx context.Context, job *models.EvaluationJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusSubmitted
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"attempts", "updated_at"}),
	}).Create(job).Error
	if err != nil {
		return fmt.Errorf("登记评估作业失败: %w", err)
	}
	return nil
}

// UpdateStatus 记录轮询结果
func (r *JobRegistry) UpdateStatus(ctx context.Context, jobID string, status *JobStatus, polledAt time.Time) error {
	updates := map[string]interface{}{
		"status":         status.Status,
		"result_ref":     status.ResultRef,
		"last_polled_at": polledAt,
		"updated_at":     polledAt,
	}
	if status.IsTerminal() {
		updates["finished_at"] = polledAt
	}

	err := r.db.WithContext(ctx).Model(&models.EvaluationJob{}).
		Where("job_id = ?", jobID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("更新评估作业状态失败: %w", err)
	}
	return nil
}

// ListByRun 查询运行的全部作业
func (r *JobRegistry) ListByRun(ctx context.Context, runID string) ([]models.EvaluationJob, error) {
	var jobs []models.EvaluationJob
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("submitted_at ASC").Find(&jobs).Error
	return jobs, err
}
