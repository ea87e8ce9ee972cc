/*
 * @module service/result/processor
 * @description 结果处理器：拉取已完成评估作业的规则结果，计算维度与整体得分并持久化
 * @architecture 业务服务层
 * @stateFlow 拉取结果 -> 规则结果归一 -> 维度得分 -> 整体得分 -> 单事务 upsert
 * @rules 以 (run_id, rule_id) 与 (run_id, dimension) 为自然去重键，重复调用得到同一组行
 * @dependencies gorm.io/gorm
 * @refs service/orchestrator/engine.go, service/evaluation/client.go
 */

package result

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dq-validation-service/service/clock"
	"dq-validation-service/service/evaluation"
	"dq-validation-service/service/models"
)

// ProcessInput 处理参数
type ProcessInput struct {
	JobID      string
	RunID      string
	DatasetRef string
	Rules      models.RuleSpecList
}

// Outcome 处理结果
type Outcome struct {
	RunID          string                `json:"run_id"`
	OverallScore   float64               `json:"overall_score"`
	RulesEvaluated int                   `json:"rules_evaluated"`
	RulesPassed    int                   `json:"rules_passed"`
	RulesFailed    int                   `json:"rules_failed"`
	RuleResults    []models.RuleResult   `json:"rule_results"`
	QualityScores  []models.QualityScore `json:"quality_scores"`
}

// Processor 结果处理器
type Processor struct {
	db      *gorm.DB
	fetcher evaluation.ResultFetcher
	policy  ScorePolicy
	mode    string
	clock   clock.Clock
}

// NewProcessor 创建结果处理器，policy 为 nil 时使用算术平均
func NewProcessor(db *gorm.DB, fetcher evaluation.ResultFetcher, policy ScorePolicy, clk clock.Clock) *Processor {
	if policy == nil {
		policy = MeanPolicy{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Processor{db: db, fetcher: fetcher, policy: policy, mode: DimensionModeRules, clock: clk}
}

// WithDimensionMode 切换维度得分口径
func (p *Processor) WithDimensionMode(mode string) *Processor {
	p.mode = mode
	return p
}

// Process 处理一次评估作业的结果
func (p *Processor) Process(ctx context.Context, in ProcessInput) (*Outcome, error) {
	res, err := p.fetcher.FetchResults(ctx, in.JobID)
	if err != nil {
		return nil, fmt.Errorf("拉取评估结果失败: %w", err)
	}

	ruleResults := p.buildRuleResults(in, res.RuleResults)
	dims := DimensionScores(ruleResults, p.mode)
	overall, err := p.policy.Score(dims)
	if err != nil {
		return nil, fmt.Errorf("计算整体得分失败 (%s): %w", p.policy.Name(), err)
	}

	now := p.clock.Now()
	scores := make([]models.QualityScore, 0, len(dims))
	for _, dim := range sortedKeys(dims) {
		scores = append(scores, models.QualityScore{
			RunID:      in.RunID,
			Dimension:  dim,
			DatasetRef: in.DatasetRef,
			Score:      dims[dim],
			MeasuredAt: now,
		})
	}

	out := &Outcome{
		RunID:          in.RunID,
		OverallScore:   overall,
		RulesEvaluated: len(ruleResults),
		RuleResults:    ruleResults,
		QualityScores:  scores,
	}
	for _, r := range ruleResults {
		if r.Outcome == models.OutcomePass {
			out.RulesPassed++
		}
	}
	out.RulesFailed = out.RulesEvaluated - out.RulesPassed

	if err := p.persist(ctx, in, out); err != nil {
		return nil, err
	}

	slog.Info("评估结果已处理",
		"run_id", in.RunID,
		"job_id", in.JobID,
		"overall_score", overall,
		"rules_evaluated", out.RulesEvaluated,
		"rules_passed", out.RulesPassed,
		"policy", p.policy.Name(),
		"dimension_mode", p.mode)
	return out, nil
}

func (p *Processor) buildRuleResults(in ProcessInput, engineResults []evaluation.EngineRuleResult) []models.RuleResult {
	specs := make(map[string]models.RuleSpec, len(in.Rules))
	for _, spec := range in.Rules {
		specs[spec.ID] = spec
	}

	results := make([]models.RuleResult, 0, len(engineResults))
	index := make(map[string]int, len(engineResults))
	for _, er := range engineResults {
		ruleID := er.RuleID
		if ruleID == "" {
			ruleID = er.Name
		}
		spec := specs[ruleID]
		ruleType := er.RuleType
		if ruleType == "" {
			ruleType = spec.Type
		}

		sample := models.JSONBStringArray(er.SampleFailures)
		if sample == nil {
			sample = models.JSONBStringArray{}
		}

		rr := models.RuleResult{
			RunID:          in.RunID,
			RuleID:         ruleID,
			RuleType:       ruleType,
			Dimension:      DimensionFor(ruleType, er.Name, spec.Expression),
			Outcome:        MapOutcome(er.Result),
			EvaluatedCount: er.EvaluatedCount,
			PassedCount:    er.PassedCount,
			FailedCount:    er.FailedCount,
			SampleFailures: sample,
			Message:        er.Message,
		}
		// 同一规则重复上报时以最后一条为准
		if i, ok := index[ruleID]; ok {
			results[i] = rr
			continue
		}
		index[ruleID] = len(results)
		results = append(results, rr)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].RuleID < results[j].RuleID })
	return results
}

func (p *Processor) persist(ctx context.Context, in ProcessInput, out *Outcome) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(out.RuleResults) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "run_id"}, {Name: "rule_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"rule_type", "dimension", "outcome", "evaluated_count",
					"passed_count", "failed_count", "sample_failures", "message",
				}),
			}).Create(&out.RuleResults).Error
			if err != nil {
				return fmt.Errorf("写入规则结果失败: %w", err)
			}
		}

		if len(out.QualityScores) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "dimension"}},
				DoUpdates: clause.AssignmentColumns([]string{"score", "dataset_ref"}),
			}).Create(&out.QualityScores).Error
			if err != nil {
				return fmt.Errorf("写入维度得分失败: %w", err)
			}
		}

		err := tx.Model(&models.ValidationRun{}).Where("id = ?", in.RunID).Updates(map[string]interface{}{
			"overall_score":    out.OverallScore,
			"rules_evaluated":  out.RulesEvaluated,
			"rules_passed":     out.RulesPassed,
			"rules_failed":     out.RulesFailed,
			"processed_job_id": in.JobID,
		}).Error
		if err != nil {
			return fmt.Errorf("更新运行记录失败: %w", err)
		}
		return nil
	})
}
