/*
 * @module service/orchestrator/engine
 * @description 校验编排引擎：执行每个状态的副作用，调用 Step 计算迁移，并在每次迁移后持久化
 * @architecture 状态机 + 持久化挂起
 * @stateFlow 触发 -> 加锁 -> 读取实例 -> (副作用 -> Step -> 持久化)* -> 挂起并登记唤醒
 * @rules 同一 run_id 的推进由分布式锁串行化；挂起不占用协程，依靠 next_wake_at、进程内定时器与定时扫描恢复；
 *        已完成的副作用由持久化状态识别，不会重复执行
 * @dependencies github.com/go-playground/validator/v10, github.com/google/uuid, gorm.io/gorm
 * @refs service/orchestrator/step.go, service/scheduler/sweeper.go
 */

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"dq-validation-service/service/alerting"
	"dq-validation-service/service/approval"
	"dq-validation-service/service/clock"
	"dq-validation-service/service/distributed_lock"
	"dq-validation-service/service/evaluation"
	"dq-validation-service/service/metrics"
	"dq-validation-service/service/models"
	"dq-validation-service/service/result"
)

const sweepBatchSize = 200

// Broker 审批代理
type Broker interface {
	Submit(ctx context.Context, req approval.SubmitRequest) (*models.ApprovalRequest, error)
	Get(ctx context.Context, token string) (*models.ApprovalRequest, error)
}

// JobRecorder 评估作业登记
type JobRecorder interface {
	Record(ctx context.Context, job *models.EvaluationJob) error
	UpdateStatus(ctx context.Context, jobID string, status *evaluation.JobStatus, polledAt time.Time) error
	ListByRun(ctx context.Context, runID string) ([]models.EvaluationJob, error)
}

// ResultProcessor 结果处理器
type ResultProcessor interface {
	Process(ctx context.Context, in result.ProcessInput) (*result.Outcome, error)
}

// AlertTrigger 告警触发器
type AlertTrigger interface {
	MaybeAlert(ctx context.Context, in alerting.AlertInput) bool
}

// Dependencies 引擎的外部协作者，Lock/Clock/Jobs/Metrics 可为空
type Dependencies struct {
	Broker    Broker
	Evaluator evaluation.Client
	Jobs      JobRecorder
	Processor ResultProcessor
	Alerts    AlertTrigger
	Lock      distributed_lock.DistributedLock
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// TriggerInput 触发参数
type TriggerInput struct {
	RunID      string            `json:"runId"`
	DatasetRef string            `json:"datasetRef"`
	RuleStatus string            `json:"ruleStatus"`
	Rules      []models.RuleSpec `json:"rules"`
	RulesetRef string            `json:"rulesetRef"`
}

// triggerFields 进入编排前必须满足的输入约束
type triggerFields struct {
	DatasetRef string              `validate:"required"`
	Rules      models.RuleSpecList `validate:"required,min=1,dive"`
}

// RunView 运行记录与当前工作流状态
type RunView struct {
	*models.ValidationRun
	State            string     `json:"state"`
	CorrelationToken string     `json:"correlation_token,omitempty"`
	DeadlineAt       *time.Time `json:"deadline_at,omitempty"`
	NextWakeAt       *time.Time `json:"next_wake_at,omitempty"`
	// Jobs 评估作业历史，按提交时间升序
	Jobs []models.EvaluationJob `json:"jobs,omitempty"`
}

// Engine 校验编排引擎
type Engine struct {
	store     *Store
	broker    Broker
	evaluator evaluation.Client
	jobs      JobRecorder
	processor ResultProcessor
	alerts    AlertTrigger
	locks     *distributed_lock.LockExecutor
	clock     clock.Clock
	metrics   *metrics.Metrics
	policy    Policy
	validate  *validator.Validate

	mu     sync.Mutex
	timers map[string]clock.Timer
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine 创建编排引擎
func NewEngine(db *gorm.DB, deps Dependencies, policy Policy) *Engine {
	if deps.Lock == nil {
		deps.Lock = distributed_lock.NewLocalLock()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:     NewStore(db),
		broker:    deps.Broker,
		evaluator: deps.Evaluator,
		jobs:      deps.Jobs,
		processor: deps.Processor,
		alerts:    deps.Alerts,
		locks:     distributed_lock.NewLockExecutor(deps.Lock),
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		policy:    policy,
		validate:  validator.New(),
		timers:    make(map[string]clock.Timer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Trigger 创建运行记录与工作流实例，并同步推进到第一个挂起点或终态。
// 输入不合法时实例仍会创建，随后进入 InvalidInput
func (e *Engine) Trigger(ctx context.Context, in TriggerInput) (*Instance, error) {
	now := e.clock.Now()

	runID := strings.TrimSpace(in.RunID)
	if runID == "" {
		runID = uuid.New().String()
	}
	rulesetRef := in.RulesetRef
	if rulesetRef == "" && in.DatasetRef != "" {
		rulesetRef = fmt.Sprintf("dataset-%s-rules", in.DatasetRef)
	}
	rules := models.RuleSpecList(in.Rules)
	ruleIDs := models.JSONBStringArray(rules.IDs())

	inst := &Instance{
		RunID:              runID,
		DatasetRef:         in.DatasetRef,
		RulesetRef:         rulesetRef,
		RuleIDs:            ruleIDs,
		Rules:              rules,
		RuleStatus:         in.RuleStatus,
		State:              string(StateCheckingRuleStatus),
		WorkflowDeadlineAt: now.Add(e.policy.WorkflowTimeout),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	run := &models.ValidationRun{
		ID:         runID,
		DatasetRef: in.DatasetRef,
		RulesetRef: rulesetRef,
		RuleIDs:    ruleIDs,
		Status:     models.RunStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.Create(ctx, inst, run); err != nil {
		return nil, err
	}
	slog.Info("校验运行已触发", "run_id", runID, "dataset_ref", in.DatasetRef, "rule_status", in.RuleStatus, "rules", len(rules))

	if err := e.Advance(ctx, runID); err != nil {
		// 实例已落库，由扫描继续推进
		slog.Error("推进工作流失败", "run_id", runID, "error", err)
	}
	return e.store.Load(ctx, runID)
}

// Resume 审批决定到达后恢复工作流
func (e *Engine) Resume(ctx context.Context, runID string) {
	if err := e.Advance(ctx, runID); err != nil {
		slog.Error("恢复工作流失败", "run_id", runID, "error", err)
	}
}

// Advance 在 run 锁内推进实例直到挂起或终态；锁被占用时稍后重试
func (e *Engine) Advance(ctx context.Context, runID string) error {
	fn := func() error { return e.advanceLocked(ctx, runID) }

	var (
		acquired bool
		err      error
	)
	if refresh := e.policy.LockTTL / 3; refresh > 0 {
		acquired, err = e.locks.ExecuteWithLockAndRefresh(ctx, lockKey(runID), e.policy.LockTTL, refresh, fn)
	} else {
		acquired, err = e.locks.ExecuteWithLock(ctx, lockKey(runID), e.policy.LockTTL, fn)
	}
	if err != nil {
		return err
	}
	if !acquired {
		slog.Debug("工作流正在被其他执行者推进，稍后重试", "run_id", runID)
		e.schedule(runID, e.clock.Now().Add(e.policy.LockRetryDelay))
	}
	return nil
}

// Sweep 推进所有到期的实例，进程重启后靠它恢复挂起的工作流
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	ids, err := e.store.DueInstances(ctx, e.clock.Now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := e.Advance(ctx, id); err != nil {
			slog.Error("扫描推进工作流失败", "run_id", id, "error", err)
		}
	}
	return len(ids), nil
}

// Instance 读取工作流实例
func (e *Engine) Instance(ctx context.Context, runID string) (*Instance, error) {
	return e.store.Load(ctx, runID)
}

// Describe 读取运行结果与当前状态
func (e *Engine) Describe(ctx context.Context, runID string) (*RunView, error) {
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &RunView{ValidationRun: run}
	if inst, err := e.store.Load(ctx, runID); err == nil {
		view.State = inst.State
		view.CorrelationToken = inst.CorrelationToken
		view.DeadlineAt = inst.DeadlineAt
		view.NextWakeAt = inst.NextWakeAt
	}
	if e.jobs != nil {
		jobs, err := e.jobs.ListByRun(ctx, runID)
		if err != nil {
			slog.Warn("读取评估作业历史失败", "run_id", runID, "error", err)
		} else {
			view.Jobs = jobs
		}
	}
	return view, nil
}

// ListRuns 分页查询运行记录
func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) ([]models.ValidationRun, int64, error) {
	return e.store.ListRuns(ctx, filter)
}

// Close 停止所有唤醒定时器
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.cancel()
	for runID, t := range e.timers {
		t.Stop()
		delete(e.timers, runID)
	}
}

func (e *Engine) advanceLocked(ctx context.Context, runID string) error {
	inst, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}

	for {
		if State(inst.State).IsTerminal() {
			e.unschedule(runID)
			return nil
		}

		now := e.clock.Now()
		ev, wait := e.act(ctx, inst, now)
		if wait {
			e.schedule(runID, e.wakeAt(inst))
			return nil
		}

		ev.At = now
		next, err := Step(*inst, ev)
		if err != nil {
			return err
		}
		if err := e.store.SaveTransition(ctx, inst, &next); err != nil {
			if errors.Is(err, ErrConcurrentTransition) {
				slog.Warn("工作流已被并发推进，放弃本次推进", "run_id", runID, "version", inst.Version)
				return nil
			}
			return err
		}
		e.observe(inst, &next, ev)
		inst = &next
	}
}

// act 执行当前状态的副作用并给出事件；wait 为 true 表示应挂起
func (e *Engine) act(ctx context.Context, inst *Instance, now time.Time) (Event, bool) {
	if ctx.Err() != nil {
		return Event{}, true
	}
	if !now.Before(inst.WorkflowDeadlineAt) {
		return Event{Kind: EvWorkflowTimeout, Cause: fmt.Sprintf("工作流超过 %s 总时限，停在 %s", e.policy.WorkflowTimeout, inst.State)}, false
	}

	switch State(inst.State) {
	case StateCheckingRuleStatus:
		return e.checkRuleStatus(inst), false
	case StateAwaitingApproval:
		return e.awaitApproval(ctx, inst, now)
	}

	if inst.NextWakeAt != nil && now.Before(*inst.NextWakeAt) {
		return Event{}, true
	}

	switch State(inst.State) {
	case StateDispatching:
		return e.dispatch(ctx, inst, now)
	case StatePolling:
		return e.poll(ctx, inst, now)
	case StateProcessing:
		return e.process(ctx, inst, now), false
	case StateCheckingThreshold:
		return e.checkThreshold(inst), false
	case StateAlerting:
		return e.alert(ctx, inst), false
	}
	slog.Error("未知的工作流状态", "run_id", inst.RunID, "state", inst.State)
	return Event{}, true
}

func (e *Engine) checkRuleStatus(inst *Instance) Event {
	fields := triggerFields{DatasetRef: strings.TrimSpace(inst.DatasetRef), Rules: inst.Rules}
	if err := e.validate.Struct(fields); err != nil {
		return Event{Kind: EvInputInvalid, Cause: describeValidation(err)}
	}
	if Gate(inst.RuleStatus) == BranchApproval {
		return Event{Kind: EvRouteApproval}
	}
	return Event{Kind: EvRouteDirect}
}

func (e *Engine) awaitApproval(ctx context.Context, inst *Instance, now time.Time) (Event, bool) {
	if inst.CorrelationToken == "" {
		if inst.NextWakeAt != nil && now.Before(*inst.NextWakeAt) {
			return Event{}, true
		}

		attempt := inst.SubmitAttempts + 1
		req, err := e.broker.Submit(ctx, approval.SubmitRequest{
			RunID:      inst.RunID,
			DatasetRef: inst.DatasetRef,
			Rules:      inst.Rules,
			DeadlineAt: now.Add(e.policy.ApprovalTimeout),
		})
		switch {
		case err == nil:
			return Event{Kind: EvApprovalRequested, Token: req.CorrelationToken, DeadlineAt: req.DeadlineAt, Attempt: attempt}, false
		case ctx.Err() != nil:
			return Event{}, true
		case approval.IsTransient(err) && e.policy.Submit.CanRetry(attempt):
			slog.Warn("审批请求提交失败，稍后重试", "run_id", inst.RunID, "attempt", attempt, "error", err)
			return Event{Kind: EvSubmitRetry, Attempt: attempt, WakeAt: now.Add(e.policy.Submit.Delay(attempt)), Cause: err.Error()}, false
		default:
			return Event{Kind: EvSubmitFailed, Attempt: attempt, Cause: fmt.Sprintf("审批请求提交失败（共 %d 次）: %v", attempt, err)}, false
		}
	}

	deadline := inst.WorkflowDeadlineAt
	if inst.DeadlineAt != nil {
		deadline = *inst.DeadlineAt
	}

	req, err := e.broker.Get(ctx, inst.CorrelationToken)
	if err != nil {
		slog.Warn("读取审批请求失败", "run_id", inst.RunID, "error", err)
	} else if req.DecidedAt != nil && req.DecidedAt.Before(deadline) {
		switch req.Decision {
		case models.DecisionApproved:
			return Event{Kind: EvApprovalGranted}, false
		case models.DecisionRejected:
			cause := "规则审批被拒绝"
			if req.Reviewer != "" {
				cause = fmt.Sprintf("规则审批被 %s 拒绝", req.Reviewer)
			}
			if req.Comments != "" {
				cause += ": " + req.Comments
			}
			return Event{Kind: EvApprovalRejected, Cause: cause}, false
		}
	}

	if !now.Before(deadline) {
		return Event{Kind: EvApprovalExpired, Cause: fmt.Sprintf("审批未在 %s 内完成", e.policy.ApprovalTimeout)}, false
	}
	return Event{}, true
}

func (e *Engine) dispatch(ctx context.Context, inst *Instance, now time.Time) (Event, bool) {
	attempt := inst.DispatchAttempts + 1
	jobID, err := e.evaluator.Dispatch(ctx, evaluation.DispatchRequest{
		RunID:       inst.RunID,
		DatasetRef:  inst.DatasetRef,
		RulesetRef:  inst.RulesetRef,
		Rules:       inst.Rules,
		ClientToken: inst.RunID,
	})

	switch {
	case err == nil:
		e.metrics.ObserveDispatch("accepted")
		e.recordJob(ctx, inst, jobID, attempt, now)
		return Event{Kind: EvDispatched, JobID: jobID, Attempt: attempt, WakeAt: now.Add(e.policy.PollInterval)}, false
	case ctx.Err() != nil:
		return Event{}, true
	case evaluation.IsCapacityExhausted(err):
		e.metrics.ObserveDispatch("capacity")
		if e.policy.Dispatch.CanRetry(attempt) {
			delay := e.policy.Dispatch.Delay(attempt)
			slog.Warn("评估引擎容量不足，退避后重试", "run_id", inst.RunID, "attempt", attempt, "delay", delay)
			return Event{Kind: EvDispatchRetry, Attempt: attempt, WakeAt: now.Add(delay), Cause: err.Error()}, false
		}
		return Event{Kind: EvDispatchExhausted, Attempt: attempt, Cause: fmt.Sprintf("评估引擎容量不足，%d 次尝试后放弃: %v", attempt, err)}, false
	default:
		e.metrics.ObserveDispatch("rejected")
		return Event{Kind: EvDispatchRejected, Attempt: attempt, Cause: err.Error()}, false
	}
}

func (e *Engine) recordJob(ctx context.Context, inst *Instance, jobID string, attempt int, now time.Time) {
	if e.jobs == nil {
		return
	}
	err := e.jobs.Record(ctx, &models.EvaluationJob{
		JobID:       jobID,
		RunID:       inst.RunID,
		DatasetRef:  inst.DatasetRef,
		RulesetRef:  inst.RulesetRef,
		Status:      models.JobStatusSubmitted,
		Attempts:    attempt,
		SubmittedAt: now,
	})
	if err != nil {
		slog.Warn("登记评估作业失败", "run_id", inst.RunID, "job_id", jobID, "error", err)
	}
}

func (e *Engine) poll(ctx context.Context, inst *Instance, now time.Time) (Event, bool) {
	status, err := e.evaluator.Poll(ctx, inst.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, true
		}
		return Event{Kind: EvJobFailed, Cause: fmt.Sprintf("查询评估作业 %s 失败: %v", inst.JobID, err)}, false
	}

	if e.jobs != nil {
		if err := e.jobs.UpdateStatus(ctx, inst.JobID, status, now); err != nil {
			slog.Warn("更新评估作业状态失败", "run_id", inst.RunID, "job_id", inst.JobID, "error", err)
		}
	}

	switch status.Status {
	case models.JobStatusSucceeded:
		return Event{Kind: EvJobSucceeded}, false
	case models.JobStatusFailed:
		cause := status.Message
		if cause == "" {
			cause = fmt.Sprintf("评估作业 %s 执行失败", inst.JobID)
		}
		return Event{Kind: EvJobFailed, Cause: cause}, false
	default:
		return Event{Kind: EvJobPending, WakeAt: now.Add(e.policy.PollInterval)}, false
	}
}

func (e *Engine) process(ctx context.Context, inst *Instance, now time.Time) Event {
	attempt := inst.ProcessAttempts + 1
	out, err := e.processor.Process(ctx, result.ProcessInput{
		JobID:      inst.JobID,
		RunID:      inst.RunID,
		DatasetRef: inst.DatasetRef,
		Rules:      inst.Rules,
	})
	if err != nil {
		slog.Error("结果处理失败，稍后重投", "run_id", inst.RunID, "attempt", attempt, "error", err)
		return Event{Kind: EvProcessRedeliver, Attempt: attempt, WakeAt: now.Add(e.policy.ProcessRedeliveryDelay), Cause: err.Error()}
	}
	return Event{Kind: EvProcessed, Attempt: attempt, Score: out.OverallScore}
}

func (e *Engine) checkThreshold(inst *Instance) Event {
	score := 0.0
	if inst.OverallScore != nil {
		score = *inst.OverallScore
	}
	if alerting.Breached(score, e.policy.QualityThreshold) {
		return Event{Kind: EvScoreBelow, Score: score}
	}
	return Event{Kind: EvScoreOK, Score: score}
}

func (e *Engine) alert(ctx context.Context, inst *Instance) Event {
	score := 0.0
	if inst.OverallScore != nil {
		score = *inst.OverallScore
	}
	if e.alerts != nil {
		e.alerts.MaybeAlert(ctx, alerting.AlertInput{
			RunID:      inst.RunID,
			DatasetRef: inst.DatasetRef,
			Score:      score,
			Details:    e.alertDetails(ctx, inst),
		})
	}
	return Event{Kind: EvAlertDone}
}

func (e *Engine) alertDetails(ctx context.Context, inst *Instance) map[string]interface{} {
	details := map[string]interface{}{
		"job_id":      inst.JobID,
		"ruleset_ref": inst.RulesetRef,
	}
	run, err := e.store.LoadRun(ctx, inst.RunID)
	if err != nil {
		slog.Warn("读取运行结果失败，告警详情不完整", "run_id", inst.RunID, "error", err)
		return details
	}

	details["rules_evaluated"] = run.RulesEvaluated
	details["rules_passed"] = run.RulesPassed
	details["rules_failed"] = run.RulesFailed
	dims := make(map[string]float64, len(run.QualityScores))
	for _, qs := range run.QualityScores {
		dims[qs.Dimension] = qs.Score
	}
	details["dimension_scores"] = dims

	failed := make([]string, 0)
	for _, rr := range run.RuleResults {
		if rr.Outcome != models.OutcomePass && rr.Outcome != models.OutcomeSkip {
			failed = append(failed, rr.RuleID)
		}
	}
	details["failed_rules"] = failed
	return details
}

func (e *Engine) observe(prev, next *Instance, ev Event) {
	e.metrics.ObserveTransition(prev.State, next.State)

	state := State(next.State)
	if !state.IsTerminal() {
		slog.Info("工作流状态迁移", "run_id", next.RunID, "from", prev.State, "to", next.State, "event", ev.Kind, "version", next.Version)
		return
	}

	e.metrics.ObserveRunFinished(state.RunStatus(), next.FailureReason)
	if state.IsFailure() {
		slog.Warn("工作流以失败结束", "run_id", next.RunID, "from", prev.State, "to", next.State,
			"event", ev.Kind, "reason", next.FailureReason, "cause", next.FailureCause)
		return
	}
	slog.Info("工作流完成", "run_id", next.RunID, "from", prev.State, "event", ev.Kind, "overall_score", next.OverallScore)
}

// wakeAt 挂起实例下一次需要检查的时间
func (e *Engine) wakeAt(inst *Instance) time.Time {
	at := inst.WorkflowDeadlineAt
	candidate := inst.NextWakeAt
	if State(inst.State) == StateAwaitingApproval && inst.DeadlineAt != nil {
		candidate = inst.DeadlineAt
	}
	if candidate != nil && candidate.Before(at) {
		at = *candidate
	}
	return at
}

func (e *Engine) schedule(runID string, at time.Time) {
	d := at.Sub(e.clock.Now())
	if d <= 0 {
		d = e.policy.LockRetryDelay
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if t, ok := e.timers[runID]; ok {
		t.Stop()
	}

	var timer clock.Timer
	timer = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if e.timers[runID] == timer {
			delete(e.timers, runID)
		}
		e.mu.Unlock()

		if err := e.Advance(e.ctx, runID); err != nil {
			slog.Error("定时推进工作流失败", "run_id", runID, "error", err)
		}
	})
	e.timers[runID] = timer
}

func (e *Engine) unschedule(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[runID]; ok {
		t.Stop()
		delete(e.timers, runID)
	}
}

func lockKey(runID string) string {
	return "run:" + runID
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch {
		case fe.Field() == "DatasetRef":
			parts = append(parts, "缺少 datasetRef")
		case fe.Field() == "Rules":
			parts = append(parts, "rules 不能为空")
		default:
			parts = append(parts, fmt.Sprintf("%s 校验失败 (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	return "触发参数无效: " + strings.Join(parts, "; ")
}
