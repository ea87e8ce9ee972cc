package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dq-validation-service/service/alerting"
	"dq-validation-service/service/approval"
	"dq-validation-service/service/clock"
	"dq-validation-service/service/evaluation"
	"dq-validation-service/service/models"
	"dq-validation-service/service/result"
	"dq-validation-service/testutil"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeEvaluator 按脚本返回提交、轮询与结果
type fakeEvaluator struct {
	mu            sync.Mutex
	dispatchErrs  []error
	dispatchCalls int
	statuses      []string
	pollCalls     int
	pollErr       error
	results       *evaluation.JobResults
	fetchFailures int
	fetchCalls    int
}

func (f *fakeEvaluator) Dispatch(ctx context.Context, req evaluation.DispatchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchCalls++
	if f.dispatchCalls <= len(f.dispatchErrs) && f.dispatchErrs[f.dispatchCalls-1] != nil {
		return "", f.dispatchErrs[f.dispatchCalls-1]
	}
	return fmt.Sprintf("job-%s-%d", req.RunID, f.dispatchCalls), nil
}

func (f *fakeEvaluator) Poll(ctx context.Context, jobID string) (*evaluation.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	status := models.JobStatusSucceeded
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return &evaluation.JobStatus{JobID: jobID, Status: status}, nil
}

func (f *fakeEvaluator) FetchResults(ctx context.Context, jobID string) (*evaluation.JobResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchCalls <= f.fetchFailures {
		return nil, errors.New("result store unavailable")
	}
	return f.results, nil
}

// completeness 生成 total 条 completeness 规则结果，前 passed 条通过
func completeness(passed, total int) *evaluation.JobResults {
	results := make([]evaluation.EngineRuleResult, 0, total)
	for i := 0; i < total; i++ {
		outcome := "FAIL"
		if i < passed {
			outcome = "PASS"
		}
		results = append(results, evaluation.EngineRuleResult{
			RuleID:         fmt.Sprintf("r%d", i+1),
			RuleType:       "completeness",
			Result:         outcome,
			EvaluatedCount: 100,
			PassedCount:    95,
			FailedCount:    5,
		})
	}
	return &evaluation.JobResults{RuleResults: results}
}

type harness struct {
	tdb       *testutil.TestDB
	clock     *clock.Manual
	eval      *fakeEvaluator
	broker    *approval.Broker
	approvals *testutil.RecordingPublisher
	alerts    *testutil.RecordingPublisher
	engine    *Engine
	policy    Policy
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		tdb:       testutil.NewTestDB(),
		clock:     clock.NewManual(t0),
		eval:      &fakeEvaluator{results: completeness(23, 25)},
		approvals: &testutil.RecordingPublisher{},
		alerts:    &testutil.RecordingPublisher{},
		policy:    policy,
	}
	h.broker = approval.NewBroker(h.tdb.DB, h.approvals, "dq-approval-requests", h.clock, nil)
	h.engine = h.newEngine()
	h.broker.SetResumer(h.engine)

	t.Cleanup(func() {
		h.engine.Close()
		h.tdb.Close()
	})
	return h
}

func (h *harness) newEngine() *Engine {
	return NewEngine(h.tdb.DB, Dependencies{
		Broker:    h.broker,
		Evaluator: h.eval,
		Jobs:      evaluation.NewJobRegistry(h.tdb.DB),
		Processor: result.NewProcessor(h.tdb.DB, h.eval, nil, h.clock),
		Alerts:    alerting.NewTrigger(h.alerts, "dq-alerts", h.policy.QualityThreshold, h.clock, nil),
		Clock:     h.clock,
	}, h.policy)
}

func (h *harness) trigger(t *testing.T, runID, ruleStatus string) *Instance {
	t.Helper()
	inst, err := h.engine.Trigger(context.Background(), TriggerInput{
		RunID:      runID,
		DatasetRef: "customers",
		RuleStatus: ruleStatus,
		Rules:      []models.RuleSpec{{ID: "r1", Expression: `IsComplete "email"`, Type: "completeness"}},
	})
	require.NoError(t, err)
	return inst
}

func (h *harness) instance(t *testing.T, runID string) *Instance {
	t.Helper()
	inst, err := h.engine.Instance(context.Background(), runID)
	require.NoError(t, err)
	return inst
}

func (h *harness) run(t *testing.T, runID string) *RunView {
	t.Helper()
	view, err := h.engine.Describe(context.Background(), runID)
	require.NoError(t, err)
	return view
}

func (h *harness) resolve(t *testing.T, runID, decision string) *approval.ResolveResult {
	t.Helper()
	inst := h.instance(t, runID)
	require.NotEmpty(t, inst.CorrelationToken)
	res, err := h.broker.Resolve(context.Background(), inst.CorrelationToken, decision, "reviewer-1", "checked sample")
	require.NoError(t, err)
	return res
}

func TestEngine_ApprovedRulesCompleteAboveThreshold(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.statuses = []string{models.JobStatusRunning, models.JobStatusSucceeded}

	inst := h.trigger(t, "run-a", models.RuleStatusApproved)
	assert.Equal(t, string(StatePolling), inst.State)
	assert.Equal(t, "job-run-a-1", inst.JobID)
	require.NotNil(t, inst.NextWakeAt)
	assert.Equal(t, t0.Add(30*time.Second), inst.NextWakeAt.UTC())
	assert.Empty(t, inst.CorrelationToken)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, string(StatePolling), h.instance(t, "run-a").State)

	h.clock.Advance(30 * time.Second)
	inst = h.instance(t, "run-a")
	assert.Equal(t, string(StateComplete), inst.State)
	assert.NotNil(t, inst.ArchivedAt)
	assert.Empty(t, inst.FailureReason)

	view := h.run(t, "run-a")
	assert.Equal(t, models.RunStatusCompleted, view.Status)
	require.NotNil(t, view.OverallScore)
	assert.InDelta(t, 0.92, *view.OverallScore, 1e-9)
	assert.Equal(t, "job-run-a-1", view.JobID)
	require.Len(t, view.RuleResults, 25)
	require.Len(t, view.Jobs, 1)
	assert.Equal(t, "job-run-a-1", view.Jobs[0].JobID)
	assert.Equal(t, models.JobStatusSucceeded, view.Jobs[0].Status)
	assert.NotNil(t, view.Jobs[0].FinishedAt)
	require.Len(t, view.QualityScores, 1)
	assert.Equal(t, "completeness", view.QualityScores[0].Dimension)

	assert.Equal(t, 0, h.alerts.Count())
	assert.Equal(t, 0, h.approvals.Count())
	assert.Equal(t, 1, h.eval.dispatchCalls)
	assert.Equal(t, 2, h.eval.pollCalls)

	var job models.EvaluationJob
	require.NoError(t, h.tdb.DB.Where("job_id = ?", "job-run-a-1").First(&job).Error)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
}

func TestEngine_PendingRulesRejectedByReviewer(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	inst := h.trigger(t, "run-b", models.RuleStatusPending)
	assert.Equal(t, string(StateAwaitingApproval), inst.State)
	assert.NotEmpty(t, inst.CorrelationToken)
	require.NotNil(t, inst.DeadlineAt)
	assert.Equal(t, t0.Add(24*time.Hour), inst.DeadlineAt.UTC())
	assert.Equal(t, 1, h.approvals.Count())

	h.clock.Advance(2 * time.Hour)
	res := h.resolve(t, "run-b", models.DecisionRejected)
	assert.True(t, res.Applied)
	assert.False(t, res.Late)

	inst = h.instance(t, "run-b")
	assert.Equal(t, string(StateApprovalRejected), inst.State)
	assert.Equal(t, string(StateApprovalRejected), inst.FailureReason)
	assert.Contains(t, inst.FailureCause, "checked sample")

	view := h.run(t, "run-b")
	assert.Equal(t, models.RunStatusFailed, view.Status)
	assert.Equal(t, "ApprovalRejected", view.FailureReason)
	assert.Equal(t, 0, h.eval.dispatchCalls)
}

func TestEngine_PendingRulesApprovedThenEvaluated(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	h.trigger(t, "run-p", models.RuleStatusPending)
	h.clock.Advance(time.Hour)
	h.resolve(t, "run-p", models.DecisionApproved)

	inst := h.instance(t, "run-p")
	assert.Equal(t, string(StatePolling), inst.State)
	assert.Nil(t, inst.DeadlineAt)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, string(StateComplete), h.instance(t, "run-p").State)
}

func TestEngine_ApprovedRulesNeverAwaitApproval(t *testing.T) {
	for _, status := range []string{"approved", "APPROVED", " Approved "} {
		h := newHarness(t, DefaultPolicy())
		runID := "run-" + status
		h.trigger(t, runID, status)
		h.clock.Advance(time.Minute)

		var count int64
		require.NoError(t, h.tdb.DB.Model(&models.ApprovalRequest{}).Where("run_id = ?", runID).Count(&count).Error)
		assert.Zero(t, count, status)
		assert.Equal(t, string(StateComplete), h.instance(t, runID).State, status)
	}
}

func TestEngine_LowScoreRaisesAlert(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.results = completeness(1, 2)

	h.trigger(t, "run-c", models.RuleStatusApproved)
	h.clock.Advance(30 * time.Second)

	inst := h.instance(t, "run-c")
	assert.Equal(t, string(StateComplete), inst.State)
	require.NotNil(t, inst.OverallScore)
	assert.InDelta(t, 0.5, *inst.OverallScore, 1e-9)

	require.Equal(t, 1, h.alerts.Count())
	msg := h.alerts.Messages[0]
	assert.Equal(t, "dq-alerts", msg.Topic)
	event, ok := msg.Payload.(alerting.AlertEvent)
	require.True(t, ok)
	assert.Equal(t, "Quality check failed for customers", event.Title)
	assert.InDelta(t, 0.5, event.Score, 1e-9)
	assert.Equal(t, []string{"r2"}, event.Details["failed_rules"])

	assert.Equal(t, models.RunStatusCompleted, h.run(t, "run-c").Status)
}

func TestEngine_ThresholdBoundary(t *testing.T) {
	cases := []struct {
		passed int
		alerts int
	}{
		{passed: 79, alerts: 1},
		{passed: 80, alerts: 0},
	}
	for _, tc := range cases {
		h := newHarness(t, DefaultPolicy())
		h.eval.results = completeness(tc.passed, 100)

		h.trigger(t, "run-threshold", models.RuleStatusApproved)
		h.clock.Advance(30 * time.Second)

		assert.Equal(t, string(StateComplete), h.instance(t, "run-threshold").State)
		assert.Equal(t, tc.alerts, h.alerts.Count(), "passed=%d", tc.passed)
	}
}

func TestEngine_AlertFailureStillCompletes(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.results = completeness(1, 10)
	h.alerts.SetErr(errors.New("sink down"))

	h.trigger(t, "run-alert-fail", models.RuleStatusApproved)
	h.clock.Advance(30 * time.Second)

	assert.Equal(t, string(StateComplete), h.instance(t, "run-alert-fail").State)
	assert.Equal(t, models.RunStatusCompleted, h.run(t, "run-alert-fail").Status)
}

func TestEngine_InvalidInput(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	inst, err := h.engine.Trigger(context.Background(), TriggerInput{RunID: "run-no-dataset", RuleStatus: "approved",
		Rules: []models.RuleSpec{{ID: "r1"}}})
	require.NoError(t, err)
	assert.Equal(t, string(StateInvalidInput), inst.State)
	assert.Contains(t, inst.FailureCause, "datasetRef")

	inst, err = h.engine.Trigger(context.Background(), TriggerInput{RunID: "run-no-rules", DatasetRef: "customers", RuleStatus: "approved"})
	require.NoError(t, err)
	assert.Equal(t, string(StateInvalidInput), inst.State)
	assert.Contains(t, inst.FailureCause, "rules")

	assert.Equal(t, 0, h.eval.dispatchCalls)
	assert.Equal(t, 0, h.approvals.Count())
	assert.Equal(t, models.RunStatusFailed, h.run(t, "run-no-rules").Status)
}

func TestEngine_DuplicateRunID(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.trigger(t, "run-dup", models.RuleStatusPending)

	_, err := h.engine.Trigger(context.Background(), TriggerInput{RunID: "run-dup", DatasetRef: "customers",
		Rules: []models.RuleSpec{{ID: "r1"}}})
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestEngine_GeneratesRunIDAndRulesetRef(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	inst, err := h.engine.Trigger(context.Background(), TriggerInput{DatasetRef: "orders", RuleStatus: "approved",
		Rules: []models.RuleSpec{{ID: "r1", Type: "completeness"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, inst.RunID)
	assert.Equal(t, "dataset-orders-rules", inst.RulesetRef)
	assert.Equal(t, t0.Add(25*time.Hour), inst.WorkflowDeadlineAt.UTC())
}

func TestEngine_ApprovalTimesOutAtExactlyDeadline(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.trigger(t, "run-timeout", models.RuleStatusPending)

	h.clock.Advance(24*time.Hour - time.Second)
	assert.Equal(t, string(StateAwaitingApproval), h.instance(t, "run-timeout").State)

	h.clock.Advance(time.Second)
	inst := h.instance(t, "run-timeout")
	assert.Equal(t, string(StateApprovalTimedOut), inst.State)
	assert.Equal(t, string(StateApprovalTimedOut), inst.FailureReason)

	// 截止后到达的决定只记录，不改变工作流
	h.clock.Advance(time.Minute)
	res, err := h.broker.Resolve(context.Background(), inst.CorrelationToken, models.DecisionApproved, "reviewer-1", "")
	require.NoError(t, err)
	assert.True(t, res.Late)
	assert.Equal(t, string(StateApprovalTimedOut), h.instance(t, "run-timeout").State)
	assert.Equal(t, 0, h.eval.dispatchCalls)
}

func TestEngine_DecisionAtDeadlineDoesNotCount(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.broker.SetResumer(nil)
	h.trigger(t, "run-edge", models.RuleStatusPending)

	h.engine.Close()
	h.clock.Advance(24 * time.Hour)
	h.resolve(t, "run-edge", models.DecisionApproved)

	engine := h.newEngine()
	defer engine.Close()
	_, err := engine.Sweep(context.Background())
	require.NoError(t, err)

	inst, err := engine.Instance(context.Background(), "run-edge")
	require.NoError(t, err)
	assert.Equal(t, string(StateApprovalTimedOut), inst.State)
}

func TestEngine_CapacityExhaustedAfterThreeAttempts(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.dispatchErrs = []error{evaluation.ErrCapacityExhausted, evaluation.ErrCapacityExhausted, evaluation.ErrCapacityExhausted}

	inst := h.trigger(t, "run-capacity", models.RuleStatusApproved)
	assert.Equal(t, string(StateDispatching), inst.State)
	assert.Equal(t, 1, inst.DispatchAttempts)
	require.NotNil(t, inst.NextWakeAt)
	assert.Equal(t, t0.Add(60*time.Second), inst.NextWakeAt.UTC())

	h.clock.Advance(60 * time.Second)
	inst = h.instance(t, "run-capacity")
	assert.Equal(t, 2, inst.DispatchAttempts)
	assert.Equal(t, t0.Add(180*time.Second), inst.NextWakeAt.UTC())

	h.clock.Advance(120 * time.Second)
	inst = h.instance(t, "run-capacity")
	assert.Equal(t, string(StateDispatchFailed), inst.State)
	assert.Equal(t, 3, inst.DispatchAttempts)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 3, h.eval.dispatchCalls)
	assert.Equal(t, "DispatchFailed", h.run(t, "run-capacity").FailureReason)
}

func TestEngine_CapacityRecoversOnRetry(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.dispatchErrs = []error{evaluation.ErrCapacityExhausted}

	h.trigger(t, "run-recover", models.RuleStatusApproved)
	h.clock.Advance(60 * time.Second)

	inst := h.instance(t, "run-recover")
	assert.Equal(t, string(StatePolling), inst.State)
	assert.Equal(t, "job-run-recover-2", inst.JobID)

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, string(StateComplete), h.instance(t, "run-recover").State)
}

func TestEngine_DispatchRejectedFailsEvaluation(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.dispatchErrs = []error{&evaluation.DispatchError{StatusCode: 400, Message: "unknown ruleset"}}

	inst := h.trigger(t, "run-rejected", models.RuleStatusApproved)
	assert.Equal(t, string(StateEvaluationFailed), inst.State)
	assert.Contains(t, inst.FailureCause, "unknown ruleset")
	assert.Equal(t, 1, h.eval.dispatchCalls)
}

func TestEngine_JobFailureFailsEvaluation(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.statuses = []string{models.JobStatusFailed}

	h.trigger(t, "run-job-failed", models.RuleStatusApproved)
	h.clock.Advance(30 * time.Second)

	inst := h.instance(t, "run-job-failed")
	assert.Equal(t, string(StateEvaluationFailed), inst.State)
	assert.Equal(t, 0, h.eval.fetchCalls)
}

func TestEngine_ProcessingIsRedelivered(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.eval.fetchFailures = 1

	h.trigger(t, "run-redeliver", models.RuleStatusApproved)
	h.clock.Advance(30 * time.Second)

	inst := h.instance(t, "run-redeliver")
	assert.Equal(t, string(StateProcessing), inst.State)
	assert.Equal(t, 1, inst.ProcessAttempts)

	h.clock.Advance(60 * time.Second)
	inst = h.instance(t, "run-redeliver")
	assert.Equal(t, string(StateComplete), inst.State)
	assert.Empty(t, inst.FailureCause)
	assert.Equal(t, 2, h.eval.fetchCalls)
}

func TestEngine_SubmitRetriedAfterNotifyFailure(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.approvals.SetErr(errors.New("bus down"))

	inst := h.trigger(t, "run-submit", models.RuleStatusPending)
	assert.Equal(t, string(StateAwaitingApproval), inst.State)
	assert.Empty(t, inst.CorrelationToken)
	assert.Equal(t, 1, inst.SubmitAttempts)

	h.approvals.SetErr(nil)
	h.clock.Advance(10 * time.Second)

	inst = h.instance(t, "run-submit")
	assert.NotEmpty(t, inst.CorrelationToken)
	assert.Equal(t, 2, inst.SubmitAttempts)
	assert.Equal(t, 1, h.approvals.Count())
}

func TestEngine_SubmitExhausted(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.approvals.SetErr(errors.New("bus down"))

	h.trigger(t, "run-submit-fail", models.RuleStatusPending)
	h.clock.Advance(time.Minute)

	inst := h.instance(t, "run-submit-fail")
	assert.Equal(t, string(StateDispatchFailed), inst.State)
	assert.Equal(t, 3, inst.SubmitAttempts)
}

func TestEngine_WorkflowTimeout(t *testing.T) {
	policy := DefaultPolicy()
	policy.ApprovalTimeout = 30 * time.Hour
	h := newHarness(t, policy)

	h.trigger(t, "run-wf-timeout", models.RuleStatusPending)
	h.clock.Advance(25 * time.Hour)

	inst := h.instance(t, "run-wf-timeout")
	assert.Equal(t, string(StateWorkflowTimedOut), inst.State)
	assert.Equal(t, "WorkflowTimedOut", inst.FailureReason)
	assert.Contains(t, inst.FailureCause, string(StateAwaitingApproval))
}

func TestEngine_SweepResumesAfterRestart(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.trigger(t, "run-restart", models.RuleStatusApproved)

	// 模拟进程退出：定时器全部丢失
	h.engine.Close()
	h.clock.Advance(time.Minute)
	assert.Equal(t, string(StatePolling), h.instance(t, "run-restart").State)

	engine := h.newEngine()
	defer engine.Close()
	n, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err := engine.Instance(context.Background(), "run-restart")
	require.NoError(t, err)
	assert.Equal(t, string(StateComplete), inst.State)

	n, err = engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_SweepPicksUpDecidedApproval(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.broker.SetResumer(nil)
	h.trigger(t, "run-sweep-approval", models.RuleStatusPending)

	h.clock.Advance(time.Hour)
	h.resolve(t, "run-sweep-approval", models.DecisionApproved)
	assert.Equal(t, string(StateAwaitingApproval), h.instance(t, "run-sweep-approval").State)

	n, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, string(StatePolling), h.instance(t, "run-sweep-approval").State)
}

func TestEngine_StaleVersionIsNotOverwritten(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	inst := h.trigger(t, "run-stale", models.RuleStatusPending)

	stale := *inst
	stale.Version--
	next, err := Step(stale, Event{Kind: EvApprovalExpired, At: t0})
	require.NoError(t, err)
	err = h.engine.store.SaveTransition(context.Background(), &stale, &next)
	assert.ErrorIs(t, err, ErrConcurrentTransition)
	assert.Equal(t, string(StateAwaitingApproval), h.instance(t, "run-stale").State)
}

func TestEngine_ListRuns(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.trigger(t, "run-list-1", models.RuleStatusApproved)
	h.trigger(t, "run-list-2", models.RuleStatusPending)
	h.clock.Advance(30 * time.Second)

	runs, total, err := h.engine.ListRuns(context.Background(), RunFilter{Status: models.RunStatusCompleted})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-list-1", runs[0].ID)

	_, total, err = h.engine.ListRuns(context.Background(), RunFilter{DatasetRef: "customers"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}
