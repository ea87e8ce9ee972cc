/*
 * @module service/orchestrator/state
 * @description 校验工作流的状态定义
 * @architecture 状态机
 * @stateFlow CheckingRuleStatus -> AwaitingApproval|Dispatching -> Polling -> Processing -> CheckingThreshold -> Alerting|Complete
 * @rules 终态不再迁移；失败终态名即 failure_reason
 * @refs service/orchestrator/step.go
 */

package orchestrator

import "dq-validation-service/service/models"

// Instance 持久化的工作流实例
type Instance = models.WorkflowInstance

// State 工作流状态
type State string

const (
	StateCheckingRuleStatus State = "CheckingRuleStatus"
	StateAwaitingApproval   State = "AwaitingApproval"
	StateDispatching        State = "Dispatching"
	StatePolling            State = "Polling"
	StateProcessing         State = "Processing"
	StateCheckingThreshold  State = "CheckingThreshold"
	StateAlerting           State = "Alerting"

	StateComplete         State = "Complete"
	StateApprovalTimedOut State = "ApprovalTimedOut"
	StateApprovalRejected State = "ApprovalRejected"
	StateDispatchFailed   State = "DispatchFailed"
	StateEvaluationFailed State = "EvaluationFailed"
	StateInvalidInput     State = "InvalidInput"
	StateWorkflowTimedOut State = "WorkflowTimedOut"
)

// IsTerminal 是否为终态
func (s State) IsTerminal() bool {
	return s == StateComplete || s.IsFailure()
}

// IsFailure 是否为失败终态
func (s State) IsFailure() bool {
	switch s {
	case StateApprovalTimedOut, StateApprovalRejected, StateDispatchFailed,
		StateEvaluationFailed, StateInvalidInput, StateWorkflowTimedOut:
		return true
	}
	return false
}

// RunStatus 对应的校验运行记录状态
func (s State) RunStatus() string {
	switch {
	case s == StateComplete:
		return models.RunStatusCompleted
	case s.IsFailure():
		return models.RunStatusFailed
	default:
		return models.RunStatusRunning
	}
}
