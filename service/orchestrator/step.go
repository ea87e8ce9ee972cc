package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition 当前状态不接受该事件
var ErrIllegalTransition = errors.New("非法的状态迁移")

// EventKind 事件类型
type EventKind string

const (
	EvInputInvalid      EventKind = "InputInvalid"
	EvRouteApproval     EventKind = "RouteApproval"
	EvRouteDirect       EventKind = "RouteDirect"
	EvApprovalRequested EventKind = "ApprovalRequested"
	EvSubmitRetry       EventKind = "SubmitRetry"
	EvSubmitFailed      EventKind = "SubmitFailed"
	EvApprovalGranted   EventKind = "ApprovalGranted"
	EvApprovalRejected  EventKind = "ApprovalRejected"
	EvApprovalExpired   EventKind = "ApprovalExpired"
	EvDispatched        EventKind = "Dispatched"
	EvDispatchRetry     EventKind = "DispatchRetry"
	EvDispatchExhausted EventKind = "DispatchExhausted"
	EvDispatchRejected  EventKind = "DispatchRejected"
	EvJobPending        EventKind = "JobPending"
	EvJobSucceeded      EventKind = "JobSucceeded"
	EvJobFailed         EventKind = "JobFailed"
	EvProcessed         EventKind = "Processed"
	EvProcessRedeliver  EventKind = "ProcessRedeliver"
	EvScoreBelow        EventKind = "ScoreBelow"
	EvScoreOK           EventKind = "ScoreOK"
	EvAlertDone         EventKind = "AlertDone"
	EvWorkflowTimeout   EventKind = "WorkflowTimeout"
)

// Event 驱动一次状态迁移的事件，字段按事件类型选用
type Event struct {
	Kind       EventKind
	At         time.Time
	WakeAt     time.Time // 下一次唤醒时间（轮询、退避、重投）
	Token      string
	DeadlineAt time.Time
	Attempt    int
	JobID      string
	Score      float64
	Cause      string
}

// Step 纯函数：根据事件计算下一个实例，不做任何 IO
func Step(inst Instance, ev Event) (Instance, error) {
	from := State(inst.State)
	if from.IsTerminal() {
		return inst, fmt.Errorf("%w: %s 已是终态，收到 %s", ErrIllegalTransition, from, ev.Kind)
	}

	next := inst
	next.NextWakeAt = nil

	if ev.Kind == EvWorkflowTimeout {
		return finish(next, StateWorkflowTimedOut, ev), nil
	}

	switch from {
	case StateCheckingRuleStatus:
		switch ev.Kind {
		case EvInputInvalid:
			return finish(next, StateInvalidInput, ev), nil
		case EvRouteApproval:
			return move(next, StateAwaitingApproval, ev), nil
		case EvRouteDirect:
			return move(next, StateDispatching, ev), nil
		}

	case StateAwaitingApproval:
		switch ev.Kind {
		case EvApprovalRequested:
			next.CorrelationToken = ev.Token
			next.SubmitAttempts = ev.Attempt
			deadline := ev.DeadlineAt
			next.DeadlineAt = &deadline
			next.NextWakeAt = timePtr(deadline)
			return move(next, StateAwaitingApproval, ev), nil
		case EvSubmitRetry:
			next.SubmitAttempts = ev.Attempt
			next.NextWakeAt = timePtr(ev.WakeAt)
			return move(next, StateAwaitingApproval, ev), nil
		case EvSubmitFailed:
			next.SubmitAttempts = ev.Attempt
			return finish(next, StateDispatchFailed, ev), nil
		case EvApprovalGranted:
			next.DeadlineAt = nil
			return move(next, StateDispatching, ev), nil
		case EvApprovalRejected:
			return finish(next, StateApprovalRejected, ev), nil
		case EvApprovalExpired:
			return finish(next, StateApprovalTimedOut, ev), nil
		}

	case StateDispatching:
		switch ev.Kind {
		case EvDispatched:
			next.JobID = ev.JobID
			next.DispatchAttempts = ev.Attempt
			next.NextWakeAt = timePtr(ev.WakeAt)
			return move(next, StatePolling, ev), nil
		case EvDispatchRetry:
			next.DispatchAttempts = ev.Attempt
			next.NextWakeAt = timePtr(ev.WakeAt)
			return move(next, StateDispatching, ev), nil
		case EvDispatchExhausted:
			next.DispatchAttempts = ev.Attempt
			return finish(next, StateDispatchFailed, ev), nil
		case EvDispatchRejected:
			next.DispatchAttempts = ev.Attempt
			return finish(next, StateEvaluationFailed, ev), nil
		}

	case StatePolling:
		switch ev.Kind {
		case EvJobPending:
			next.NextWakeAt = timePtr(ev.WakeAt)
			return move(next, StatePolling, ev), nil
		case EvJobSucceeded:
			return move(next, StateProcessing, ev), nil
		case EvJobFailed:
			return finish(next, StateEvaluationFailed, ev), nil
		}

	case StateProcessing:
		switch ev.Kind {
		case EvProcessed:
			score := ev.Score
			next.OverallScore = &score
			next.ProcessAttempts = ev.Attempt
			return move(next, StateCheckingThreshold, ev), nil
		case EvProcessRedeliver:
			next.ProcessAttempts = ev.Attempt
			next.NextWakeAt = timePtr(ev.WakeAt)
			next.FailureCause = ev.Cause
			return move(next, StateProcessing, ev), nil
		}

	case StateCheckingThreshold:
		switch ev.Kind {
		case EvScoreBelow:
			return move(next, StateAlerting, ev), nil
		case EvScoreOK:
			return finish(next, StateComplete, ev), nil
		}

	case StateAlerting:
		if ev.Kind == EvAlertDone {
			return finish(next, StateComplete, ev), nil
		}
	}

	return inst, fmt.Errorf("%w: %s 不接受 %s", ErrIllegalTransition, from, ev.Kind)
}

func move(inst Instance, to State, ev Event) Instance {
	inst.State = string(to)
	inst.Version++
	inst.UpdatedAt = ev.At
	return inst
}

func finish(inst Instance, to State, ev Event) Instance {
	inst = move(inst, to, ev)
	inst.NextWakeAt = nil
	inst.DeadlineAt = nil
	inst.ArchivedAt = timePtr(ev.At)
	if to.IsFailure() {
		inst.FailureReason = string(to)
		inst.FailureCause = ev.Cause
		if inst.FailureCause == "" {
			inst.FailureCause = defaultCause(to)
		}
	} else {
		inst.FailureReason = ""
		inst.FailureCause = ""
	}
	return inst
}

func defaultCause(s State) string {
	switch s {
	case StateApprovalTimedOut:
		return "审批在截止时间前未得到决定"
	case StateApprovalRejected:
		return "规则审批被拒绝"
	case StateWorkflowTimedOut:
		return "工作流超过总时限"
	default:
		return string(s)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
