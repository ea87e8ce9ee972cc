/*
 * @module service/metrics
 * @description 校验编排的 Prometheus 指标：状态迁移、运行结束、调度尝试、告警与审批决定
 * @architecture 监控层
 * @rules 接收者为 nil 时所有记录方法均为空操作，方便在测试中省略指标
 * @dependencies github.com/prometheus/client_golang/prometheus
 * @refs main.go (/metrics), service/orchestrator/engine.go
 */

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics 指标集合
type Metrics struct {
	Transitions       *prometheus.CounterVec
	RunsFinished      *prometheus.CounterVec
	DispatchAttempts  *prometheus.CounterVec
	AlertsEmitted     *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
}

// New 创建指标集合，reg 为 nil 时不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dq_workflow_transitions_total",
			Help: "校验工作流状态迁移次数",
		}, []string{"from", "to"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dq_workflow_runs_finished_total",
			Help: "进入终态的校验运行数",
		}, []string{"status", "reason"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dq_evaluation_dispatch_attempts_total",
			Help: "评估作业提交尝试次数",
		}, []string{"outcome"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dq_alerts_emitted_total",
			Help: "质量告警发送次数",
		}, []string{"result"}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dq_approval_decisions_total",
			Help: "审批决定次数",
		}, []string{"decision"}),
	}

	if reg != nil {
		reg.MustRegister(m.Transitions, m.RunsFinished, m.DispatchAttempts, m.AlertsEmitted, m.ApprovalDecisions)
	}
	return m
}

// ObserveTransition 记录一次状态迁移
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// ObserveRunFinished 记录运行进入终态
func (m *Metrics) ObserveRunFinished(status, reason string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status, reason).Inc()
}

// ObserveDispatch 记录一次作业提交，outcome 取 accepted/capacity/rejected
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveAlert 记录一次告警发送，result 取 sent/failed
func (m *Metrics) ObserveAlert(result string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(result).Inc()
}

// ObserveDecision 记录一次审批决定
func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}
