package orchestrator

import "dq-validation-service/service/models"

// Branch 规则状态闸门的分支
type Branch int

const (
	BranchDirect Branch = iota
	BranchApproval
)

func (b Branch) String() string {
	if b == BranchApproval {
		return "approval"
	}
	return "direct"
}

// Gate 只有 pending 规则需要人工审批，其余取值一律直接执行
func Gate(ruleStatus string) Branch {
	if ruleStatus == models.RuleStatusPending {
		return BranchApproval
	}
	return BranchDirect
}
