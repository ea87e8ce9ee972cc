package orchestrator

import (
	"math"
	"time"
)

// RetryPolicy 有界指数退避，MaxAttempts 为总尝试次数（含首次）
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Rate        float64
}

// Delay 第 attempt 次尝试失败后到下一次尝试的等待时间，attempt 从 1 开始
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	rate := p.Rate
	if rate <= 0 {
		rate = 1
	}
	return time.Duration(float64(p.Base) * math.Pow(rate, float64(attempt-1)))
}

// CanRetry 第 attempt 次失败后是否还有剩余尝试
func (p RetryPolicy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Policy 编排时间参数
type Policy struct {
	PollInterval           time.Duration
	Dispatch               RetryPolicy
	Submit                 RetryPolicy
	ApprovalTimeout        time.Duration
	WorkflowTimeout        time.Duration
	ProcessRedeliveryDelay time.Duration
	QualityThreshold       float64
	LockTTL                time.Duration
	LockRetryDelay         time.Duration
}

// DefaultPolicy 默认编排参数
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:           30 * time.Second,
		Dispatch:               RetryPolicy{MaxAttempts: 3, Base: 60 * time.Second, Rate: 2},
		Submit:                 RetryPolicy{MaxAttempts: 3, Base: 10 * time.Second, Rate: 2},
		ApprovalTimeout:        24 * time.Hour,
		WorkflowTimeout:        25 * time.Hour,
		ProcessRedeliveryDelay: 60 * time.Second,
		QualityThreshold:       0.8,
		LockTTL:                5 * time.Minute,
		LockRetryDelay:         time.Second,
	}
}
