/*
 * @module service/clock
 * @description 时钟抽象，统一提供当前时间与延时回调，便于编排引擎在测试中精确推进时间
 * @architecture 工具层
 * @rules 所有时间均为UTC；AfterFunc 只登记回调，不占用阻塞的协程
 * @dependencies time
 * @refs service/orchestrator/engine.go, service/scheduler
 */

package clock

import "time"

// Clock 时钟接口
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消的延时回调
type Timer interface {
	Stop() bool
}

type realClock struct{}

// Real 返回基于系统时间的时钟
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
