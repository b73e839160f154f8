package router

import "math"

// DefaultStepCost 是派发单个接收方预估消耗的工作量单位。
const DefaultStepCost uint64 = 130_000

// Budget 抽象一次调用剩余可用的工作量。
type Budget interface {
	Remaining() uint64
	Consume(units uint64)
}

// Meter 是按单位扣减的简单预算。
type Meter struct {
	remaining uint64
}

var _ Budget = (*Meter)(nil)

// NewMeter 创建拥有 units 个单位的预算。
func NewMeter(units uint64) *Meter { return &Meter{remaining: units} }

// Unlimited 返回不会耗尽的预算。
func Unlimited() *Meter { return &Meter{remaining: math.MaxUint64} }

// Remaining 实现 Budget 接口。
func (m *Meter) Remaining() uint64 { return m.remaining }

// Consume 实现 Budget 接口，扣减到零为止。
func (m *Meter) Consume(units uint64) {
	if m.remaining == math.MaxUint64 {
		return
	}
	if units >= m.remaining {
		m.remaining = 0
		return
	}
	m.remaining -= units
}
