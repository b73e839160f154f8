package task

import (
	"slices"
	"strings"
	"time"
)

// 分页限制。
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定按 UpdatedAt 排序的方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务在前，默认值。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最久未更新的任务在前，适合巡检卡住的续跑。
	SortByUpdatedAsc
)

// ListOptions 是任务查询的过滤与分页条件，零值表示不过滤。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	AgentID    string
	Round      uint64
	UpdatedGTE int64
	UpdatedLTE int64
	Completed  *bool
	Order      SortOrder
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，超过上限时截断为 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithAgent 只返回指定基金的任务，round 为 0 时不限轮次。
func WithAgent(agentID string, round uint64) ListOption {
	return func(o *ListOptions) {
		o.AgentID = agentID
		o.Round = round
	}
}

// WithUpdatedSince 只返回在 ts 之后（含）更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回在 ts 之前（含）更新过的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithCompletion 按最近一次续跑是否完成整轮派发过滤。
func WithCompletion(completed bool) ListOption {
	return func(o *ListOptions) { o.Completed = &completed }
}

// WithSortOrder 修改排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.applyDefaults()
	return o
}

// applyDefaults 收敛分页参数、去重状态并规范化 agent id，存储实现查询前都会调用。
func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.AgentID = strings.ToLower(strings.TrimSpace(o.AgentID))

	var statuses []Status
	for _, s := range o.Statuses {
		if IsValidStatus(s) && !slices.Contains(statuses, s) {
			statuses = append(statuses, s)
		}
	}
	o.Statuses = statuses
}

// matches 判断任务是否满足除分页外的全部条件。
func (o ListOptions) matches(t *Task) bool {
	switch {
	case len(o.Statuses) > 0 && !slices.Contains(o.Statuses, t.Status):
		return false
	case o.AgentID != "" && t.AgentID != o.AgentID:
		return false
	case o.Round > 0 && t.Round != o.Round:
		return false
	case o.UpdatedGTE > 0 && t.UpdatedAt < o.UpdatedGTE:
		return false
	case o.UpdatedLTE > 0 && t.UpdatedAt > o.UpdatedLTE:
		return false
	case o.Completed != nil && t.completed() != *o.Completed:
		return false
	}
	return true
}
