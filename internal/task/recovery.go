package task

import (
	"context"
	"fmt"

	"FundRouter/internal/router"
)

// RecoveryHandler 在续跑遇到不可重试错误时决定是否可以视为完成。
// 返回非 nil 结果表示任务以该结果结束。
type RecoveryHandler interface {
	Recover(ctx context.Context, task *Task, cause error) (*ResumeResult, error)
}

// DistributionInspector 提供查询派发进度的能力。
type DistributionInspector interface {
	DistributionInfo(ctx context.Context, id router.AgentID, round uint64) (*router.Distribution, error)
}

// DistributionRecovery 检查派发是否已被其他调用方续跑完成。
type DistributionRecovery struct {
	inspector DistributionInspector
}

// NewDistributionRecovery 构造基于派发状态的补偿策略。
func NewDistributionRecovery(inspector DistributionInspector) *DistributionRecovery {
	return &DistributionRecovery{inspector: inspector}
}

// Recover 在派发已完成时返回完成结果，否则返回 nil 交由处理器记录失败。
func (r *DistributionRecovery) Recover(ctx context.Context, task *Task, cause error) (*ResumeResult, error) {
	if r == nil || r.inspector == nil || task == nil {
		return nil, nil
	}
	id, err := router.ParseAgentID(task.AgentID)
	if err != nil {
		return nil, err
	}
	dist, err := r.inspector.DistributionInfo(ctx, id, task.Round)
	if err != nil {
		return nil, err
	}
	if dist == nil || !dist.Completed {
		return nil, nil
	}
	return &ResumeResult{
		Cursor:    dist.Cursor,
		Total:     dist.Cursor,
		Completed: true,
		FeesPaid:  dist.FeesPaid.String(),
		Note:      fmt.Sprintf("派发已由其他调用完成: %v", cause),
	}, nil
}
