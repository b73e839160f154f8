package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/router"
	"FundRouter/pkg/logger"
)

// SubmitRequest 描述一次派发续跑请求。
type SubmitRequest struct {
	AgentID string
	Round   uint64
}

// Service 负责续跑任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建续跑任务并推送到队列。同一基金同一轮已有待处理或执行中的任务时直接返回该任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	id, err := router.ParseAgentID(req.AgentID)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "agent id 不合法")
	}
	if id.IsZero() {
		return nil, xerrors.New(CodeTaskValidation, "agent id 不能为零值")
	}
	if req.Round == 0 {
		return nil, xerrors.New(CodeTaskValidation, "轮次必须大于 0")
	}
	agentID := strings.ToLower(id.String())

	active, err := s.store.List(ctx, buildListOptions([]ListOption{
		WithAgent(agentID, req.Round),
		WithStatuses(StatusPending, StatusRunning),
		WithLimit(1),
	}))
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return active[0], nil
	}

	task := &Task{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Round:      req.Round,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, task.ID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		logger.L().Error("续跑任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("续跑任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("agent_id", task.AgentID),
		slog.Uint64("round", task.Round),
		slog.Int("max_retries", task.MaxRetries),
	)
	return cloneTask(task), nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到成功、失败或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || (task.Status == StatusFailed && task.Attempts >= task.MaxRetries) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
