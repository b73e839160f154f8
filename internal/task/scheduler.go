package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"FundRouter/internal/observability/metrics"
	"FundRouter/internal/router"
	"FundRouter/pkg/logger"
)

// DefaultScanSpec 是扫描待续跑派发的默认 cron 表达式（每 30 秒）。
const DefaultScanSpec = "*/30 * * * * *"

// PendingSource 提供待续跑派发的基金列表。
type PendingSource interface {
	PendingDistributions(ctx context.Context) ([]router.AgentID, error)
	AgentInfo(ctx context.Context, id router.AgentID) (*router.AgentInfo, error)
}

// Submitter 创建续跑任务。
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*Task, error)
}

// Scheduler 周期性扫描处于 Distributing 状态的基金并为其提交续跑任务。
type Scheduler struct {
	cron      *cron.Cron
	source    PendingSource
	submitter Submitter
	schedule  string

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

// NewScheduler 构造调度器，schedule 为空时使用 DefaultScanSpec。
func NewScheduler(source PendingSource, submitter Submitter, schedule string) *Scheduler {
	if schedule == "" {
		schedule = DefaultScanSpec
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		source:    source,
		submitter: submitter,
		schedule:  schedule,
	}
}

// Start 注册扫描任务并启动调度，ctx 结束时自动停止。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Scan(s.ctx); err != nil {
			logger.L().Warn("扫描待续跑派发失败", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("注册续跑扫描任务失败: %w", err)
	}
	s.cron.Start()
	s.started = true
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	logger.L().Info("续跑调度器已启动", slog.String("schedule", s.schedule))
	return nil
}

// Stop 停止调度并等待正在执行的扫描结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	<-s.cron.Stop().Done()
	logger.L().Info("续跑调度器已停止")
}

// Scan 执行一次扫描，返回本次提交（或复用）的任务。
func (s *Scheduler) Scan(ctx context.Context) ([]*Task, error) {
	ids, err := s.source.PendingDistributions(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SetPendingDistributions(len(ids))

	tasks := make([]*Task, 0, len(ids))
	var firstErr error
	for _, id := range ids {
		info, err := s.source.AgentInfo(ctx, id)
		if err != nil {
			logger.L().Warn("读取基金信息失败", slog.String("agent_id", id.String()), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		task, err := s.submitter.Submit(ctx, SubmitRequest{AgentID: id.String(), Round: info.Round})
		if err != nil {
			logger.L().Warn("提交续跑任务失败", slog.String("agent_id", id.String()), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, firstErr
}
