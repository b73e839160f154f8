package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FundRouter/internal/errors"
	"FundRouter/internal/observability/alerting"
	"FundRouter/internal/observability/metrics"
	"FundRouter/internal/router"
	"FundRouter/pkg/logger"
)

// Executor 定义了处理器所需的派发续跑能力。
type Executor interface {
	Distribute(ctx context.Context, caller common.Address, id router.AgentID, budget router.Budget) (*router.DistributionResult, error)
}

// Processor 从队列消费续跑任务，调用路由器推进派发并回写任务状态。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer

	workers  int
	caller   common.Address
	budget   uint64
	debug    *slog.Logger
	recovery RecoveryHandler
	alerter  alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.debug = l }
}

// WithWorkerCount 设置消费协程数量，非正数保持默认的 1。
func WithWorkerCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithCaller 设置续跑时使用的调用方地址。
func WithCaller(caller common.Address) ProcessorOption {
	return func(p *Processor) { p.caller = caller }
}

// WithBudget 设置每次续跑可消耗的预算单位，0 表示不限。
func WithBudget(units uint64) ProcessorOption {
	return func(p *Processor) { p.budget = units }
}

// WithRecoveryHandler 配置不可重试失败的补偿策略。
func WithRecoveryHandler(h RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = h }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{executor: executor, store: store, consumer: consumer, producer: producer, workers: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费队列直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

func (p *Processor) meter() router.Budget {
	if p.budget == 0 {
		return router.Unlimited()
	}
	return router.NewMeter(p.budget)
}

// skippable 表示任务已不需要处理，重复投递时直接确认。
func skippable(err error) bool {
	return stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case err == nil:
	case skippable(err):
		p.trace("跳过任务", "task_id", taskID, "reason", err.Error())
		return nil
	default:
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.alert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	id, err := router.ParseAgentID(task.AgentID)
	if err != nil {
		return p.fail(ctx, task, xerrors.Wrap(CodeTaskValidation, err, "agent id 不合法"))
	}
	result, err := p.executor.Distribute(ctx, p.caller, id, p.meter())
	if err != nil {
		return p.fail(ctx, task, err)
	}
	return p.succeed(ctx, task, progressOf(result))
}

func progressOf(result *router.DistributionResult) ResumeResult {
	if result == nil {
		return ResumeResult{}
	}
	rec := ResumeResult{
		Processed: result.Processed,
		Cursor:    result.Cursor,
		Total:     result.Total,
		Completed: result.Completed,
	}
	if result.FeesPaid != nil {
		rec.FeesPaid = result.FeesPaid.String()
	}
	return rec
}

// succeed 回写成功结果；回写失败时把任务退回失败状态并重新投递。
func (p *Processor) succeed(ctx context.Context, task *Task, rec ResumeResult) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, rec); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		return p.requeue(ctx, task)
	}
	metrics.ObserveResumeTask(string(StatusSucceeded))
	logger.Audit().Info("派发续跑完成", append(auditAttrs(task),
		"processed", rec.Processed,
		"cursor", rec.Cursor,
		"completed", rec.Completed,
		"note", rec.Note,
	)...)
	return nil
}

func (p *Processor) requeue(ctx context.Context, task *Task) error {
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.trace("任务已重新排队", "task_id", task.ID, "attempts", task.Attempts)
	return nil
}

// failurePlan 描述一次执行失败后的处理方式。
type failurePlan struct {
	code     xerrors.Code
	retry    bool
	terminal bool
	stage    string
	alert    bool
}

// retryable 判断续跑错误是否值得重投。未登记错误码的错误（例如代币转账失败）视为暂时性错误。
func retryable(err error) bool {
	return xerrors.RetryableError(err) || xerrors.CodeOf(err) == xerrors.CodeUnknown
}

func planFailure(task *Task, err error) failurePlan {
	plan := failurePlan{code: xerrors.CodeOf(err), retry: retryable(err)}
	if plan.code == xerrors.CodeUnknown {
		plan.code = CodeTaskProcessing
	}
	plan.terminal = !plan.retry || task.Attempts >= task.MaxRetries
	switch {
	case !plan.retry:
		plan.stage = "non_retryable"
	case plan.terminal:
		plan.stage = "terminal"
	default:
		plan.stage = "retry"
	}
	plan.alert = plan.retry || xerrors.ShouldAlert(err)
	return plan
}

func (p *Processor) fail(ctx context.Context, task *Task, execErr error) error {
	plan := planFailure(task, execErr)
	if !plan.retry {
		if done, err := p.compensate(ctx, task, execErr); done || err != nil {
			return err
		}
	}

	if err := p.store.MarkFailed(ctx, task.ID, plan.code, execErr.Error(), plan.terminal); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	metrics.ObserveResumeTask(string(StatusFailed))
	logger.Audit().Warn("派发续跑失败", append(auditAttrs(task),
		"terminal", plan.terminal,
		"error", execErr.Error(),
		"error_code", string(plan.code),
		"attempts", task.Attempts,
		"max_retries", task.MaxRetries,
	)...)

	if plan.alert {
		p.alert(ctx, task, plan.code, execErr, plan.stage)
	}
	if plan.retry && !plan.terminal {
		return p.requeue(ctx, task)
	}
	return nil
}

// compensate 尝试用补偿结果结束任务，done 为真表示任务已按成功收尾。
func (p *Processor) compensate(ctx context.Context, task *Task, cause error) (bool, error) {
	if p.recovery == nil {
		return false, nil
	}
	fallback, err := p.recovery.Recover(ctx, task, cause)
	if err != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, err, "任务补偿失败")
		logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.alert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		return false, nil
	}
	if fallback == nil {
		return false, nil
	}
	return true, p.succeed(ctx, task, *fallback)
}

func auditAttrs(task *Task) []any {
	return []any{"task_id", task.ID, "agent_id", task.AgentID, "round", task.Round}
}

func (p *Processor) trace(msg string, args ...any) {
	if p.debug != nil {
		p.debug.Debug(msg, args...)
	}
}

func (p *Processor) alert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		AgentID:    task.AgentID,
		Round:      task.Round,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}
