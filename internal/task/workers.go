package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"FundRouter/pkg/logger"
)

// runWorkers 并发执行 n 个 loop，任一 loop 返回非取消错误时取消其余 loop 并返回该错误。
func runWorkers(parent context.Context, n int, loop func(ctx context.Context) error) error {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() {
					first = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	if first != nil {
		return first
	}
	return parent.Err()
}

func logDeliveryFailure(queue, taskID string, err error, attrs ...slog.Attr) {
	args := []any{slog.String("queue", queue), slog.String("task_id", taskID), slog.Any("error", err)}
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Named("task.queue").Warn("续跑任务处理失败", args...)
}
