package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "FundRouter/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 承载续跑任务，多个路由实例可共享同一队列。
// 新任务从左侧写入、右侧弹出；处理失败的任务写回左侧，排在已有任务之后。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	q := &RedisQueue{client: client, key: cfg.Queue, wait: cfg.BlockWait}
	if q.key == "" {
		q.key = DefaultQueueName
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	return q
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布任务失败", xerrors.WithMetadata("task_id", taskID))
	}
	return nil
}

// Consume 通过 BRPOP 取任务，直到 ctx 结束或连接关闭。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			taskID, err := q.pop(ctx)
			if err != nil {
				return err
			}
			if taskID == "" {
				continue
			}
			if herr := handler(ctx, taskID); herr != nil {
				logDeliveryFailure(q.key, taskID, herr)
				if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil && ctx.Err() == nil {
					return fmt.Errorf("Redis 重新入队失败: %w", err)
				}
			}
		}
	})
}

// pop 阻塞等待一个任务，超时返回空串。
func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case errors.Is(err, redis.ErrClosed):
		return "", context.Canceled
	case err != nil:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("Redis 取任务失败: %w", err)
	}
	if len(values) != 2 {
		return "", nil
	}
	return values[1], nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
