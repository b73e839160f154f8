package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "FundRouter/internal/errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 续跑消息的 AMQP 属性。
const (
	amqpAppID       = "fundrouter"
	amqpMessageType = "distribution.resume"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 默认交换机把续跑任务路由到同名队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

var _ Queue = (*RabbitMQQueue)(nil)

// NewRabbitMQQueue 建立连接、设置 QoS 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue}
	if q.queue == "" {
		q.queue = DefaultQueueName
	}
	if err := q.open(cfg); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 RabbitMQ 队列失败", xerrors.WithMetadata("queue", q.queue))
	}
	return q, nil
}

func (q *RabbitMQQueue) open(cfg RabbitMQConfig) error {
	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return fmt.Errorf("连接: %w", err)
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("创建 channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 QoS: %w", err)
		}
	}
	if _, err := q.ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("声明队列: %w", err)
	}
	return nil
}

// Publish 以持久化消息投递任务，任务 ID 同时写入 MessageId 与消息体。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Type:         amqpMessageType,
		AppId:        amqpAppID,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "RabbitMQ 发布任务失败", xerrors.WithMetadata("task_id", taskID))
	}
	return nil
}

// Consume 使用手动确认模式消费。失败的消息首次投递会重新入队，重投后仍失败则丢弃，
// 任务本身的重试次数由 Processor 记录。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-deliveries:
				if !ok {
					return nil
				}
				q.deliver(ctx, msg, handler)
			}
		}
	})
}

func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	taskID := msg.MessageId
	if taskID == "" {
		taskID = string(msg.Body)
	}
	if err := handler(ctx, taskID); err != nil {
		logDeliveryFailure(q.queue, taskID, err, slog.Bool("redelivered", msg.Redelivered))
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
