package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件流的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
	// List 非空时同时写入该列表，供离线消费者补读。
	List   string
	MaxLen int64
}

// RedisPublisher 通过 Redis pub/sub 发布事件。
type RedisPublisher struct {
	client  *redis.Client
	channel string
	list    string
	maxLen  int64
}

// NewRedisPublisher 创建 Redis 发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "fundrouter:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &RedisPublisher{client: client, channel: channel, list: cfg.List, maxLen: maxLen}
}

// Publish 实现 Publisher 接口。
func (p *RedisPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := p.client.TxPipeline()
	for _, e := range events {
		body, err := e.Encode()
		if err != nil {
			return fmt.Errorf("编码事件失败: %w", err)
		}
		pipe.Publish(ctx, p.channel, body)
		if p.list != "" {
			pipe.LPush(ctx, p.list, body)
		}
	}
	if p.list != "" {
		pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
