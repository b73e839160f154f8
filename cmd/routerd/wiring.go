package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"FundRouter/internal/auth"
	"FundRouter/internal/config"
	"FundRouter/internal/events"
	"FundRouter/internal/observability/alerting"
	"FundRouter/internal/router"
	"FundRouter/internal/storage/mysql"
	"FundRouter/internal/task"
	"FundRouter/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

// buildTokens 按配置注册内存账本并预置开发余额。
func buildTokens(list []config.TokenConfig, chainID *big.Int) (*token.Registry, error) {
	registry := token.NewRegistry()
	for _, tc := range list {
		if !common.IsHexAddress(tc.Address) {
			return nil, fmt.Errorf("代币地址不合法: %q", tc.Address)
		}
		ledger := token.NewLedger(token.LedgerConfig{
			Address:  common.HexToAddress(tc.Address),
			Name:     tc.Name,
			Symbol:   tc.Symbol,
			Decimals: tc.Decimals,
			ChainID:  chainID,
		})
		for _, m := range tc.Mint {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(m.Amount), 0)
			if !ok || amount.Sign() < 0 {
				return nil, fmt.Errorf("代币 %s 的预置金额不合法: %q", tc.Symbol, m.Amount)
			}
			if err := ledger.Mint(common.HexToAddress(m.Account), amount); err != nil {
				return nil, err
			}
		}
		registry.Register(ledger)
	}
	return registry, nil
}

type stores struct {
	db     *sql.DB
	router router.Store
	roles  auth.Store
}

// openStores 选择路由器状态与角色授权的存储后端，二者共用同一个连接池。
func openStores(ctx context.Context, cfg config.StorageConfig) (stores, error) {
	switch cfg.Driver {
	case "", "memory":
		roles, err := auth.NewMemoryStore(nil)
		if err != nil {
			return stores{}, err
		}
		return stores{router: router.NewMemoryStore(), roles: roles}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime(),
		})
		if err != nil {
			return stores{}, err
		}
		return stores{db: db, router: mysql.NewRouterStore(db), roles: mysql.NewSQLRoleStore(db)}, nil
	default:
		return stores{}, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func buildPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return events.Nop{}, nil
	case "memory":
		return events.NewMemoryPublisher(), nil
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			List:     cfg.Redis.List,
			MaxLen:   cfg.Redis.MaxLen,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

// buildAlerts 组合日志与 webhook 告警渠道，未配置 webhook 时至少写日志。
func buildAlerts(cfg config.AlertsConfig) (alerting.Dispatcher, error) {
	var notifiers []alerting.Notifier
	if cfg.Log || len(cfg.Webhooks) == 0 {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	for _, hook := range cfg.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		format, err := alerting.ParseWebhookFormat(hook.Format)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, alerting.NewWebhookNotifier(hook.URL, format, hook.Headers, cfg.Timeout()))
	}
	return alerting.NewFanout(notifiers...), nil
}

// buildTaskStore 构造任务存储，mysql 复用路由器状态的连接池。
func buildTaskStore(cfg config.TasksConfig, db *sql.DB) (task.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的任务存储: %s", cfg.Store)
	}
}

func buildTaskQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
