package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"FundRouter/pkg/logger"
)

// EnvConfigPath 是覆盖配置文件路径的环境变量。
const EnvConfigPath = "FUNDROUTER_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "fundrouter.json")

// Config 描述了 FundRouter 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Router     RouterConfig     `json:"router"`
	Settlement SettlementConfig `json:"settlement"`
	Storage    StorageConfig    `json:"storage"`
	Events     EventsConfig     `json:"events"`
	Tasks      TasksConfig      `json:"tasks"`
	Auth       AuthConfig       `json:"auth"`
	Web3       Web3Config       `json:"web3"`
	Alerts     AlertsConfig     `json:"alerts"`
	Logging    logger.Config    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// RouterConfig 描述路由器本身的身份与派发参数。
type RouterConfig struct {
	Address         string        `json:"address"`
	ChainID         uint64        `json:"chain_id"`
	StepCost        uint64        `json:"step_cost"`
	AllocationTypes []string      `json:"allocation_types"`
	Tokens          []TokenConfig `json:"tokens"`
}

// TokenConfig 描述注册到内存账本的代币。
type TokenConfig struct {
	Address  string       `json:"address"`
	Name     string       `json:"name"`
	Symbol   string       `json:"symbol"`
	Decimals uint8        `json:"decimals"`
	Mint     []MintConfig `json:"mint"`
}

// MintConfig 为开发环境预置余额。
type MintConfig struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// SettlementConfig 指向兑换池 YAML 与兑换合约地址。
type SettlementConfig struct {
	Config   string `json:"config"`
	Exchange string `json:"exchange"`
}

// StorageConfig 统一描述路由器状态与授权数据的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 以 time.Duration 形式返回连接最大存活时间。
func (c MySQLConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 以 time.Duration 形式返回连接最大空闲时间。
func (c MySQLConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second
}

// EventsConfig 选择事件发布后端。
type EventsConfig struct {
	Driver   string             `json:"driver"`
	Redis    RedisEventsConfig  `json:"redis"`
	RabbitMQ RabbitEventsConfig `json:"rabbitmq"`
}

// RedisEventsConfig 描述 Redis 事件发布参数。
type RedisEventsConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
	List     string `json:"list"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitEventsConfig 描述 RabbitMQ 事件交换机。
type RabbitEventsConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Durable  bool   `json:"durable"`
}

// TasksConfig 控制派发续跑任务的存储、队列与调度。
type TasksConfig struct {
	Enabled    bool        `json:"enabled"`
	Store      string      `json:"store"`
	Workers    int         `json:"workers"`
	MaxRetries int         `json:"max_retries"`
	ScanSpec   string      `json:"scan_spec"`
	Budget     uint64      `json:"budget"`
	Caller     string      `json:"caller"`
	Queue      QueueConfig `json:"queue"`
}

// QueueConfig 描述任务队列驱动。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Buffer   int                 `json:"buffer"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 列表队列参数。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AuthConfig 配置请求认证与初始角色。
type AuthConfig struct {
	Mode           string       `json:"mode"`
	MaxSkewSeconds int64        `json:"max_skew_seconds"`
	Seeds          []SeedConfig `json:"seeds"`
}

// SeedConfig 定义启动时写入的初始授权。
type SeedConfig struct {
	Account string   `json:"account"`
	Roles   []string `json:"roles"`
}

// Web3Config 描述链配置文件与部署校验开关。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	Verify       bool   `json:"verify"`
}

// Enabled 判断是否配置了任何链端点。
func (c Web3Config) Enabled() bool {
	return strings.TrimSpace(c.ChainConfig) != "" || strings.TrimSpace(c.RPCURL) != ""
}

// AlertsConfig 描述告警通道。
type AlertsConfig struct {
	Log            bool            `json:"log"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Webhooks       []WebhookConfig `json:"webhooks"`
}

// WebhookConfig 描述一个告警 Webhook。
type WebhookConfig struct {
	URL     string            `json:"url"`
	Format  string            `json:"format"`
	Headers map[string]string `json:"headers"`
}

// Timeout 返回告警请求超时。
func (c AlertsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MetricsConfig 描述独立的指标监听地址；为空时挂载在 API 服务上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Path 返回配置文件路径，环境变量优先。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动名称与必填字段。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Router.Address) == "" {
		return errors.New("router.address 不能为空")
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return errors.New("storage.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Events.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	switch c.Tasks.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Tasks.Queue.Driver)
	}
	if c.Tasks.Store == "mysql" && c.Storage.Driver != "mysql" {
		return errors.New("tasks.store=mysql 需要 storage.driver=mysql 提供连接池")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Router.ChainID == 0 {
		c.Router.ChainID = 1
	}

	if c.Settlement.Config == "" {
		c.Settlement.Config = "settlement.yaml"
	}
	c.Settlement.Config = resolve(baseDir, c.Settlement.Config)

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}

	if c.Tasks.Store == "" {
		c.Tasks.Store = c.Storage.Driver
	}
	if c.Tasks.Workers <= 0 {
		c.Tasks.Workers = 4
	}
	if c.Tasks.MaxRetries <= 0 {
		c.Tasks.MaxRetries = 3
	}
	if c.Tasks.Queue.Driver == "" {
		c.Tasks.Queue.Driver = "memory"
	}
	if c.Tasks.Queue.Buffer <= 0 {
		c.Tasks.Queue.Buffer = 1024
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "signature"
	}
	if c.Auth.MaxSkewSeconds <= 0 {
		c.Auth.MaxSkewSeconds = 300
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}

	if c.Alerts.TimeoutSeconds <= 0 {
		c.Alerts.TimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
