package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 mechd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	BlobStore BlobStoreConfig `yaml:"blob_store"`
	Records   RecordsConfig   `yaml:"records"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig 控制运维 API 的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// ChainConfig 包含访问请求登记合约所需的链路参数。
type ChainConfig struct {
	RPCURL            string `yaml:"rpc_url"`
	WSURL             string `yaml:"ws_url"`
	MarketplaceAddr   string `yaml:"marketplace_address"`
	StartHeight       uint64 `yaml:"start_height"`
	ConfirmationDepth uint64 `yaml:"confirmation_depth"`
	PollInterval      int    `yaml:"poll_interval_seconds"`
	PrivateKeyEnv     string `yaml:"private_key_env"`
}

// BlobStoreConfig 描述内容寻址存储网关。
// MaxRetries 限制载荷解析时数据块抓取的尝试次数。
type BlobStoreConfig struct {
	GatewayURL     string `yaml:"gateway_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// RecordsConfig 描述处理记录的持久化后端。
type RecordsConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig 描述工作队列驱动。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Capacity int            `yaml:"capacity"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// DispatchConfig 控制调度循环的并发与恢复策略。
type DispatchConfig struct {
	Concurrency     int `yaml:"concurrency"`
	MaxAttempts     int `yaml:"max_attempts"`
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	PublishRetries  int `yaml:"publish_retries"`
}

// ToolsConfig 控制工具注册与超时覆盖。
type ToolsConfig struct {
	DefaultTimeoutSeconds int            `yaml:"default_timeout_seconds"`
	TimeoutOverrides      map[string]int `yaml:"timeout_overrides"`
	OpenAI                OpenAIConfig   `yaml:"openai"`
}

// OpenAIConfig 描述 openai-gpt 工具的调用方式。
type OpenAIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Chain.PollInterval <= 0 {
		c.Chain.PollInterval = 5
	}
	if c.Chain.ConfirmationDepth == 0 {
		c.Chain.ConfirmationDepth = 6
	}
	if c.Chain.PrivateKeyEnv == "" {
		c.Chain.PrivateKeyEnv = "MECHD_PRIVATE_KEY"
	}
	if c.BlobStore.TimeoutSeconds <= 0 {
		c.BlobStore.TimeoutSeconds = 30
	}
	if c.BlobStore.MaxRetries <= 0 {
		c.BlobStore.MaxRetries = 5
	}
	if c.Records.Driver == "" {
		c.Records.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1024
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 8
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.LeaseTTLSeconds <= 0 {
		c.Dispatch.LeaseTTLSeconds = 300
	}
	if c.Dispatch.PublishRetries <= 0 {
		c.Dispatch.PublishRetries = 3
	}
	if c.Tools.DefaultTimeoutSeconds <= 0 {
		c.Tools.DefaultTimeoutSeconds = 30
	}
	if c.Tools.OpenAI.APIKeyEnv == "" {
		c.Tools.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Tools.OpenAI.TimeoutSeconds <= 0 {
		c.Tools.OpenAI.TimeoutSeconds = 60
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
}

// LeaseTTL 返回调度租约时长。
func (c DispatchConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// PollEvery 返回区块链轮询周期。
func (c ChainConfig) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// Timeout 返回网关请求超时时间。
func (c BlobStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultTimeout 返回未覆盖工具的执行时限。
func (c ToolsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// TimeoutFor 返回指定工具的执行时限，未配置时回落到默认值。
func (c ToolsConfig) TimeoutFor(toolID string) time.Duration {
	if secs, ok := c.TimeoutOverrides[toolID]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return c.DefaultTimeout()
}
