package config

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "StrongNet-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Config 描述了 StrongNet 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Web3      Web3Config      `json:"web3"`
	Wallet    WalletConfig    `json:"wallet"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Selector  SelectorConfig  `json:"selector"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Lock      LockConfig      `json:"lock"`
	Notifier  NotifierConfig  `json:"notifier"`
	Trigger   TriggerConfig   `json:"trigger"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 HTTP 适配层的监听地址。
type ServerConfig struct {
	Address               string `json:"address"`
	TriggerTimeoutSeconds int    `json:"trigger_timeout_seconds"`
}

// TriggerTimeout 返回手动触发请求等待周期锁与执行的上限。
func (s ServerConfig) TriggerTimeout() time.Duration {
	return time.Duration(s.TriggerTimeoutSeconds) * time.Second
}

// Web3Config 描述端点池的来源。
type Web3Config struct {
	ChainConfig        string   `json:"chain_config"`
	DefaultChain       string   `json:"default_chain"`
	RPCURLs            []string `json:"rpc_urls"`
	ChainID            int64    `json:"chain_id"`
	CallTimeoutSeconds int      `json:"call_timeout_seconds"`
}

// CallTimeout 是单次网络调用的超时时间。
func (w Web3Config) CallTimeout() time.Duration {
	return time.Duration(w.CallTimeoutSeconds) * time.Second
}

// WalletConfig 描述签名凭据的存储位置。
type WalletConfig struct {
	Store         WalletStoreConfig `json:"store"`
	PrivateKeyEnv string            `json:"private_key_env"`
	PassphraseEnv string            `json:"passphrase_env"`
}

// WalletStoreConfig 选择凭据存储驱动。
type WalletStoreConfig struct {
	Driver string      `json:"driver"`
	Path   string      `json:"path"`
	DSN    string      `json:"dsn"`
	Key    string      `json:"key"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 是各 Redis 组件共用的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DispatchConfig 描述转账金额与确认策略。
type DispatchConfig struct {
	Amount                string `json:"amount"`
	Confirmation          string `json:"confirmation"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
	ConfirmPollMillis     int    `json:"confirm_poll_millis"`
	GasLimit              uint64 `json:"gas_limit"`
	ProbePriorSubmissions *bool  `json:"probe_prior_submissions"`
}

// ConfirmTimeout 返回等待回执的上限。
func (d DispatchConfig) ConfirmTimeout() time.Duration {
	return time.Duration(d.ConfirmTimeoutSeconds) * time.Second
}

// ConfirmPoll 返回轮询回执的间隔。
func (d DispatchConfig) ConfirmPoll() time.Duration {
	return time.Duration(d.ConfirmPollMillis) * time.Millisecond
}

// SelectorConfig 描述收款人选择策略。
type SelectorConfig struct {
	AllowList   []string `json:"allow_list"`
	SafeHarbor  string   `json:"safe_harbor"`
	Probability *float64 `json:"probability"`
	Seed        int64    `json:"seed"`
}

// SchedulerConfig 描述定时触发参数。
type SchedulerConfig struct {
	IntervalMinutes int   `json:"interval_minutes"`
	RunOnStart      *bool `json:"run_on_start"`
}

// Interval 返回定时器间隔。
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// LockConfig 描述周期互斥锁。
type LockConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// NotifierConfig 描述转账完成后的外部通知。
type NotifierConfig struct {
	Intent  string        `json:"intent"`
	Webhook WebhookConfig `json:"webhook"`
	AMQP    AMQPConfig    `json:"amqp"`
}

// WebhookConfig 是 HTTP 通知端点。
type WebhookConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AMQPConfig 是可选的事件投递目标。
type AMQPConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// TriggerConfig 描述队列触发源，driver 为空时关闭。
type TriggerConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisQueue     `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	// MaxAgeSeconds 排队超过该时长的请求被丢弃，0 表示不限制。
	MaxAgeSeconds int `json:"max_age_seconds"`
}

// MaxAge 返回触发请求的最长有效期。
func (t TriggerConfig) MaxAge() time.Duration {
	if t.MaxAgeSeconds <= 0 {
		return 0
	}
	return time.Duration(t.MaxAgeSeconds) * time.Second
}

// RedisQueue 描述 Redis 触发队列。
type RedisQueue struct {
	RedisConfig
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 触发队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LoggingConfig 描述日志输出。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// 确认策略取值。
const (
	ConfirmationBroadcast = "broadcast"
	ConfirmationReceipt   = "receipt"
)

// Load 负责解析指定路径的 JSON 配置文件，并依次应用环境变量、默认值与校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
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
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 允许部署平台通过环境变量覆盖少量字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Address = ":" + port
	}
	if rpc := strings.TrimSpace(getenv("RPC_URL")); rpc != "" && len(c.Web3.RPCURLs) == 0 && c.Web3.ChainConfig == "" {
		c.Web3.RPCURLs = []string{rpc}
	}
	if chain := strings.TrimSpace(getenv("NETWORK_ID")); chain != "" && c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = chain
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":10000"
	}
	if c.Server.TriggerTimeoutSeconds <= 0 {
		c.Server.TriggerTimeoutSeconds = 300
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.CallTimeoutSeconds <= 0 {
		c.Web3.CallTimeoutSeconds = 15
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Wallet.Store.Driver == "" {
		c.Wallet.Store.Driver = "file"
	}
	if c.Wallet.Store.Path == "" {
		c.Wallet.Store.Path = filepath.Join(c.Runtime.DataDir, "wallet_data.txt")
	} else if !filepath.IsAbs(c.Wallet.Store.Path) {
		c.Wallet.Store.Path = filepath.Join(baseDir, c.Wallet.Store.Path)
	}
	if c.Wallet.Store.Key == "" {
		c.Wallet.Store.Key = "wallet_data"
	}
	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "PRIVATE_KEY"
	}
	if c.Wallet.PassphraseEnv == "" {
		c.Wallet.PassphraseEnv = "WALLET_PASSPHRASE"
	}

	if c.Dispatch.Amount == "" {
		c.Dispatch.Amount = "0.0000001"
	}
	c.Dispatch.Confirmation = strings.ToLower(strings.TrimSpace(c.Dispatch.Confirmation))
	if c.Dispatch.ConfirmTimeoutSeconds <= 0 {
		c.Dispatch.ConfirmTimeoutSeconds = 120
	}
	if c.Dispatch.ConfirmPollMillis <= 0 {
		c.Dispatch.ConfirmPollMillis = 2000
	}
	if c.Dispatch.GasLimit == 0 {
		c.Dispatch.GasLimit = 21000
	}
	if c.Dispatch.ProbePriorSubmissions == nil {
		probe := true
		c.Dispatch.ProbePriorSubmissions = &probe
	}

	if c.Selector.Probability == nil {
		p := 0.5
		c.Selector.Probability = &p
	}
	*c.Selector.Probability = math.Min(1, math.Max(0, *c.Selector.Probability))

	if c.Scheduler.IntervalMinutes <= 0 {
		c.Scheduler.IntervalMinutes = 10
	}
	if c.Scheduler.RunOnStart == nil {
		run := true
		c.Scheduler.RunOnStart = &run
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 600
	}

	if c.Notifier.Intent == "" {
		c.Notifier.Intent = "transfer"
	}
	if c.Notifier.Webhook.TimeoutSeconds <= 0 {
		c.Notifier.Webhook.TimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查无法给出默认值的必填项。
func (c *Config) Validate() error {
	switch c.Dispatch.Confirmation {
	case ConfirmationBroadcast, ConfirmationReceipt:
	case "":
		return xerrors.New(xerrors.CodeInvalidArgument, "dispatch.confirmation 必须显式配置为 broadcast 或 receipt")
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的确认策略: %s", c.Dispatch.Confirmation))
	}

	if !common.IsHexAddress(strings.TrimSpace(c.Selector.SafeHarbor)) {
		return xerrors.New(xerrors.CodeInvalidArgument, "selector.safe_harbor 必须是合法地址")
	}
	for _, entry := range c.Selector.AllowList {
		if !common.IsHexAddress(strings.TrimSpace(entry)) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("allow_list 中存在非法地址: %s", entry),
				xerrors.WithMetadata("entry", entry))
		}
	}

	if c.Web3.ChainConfig == "" && len(c.Web3.RPCURLs) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置任何 RPC 端点")
	}

	switch c.Wallet.Store.Driver {
	case "file", "mysql", "redis":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的凭据存储驱动: %s", c.Wallet.Store.Driver))
	}
	switch c.Lock.Driver {
	case "memory", "redis":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的锁驱动: %s", c.Lock.Driver))
	}
	switch c.Trigger.Driver {
	case "", "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", c.Trigger.Driver))
	}
	return nil
}
