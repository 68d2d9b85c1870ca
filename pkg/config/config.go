// Package config 加载三个进程 (evaluator / notifier / scheduler) 共用的 YAML 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pricealert/pkg/logger"
)

// Config 根配置
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Log           logger.Config       `yaml:"log"`
	Database      DatabaseConfig      `yaml:"database"`
	Warmup        WarmupConfig        `yaml:"warmup"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	StatusUpdater StatusUpdaterConfig `yaml:"status_updater"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
	Reset         ResetConfig         `yaml:"reset"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServiceConfig 进程信息
type ServiceConfig struct {
	Name   string `yaml:"name"`
	NodeID int64  `yaml:"node_id"` // 雪花算法节点号，多实例必须不同
}

// DatabaseConfig 数据库
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // mysql | postgres
	DSN             string        `yaml:"dsn"`
	ReplicaDSN      string        `yaml:"replica_dsn"` // 可选，预热走只读副本
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WarmupConfig 冷启动预热
type WarmupConfig struct {
	BatchSize    int `yaml:"batch_size"`
	MaxOpenConns int `yaml:"max_open_conns"` // 预热专用连接上限，避免挤占写路径
}

// KafkaConfig Kafka
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	TickGroup       string `yaml:"tick_group"`
	TickConcurrency int    `yaml:"tick_concurrency"`

	ChangeGroup       string `yaml:"change_group"`
	ChangeConcurrency int    `yaml:"change_concurrency"`

	TriggerGroup       string `yaml:"trigger_group"`
	TriggerConcurrency int    `yaml:"trigger_concurrency"`

	HandlerRetries  int           `yaml:"handler_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"` // 一直重试的消费者组的间隔上限

	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

// OutboxConfig outbox 中继
type OutboxConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	StaleThreshold  time.Duration `yaml:"stale_threshold"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StatusUpdaterConfig 异步状态更新线程池
type StatusUpdaterConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RedisConfig Redis
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig NATS
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ResetConfig 每日重置任务
type ResetConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Cron      string        `yaml:"cron"` // 6 段，带秒
	Timezone  string        `yaml:"timezone"`
	BatchSize int           `yaml:"batch_size"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// MetricsConfig Prometheus
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load 读取配置文件，展开 ${VAR:default} 后填默认值并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars 替换 ${VAR} / ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, defaultVal, _ := strings.Cut(result[start+2:end], ":")
		value := os.Getenv(name)
		if value == "" {
			value = defaultVal
		}
		result = result[:start] + value + result[end+1:]
	}
	return result
}

func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "price-alert"
	}
	cfg.Log.ServiceName = cfg.Service.Name
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	db := &cfg.Database
	if db.Driver == "" {
		db.Driver = "mysql"
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = 50
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = 10
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = 30 * time.Minute
	}

	if cfg.Warmup.BatchSize == 0 {
		cfg.Warmup.BatchSize = 1000
	}
	if cfg.Warmup.MaxOpenConns == 0 {
		cfg.Warmup.MaxOpenConns = 2
	}

	k := &cfg.Kafka
	if len(k.Brokers) == 0 {
		k.Brokers = []string{"localhost:9092"}
	}
	if k.TickGroup == "" {
		k.TickGroup = "evaluator-ticks"
	}
	if k.TickConcurrency == 0 {
		k.TickConcurrency = 16
	}
	if k.ChangeGroup == "" {
		k.ChangeGroup = "evaluator-alert-changes"
	}
	if k.ChangeConcurrency == 0 {
		k.ChangeConcurrency = 8
	}
	if k.TriggerGroup == "" {
		k.TriggerGroup = "notification-persister-group"
	}
	if k.TriggerConcurrency == 0 {
		k.TriggerConcurrency = 4
	}
	if k.HandlerRetries == 0 {
		k.HandlerRetries = 3
	}
	if k.RetryBackoff == 0 {
		k.RetryBackoff = 200 * time.Millisecond
	}
	if k.MaxRetryBackoff == 0 {
		k.MaxRetryBackoff = 30 * time.Second
	}
	if k.RequiredAcks == 0 {
		k.RequiredAcks = -1
	}
	if k.Compression == "" {
		k.Compression = "snappy"
	}
	if k.MaxRetries == 0 {
		k.MaxRetries = 3
	}
	if k.SendTimeout == 0 {
		k.SendTimeout = 10 * time.Second
	}

	o := &cfg.Outbox
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.PollInterval == 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 10
	}
	if o.StaleThreshold == 0 {
		o.StaleThreshold = 5 * time.Minute
	}
	if o.RecoverInterval == 0 {
		o.RecoverInterval = time.Minute
	}
	if o.Retention == 0 {
		o.Retention = 24 * time.Hour
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = time.Hour
	}

	if cfg.StatusUpdater.Workers == 0 {
		cfg.StatusUpdater.Workers = 16
	}
	if cfg.StatusUpdater.QueueSize == 0 {
		cfg.StatusUpdater.QueueSize = 500
	}
	if cfg.StatusUpdater.Timeout == 0 {
		cfg.StatusUpdater.Timeout = 5 * time.Second
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "alerts.notifications"
	}

	r := &cfg.Reset
	if r.Cron == "" {
		r.Cron = "0 30 9 * * MON-FRI"
	}
	if r.Timezone == "" {
		r.Timezone = "America/New_York"
	}
	if r.BatchSize == 0 {
		r.BatchSize = 500
	}
	if r.LockTTL == 0 {
		r.LockTTL = 10 * time.Minute
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate 校验必须项
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Warmup.BatchSize < 1 {
		errs = append(errs, errors.New("warmup.batch_size must be >= 1"))
	}
	if c.Service.NodeID < 0 || c.Service.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("service.node_id %d out of range [0,1023]", c.Service.NodeID))
	}
	if _, err := time.LoadLocation(c.Reset.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("reset.timezone: %w", err))
	}
	return errors.Join(errs...)
}
