package config

import (
	"errors"
	"fmt"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host        string `yaml:"host" env:"DB_HOST"`
	Port        int    `yaml:"port" env:"DB_PORT"`
	User        string `yaml:"user" env:"DB_USER"`
	Password    string `yaml:"password" env:"DB_PASSWORD"`
	Name        string `yaml:"name" env:"DB_NAME"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE"`
	SlowQueryMS int    `yaml:"slow_query_ms" env:"DB_SLOW_QUERY_MS"`
	MaxConns    int32  `yaml:"max_conns" env:"DB_MAX_CONNS"`
	MinConns    int32  `yaml:"min_conns"`
}

// DSN 返回 pgx 连接串
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url" env:"MQ_URL"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret" env:"JWT_SECRET"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port     string `yaml:"port" env:"SERVER_PORT"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// ChainConfig 链上 escrow 合约访问配置
type ChainConfig struct {
	RPCURL           string        `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	ChainID          int64         `yaml:"chain_id" env:"CHAIN_ID"`
	SignerPrivateKey string        `yaml:"signer_private_key" env:"SIGNER_PRIVATE_KEY"`
	ArtifactPath     string        `yaml:"artifact_path" env:"CHAIN_ARTIFACT_PATH"`
	ApproverAddress  string        `yaml:"approver_address" env:"CHAIN_APPROVER_ADDRESS"`
	CurrencyDecimals int           `yaml:"currency_decimals"`
	RPCRateLimit     float64       `yaml:"rpc_rate_limit"`
	RPCBurst         int           `yaml:"rpc_burst"`
	ReadCacheTTL     time.Duration `yaml:"read_cache_ttl"`
	TxTimeout        time.Duration `yaml:"tx_timeout"`
	DeployTimeout    time.Duration `yaml:"deploy_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// ReleaseConfig 放款协调器配置
type ReleaseConfig struct {
	Mode            string        `yaml:"mode" env:"RELEASE_MODE"` // sync | async
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	DistributedLock bool          `yaml:"distributed_lock"`
}

// ProofStoreConfig 证明文件存储（Pinata）配置
type ProofStoreConfig struct {
	Endpoint string        `yaml:"endpoint"`
	JWT      string        `yaml:"jwt" env:"PINATA_JWT"`
	Timeout  time.Duration `yaml:"timeout"`
}

// OutboxConfig Outbox Dispatcher 配置
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// WorkerConfig 后台任务配置
type WorkerConfig struct {
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	BindingStaleAfter  time.Duration `yaml:"binding_stale_after"`
	ReleaseStaleAfter  time.Duration `yaml:"release_stale_after"`
	MetricsPort        string        `yaml:"metrics_port" env:"WORKER_METRICS_PORT"`
	MaxReleaseAttempts int64         `yaml:"max_release_attempts"`
}

// OtelConfig OpenTelemetry 配置
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name"`
}

// AppConfig 汇总全部配置
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	DB         DBConfig         `yaml:"db"`
	Redis      RedisConfig      `yaml:"redis"`
	MQ         MQConfig         `yaml:"mq"`
	JWT        JWTConfig        `yaml:"jwt"`
	Chain      ChainConfig      `yaml:"chain"`
	Release    ReleaseConfig    `yaml:"release"`
	ProofStore ProofStoreConfig `yaml:"proof_store"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Worker     WorkerConfig     `yaml:"worker"`
	Otel       OtelConfig       `yaml:"otel"`
}

const (
	ReleaseModeSync  = "sync"
	ReleaseModeAsync = "async"
)

// Validate 检查必填项
func (c *AppConfig) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if c.Chain.SignerPrivateKey == "" {
		errs = append(errs, errors.New("chain.signer_private_key is required"))
	}
	if c.Chain.CurrencyDecimals < 0 || c.Chain.CurrencyDecimals > 36 {
		errs = append(errs, fmt.Errorf("chain.currency_decimals out of range: %d", c.Chain.CurrencyDecimals))
	}
	switch c.Release.Mode {
	case ReleaseModeSync, ReleaseModeAsync:
	default:
		errs = append(errs, fmt.Errorf("release.mode must be %q or %q, got %q", ReleaseModeSync, ReleaseModeAsync, c.Release.Mode))
	}
	if c.Release.Multiplier != 0 && c.Release.Multiplier < 1 {
		errs = append(errs, errors.New("release.multiplier must be >= 1"))
	}
	return errors.Join(errs...)
}

// applyDefaults 为未配置的字段填默认值
func (c *AppConfig) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.MaxConns == 0 {
		c.DB.MaxConns = 10
	}
	if c.DB.MinConns == 0 {
		c.DB.MinConns = 2
	}
	if c.Chain.CurrencyDecimals == 0 {
		c.Chain.CurrencyDecimals = 18
	}
	if c.Chain.TxTimeout == 0 {
		c.Chain.TxTimeout = 2 * time.Minute
	}
	if c.Chain.DeployTimeout == 0 {
		c.Chain.DeployTimeout = 3 * time.Minute
	}
	if c.Chain.PollInterval == 0 {
		c.Chain.PollInterval = 2 * time.Second
	}
	if c.Release.Mode == "" {
		c.Release.Mode = ReleaseModeSync
	}
	if c.Release.InitialBackoff == 0 {
		c.Release.InitialBackoff = time.Second
	}
	if c.Release.MaxBackoff == 0 {
		c.Release.MaxBackoff = 30 * time.Second
	}
	if c.Release.Multiplier == 0 {
		c.Release.Multiplier = 2
	}
	if c.Release.MaxRetries == 0 {
		c.Release.MaxRetries = 5
	}
	if c.Release.LockTTL == 0 {
		c.Release.LockTTL = 5 * time.Minute
	}
	if c.ProofStore.Endpoint == "" {
		c.ProofStore.Endpoint = "https://api.pinata.cloud/pinning/pinFileToIPFS"
	}
	if c.ProofStore.Timeout == 0 {
		c.ProofStore.Timeout = 60 * time.Second
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = 30 * time.Second
	}
	if c.Worker.BindingStaleAfter == 0 {
		c.Worker.BindingStaleAfter = 10 * time.Minute
	}
	if c.Worker.ReleaseStaleAfter == 0 {
		c.Worker.ReleaseStaleAfter = 5 * time.Minute
	}
	if c.Worker.MetricsPort == "" {
		c.Worker.MetricsPort = "9091"
	}
	if c.Worker.MaxReleaseAttempts == 0 {
		c.Worker.MaxReleaseAttempts = 10
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "milestonepay"
	}
}
