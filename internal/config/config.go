package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// defaultSealSecret 占位密钥，禁止在实际运行中使用
const defaultSealSecret = "change-me-in-production"

// AgentConfig 定义本地代理 HTTP 服务的监听配置
type AgentConfig struct {
	Host           string   // 监听地址，默认 "127.0.0.1"
	Port           int      // 监听端口，默认 7070
	AllowedOrigins []string // 允许访问本地 API 的前端来源
}

// BackendConfig 定义后端 REST 服务的访问配置
type BackendConfig struct {
	BaseURL   string        // 后端地址，如 https://api.temp.mail
	Timeout   time.Duration // 单次请求超时，默认 10 秒
	RateLimit float64       // 每秒最多请求数，默认 5
	Burst     int           // 突发请求数，默认 10
}

// IdentityConfig 定义身份解析与封装存储的配置
type IdentityConfig struct {
	CookieName  string        // 匿名身份 Cookie 名称，默认 "temporaryEmail"
	CookieTTL   time.Duration // Cookie 有效期，默认 7 天
	SealSecret  string        // 封装密钥，至少 16 字符
	Fingerprint bool          // 是否使用稳定的设备指纹作为设备键
}

// SubscriptionConfig 定义试用期与扩展购买配置
type SubscriptionConfig struct {
	TrialDays      int           // 新身份的试用天数，默认 7
	UnitPrice      int64         // 每周价格（货币单位），默认 10
	Currency       string        // 货币，默认 "INR"
	WarningWindow  time.Duration // 到期提醒窗口，默认 24 小时
	VerifyAttempts int           // 支付状态查询次数，默认 10
	VerifyInterval time.Duration // 支付状态查询间隔，默认 3 秒
	// CheckoutTimeout 等待前端回传网关结果的最长时间，超时视为取消，默认 15 分钟
	CheckoutTimeout time.Duration
}

// InboxConfig 定义收件箱同步配置
type InboxConfig struct {
	PollInterval     time.Duration // 轮询间隔，默认 10 秒
	FailureThreshold int           // 连续失败多少次后提示用户，默认 3
}

// StorageConfig 定义存储层配置
type StorageConfig struct {
	DurableType string        // 持久层类型: file, redis, mysql, postgres
	Path        string        // 数据目录（file 持久层与 Cookie 文件）
	SessionTTL  time.Duration // 会话层条目有效期，默认 12 小时
}

// DatabaseConfig 定义 SQL 持久层的连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 5
	MaxIdleConns    int           // 最大空闲连接数，默认 2
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 持久层配置
type RedisConfig struct {
	Address   string // Redis 服务地址，默认 "localhost:6379"
	Password  string // Redis 认证密码，留空表示无密码
	DB        int    // Redis 数据库编号，默认 0
	KeyPrefix string // 键前缀，默认 "tempmail:client:"
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// Config 是客户端代理配置的根结构体
type Config struct {
	Agent        AgentConfig
	Backend      BackendConfig
	Identity     IdentityConfig
	Subscription SubscriptionConfig
	Inbox        InboxConfig
	Storage      StorageConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Log          LogConfig
}

// Load 从环境变量和 .env 文件加载配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPMAIL_
// 例如: TEMPMAIL_BACKEND_BASE_URL, TEMPMAIL_IDENTITY_SEAL_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("agent.host", "127.0.0.1")
	v.SetDefault("agent.port", 7070)
	v.SetDefault("agent.allowed_origins", "http://localhost:5173")
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.rate_limit", 5.0)
	v.SetDefault("backend.burst", 10)
	v.SetDefault("identity.cookie_name", "temporaryEmail")
	v.SetDefault("identity.cookie_ttl", "168h")
	v.SetDefault("identity.seal_secret", defaultSealSecret)
	v.SetDefault("identity.fingerprint", false)
	v.SetDefault("subscription.trial_days", 7)
	v.SetDefault("subscription.unit_price", 10)
	v.SetDefault("subscription.currency", "INR")
	v.SetDefault("subscription.warning_window", "24h")
	v.SetDefault("subscription.verify_attempts", 10)
	v.SetDefault("subscription.verify_interval", "3s")
	v.SetDefault("subscription.checkout_timeout", "15m")
	v.SetDefault("inbox.poll_interval", "10s")
	v.SetDefault("inbox.failure_threshold", 3)
	v.SetDefault("storage.durable_type", "file")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.session_ttl", "12h")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tempmail:client:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"backend.timeout",
		"identity.cookie_ttl",
		"subscription.warning_window",
		"subscription.verify_interval",
		"subscription.checkout_timeout",
		"inbox.poll_interval",
		"storage.session_ttl",
		"database.conn_max_lifetime",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	origins := parseList(v.GetString("agent.allowed_origins"))
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	cfg := &Config{
		Agent: AgentConfig{
			Host:           v.GetString("agent.host"),
			Port:           v.GetInt("agent.port"),
			AllowedOrigins: origins,
		},
		Backend: BackendConfig{
			BaseURL:   strings.TrimRight(v.GetString("backend.base_url"), "/"),
			Timeout:   durations["backend.timeout"],
			RateLimit: v.GetFloat64("backend.rate_limit"),
			Burst:     v.GetInt("backend.burst"),
		},
		Identity: IdentityConfig{
			CookieName:  v.GetString("identity.cookie_name"),
			CookieTTL:   durations["identity.cookie_ttl"],
			SealSecret:  v.GetString("identity.seal_secret"),
			Fingerprint: v.GetBool("identity.fingerprint"),
		},
		Subscription: SubscriptionConfig{
			TrialDays:       v.GetInt("subscription.trial_days"),
			UnitPrice:       v.GetInt64("subscription.unit_price"),
			Currency:        strings.ToUpper(v.GetString("subscription.currency")),
			WarningWindow:   durations["subscription.warning_window"],
			VerifyAttempts:  v.GetInt("subscription.verify_attempts"),
			VerifyInterval:  durations["subscription.verify_interval"],
			CheckoutTimeout: durations["subscription.checkout_timeout"],
		},
		Inbox: InboxConfig{
			PollInterval:     durations["inbox.poll_interval"],
			FailureThreshold: v.GetInt("inbox.failure_threshold"),
		},
		Storage: StorageConfig{
			DurableType: strings.ToLower(v.GetString("storage.durable_type")),
			Path:        v.GetString("storage.path"),
			SessionTTL:  durations["storage.session_ttl"],
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:   v.GetString("redis.address"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Identity.SealSecret == defaultSealSecret {
		return fmt.Errorf("SECURITY ERROR: seal secret cannot be the default value. Please set TEMPMAIL_IDENTITY_SEAL_SECRET")
	}
	if len(c.Identity.SealSecret) < 16 {
		return fmt.Errorf("SECURITY ERROR: seal secret must be at least 16 characters long")
	}
	if c.Identity.CookieName == "" {
		return fmt.Errorf("identity.cookie_name must not be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}
	if c.Subscription.TrialDays <= 0 {
		return fmt.Errorf("subscription.trial_days must be positive")
	}
	if c.Subscription.UnitPrice <= 0 {
		return fmt.Errorf("subscription.unit_price must be positive")
	}
	if c.Subscription.VerifyAttempts <= 0 {
		c.Subscription.VerifyAttempts = 10
	}
	if c.Inbox.PollInterval < time.Second {
		return fmt.Errorf("inbox.poll_interval must be at least 1s")
	}
	if c.Inbox.FailureThreshold <= 0 {
		c.Inbox.FailureThreshold = 3
	}
	switch c.Storage.DurableType {
	case "file", "redis":
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s durable storage", c.Storage.DurableType)
		}
	default:
		return fmt.Errorf("unsupported storage.durable_type: %s (supported: file, redis, mysql, postgres)", c.Storage.DurableType)
	}
	return nil
}

// TrialWindow 试用期时长
func (c SubscriptionConfig) TrialWindow() time.Duration {
	return time.Duration(c.TrialDays) * 24 * time.Hour
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
