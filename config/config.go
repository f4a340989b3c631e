package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Retry     RetryConfig     `yaml:"retry"`
	Streaming StreamingConfig `yaml:"streaming"`
	Pool      PoolConfig      `yaml:"pool"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracking  TrackingConfig  `yaml:"tracking"` // Diagnostics recording configuration
	Proxy     ProxyConfig     `yaml:"proxy"`
	Auth      AuthConfig      `yaml:"auth"`
	Web       WebConfig       `yaml:"web"`      // Web interface configuration
	Timezone  string          `yaml:"timezone"` // Global timezone setting for all components
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UpstreamConfig 上游API配置
// 引擎只面向单一上游，所有尝试都发往同一个base_url
type UpstreamConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// TimeoutConfig 细粒度超时配置
// connect: 建连超时（短）
// read: 相邻两个数据块之间的读超时（流式响应需要长超时）
// write: 请求体发送超时（短）
// pool: 从连接池获取连接的超时
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
	Pool    time.Duration `yaml:"pool"`
	Global  time.Duration `yaml:"global"` // Global timeout for non-streaming requests
}

type RetryConfig struct {
	// 指针区分"未配置"与显式零值：enabled显式false表示关闭，
	// max_retries显式0表示只允许单次尝试，base_delay显式0表示立即重试
	Enabled    *bool          `yaml:"enabled,omitempty"`
	MaxRetries *int           `yaml:"max_retries,omitempty"` // 首次尝试之外允许的重试次数
	BaseDelay  *time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration  `yaml:"max_delay"`
	Jitter     bool           `yaml:"jitter"` // 随机抖动，避免并发请求的重试风暴
	// 429无Retry-After提示时是否仍然退避重试，默认false（配额耗尽应快速失败）
	RetryRateLimited bool `yaml:"retry_rate_limited"`
}

// IsEnabled 重试开关，未显式配置时默认开启
func (r RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RetryBudget 重试次数上限，未显式配置时默认3
func (r RetryConfig) RetryBudget() int {
	if r.MaxRetries == nil {
		return 3
	}
	return *r.MaxRetries
}

// RetryBaseDelay 退避基础延迟，未显式配置时默认2秒
func (r RetryConfig) RetryBaseDelay() time.Duration {
	if r.BaseDelay == nil {
		return 2 * time.Second
	}
	return *r.BaseDelay
}

type StreamingConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"` // 空闲时注入ping事件的间隔
}

type PoolConfig struct {
	MaxConnections int `yaml:"max_connections"` // Total connections across all hosts
	MaxKeepalive   int `yaml:"max_keepalive"`   // Keepalive connections per host
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

type TrackingConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	Database      *DatabaseBackendConfig `yaml:"database,omitempty"` // Database sink (optional)
	BufferSize    int                    `yaml:"buffer_size"`        // Event buffer size, default: 1000
	BatchSize     int                    `yaml:"batch_size"`         // Batch write size, default: 100
	FlushInterval time.Duration          `yaml:"flush_interval"`     // Force flush interval, default: 30s
	RetentionDays int                    `yaml:"retention_days"`     // Data retention days (0=permanent), default: 90
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Charset  string `yaml:"charset,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`         // Enable client authentication, default: false
	Token   string `yaml:"token,omitempty"` // Expected client bearer token / api key
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable Web interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8088
}

// LoadConfig loads configuration from file and applies environment overrides.
// 空路径表示纯环境变量模式（与原始部署方式兼容）
func LoadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override file values
	config.applyEnvOverrides()

	// Set defaults
	config.setDefaults()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides 应用环境变量覆盖
// 超时类变量按秒数解析，键名与原部署保持一致
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v, ok := envSeconds("CONNECT_TIMEOUT"); ok {
		c.Timeouts.Connect = v
	}
	if v, ok := envSeconds("READ_TIMEOUT"); ok {
		c.Timeouts.Read = v
	}
	if v, ok := envSeconds("WRITE_TIMEOUT"); ok {
		c.Timeouts.Write = v
	}
	if v, ok := envSeconds("POOL_TIMEOUT"); ok {
		c.Timeouts.Pool = v
	}

	if v, ok := envBool("STREAM_RETRY_ENABLED"); ok {
		c.Retry.Enabled = &v
	}
	if v, ok := envInt("STREAM_MAX_RETRIES"); ok {
		c.Retry.MaxRetries = &v
	}
	if v, ok := envSeconds("STREAM_RETRY_DELAY"); ok {
		c.Retry.BaseDelay = &v
	}

	if v, ok := envInt("MAX_CONNECTIONS"); ok {
		c.Pool.MaxConnections = v
	}
	if v, ok := envInt("MAX_KEEPALIVE_CONNECTIONS"); ok {
		c.Pool.MaxKeepalive = v
	}

	// CUSTOM_HEADER_* 环境变量转换为上游请求头
	// CUSTOM_HEADER_X_FOO → X-Foo
	for _, env := range os.Environ() {
		key, value, found := strings.Cut(env, "=")
		if !found || !strings.HasPrefix(key, "CUSTOM_HEADER_") {
			continue
		}
		name := strings.TrimPrefix(key, "CUSTOM_HEADER_")
		if name == "" {
			continue
		}
		name = canonicalHeaderName(name)
		if c.Upstream.Headers == nil {
			c.Upstream.Headers = make(map[string]string)
		}
		c.Upstream.Headers[name] = value
	}
}

// canonicalHeaderName 将环境变量片段转换为HTTP头格式: X_CUSTOM_ID → X-Custom-Id
func canonicalHeaderName(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envSeconds 解析以秒为单位的环境变量，支持小数（如 STREAM_RETRY_DELAY=2.5）
func envSeconds(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8082
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.openai.com/v1"
	}

	// 超时缺省与原部署一致：connect=10s, read=600s（长流式响应）, write=10s, pool=10s
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = 10 * time.Second
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = 600 * time.Second
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = 10 * time.Second
	}
	if c.Timeouts.Pool == 0 {
		c.Timeouts.Pool = 10 * time.Second
	}
	if c.Timeouts.Global == 0 {
		c.Timeouts.Global = 300 * time.Second // Default 5 minutes for non-streaming requests
	}

	// MaxRetries和BaseDelay的默认值由访问器提供，显式0不被覆盖
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}

	if c.Streaming.KeepaliveInterval == 0 {
		c.Streaming.KeepaliveInterval = 30 * time.Second
	}

	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 200
	}
	if c.Pool.MaxKeepalive == 0 {
		c.Pool.MaxKeepalive = 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 30 * time.Second
	}
	if c.Tracking.RetentionDays == 0 {
		c.Tracking.RetentionDays = 90
	}

	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}

	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}
}

// validate 校验配置合法性
func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream base_url must start with http:// or https://")
	}

	if c.Retry.RetryBudget() < 0 {
		return fmt.Errorf("retry max_retries must be non-negative")
	}
	if c.Retry.RetryBaseDelay() < 0 {
		return fmt.Errorf("retry base_delay must be non-negative")
	}
	if c.Retry.MaxDelay != 0 && c.Retry.MaxDelay < c.Retry.RetryBaseDelay() {
		return fmt.Errorf("retry max_delay cannot be smaller than base_delay")
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	// Validate tracking configuration
	if c.Tracking.Enabled {
		if c.Tracking.BufferSize <= 0 {
			return fmt.Errorf("tracking buffer size must be greater than 0 when enabled")
		}
		if c.Tracking.BatchSize <= 0 {
			return fmt.Errorf("tracking batch size must be greater than 0 when enabled")
		}
		if c.Tracking.BatchSize > c.Tracking.BufferSize {
			return fmt.Errorf("tracking batch size cannot be larger than buffer size")
		}
		if c.Tracking.Database != nil {
			switch c.Tracking.Database.Type {
			case "", "sqlite", "mysql":
			default:
				return fmt.Errorf("tracking database type must be 'sqlite' or 'mysql'")
			}
		}
	}

	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth token is required when auth is enabled")
	}

	return nil
}

// MaxAttempts 返回单个请求允许的最大上游尝试次数
// 重试关闭时等价于max_retries=0，即只有一次尝试
func (c *Config) MaxAttempts() int {
	if !c.Retry.IsEnabled() {
		return 1
	}
	return c.Retry.RetryBudget() + 1
}
