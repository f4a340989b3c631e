package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claude-code-proxy/config"
)

// TestLoadConfig_Defaults tests default values with a minimal config file
func TestLoadConfig_Defaults(t *testing.T) {
	yamlContent := `
server:
  host: localhost
  port: 8082

upstream:
  base_url: https://api.example.com/v1
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// 测试默认值
	if cfg.Timeouts.Connect != 10*time.Second {
		t.Errorf("Expected Timeouts.Connect to be 10s by default, got %v", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Read != 600*time.Second {
		t.Errorf("Expected Timeouts.Read to be 600s by default, got %v", cfg.Timeouts.Read)
	}
	if cfg.Timeouts.Write != 10*time.Second {
		t.Errorf("Expected Timeouts.Write to be 10s by default, got %v", cfg.Timeouts.Write)
	}
	if cfg.Timeouts.Pool != 10*time.Second {
		t.Errorf("Expected Timeouts.Pool to be 10s by default, got %v", cfg.Timeouts.Pool)
	}

	if !cfg.Retry.IsEnabled() {
		t.Error("Expected retry to be enabled by default")
	}
	if cfg.Retry.RetryBudget() != 3 {
		t.Errorf("Expected retry budget to be 3 by default, got %d", cfg.Retry.RetryBudget())
	}
	if cfg.Retry.RetryBaseDelay() != 2*time.Second {
		t.Errorf("Expected base delay to be 2s by default, got %v", cfg.Retry.RetryBaseDelay())
	}
	if cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("Expected Retry.MaxDelay to be 30s by default, got %v", cfg.Retry.MaxDelay)
	}

	if cfg.MaxAttempts() != 4 {
		t.Errorf("Expected MaxAttempts to be 4 (3 retries + 1), got %d", cfg.MaxAttempts())
	}

	if cfg.Pool.MaxConnections != 200 {
		t.Errorf("Expected Pool.MaxConnections to be 200 by default, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Streaming.KeepaliveInterval != 30*time.Second {
		t.Errorf("Expected Streaming.KeepaliveInterval to be 30s by default, got %v", cfg.Streaming.KeepaliveInterval)
	}
}

// TestLoadConfig_EnvOverrides tests environment variable overrides
func TestLoadConfig_EnvOverrides(t *testing.T) {
	yamlContent := `
upstream:
  base_url: https://file.example.com/v1

timeouts:
  read: "60s"
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	t.Setenv("OPENAI_BASE_URL", "https://env.example.com/v1")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	t.Setenv("CONNECT_TIMEOUT", "5")
	t.Setenv("READ_TIMEOUT", "120")
	t.Setenv("STREAM_RETRY_ENABLED", "false")
	t.Setenv("STREAM_MAX_RETRIES", "5")
	t.Setenv("STREAM_RETRY_DELAY", "1.5")
	t.Setenv("MAX_CONNECTIONS", "50")
	t.Setenv("CUSTOM_HEADER_X_TRACE_ID", "trace-123")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// 环境变量优先于文件配置
	if cfg.Upstream.BaseURL != "https://env.example.com/v1" {
		t.Errorf("Expected env base_url override, got %s", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.APIKey != "sk-test-key" {
		t.Errorf("Expected API key from env, got %s", cfg.Upstream.APIKey)
	}
	if cfg.Timeouts.Connect != 5*time.Second {
		t.Errorf("Expected Connect=5s from env, got %v", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Read != 120*time.Second {
		t.Errorf("Expected Read=120s from env, got %v", cfg.Timeouts.Read)
	}
	if cfg.Retry.IsEnabled() {
		t.Error("Expected retry disabled via STREAM_RETRY_ENABLED=false")
	}
	if cfg.MaxAttempts() != 1 {
		t.Errorf("Expected MaxAttempts=1 with retry disabled, got %d", cfg.MaxAttempts())
	}
	if cfg.Retry.RetryBudget() != 5 {
		t.Errorf("Expected MaxRetries=5 from env, got %d", cfg.Retry.RetryBudget())
	}
	if cfg.Retry.RetryBaseDelay() != 1500*time.Millisecond {
		t.Errorf("Expected BaseDelay=1.5s from env, got %v", cfg.Retry.RetryBaseDelay())
	}
	if cfg.Pool.MaxConnections != 50 {
		t.Errorf("Expected MaxConnections=50 from env, got %d", cfg.Pool.MaxConnections)
	}
	if got := cfg.Upstream.Headers["X-Trace-Id"]; got != "trace-123" {
		t.Errorf("Expected custom header X-Trace-Id=trace-123, got %q", got)
	}
}

// TestLoadConfig_EnvOnly tests pure environment variable mode (empty path)
func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "https://env-only.example.com/v1")
	t.Setenv("PORT", "9090")

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load env-only config: %v", err)
	}

	if cfg.Upstream.BaseURL != "https://env-only.example.com/v1" {
		t.Errorf("Expected env base_url, got %s", cfg.Upstream.BaseURL)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090 from env, got %d", cfg.Server.Port)
	}
}

// TestLoadConfig_Validation tests validation logic
func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		yamlContent string
		expectErr   bool
		errMsg      string
	}{
		{
			name: "Invalid base_url scheme",
			yamlContent: `
upstream:
  base_url: ftp://example.com
`,
			expectErr: true,
			errMsg:    "must start with http:// or https://",
		},
		{
			name: "Negative max_retries",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

retry:
  max_retries: -1
`,
			expectErr: true,
			errMsg:    "max_retries must be non-negative",
		},
		{
			name: "max_delay smaller than base_delay",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

retry:
  base_delay: "10s"
  max_delay: "5s"
`,
			expectErr: true,
			errMsg:    "max_delay cannot be smaller than base_delay",
		},
		{
			name: "Proxy enabled without type",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

proxy:
  enabled: true
`,
			expectErr: true,
			errMsg:    "proxy type is required",
		},
		{
			name: "Invalid proxy type",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

proxy:
  enabled: true
  type: ssh
  host: proxy.local
  port: 1080
`,
			expectErr: true,
			errMsg:    "proxy type must be",
		},
		{
			name: "Tracking batch larger than buffer",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

tracking:
  enabled: true
  buffer_size: 10
  batch_size: 100
`,
			expectErr: true,
			errMsg:    "batch size cannot be larger than buffer size",
		},
		{
			name: "Invalid tracking database type",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

tracking:
  enabled: true
  database:
    type: postgres
`,
			expectErr: true,
			errMsg:    "database type must be 'sqlite' or 'mysql'",
		},
		{
			name: "Auth enabled without token",
			yamlContent: `
upstream:
  base_url: https://example.com/v1

auth:
  enabled: true
`,
			expectErr: true,
			errMsg:    "auth token is required",
		},
		{
			name: "Valid full config",
			yamlContent: `
server:
  host: 0.0.0.0
  port: 8082

upstream:
  base_url: https://api.example.com/v1
  api_key: sk-test

retry:
  enabled: true
  max_retries: 3
  base_delay: "2s"
  max_delay: "30s"
  jitter: true

proxy:
  enabled: true
  type: socks5
  host: 127.0.0.1
  port: 1080

tracking:
  enabled: true
  buffer_size: 1000
  batch_size: 100
  database:
    type: sqlite
    path: "data/relay.db"
`,
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "test_config.yaml")

			err := os.WriteFile(configPath, []byte(tt.yamlContent), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			_, err = config.LoadConfig(configPath)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error message containing '%s', got: %s", tt.errMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

// TestRetryConfig_ExplicitDisable verifies yaml的显式false不会被默认值覆盖
func TestRetryConfig_ExplicitDisable(t *testing.T) {
	yamlContent := `
upstream:
  base_url: https://example.com/v1

retry:
  enabled: false
`

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Retry.IsEnabled() {
		t.Error("Expected retry disabled by explicit enabled: false")
	}
	if cfg.MaxAttempts() != 1 {
		t.Errorf("Expected MaxAttempts=1, got %d", cfg.MaxAttempts())
	}
}

// 显式配置的零值不能被默认值覆盖: max_retries=0表示只允许单次尝试
func TestRetryConfig_ExplicitZero(t *testing.T) {
	t.Run("env", func(t *testing.T) {
		t.Setenv("OPENAI_BASE_URL", "https://env-only.example.com/v1")
		t.Setenv("STREAM_MAX_RETRIES", "0")
		t.Setenv("STREAM_RETRY_DELAY", "0")

		cfg, err := config.LoadConfig("")
		if err != nil {
			t.Fatalf("Failed to load env-only config: %v", err)
		}

		if cfg.Retry.RetryBudget() != 0 {
			t.Errorf("Expected retry budget 0, got %d", cfg.Retry.RetryBudget())
		}
		if cfg.MaxAttempts() != 1 {
			t.Errorf("Expected MaxAttempts=1 with STREAM_MAX_RETRIES=0, got %d", cfg.MaxAttempts())
		}
		if cfg.Retry.RetryBaseDelay() != 0 {
			t.Errorf("Expected base delay 0, got %v", cfg.Retry.RetryBaseDelay())
		}
	})

	t.Run("yaml", func(t *testing.T) {
		yamlContent := `
upstream:
  base_url: https://example.com/v1

retry:
  max_retries: 0
  base_delay: 0s
`
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "test_config.yaml")
		if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
			t.Fatalf("Failed to create test config file: %v", err)
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		if cfg.MaxAttempts() != 1 {
			t.Errorf("Expected MaxAttempts=1 with max_retries: 0, got %d", cfg.MaxAttempts())
		}
		if cfg.Retry.RetryBaseDelay() != 0 {
			t.Errorf("Expected base delay 0, got %v", cfg.Retry.RetryBaseDelay())
		}
	})
}
