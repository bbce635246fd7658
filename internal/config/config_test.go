package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	// 保存原始环境变量
	originalEnvs := make(map[string]string)
	envKeys := []string{
		"MAILVAULT_SERVER_HOST",
		"MAILVAULT_SERVER_PORT",
		"MAILVAULT_IMAP_HOST",
		"MAILVAULT_IMAP_PORT",
		"MAILVAULT_IMAP_USERNAME",
		"MAILVAULT_IMAP_USE_TLS",
		"MAILVAULT_SYNC_INTERVAL",
		"MAILVAULT_SYNC_MAX_MESSAGES",
		"MAILVAULT_RETENTION_WINDOW",
		"MAILVAULT_RETENTION_MAX_ATTEMPTS",
		"MAILVAULT_STORAGE_BASE_PATH",
		"MAILVAULT_CORS_ALLOWED_ORIGINS",
		"MAILVAULT_LOG_LEVEL",
		"MAILVAULT_LOG_DEVELOPMENT",
	}

	for _, key := range envKeys {
		originalEnvs[key] = os.Getenv(key)
	}

	// 测试后恢复环境变量
	defer func() {
		for key, value := range originalEnvs {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	t.Run("加载默认配置成功", func(t *testing.T) {
		// 清除所有环境变量
		for _, key := range envKeys {
			os.Unsetenv(key)
		}

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 993, cfg.IMAP.Port)
		assert.True(t, cfg.IMAP.UseTLS)
		assert.Equal(t, "INBOX", cfg.IMAP.Folder)
		assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
		assert.Equal(t, 2*time.Minute, cfg.Sync.CycleTimeout)
		assert.Equal(t, 200, cfg.Sync.MaxMessages)
		assert.Equal(t, 7*24*time.Hour, cfg.Retention.Window)
		assert.Equal(t, 5, cfg.Retention.MaxAttempts)
		assert.Equal(t, 30*time.Second, cfg.Retention.RetryBase)
		assert.Equal(t, 50, cfg.Retention.BatchSize)
		assert.Equal(t, "./data", cfg.Storage.BasePath)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		os.Setenv("MAILVAULT_SERVER_HOST", "127.0.0.1")
		os.Setenv("MAILVAULT_SERVER_PORT", "9090")
		os.Setenv("MAILVAULT_IMAP_HOST", "imap.example.com")
		os.Setenv("MAILVAULT_IMAP_PORT", "143")
		os.Setenv("MAILVAULT_IMAP_USERNAME", "sync@example.com")
		os.Setenv("MAILVAULT_IMAP_USE_TLS", "false")
		os.Setenv("MAILVAULT_SYNC_INTERVAL", "1m")
		os.Setenv("MAILVAULT_SYNC_MAX_MESSAGES", "50")
		os.Setenv("MAILVAULT_RETENTION_WINDOW", "24h")
		os.Setenv("MAILVAULT_RETENTION_MAX_ATTEMPTS", "3")
		os.Setenv("MAILVAULT_STORAGE_BASE_PATH", "/var/lib/mailvault")
		os.Setenv("MAILVAULT_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
		os.Setenv("MAILVAULT_LOG_LEVEL", "debug")
		os.Setenv("MAILVAULT_LOG_DEVELOPMENT", "true")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		// 验证自定义值
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "imap.example.com", cfg.IMAP.Host)
		assert.Equal(t, 143, cfg.IMAP.Port)
		assert.Equal(t, "sync@example.com", cfg.IMAP.Username)
		assert.False(t, cfg.IMAP.UseTLS)
		assert.Equal(t, time.Minute, cfg.Sync.Interval)
		assert.Equal(t, 50, cfg.Sync.MaxMessages)
		assert.Equal(t, 24*time.Hour, cfg.Retention.Window)
		assert.Equal(t, 3, cfg.Retention.MaxAttempts)
		assert.Equal(t, "/var/lib/mailvault", cfg.Storage.BasePath)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.True(t, cfg.Log.Development)
	})

	t.Run("无效的同步周期失败", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
		os.Setenv("MAILVAULT_SYNC_INTERVAL", "invalid-duration")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid sync.interval")
	})

	t.Run("无效的保留窗口失败", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
		os.Setenv("MAILVAULT_RETENTION_WINDOW", "-1h")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "retention.window must not be negative")
	})

	t.Run("非法的最大尝试次数失败", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
		os.Setenv("MAILVAULT_RETENTION_MAX_ATTEMPTS", "0")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "retention.max_attempts must be positive")
	})

	t.Run("保留窗口允许为零", func(t *testing.T) {
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
		os.Setenv("MAILVAULT_RETENTION_WINDOW", "0s")

		cfg, err := Load()

		assert.NoError(t, err)
		assert.Equal(t, time.Duration(0), cfg.Retention.Window)
	})
}

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "单个项目",
			input:    "item1",
			expected: []string{"item1"},
		},
		{
			name:     "多个项目",
			input:    "item1,item2,item3",
			expected: []string{"item1", "item2", "item3"},
		},
		{
			name:     "带空格的项目",
			input:    " item1 , item2 , item3 ",
			expected: []string{"item1", "item2", "item3"},
		},
		{
			name:     "空字符串",
			input:    "",
			expected: []string{},
		},
		{
			name:     "只有逗号",
			input:    ",,,",
			expected: []string{},
		},
		{
			name:     "混合空值",
			input:    "item1,,item2,",
			expected: []string{"item1", "item2"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := parseList(tc.input)
			assert.Equal(t, tc.expected, result)
		})
	}
}
