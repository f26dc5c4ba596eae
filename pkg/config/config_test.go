package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault 测试默认配置是否正确
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "tiercache", cfg.Cache.Namespace)
	assert.Equal(t, int64(64*1024*1024), cfg.Cache.MaxBytes)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 1024, cfg.Cache.CompressionThreshold)
	assert.Equal(t, 50, cfg.Cache.BatchSize)
	assert.Equal(t, 1000, cfg.Cache.QueueMaxDepth)
	assert.Equal(t, 0.8, cfg.Cache.RefreshThreshold)
	assert.True(t, cfg.Cache.UpdateAgeOnRead)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, uint32(5), cfg.Breaker.ReadyToTrip)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "8080", cfg.Server.Port)
}

// TestValidate 测试配置验证功能
func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate(), "默认配置应该是有效的")

	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"空命名空间", func(c *Config) { c.Cache.Namespace = "" }},
		{"容量为0", func(c *Config) { c.Cache.MaxBytes = 0 }},
		{"TTL为负", func(c *Config) { c.Cache.DefaultTTL = -time.Second }},
		{"清理间隔为0", func(c *Config) { c.Cache.SweepInterval = 0 }},
		{"压缩阈值为负", func(c *Config) { c.Cache.CompressionThreshold = -1 }},
		{"压缩级别越界", func(c *Config) { c.Cache.CompressionLevel = 30 }},
		{"批大小为0", func(c *Config) { c.Cache.BatchSize = 0 }},
		{"空广播频道", func(c *Config) { c.Cache.BroadcastChannel = "" }},
		{"队列深度为0", func(c *Config) { c.Cache.QueueMaxDepth = 0 }},
		{"预刷新阈值越界", func(c *Config) { c.Cache.RefreshThreshold = 1.5 }},
		{"空Redis地址", func(c *Config) { c.Redis.Addr = "" }},
		{"熔断阈值为0", func(c *Config) { c.Breaker.ReadyToTrip = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestSetters 测试链式设置方法
func TestSetters(t *testing.T) {
	cfg := Default().
		SetMaxBytes(1024).
		SetDefaultTTL(time.Minute).
		SetLogLevel("debug")

	assert.Equal(t, int64(1024), cfg.Cache.MaxBytes)
	assert.Equal(t, time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

// TestLoad_FromFile 测试从 YAML 文件加载配置
func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiercache.yaml")
	content := `
cache:
  namespace: orders
  max_bytes: 4096
  default_ttl: 10m
  batch_size: 8
redis:
  addr: redis.internal:6380
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Cache.Namespace)
	assert.Equal(t, int64(4096), cfg.Cache.MaxBytes)
	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 8, cfg.Cache.BatchSize)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	// 未出现在文件中的键保持默认值
	assert.Equal(t, 1000, cfg.Cache.QueueMaxDepth)
}

// TestLoad_EnvOverride 测试环境变量覆盖
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TIERCACHE_CACHE_MAX_BYTES", "2048")
	t.Setenv("TIERCACHE_REDIS_ADDR", "10.0.0.1:6379")

	// 包目录下没有 tiercache.yaml，只使用默认值和环境变量
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(2048), cfg.Cache.MaxBytes)
	assert.Equal(t, "10.0.0.1:6379", cfg.Redis.Addr)
}

// TestLoad_InvalidFile 测试无效配置被拒绝
func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  batch_size: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
