package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 主配置结构
type Config struct {
	// 缓存配置
	Cache CacheConfig `json:"cache" yaml:"cache" mapstructure:"cache"`

	// Redis 共享存储配置
	Redis RedisConfig `json:"redis" yaml:"redis" mapstructure:"redis"`

	// 熔断器配置
	Breaker BreakerConfig `json:"breaker" yaml:"breaker" mapstructure:"breaker"`

	// 日志配置
	Logger LoggerConfig `json:"logger" yaml:"logger" mapstructure:"logger"`

	// 管理接口配置
	Server ServerConfig `json:"server" yaml:"server" mapstructure:"server"`

	// 指标输出配置
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// CacheConfig 两级缓存配置
type CacheConfig struct {
	Namespace            string        `json:"namespace" yaml:"namespace" mapstructure:"namespace"`                                 // 远程键前缀
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`                                 // 本地层字节容量
	DefaultTTL           time.Duration `json:"default_ttl" yaml:"default_ttl" mapstructure:"default_ttl"`                           // 默认生存时间
	SweepInterval        time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`                  // 过期清理间隔
	MetricsInterval      time.Duration `json:"metrics_interval" yaml:"metrics_interval" mapstructure:"metrics_interval"`            // 指标刷新间隔
	UpdateAgeOnRead      bool          `json:"update_age_on_read" yaml:"update_age_on_read" mapstructure:"update_age_on_read"`      // 读取时是否刷新 LRU 位置
	CompressionEnabled   bool          `json:"compression_enabled" yaml:"compression_enabled" mapstructure:"compression_enabled"`   // 是否启用压缩
	CompressionThreshold int           `json:"compression_threshold" yaml:"compression_threshold" mapstructure:"compression_threshold"` // 超过该字节数才压缩
	CompressionLevel     int           `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`         // 压缩级别 (1-22)
	BatchSize            int           `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`                              // 批量操作窗口大小
	BatchDelay           time.Duration `json:"batch_delay" yaml:"batch_delay" mapstructure:"batch_delay"`                           // 窗口之间的间隔
	BroadcastInterval    time.Duration `json:"broadcast_interval" yaml:"broadcast_interval" mapstructure:"broadcast_interval"`      // 失效广播间隔
	BroadcastChannel     string        `json:"broadcast_channel" yaml:"broadcast_channel" mapstructure:"broadcast_channel"`         // 失效广播频道
	BroadcastBatch       int           `json:"broadcast_batch" yaml:"broadcast_batch" mapstructure:"broadcast_batch"`               // 每次广播的最大记录数
	QueueMaxDepth        int           `json:"queue_max_depth" yaml:"queue_max_depth" mapstructure:"queue_max_depth"`               // 失效队列最大深度
	RefreshThreshold     float64       `json:"refresh_threshold" yaml:"refresh_threshold" mapstructure:"refresh_threshold"`         // 预刷新阈值 (0,1]
	RemoteTimeout        time.Duration `json:"remote_timeout" yaml:"remote_timeout" mapstructure:"remote_timeout"`                  // 单次远程调用超时
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr        string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password    string        `json:"password" yaml:"password" mapstructure:"password"`
	DB          int           `json:"db" yaml:"db" mapstructure:"db"`
	PoolSize    int           `json:"pool_size" yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`
}

// BreakerConfig 远程存储熔断器配置
type BreakerConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Name        string        `json:"name" yaml:"name" mapstructure:"name"`
	MaxRequests uint32        `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`    // 半开状态下的最大请求数
	Interval    time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`                // 统计窗口时间
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`                   // 熔断器打开后的超时时间
	ReadyToTrip uint32        `json:"ready_to_trip" yaml:"ready_to_trip" mapstructure:"ready_to_trip"` // 触发熔断的连续失败次数
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`    // 日志级别 (debug, info, warn, error)
	Format string `json:"format" yaml:"format" mapstructure:"format"` // 日志格式 (text, json)
}

// ServerConfig 管理接口配置
type ServerConfig struct {
	Port string `json:"port" yaml:"port" mapstructure:"port"`
	Mode string `json:"mode" yaml:"mode" mapstructure:"mode"` // debug, release, test
}

// MetricsConfig 指标输出配置
type MetricsConfig struct {
	PrometheusEnabled bool         `json:"prometheus_enabled" yaml:"prometheus_enabled" mapstructure:"prometheus_enabled"`
	Influx            InfluxConfig `json:"influx" yaml:"influx" mapstructure:"influx"`
}

// InfluxConfig InfluxDB 上报配置
type InfluxConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" yaml:"url" mapstructure:"url"`
	Token   string `json:"token" yaml:"token" mapstructure:"token"`
	Org     string `json:"org" yaml:"org" mapstructure:"org"`
	Bucket  string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Namespace:            "tiercache",
			MaxBytes:             64 * 1024 * 1024,
			DefaultTTL:           5 * time.Minute,
			SweepInterval:        1 * time.Minute,
			MetricsInterval:      30 * time.Second,
			UpdateAgeOnRead:      true,
			CompressionEnabled:   true,
			CompressionThreshold: 1024,
			CompressionLevel:     3,
			BatchSize:            50,
			BatchDelay:           10 * time.Millisecond,
			BroadcastInterval:    1 * time.Second,
			BroadcastChannel:     "tiercache:invalidation",
			BroadcastBatch:       100,
			QueueMaxDepth:        1000,
			RefreshThreshold:     0.8,
			RemoteTimeout:        2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DB:          0,
			PoolSize:    20,
			DialTimeout: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			Name:        "remote-store",
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: 5,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Port: "8080",
			Mode: "release",
		},
		Metrics: MetricsConfig{
			PrometheusEnabled: true,
			Influx: InfluxConfig{
				Enabled: false,
				URL:     "http://localhost:8086",
				Org:     "tiercache",
				Bucket:  "cache_stats",
			},
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Cache.Namespace == "" {
		return errors.New("cache namespace cannot be empty")
	}

	if c.Cache.MaxBytes <= 0 {
		return errors.New("cache max_bytes must be positive")
	}

	if c.Cache.DefaultTTL <= 0 {
		return errors.New("cache default_ttl must be positive")
	}

	if c.Cache.SweepInterval <= 0 || c.Cache.MetricsInterval <= 0 || c.Cache.BroadcastInterval <= 0 {
		return errors.New("cache intervals must be positive")
	}

	if c.Cache.CompressionThreshold < 0 {
		return errors.New("compression_threshold cannot be negative")
	}

	if c.Cache.CompressionLevel < 1 || c.Cache.CompressionLevel > 22 {
		return errors.New("compression_level must be between 1 and 22")
	}

	if c.Cache.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}

	if c.Cache.BatchDelay < 0 {
		return errors.New("batch_delay cannot be negative")
	}

	if c.Cache.BroadcastChannel == "" {
		return errors.New("broadcast_channel cannot be empty")
	}

	if c.Cache.BroadcastBatch <= 0 || c.Cache.QueueMaxDepth <= 0 {
		return errors.New("broadcast_batch and queue_max_depth must be positive")
	}

	if c.Cache.RefreshThreshold <= 0 || c.Cache.RefreshThreshold > 1 {
		return errors.New("refresh_threshold must be in (0, 1]")
	}

	if c.Redis.Addr == "" {
		return errors.New("redis addr cannot be empty")
	}

	if c.Breaker.Enabled && c.Breaker.ReadyToTrip == 0 {
		return errors.New("breaker ready_to_trip must be positive")
	}

	return nil
}

// SetMaxBytes 设置本地层容量
func (c *Config) SetMaxBytes(max int64) *Config {
	c.Cache.MaxBytes = max
	return c
}

// SetDefaultTTL 设置默认生存时间
func (c *Config) SetDefaultTTL(ttl time.Duration) *Config {
	c.Cache.DefaultTTL = ttl
	return c
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logger.Level = level
	return c
}

// Load 使用 viper 加载配置：默认值 < 配置文件 < TIERCACHE_ 前缀的环境变量。
// path 为空时在 ./config 和当前目录下查找 tiercache.yaml，找不到文件不视为错误。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tiercache")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix("TIERCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 把默认配置逐项注册到 viper，使环境变量覆盖对每个键都生效。
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("cache.namespace", d.Cache.Namespace)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.sweep_interval", d.Cache.SweepInterval)
	v.SetDefault("cache.metrics_interval", d.Cache.MetricsInterval)
	v.SetDefault("cache.update_age_on_read", d.Cache.UpdateAgeOnRead)
	v.SetDefault("cache.compression_enabled", d.Cache.CompressionEnabled)
	v.SetDefault("cache.compression_threshold", d.Cache.CompressionThreshold)
	v.SetDefault("cache.compression_level", d.Cache.CompressionLevel)
	v.SetDefault("cache.batch_size", d.Cache.BatchSize)
	v.SetDefault("cache.batch_delay", d.Cache.BatchDelay)
	v.SetDefault("cache.broadcast_interval", d.Cache.BroadcastInterval)
	v.SetDefault("cache.broadcast_channel", d.Cache.BroadcastChannel)
	v.SetDefault("cache.broadcast_batch", d.Cache.BroadcastBatch)
	v.SetDefault("cache.queue_max_depth", d.Cache.QueueMaxDepth)
	v.SetDefault("cache.refresh_threshold", d.Cache.RefreshThreshold)
	v.SetDefault("cache.remote_timeout", d.Cache.RemoteTimeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)

	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.name", d.Breaker.Name)
	v.SetDefault("breaker.max_requests", d.Breaker.MaxRequests)
	v.SetDefault("breaker.interval", d.Breaker.Interval)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("breaker.ready_to_trip", d.Breaker.ReadyToTrip)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)

	v.SetDefault("metrics.prometheus_enabled", d.Metrics.PrometheusEnabled)
	v.SetDefault("metrics.influx.enabled", d.Metrics.Influx.Enabled)
	v.SetDefault("metrics.influx.url", d.Metrics.Influx.URL)
	v.SetDefault("metrics.influx.token", d.Metrics.Influx.Token)
	v.SetDefault("metrics.influx.org", d.Metrics.Influx.Org)
	v.SetDefault("metrics.influx.bucket", d.Metrics.Influx.Bucket)
}
