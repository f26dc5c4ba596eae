package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tiercache/pkg/config"
)

// Options 两级缓存的运行参数
type Options struct {
	Namespace            string
	MaxBytes             int64
	DefaultTTL           time.Duration
	SweepInterval        time.Duration
	MetricsInterval      time.Duration
	UpdateAgeOnRead      bool
	CompressionEnabled   bool
	CompressionThreshold int
	CompressionLevel     int
	BatchSize            int
	BatchDelay           time.Duration
	BroadcastInterval    time.Duration
	BroadcastChannel     string
	BroadcastBatch       int
	QueueMaxDepth        int
	RefreshThreshold     float64
	RemoteTimeout        time.Duration

	// Now 时间源，测试中用于控制时钟
	Now func() time.Time
}

// DefaultOptions 返回与默认配置一致的参数
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Cache)
}

// OptionsFromConfig 从配置文件中的缓存段构造参数
func OptionsFromConfig(c config.CacheConfig) Options {
	return Options{
		Namespace:            c.Namespace,
		MaxBytes:             c.MaxBytes,
		DefaultTTL:           c.DefaultTTL,
		SweepInterval:        c.SweepInterval,
		MetricsInterval:      c.MetricsInterval,
		UpdateAgeOnRead:      c.UpdateAgeOnRead,
		CompressionEnabled:   c.CompressionEnabled,
		CompressionThreshold: c.CompressionThreshold,
		CompressionLevel:     c.CompressionLevel,
		BatchSize:            c.BatchSize,
		BatchDelay:           c.BatchDelay,
		BroadcastInterval:    c.BroadcastInterval,
		BroadcastChannel:     c.BroadcastChannel,
		BroadcastBatch:       c.BroadcastBatch,
		QueueMaxDepth:        c.QueueMaxDepth,
		RefreshThreshold:     c.RefreshThreshold,
		RemoteTimeout:        c.RemoteTimeout,
	}
}

// withDefaults 用默认值填充未设置的字段
func (o Options) withDefaults() Options {
	d := OptionsFromConfig(config.Default().Cache)
	if o.Namespace == "" {
		o.Namespace = d.Namespace
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = d.MaxBytes
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = d.DefaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = d.MetricsInterval
	}
	if o.CompressionLevel <= 0 {
		o.CompressionLevel = d.CompressionLevel
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = d.BroadcastInterval
	}
	if o.BroadcastChannel == "" {
		o.BroadcastChannel = d.BroadcastChannel
	}
	if o.BroadcastBatch <= 0 {
		o.BroadcastBatch = d.BroadcastBatch
	}
	if o.QueueMaxDepth <= 0 {
		o.QueueMaxDepth = d.QueueMaxDepth
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = d.RemoteTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CompressMode 单次写入的压缩选择
type CompressMode int

const (
	CompressAuto CompressMode = iota // 跟随全局配置
	CompressOn
	CompressOff
)

// SetOptions 单次写入的参数
type SetOptions struct {
	TTL              time.Duration
	Tags             []string
	Priority         Priority
	Compress         CompressMode
	Version          int64   // 0 表示使用写入时间的毫秒时间戳
	RefreshThreshold float64 // 0 表示使用全局阈值
}

// SetOption 修改 SetOptions 的函数
type SetOption func(*SetOptions)

// WithTTL 设置生存时间
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) { o.TTL = ttl }
}

// WithTags 设置标签
func WithTags(tags ...string) SetOption {
	return func(o *SetOptions) { o.Tags = append(o.Tags, tags...) }
}

// WithPriority 设置优先级
func WithPriority(p Priority) SetOption {
	return func(o *SetOptions) { o.Priority = p }
}

// WithCompression 设置压缩选择
func WithCompression(mode CompressMode) SetOption {
	return func(o *SetOptions) { o.Compress = mode }
}

// WithVersion 设置版本号
func WithVersion(v int64) SetOption {
	return func(o *SetOptions) { o.Version = v }
}

// WithRefreshThreshold 设置条目自己的预刷新阈值
func WithRefreshThreshold(threshold float64) SetOption {
	return func(o *SetOptions) { o.RefreshThreshold = threshold }
}

// Refresher 预刷新回调，由调用方负责从上游重新获取数据
type Refresher interface {
	Refresh(ctx context.Context, key string) error
}

// RefresherFunc 函数适配器
type RefresherFunc func(ctx context.Context, key string) error

// Refresh 实现 Refresher
func (f RefresherFunc) Refresh(ctx context.Context, key string) error {
	return f(ctx, key)
}

// Option 构造 TieredCache 时注入的依赖
type Option func(*TieredCache)

// WithObserver 注册事件观察者
func WithObserver(observer Observer) Option {
	return func(c *TieredCache) { c.observers = append(c.observers, observer) }
}

// WithRefresher 设置预刷新回调
func WithRefresher(refresher Refresher) Option {
	return func(c *TieredCache) { c.refresher = refresher }
}

// WithLogger 设置日志器
func WithLogger(logger *logrus.Entry) Option {
	return func(c *TieredCache) { c.logger = logger }
}
