package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Name        string        `yaml:"name"`          // 熔断器名称
	MaxRequests uint32        `yaml:"max_requests"`  // 半开状态下的最大请求数
	Interval    time.Duration `yaml:"interval"`      // 统计窗口时间
	Timeout     time.Duration `yaml:"timeout"`       // 熔断器打开后的超时时间
	ReadyToTrip uint32        `yaml:"ready_to_trip"` // 触发熔断的连续失败次数
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "remote-store",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: 5,
	}
}

// BreakerStats 熔断器统计信息
type BreakerStats struct {
	State    string `json:"state"`
	Rejected int64  `json:"rejected"`
	Failures int64  `json:"failures"`
}

// BreakerStore 使用 sony/gobreaker 包装任意 Store。
// 未命中不计为失败；熔断打开时请求直接返回 ErrStoreUnavailable，不再访问远程存储。
// 订阅和关闭不经过熔断器。
type BreakerStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger *logrus.Entry

	rejected atomic.Int64
	failures atomic.Int64
}

// NewBreakerStore 创建熔断器装饰器
func NewBreakerStore(inner Store, config BreakerConfig, logger *logrus.Entry) *BreakerStore {
	bs := &BreakerStore{
		inner:  inner,
		logger: logger,
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ReadyToTrip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsMiss(err) || IsPipelineUnsupported(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("熔断器状态变更")
		},
	}
	bs.cb = gobreaker.NewCircuitBreaker(settings)

	return bs
}

// execute 通过熔断器执行一次调用并统一错误类型。
func (bs *BreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := bs.cb.Execute(fn)
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		bs.rejected.Add(1)
		return nil, WrapStorageError(ErrStoreUnavailable, "remote store circuit open", err)
	}
	if !IsMiss(err) && !IsPipelineUnsupported(err) {
		bs.failures.Add(1)
	}
	return result, err
}

// Get 读取一个键。
func (bs *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := bs.execute(func() (interface{}, error) {
		return bs.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Set 写入一个键。
func (bs *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := bs.execute(func() (interface{}, error) {
		return nil, bs.inner.Set(ctx, key, value, ttl)
	})
	return err
}

// Delete 删除一个键。
func (bs *BreakerStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := bs.execute(func() (interface{}, error) {
		return bs.inner.Delete(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// DeleteByPrefix 删除匹配前缀的键。
func (bs *BreakerStore) DeleteByPrefix(ctx context.Context, prefix string) ([]string, error) {
	result, err := bs.execute(func() (interface{}, error) {
		return bs.inner.DeleteByPrefix(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Publish 发布一条消息。
func (bs *BreakerStore) Publish(ctx context.Context, channel string, message []byte) error {
	_, err := bs.execute(func() (interface{}, error) {
		return nil, bs.inner.Publish(ctx, channel, message)
	})
	return err
}

// Subscribe 直接委托给底层存储。
func (bs *BreakerStore) Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error) {
	return bs.inner.Subscribe(ctx, channel, handler)
}

// Pipeline 底层存储支持管道时通过熔断器执行，否则返回 ErrNoPipeline。
func (bs *BreakerStore) Pipeline(ctx context.Context, ops []Op) ([]OpResult, error) {
	p, ok := bs.inner.(Pipeliner)
	if !ok {
		return nil, ErrNoPipeline
	}
	result, err := bs.execute(func() (interface{}, error) {
		return p.Pipeline(ctx, ops)
	})
	if err != nil {
		return nil, err
	}
	return result.([]OpResult), nil
}

// Ping 探测底层存储，不受熔断器状态影响。
func (bs *BreakerStore) Ping(ctx context.Context) error {
	if p, ok := bs.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close 关闭底层存储。
func (bs *BreakerStore) Close() error {
	return bs.inner.Close()
}

// State 返回熔断器当前状态名 (closed, half-open, open)。
func (bs *BreakerStore) State() string {
	return bs.cb.State().String()
}

// Stats 返回熔断器统计信息
func (bs *BreakerStore) Stats() BreakerStats {
	return BreakerStats{
		State:    bs.State(),
		Rejected: bs.rejected.Load(),
		Failures: bs.failures.Load(),
	}
}

var (
	_ Store     = (*BreakerStore)(nil)
	_ Pipeliner = (*BreakerStore)(nil)
	_ Pinger    = (*BreakerStore)(nil)
)
