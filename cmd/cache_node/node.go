package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tiercache/pkg/cache"
	"tiercache/pkg/config"
	"tiercache/pkg/logger"
	"tiercache/pkg/metrics"
	"tiercache/pkg/storage"
)

// 远程存储类型
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Node 一个缓存节点：两级缓存、指标输出和管理接口
type Node struct {
	config  *config.Config
	cache   *cache.TieredCache
	breaker *storage.BreakerStore
	prom    *metrics.PrometheusObserver
	influx  *metrics.InfluxReporter
	admin   *AdminServer
	logger  *logrus.Entry
}

// NewNode 按配置组装节点，storeKind 选择远程存储实现
func NewNode(cfg *config.Config, storeKind string, log *logrus.Entry) (*Node, error) {
	store, err := newStore(cfg, storeKind)
	if err != nil {
		return nil, err
	}

	n := &Node{config: cfg, logger: log}
	if cfg.Breaker.Enabled {
		n.breaker = storage.NewBreakerStore(store, storage.BreakerConfig{
			Name:        cfg.Breaker.Name,
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: cfg.Breaker.ReadyToTrip,
		}, logger.WithComponent("breaker_store"))
		store = n.breaker
	}

	deps := []cache.Option{
		cache.WithLogger(logger.WithComponent("tiered_cache")),
		cache.WithObserver(cache.NewLogObserver(logger.WithComponent("cache_events"))),
	}
	if cfg.Metrics.PrometheusEnabled {
		n.prom = metrics.NewPrometheusObserver("tiercache")
		deps = append(deps, cache.WithObserver(n.prom))
	}
	if cfg.Metrics.Influx.Enabled {
		host, _ := os.Hostname()
		n.influx = metrics.NewInfluxReporter(cfg.Metrics.Influx, map[string]string{
			"namespace": cfg.Cache.Namespace,
			"host":      host,
		}, logger.WithComponent("influx_reporter"))
		deps = append(deps, cache.WithObserver(n.influx))
	}

	n.cache, err = cache.New(store, cache.OptionsFromConfig(cfg.Cache), deps...)
	if err != nil {
		store.Close()
		if n.influx != nil {
			n.influx.Close()
		}
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	n.admin = NewAdminServer(n.cache, n.breaker, n.prom, logger.WithComponent("admin_server"))
	return n, nil
}

func newStore(cfg *config.Config, kind string) (storage.Store, error) {
	switch kind {
	case StoreMemory:
		return storage.NewMemoryStore(storage.MemoryStoreConfig{CleanupInterval: time.Minute}), nil
	case StoreRedis, "":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return storage.NewRedisStore(client, storage.DefaultRedisStoreConfig(), logger.WithComponent("redis_store")), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", kind)
	}
}

// Start 打开缓存并启动管理接口
func (n *Node) Start(ctx context.Context) error {
	if n.influx != nil {
		if err := n.influx.Ping(ctx); err != nil {
			n.logger.WithError(err).Warn("InfluxDB 不可用，指标写入会失败")
		}
	}
	if err := n.cache.Open(ctx); err != nil {
		return err
	}
	n.admin.Start(n.config.Server.Port)
	return nil
}

// Stop 依次关闭管理接口、缓存和指标上报
func (n *Node) Stop(ctx context.Context) error {
	n.admin.Stop(ctx)

	var errs []error
	if err := n.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.influx != nil {
		n.influx.Close()
	}
	return errors.Join(errs...)
}
