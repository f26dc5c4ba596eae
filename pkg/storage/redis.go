package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisStoreConfig RedisStore 配置
type RedisStoreConfig struct {
	ScanCount   int64 `yaml:"scan_count"`   // 每次 SCAN 的建议数量
	DeleteChunk int   `yaml:"delete_chunk"` // 每条 DEL 命令携带的最大键数
}

// DefaultRedisStoreConfig 默认配置
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		ScanCount:   200,
		DeleteChunk: 500,
	}
}

// RedisStore 是基于 go-redis 的 Store 实现。
// 集群模式下 DeleteByPrefix 只会扫描客户端路由到的节点。
type RedisStore struct {
	client redis.UniversalClient
	config RedisStoreConfig
	logger *logrus.Entry

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

// NewRedisStore 使用已创建的客户端构造 RedisStore，连接的生命周期由 RedisStore 接管。
func NewRedisStore(client redis.UniversalClient, config RedisStoreConfig, logger *logrus.Entry) *RedisStore {
	if config.ScanCount <= 0 {
		config.ScanCount = DefaultRedisStoreConfig().ScanCount
	}
	if config.DeleteChunk <= 0 {
		config.DeleteChunk = DefaultRedisStoreConfig().DeleteChunk
	}
	return &RedisStore{
		client: client,
		config: config,
		logger: logger,
	}
}

// Get 读取一个键。
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := rs.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStoreMissNotFound
	}
	if err != nil {
		return nil, WrapStorageError(ErrStoreIO, "redis GET failed", err)
	}
	return value, nil
}

// Set 写入一个键，毫秒级 TTL 由 go-redis 转换为 PX。
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := rs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return WrapStorageError(ErrStoreIO, "redis SET failed", err)
	}
	return nil
}

// Delete 删除一个键。
func (rs *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := rs.client.Del(ctx, key).Result()
	if err != nil {
		return false, WrapStorageError(ErrStoreIO, "redis DEL failed", err)
	}
	return n > 0, nil
}

// DeleteByPrefix 使用 SCAN 遍历匹配前缀的键并分批删除。
func (rs *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) ([]string, error) {
	iter := rs.client.Scan(ctx, 0, escapeGlob(prefix)+"*", rs.config.ScanCount).Iterator()

	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, WrapStorageError(ErrStoreIO, "redis SCAN failed", err)
	}

	for start := 0; start < len(keys); start += rs.config.DeleteChunk {
		end := start + rs.config.DeleteChunk
		if end > len(keys) {
			end = len(keys)
		}
		if err := rs.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return keys[:start], WrapStorageError(ErrStoreIO, "redis DEL failed", err)
		}
	}

	return keys, nil
}

// Publish 发布一条消息。
func (rs *RedisStore) Publish(ctx context.Context, channel string, message []byte) error {
	if err := rs.client.Publish(ctx, channel, message).Err(); err != nil {
		return WrapStorageError(ErrStoreIO, "redis PUBLISH failed", err)
	}
	return nil
}

// Subscribe 订阅频道并在独立协程中分发消息。
func (rs *RedisStore) Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, ErrStoreClosed
	}

	pubsub := rs.client.Subscribe(ctx, channel)
	// 等待订阅确认，确保返回后不会丢失随后发布的消息
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, WrapStorageError(ErrStoreIO, "redis SUBSCRIBE failed", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go sub.dispatch(pubsub.Channel(), handler)

	rs.subs = append(rs.subs, sub)
	rs.logger.WithField("channel", channel).Debug("已订阅失效广播频道")
	return sub, nil
}

// Pipeline 在一次往返中执行全部命令。
func (rs *RedisStore) Pipeline(ctx context.Context, ops []Op) ([]OpResult, error) {
	cmds := make([]redis.Cmder, len(ops))
	results := make([]OpResult, len(ops))

	_, err := rs.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			switch op.Kind {
			case OpGet:
				cmds[i] = pipe.Get(ctx, op.Key)
			case OpSet:
				cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
			case OpDelete:
				cmds[i] = pipe.Del(ctx, op.Key)
			default:
				results[i].Err = NewStorageError(ErrPipelineUnsupported, "unknown op kind: "+string(op.Kind))
			}
		}
		return nil
	})
	// redis.Nil 只表示某条 GET 未命中，逐条结果中会再次体现
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, WrapStorageError(ErrStoreIO, "redis pipeline failed", err)
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		switch c := cmd.(type) {
		case *redis.StringCmd:
			value, err := c.Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				results[i].Err = WrapStorageError(ErrStoreIO, "redis GET failed", err)
			default:
				results[i].Value = value
				results[i].Found = true
			}
		case *redis.StatusCmd:
			if err := c.Err(); err != nil {
				results[i].Err = WrapStorageError(ErrStoreIO, "redis SET failed", err)
			}
		case *redis.IntCmd:
			n, err := c.Result()
			if err != nil {
				results[i].Err = WrapStorageError(ErrStoreIO, "redis DEL failed", err)
			}
			results[i].Found = n > 0
		}
	}

	return results, nil
}

// Ping 检查连接状态
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return WrapStorageError(ErrStoreIO, "redis PING failed", err)
	}
	return nil
}

// Close 关闭所有订阅和客户端连接。
func (rs *RedisStore) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	subs := rs.subs
	rs.subs = nil
	rs.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			rs.logger.WithError(err).Warn("关闭订阅失败")
		}
	}
	return rs.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *redisSubscription) dispatch(ch <-chan *redis.Message, handler MessageHandler) {
	defer close(s.done)
	for msg := range ch {
		handler([]byte(msg.Payload))
	}
}

// Close 关闭订阅并等待分发协程退出。
func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}

// escapeGlob 转义 SCAN MATCH 的通配符，使前缀按字面匹配。
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	_ Store     = (*RedisStore)(nil)
	_ Pipeliner = (*RedisStore)(nil)
	_ Pinger    = (*RedisStore)(nil)
)
