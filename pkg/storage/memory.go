package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore 是完全在进程内实现的 Store。
// 多个缓存实例共享同一个 MemoryStore 时，它的发布订阅就相当于跨进程的广播通道，
// 因此它既用于单机部署，也用于不依赖外部服务的测试。
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string]memoryRecord
	subscribers map[string]map[int]MessageHandler
	nextSubID   int
	closed      bool
	failWith    error
	now         func() time.Time
	stats       MemoryStoreStats

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type memoryRecord struct {
	value    []byte
	expireAt time.Time // 零值表示不过期
}

// MemoryStoreConfig 定义了 MemoryStore 的配置选项。
type MemoryStoreConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // 清理过期键的后台任务运行间隔，0 表示只在读取时惰性清理。
}

// MemoryStoreStats 包含了 MemoryStore 的运行统计信息。
type MemoryStoreStats struct {
	Gets      int64     `json:"gets"`
	Sets      int64     `json:"sets"`
	Deletes   int64     `json:"deletes"`
	Publishes int64     `json:"publishes"`
	Pipelines int64     `json:"pipelines"`
	Expired   int64     `json:"expired"`
	LastSweep time.Time `json:"last_sweep"`
}

// NewMemoryStore 创建一个新的 MemoryStore 实例。
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	ms := &MemoryStore{
		data:        make(map[string]memoryRecord),
		subscribers: make(map[string]map[int]MessageHandler),
		now:         time.Now,
	}

	if config.CleanupInterval > 0 {
		ms.stopCleanup = make(chan struct{})
		ms.cleanupDone = make(chan struct{})
		go ms.startPeriodicCleanup(config.CleanupInterval)
	}

	return ms
}

// FailWith 让之后的所有数据操作返回 err，传入 nil 恢复正常。用于模拟远程存储故障。
func (ms *MemoryStore) FailWith(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failWith = err
}

// SetClock 替换时间源。
func (ms *MemoryStore) SetClock(now func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.now = now
}

// checkLocked 返回当前应当拒绝请求的原因，调用前必须持有锁。
func (ms *MemoryStore) checkLocked() error {
	if ms.closed {
		return ErrStoreClosed
	}
	if ms.failWith != nil {
		return WrapStorageError(ErrStoreIO, "memory store failure injected", ms.failWith)
	}
	return nil
}

// Get 读取一个键。
func (ms *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(); err != nil {
		return nil, err
	}
	ms.stats.Gets++
	return ms.getLocked(key)
}

func (ms *MemoryStore) getLocked(key string) ([]byte, error) {
	rec, ok := ms.data[key]
	if !ok {
		return nil, ErrStoreMissNotFound
	}
	if ms.expiredLocked(rec) {
		delete(ms.data, key)
		ms.stats.Expired++
		return nil, ErrStoreMissNotFound
	}

	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, nil
}

// Set 写入一个键。
func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(); err != nil {
		return err
	}
	ms.stats.Sets++
	ms.setLocked(key, value, ttl)
	return nil
}

func (ms *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)

	rec := memoryRecord{value: stored}
	if ttl > 0 {
		rec.expireAt = ms.now().Add(ttl)
	}
	ms.data[key] = rec
}

// Delete 删除一个键。
func (ms *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(); err != nil {
		return false, err
	}
	ms.stats.Deletes++
	return ms.deleteLocked(key), nil
}

func (ms *MemoryStore) deleteLocked(key string) bool {
	rec, ok := ms.data[key]
	if !ok {
		return false
	}
	delete(ms.data, key)
	return !ms.expiredLocked(rec)
}

// DeleteByPrefix 删除所有匹配前缀的键，结果按字典序返回。
func (ms *MemoryStore) DeleteByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(); err != nil {
		return nil, err
	}

	deleted := make([]string, 0)
	for key := range ms.data {
		if strings.HasPrefix(key, prefix) {
			if ms.deleteLocked(key) {
				deleted = append(deleted, key)
			}
		}
	}
	ms.stats.Deletes += int64(len(deleted))
	sort.Strings(deleted)
	return deleted, nil
}

// Publish 同步地把消息投递给该频道当前的所有订阅者。
// 处理函数在锁外调用，可以安全地回调本存储。
func (ms *MemoryStore) Publish(ctx context.Context, channel string, message []byte) error {
	ms.mu.Lock()
	if err := ms.checkLocked(); err != nil {
		ms.mu.Unlock()
		return err
	}
	ms.stats.Publishes++

	handlers := make([]MessageHandler, 0, len(ms.subscribers[channel]))
	for _, h := range ms.subscribers[channel] {
		handlers = append(handlers, h)
	}
	ms.mu.Unlock()

	for _, h := range handlers {
		payload := make([]byte, len(message))
		copy(payload, message)
		h(payload)
	}
	return nil
}

// Subscribe 注册一个频道处理函数。
func (ms *MemoryStore) Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil, ErrStoreClosed
	}

	if ms.subscribers[channel] == nil {
		ms.subscribers[channel] = make(map[int]MessageHandler)
	}
	ms.nextSubID++
	id := ms.nextSubID
	ms.subscribers[channel][id] = handler

	return &memorySubscription{store: ms, channel: channel, id: id}, nil
}

// Pipeline 在一次加锁内顺序执行全部命令。
func (ms *MemoryStore) Pipeline(ctx context.Context, ops []Op) ([]OpResult, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkLocked(); err != nil {
		return nil, err
	}
	ms.stats.Pipelines++

	results := make([]OpResult, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			ms.stats.Gets++
			value, err := ms.getLocked(op.Key)
			if err == nil {
				results[i] = OpResult{Value: value, Found: true}
			}
		case OpSet:
			ms.stats.Sets++
			ms.setLocked(op.Key, op.Value, op.TTL)
		case OpDelete:
			ms.stats.Deletes++
			results[i] = OpResult{Found: ms.deleteLocked(op.Key)}
		default:
			results[i] = OpResult{Err: NewStorageError(ErrPipelineUnsupported, "unknown op kind: "+string(op.Kind))}
		}
	}
	return results, nil
}

// Ping 检查存储是否可用。
func (ms *MemoryStore) Ping(ctx context.Context) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.checkLocked()
}

// Len 返回当前保存的键数量（包含尚未清理的过期键）。
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// Keys 返回所有未过期的键，按字典序排列。
func (ms *MemoryStore) Keys() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	keys := make([]string, 0, len(ms.data))
	for key, rec := range ms.data {
		if !ms.expiredLocked(rec) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats 返回统计信息快照。
func (ms *MemoryStore) Stats() MemoryStoreStats {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.stats
}

// Close 停止后台清理并拒绝后续请求。重复调用是安全的。
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	if ms.closed {
		ms.mu.Unlock()
		return nil
	}
	ms.closed = true
	ms.subscribers = make(map[string]map[int]MessageHandler)
	ms.mu.Unlock()

	if ms.stopCleanup != nil {
		close(ms.stopCleanup)
		<-ms.cleanupDone
	}
	return nil
}

func (ms *MemoryStore) expiredLocked(rec memoryRecord) bool {
	return !rec.expireAt.IsZero() && !ms.now().Before(rec.expireAt)
}

// startPeriodicCleanup 启动清理协程
func (ms *MemoryStore) startPeriodicCleanup(interval time.Duration) {
	defer close(ms.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.cleanup()
		case <-ms.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期条目
func (ms *MemoryStore) cleanup() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, rec := range ms.data {
		if ms.expiredLocked(rec) {
			delete(ms.data, key)
			ms.stats.Expired++
		}
	}
	ms.stats.LastSweep = ms.now()
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	id      int
	once    sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		delete(s.store.subscribers[s.channel], s.id)
	})
	return nil
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ Pipeliner = (*MemoryStore)(nil)
	_ Pinger    = (*MemoryStore)(nil)
)
