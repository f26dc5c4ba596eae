package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tiercache/pkg/logger"
	"tiercache/pkg/message"
	"tiercache/pkg/scheduler"
	"tiercache/pkg/storage"
)

const closeTimeout = 10 * time.Second

// 定时任务名称
const (
	JobSweep   = "local-sweep"
	JobMetrics = "metrics-refresh"
	JobDrain   = "invalidation-drain"
)

var tagEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// BatchItem 批量写入的单个条目
type BatchItem struct {
	Key     string
	Value   interface{}
	Options []SetOption
}

// PipelineOp 管道中的单个操作，Value 和 Options 只对 set 有效
type PipelineOp struct {
	Kind    storage.OpKind
	Key     string
	Value   interface{}
	Options []SetOption
}

// PipelineResult 管道中单个操作的结果。
// get 命中时 Found 为 true 且 Value 为原始 JSON；delete 时 Found 表示键是否存在。
type PipelineResult struct {
	Key   string
	Found bool
	Value json.RawMessage
	Err   error
}

type remoteResult struct {
	entry Entry
	raw   []byte
}

// pipelineRef 记录远程操作属于哪个调用方操作
type pipelineRef struct {
	index   int
	primary bool // false 表示标签索引键上的附属操作
}

// TieredCache 本地 LRU 与共享远程存储组成的两级缓存。
// 远程存储不可用时所有操作退化为只使用本地层或直接未命中，不会向调用方返回后端错误。
type TieredCache struct {
	opts        Options
	store       storage.Store
	local       *LRU
	codec       *Codec
	stats       statsCollector
	broadcaster *Broadcaster
	scheduler   *scheduler.DefaultJobScheduler
	observers   []Observer
	refresher   Refresher
	logger      *logrus.Entry

	group      singleflight.Group
	refreshing sync.Map

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup // 后台预刷新协程
	inflight sync.WaitGroup // 正在执行的公开操作

	mu     sync.RWMutex
	opened bool
	closed bool
}

// New 创建两级缓存。调用 Open 之后才会订阅失效广播并启动定时任务。
func New(store storage.Store, opts Options, deps ...Option) (*TieredCache, error) {
	if store == nil {
		return nil, fmt.Errorf("backing store is required")
	}
	opts = opts.withDefaults()
	if opts.RefreshThreshold < 0 || opts.RefreshThreshold > 1 {
		return nil, fmt.Errorf("refresh threshold must be within [0, 1], got %v", opts.RefreshThreshold)
	}

	codec, err := NewCodec(opts.CompressionLevel)
	if err != nil {
		return nil, err
	}

	c := &TieredCache{
		opts:  opts,
		store: store,
		local: NewLRU(opts.MaxBytes, opts.UpdateAgeOnRead),
		codec: codec,
	}
	for _, dep := range deps {
		dep(c)
	}
	if c.logger == nil {
		c.logger = logger.WithComponent("tiered_cache")
	}

	c.local.OnEvict(func(key string, entry Entry) {
		c.stats.evictions.Add(1)
		c.logger.WithFields(logrus.Fields{"key": key, "size": entry.SizeBytes}).Debug("本地条目被淘汰")
	})

	c.broadcaster = NewBroadcaster(store, BroadcasterConfig{
		Namespace: opts.Namespace,
		Channel:   opts.BroadcastChannel,
		MaxDepth:  opts.QueueMaxDepth,
		BatchSize: opts.BroadcastBatch,
	}, c.applyInvalidation, c.logger.WithField("component", "broadcaster"))
	c.scheduler = scheduler.NewJobScheduler(c.logger.WithField("component", "scheduler"))
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	return c, nil
}

// Open 订阅失效广播并启动清理、指标和广播定时任务。重复调用是安全的。
func (c *TieredCache) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheAlreadyClosed
	}
	if c.opened {
		return nil
	}

	// 订阅失败不影响本实例工作，只是收不到其他实例的失效消息
	if err := c.broadcaster.Subscribe(ctx); err != nil {
		c.recordRemoteError("subscribe", "", err)
	}

	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{JobSweep, c.opts.SweepInterval, func(ctx context.Context) error {
			c.Sweep()
			return nil
		}},
		{JobMetrics, c.opts.MetricsInterval, func(ctx context.Context) error {
			c.RefreshMetrics()
			return nil
		}},
		{JobDrain, c.opts.BroadcastInterval, func(ctx context.Context) error {
			c.DrainInvalidations(ctx)
			return nil
		}},
	}
	for _, job := range jobs {
		config := scheduler.JobConfig{
			Name:     job.name,
			Enabled:  true,
			Schedule: scheduler.Every(job.interval),
			Timeout:  job.interval,
		}
		if err := c.scheduler.AddJob(config, job.fn); err != nil {
			return fmt.Errorf("register job %s: %w", job.name, err)
		}
	}
	if err := c.scheduler.Start(); err != nil {
		return err
	}

	c.opened = true
	c.logger.WithFields(logrus.Fields{
		"namespace": c.opts.Namespace,
		"max_bytes": c.opts.MaxBytes,
		"instance":  c.broadcaster.InstanceID(),
	}).Info("两级缓存已启动")
	return nil
}

// Close 停止定时任务、取消订阅、发出剩余的失效消息、等待后台协程并关闭远程存储。
// 重复调用是安全的；关闭后读取总是未命中，写入是空操作。
func (c *TieredCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	opened := c.opened
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if opened {
		if err := c.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.inflight.Wait()

	if err := c.broadcaster.Close(); err != nil {
		errs = append(errs, err)
	}
	for len(c.broadcaster.Pending()) > 0 && ctx.Err() == nil {
		c.broadcaster.Drain(ctx)
	}

	c.bgCancel()
	c.wg.Wait()
	c.codec.Close()

	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("两级缓存已关闭")
	return errors.Join(errs...)
}

// acquire 登记一个正在执行的操作，缓存已关闭时返回 false
func (c *TieredCache) acquire() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *TieredCache) release() {
	c.inflight.Done()
}

func (c *TieredCache) now() time.Time {
	return c.opts.Now()
}

// Get 读取 key 并解码到 dest，两级都未命中时返回 ErrCacheMissNotFound
func (c *TieredCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	return c.codec.Deserialize(raw, dest)
}

// GetAs 读取 key 并解码为 T
func GetAs[T any](ctx context.Context, c *TieredCache, key string) (T, error) {
	var value T
	err := c.Get(ctx, key, &value)
	return value, err
}

// GetRaw 读取 key 的原始 JSON。先查本地层，未命中再查远程层并提升到本地层。
func (c *TieredCache) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	if !c.acquire() {
		return nil, ErrCacheMissNotFound
	}
	defer c.release()

	start := time.Now()
	defer func() { c.stats.getLatency.observe(time.Since(start)) }()

	if raw, ok := c.getLocal(key); ok {
		return raw, nil
	}
	if raw, ok := c.getRemote(ctx, key); ok {
		return raw, nil
	}

	c.stats.misses.Add(1)
	c.emit(Event{Type: EventMiss, Key: key})
	return nil, ErrCacheMissNotFound
}

// getLocal 查询本地层，过期或损坏的条目会被删除
func (c *TieredCache) getLocal(key string) (json.RawMessage, bool) {
	entry, ok := c.local.Get(key)
	if !ok {
		return nil, false
	}

	now := c.now()
	if !entry.IsValid(now) {
		c.local.Delete(key)
		return nil, false
	}

	raw, err := c.codec.Plain(entry)
	if err != nil {
		c.local.Delete(key)
		c.stats.corrupted.Add(1)
		c.logger.WithError(err).WithField("key", key).Warn("本地条目损坏，已删除")
		return nil, false
	}

	c.stats.hits.Add(1)
	c.emit(Event{Type: EventHit, Key: key, Source: SourceLocal})
	if entry.NeedsRefresh(now, c.opts.RefreshThreshold) {
		c.scheduleRefresh(key)
	}
	return raw, true
}

// getRemote 查询远程层，同一个键的并发查询共享一次远程调用
func (c *TieredCache) getRemote(ctx context.Context, key string) (json.RawMessage, bool) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// 不随首个调用方取消，否则共享结果的其他调用方也会失败
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RemoteTimeout)
		defer cancel()
		return c.loadRemote(rctx, key)
	})
	if err != nil {
		return nil, false
	}

	c.stats.hits.Add(1)
	c.emit(Event{Type: EventHit, Key: key, Source: SourceRemote})
	return v.(remoteResult).raw, true
}

func (c *TieredCache) loadRemote(ctx context.Context, key string) (remoteResult, error) {
	data, err := c.store.Get(ctx, c.dataKey(key))
	if err != nil {
		if !storage.IsMiss(err) {
			c.recordRemoteError("get", key, err)
		}
		return remoteResult{}, ErrCacheMissNotFound
	}
	return c.acceptRemote(ctx, key, data, true)
}

// acceptRemote 解析远程记录并校验新鲜度，promote 为 true 时提升到本地层。无法解析的记录会从远程删除。
func (c *TieredCache) acceptRemote(ctx context.Context, key string, data []byte, promote bool) (remoteResult, error) {
	entry, err := decodeEnvelope(key, data)
	var raw []byte
	if err == nil {
		raw, err = c.codec.Plain(entry)
	}
	if err != nil {
		c.purgeCorrupted(ctx, key, err)
		return remoteResult{}, ErrCacheMissNotFound
	}

	if !entry.IsValid(c.now()) {
		return remoteResult{}, ErrCacheMissNotFound
	}

	if promote {
		c.local.Set(key, entry)
		c.stats.promotions.Add(1)
	}
	return remoteResult{entry: entry, raw: raw}, nil
}

func (c *TieredCache) purgeCorrupted(ctx context.Context, key string, cause error) {
	c.stats.corrupted.Add(1)
	c.local.Delete(key)
	c.logger.WithError(cause).WithField("key", key).Warn("远程记录无法解析，按未命中处理并删除")
	c.emit(Event{Type: EventError, Operation: "decode", Key: key, Err: cause})

	if _, err := c.store.Delete(ctx, c.dataKey(key)); err != nil {
		c.recordRemoteError("delete", key, err)
	}
}

// scheduleRefresh 异步把条目的创建时间改为当前时间，并调用预刷新回调。同一个键同时只有一个刷新。
func (c *TieredCache) scheduleRefresh(key string) {
	if _, loaded := c.refreshing.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.refreshing.Delete(key)

		if c.local.Restamp(key, c.now()) {
			c.stats.refreshes.Add(1)
		}
		if c.refresher == nil {
			return
		}
		if err := c.refresher.Refresh(c.bgCtx, key); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("预刷新失败")
			c.emit(Event{Type: EventError, Operation: "refresh", Key: key, Err: err})
		}
	}()
}

// Set 写入两级缓存。只有值无法序列化时返回错误，远程写入失败只会计数。
func (c *TieredCache) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) error {
	if !c.acquire() {
		return nil
	}
	defer c.release()

	start := time.Now()
	defer func() { c.stats.setLatency.observe(time.Since(start)) }()

	entry, err := c.buildEntry(key, value, opts)
	if err != nil {
		return err
	}

	c.local.Set(key, entry)
	c.stats.sets.Add(1)
	c.emit(Event{Type: EventSet, Key: key, Size: entry.SizeBytes})
	if entry.SizeBytes > c.local.Limit() {
		// 只保存在远程层
		c.emit(Event{Type: EventError, Operation: "set", Key: key, Err: ErrCacheEntryTooLarge})
	}

	c.writeRemote(ctx, entry)
	return nil
}

// buildEntry 序列化值，必要时压缩，并填充元数据
func (c *TieredCache) buildEntry(key string, value interface{}, opts []SetOption) (Entry, error) {
	var so SetOptions
	for _, opt := range opts {
		opt(&so)
	}

	data, err := c.codec.Serialize(value)
	if err != nil {
		return Entry{}, err
	}

	compress := c.opts.CompressionEnabled
	switch so.Compress {
	case CompressOn:
		compress = true
	case CompressOff:
		compress = false
	}

	compressed := false
	if compress && len(data) > c.opts.CompressionThreshold {
		start := time.Now()
		data = c.codec.Compress(data)
		c.stats.compressLatency.observe(time.Since(start))
		compressed = true
	}

	ttl := so.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	// 远程记录以毫秒保存 TTL
	if rem := ttl % time.Millisecond; rem != 0 {
		ttl += time.Millisecond - rem
	}
	priority := so.Priority
	if !priority.Valid() {
		priority = PriorityNormal
	}

	var tags []string
	if len(so.Tags) > 0 {
		tags = slices.Clone(so.Tags)
		slices.Sort(tags)
		tags = slices.Compact(tags)
	}

	now := c.now()
	version := so.Version
	if version == 0 {
		version = now.UnixMilli()
	}

	return Entry{
		Key:              key,
		Value:            data,
		CreatedAt:        now,
		TTL:              ttl,
		SizeBytes:        int64(len(data)),
		Compressed:       compressed,
		Tags:             tags,
		Priority:         priority,
		Version:          version,
		RefreshThreshold: so.RefreshThreshold,
	}, nil
}

// remoteSetOps 生成写入数据键和标签索引键的远程操作
func (c *TieredCache) remoteSetOps(entry Entry) ([]storage.Op, error) {
	data, err := encodeEnvelope(entry)
	if err != nil {
		return nil, err
	}

	ops := make([]storage.Op, 0, 1+len(entry.Tags))
	ops = append(ops, storage.Op{Kind: storage.OpSet, Key: c.dataKey(entry.Key), Value: data, TTL: entry.TTL})
	for _, tag := range entry.Tags {
		ops = append(ops, storage.Op{Kind: storage.OpSet, Key: c.tagKey(tag, entry.Key), Value: []byte{}, TTL: entry.TTL})
	}
	return ops, nil
}

func (c *TieredCache) writeRemote(ctx context.Context, entry Entry) {
	ops, err := c.remoteSetOps(entry)
	if err != nil {
		c.recordRemoteError("set", entry.Key, err)
		return
	}

	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()

	results, err := c.execRemote(rctx, ops)
	if err == nil {
		err = firstOpError(results)
	}
	if err != nil {
		c.recordRemoteError("set", entry.Key, err)
	}
}

// Delete 从两级缓存删除 key，返回键是否存在于任意一层
func (c *TieredCache) Delete(ctx context.Context, key string) bool {
	if !c.acquire() {
		return false
	}
	defer c.release()

	entry, hadLocal := c.local.Peek(key)
	localFound := hadLocal && c.local.Delete(key)

	ops := []storage.Op{{Kind: storage.OpDelete, Key: c.dataKey(key)}}
	for _, tag := range entry.Tags {
		ops = append(ops, storage.Op{Kind: storage.OpDelete, Key: c.tagKey(tag, key)})
	}

	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()

	remoteFound := false
	results, err := c.execRemote(rctx, ops)
	switch {
	case err != nil:
		c.recordRemoteError("delete", key, err)
	case results[0].Err != nil:
		c.recordRemoteError("delete", key, results[0].Err)
	default:
		remoteFound = results[0].Found
	}

	found := localFound || remoteFound
	if found {
		c.stats.deletes.Add(1)
		c.emit(Event{Type: EventDelete, Key: key})
	}
	return found
}

// InvalidateByTag 删除本地和远程所有带 tag 的条目，并把失效记录放入广播队列。
// 返回删除的不同键的数量；远程失败只计数，不会返回错误。
func (c *TieredCache) InvalidateByTag(ctx context.Context, tag string) int {
	if !c.acquire() {
		return 0
	}
	defer c.release()

	removed := make(map[string]struct{})
	for key, entry := range c.local.Entries() {
		if entry.HasTag(tag) && c.local.Delete(key) {
			removed[key] = struct{}{}
		}
	}

	c.purgeRemoteTag(ctx, tag, removed)

	keys := make([]string, 0, len(removed))
	for key := range removed {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	now := c.now()
	c.stats.tagInvalidations.Add(1)
	c.broadcaster.Enqueue(InvalidationRecord{
		Tag:       tag,
		Keys:      keys,
		Timestamp: now,
		Version:   now.UnixMilli(),
	})
	c.emit(Event{Type: EventTagInvalidated, Tag: tag, Count: len(keys)})
	return len(keys)
}

// purgeRemoteTag 通过标签索引找到候选键，只删除记录中仍带 tag 的键，删除成功的键加入 removed
func (c *TieredCache) purgeRemoteTag(ctx context.Context, tag string, removed map[string]struct{}) {
	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()

	prefix := c.tagPrefix(tag)
	markers, err := c.store.DeleteByPrefix(rctx, prefix)
	if err != nil {
		c.recordRemoteError("invalidate", tag, err)
		return
	}

	candidates := make([]string, 0, len(markers))
	gets := make([]storage.Op, 0, len(markers))
	for _, marker := range markers {
		key := strings.TrimPrefix(marker, prefix)
		candidates = append(candidates, key)
		gets = append(gets, storage.Op{Kind: storage.OpGet, Key: c.dataKey(key)})
	}

	// 索引键可能落后于数据：键被重新写入时换了标签，或在其他实例上被删除
	records, err := c.execRemote(rctx, gets)
	if err != nil {
		c.recordRemoteError("invalidate", tag, err)
		return
	}

	keys := make([]string, 0, len(candidates))
	ops := make([]storage.Op, 0, len(candidates))
	for i, record := range records {
		key := candidates[i]
		if record.Err != nil {
			c.recordRemoteError("invalidate", key, record.Err)
			continue
		}
		if !record.Found {
			continue
		}
		entry, err := decodeEnvelope(key, record.Value)
		if err != nil {
			c.purgeCorrupted(rctx, key, err)
			continue
		}
		if !entry.HasTag(tag) {
			continue
		}
		keys = append(keys, key)
		ops = append(ops, storage.Op{Kind: storage.OpDelete, Key: c.dataKey(key)})
	}

	results, err := c.execRemote(rctx, ops)
	if err != nil {
		c.recordRemoteError("invalidate", tag, err)
		return
	}
	for i, result := range results {
		if result.Err != nil {
			c.recordRemoteError("invalidate", keys[i], result.Err)
			continue
		}
		if result.Found {
			removed[keys[i]] = struct{}{}
		}
	}
}

// applyInvalidation 处理其他实例的失效消息：删除带该标签且版本更旧的本地条目
func (c *TieredCache) applyInvalidation(msg *message.InvalidationMessage) {
	if !c.acquire() {
		return
	}
	defer c.release()

	version := msg.Body.Version
	purged := 0
	for key, entry := range c.local.Entries() {
		if entry.HasTag(msg.Body.Tag) && entry.Version < version && c.local.Delete(key) {
			purged++
		}
	}
	for _, key := range msg.Body.Keys {
		if entry, ok := c.local.Peek(key); ok && entry.Version < version && c.local.Delete(key) {
			purged++
		}
	}

	c.logger.WithFields(logrus.Fields{
		"tag":      msg.Body.Tag,
		"version":  version,
		"producer": msg.Header.Producer,
		"purged":   purged,
	}).Debug("已应用远程失效消息")
}

// DrainInvalidations 发布一批待广播的失效记录，返回发布成功的数量
func (c *TieredCache) DrainInvalidations(ctx context.Context) int {
	if !c.acquire() {
		return 0
	}
	defer c.release()

	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()
	return c.broadcaster.Drain(rctx)
}

// GetBatch 按窗口并发读取多个键，返回命中的原始 JSON
func (c *TieredCache) GetBatch(ctx context.Context, keys []string) map[string]json.RawMessage {
	results := make(map[string]json.RawMessage, len(keys))
	var mu sync.Mutex

	c.runWindows(ctx, len(keys), func(i int) {
		raw, err := c.GetRaw(ctx, keys[i])
		if err != nil {
			return
		}
		mu.Lock()
		results[keys[i]] = raw
		mu.Unlock()
	})
	return results
}

// SetBatch 按窗口并发写入多个条目，返回写入成功的数量
func (c *TieredCache) SetBatch(ctx context.Context, items []BatchItem) int {
	return c.setMany(ctx, items, nil)
}

// WarmCache 分批预加载条目，单个条目失败只记录日志
func (c *TieredCache) WarmCache(ctx context.Context, items []BatchItem) int {
	stored := c.setMany(ctx, items, func(item BatchItem, err error) {
		c.logger.WithError(err).WithField("key", item.Key).Warn("预热条目失败")
	})
	c.logger.WithFields(logrus.Fields{
		"total":  len(items),
		"stored": stored,
	}).Info("缓存预热完成")
	return stored
}

func (c *TieredCache) setMany(ctx context.Context, items []BatchItem, onError func(BatchItem, error)) int {
	if !c.acquire() {
		return 0
	}
	defer c.release()

	var mu sync.Mutex
	stored := 0
	c.runWindows(ctx, len(items), func(i int) {
		item := items[i]
		if err := c.Set(ctx, item.Key, item.Value, item.Options...); err != nil {
			if onError != nil {
				onError(item, err)
			}
			return
		}
		mu.Lock()
		stored++
		mu.Unlock()
	})
	return stored
}

// runWindows 把 n 个任务按 BatchSize 分窗口，窗口内并发执行并等待全部完成，窗口之间间隔 BatchDelay
func (c *TieredCache) runWindows(ctx context.Context, n int, fn func(i int)) {
	for start := 0; start < n; start += c.opts.BatchSize {
		if start > 0 && c.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.BatchDelay):
			}
		}
		if ctx.Err() != nil {
			return
		}

		end := min(start+c.opts.BatchSize, n)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(i)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// Pipeline 在一次远程往返中执行一组 get/set/delete 操作，远程存储不支持管道时退回逐条调用。
// get 先查本地层；远程结果同样经过新鲜度校验，之后没有同键的 set 或 delete 时才提升到本地层。
func (c *TieredCache) Pipeline(ctx context.Context, ops []PipelineOp) []PipelineResult {
	results := make([]PipelineResult, len(ops))
	for i, op := range ops {
		results[i].Key = op.Key
	}
	if !c.acquire() {
		return results
	}
	defer c.release()

	remoteOps := make([]storage.Op, 0, len(ops))
	refs := make([]pipelineRef, 0, len(ops))
	localDeleted := make([]bool, len(ops))

	// 远程读取结果在所有本地操作之后才返回，被后续写覆盖的键不能再提升
	superseded := make([]bool, len(ops))
	written := make(map[string]struct{})
	for i := len(ops) - 1; i >= 0; i-- {
		switch ops[i].Kind {
		case storage.OpGet:
			_, superseded[i] = written[ops[i].Key]
		case storage.OpSet, storage.OpDelete:
			written[ops[i].Key] = struct{}{}
		}
	}

	for i, op := range ops {
		switch op.Kind {
		case storage.OpGet:
			if raw, ok := c.getLocal(op.Key); ok {
				results[i].Found = true
				results[i].Value = raw
				continue
			}
			remoteOps = append(remoteOps, storage.Op{Kind: storage.OpGet, Key: c.dataKey(op.Key)})
			refs = append(refs, pipelineRef{index: i, primary: true})

		case storage.OpSet:
			entry, err := c.buildEntry(op.Key, op.Value, op.Options)
			if err != nil {
				results[i].Err = err
				continue
			}
			c.local.Set(op.Key, entry)
			c.stats.sets.Add(1)
			c.emit(Event{Type: EventSet, Key: op.Key, Size: entry.SizeBytes})
			results[i].Found = true

			setOps, err := c.remoteSetOps(entry)
			if err != nil {
				c.recordRemoteError("pipeline", op.Key, err)
				continue
			}
			for j, setOp := range setOps {
				remoteOps = append(remoteOps, setOp)
				refs = append(refs, pipelineRef{index: i, primary: j == 0})
			}

		case storage.OpDelete:
			entry, had := c.local.Peek(op.Key)
			localDeleted[i] = had && c.local.Delete(op.Key)
			results[i].Found = localDeleted[i]

			remoteOps = append(remoteOps, storage.Op{Kind: storage.OpDelete, Key: c.dataKey(op.Key)})
			refs = append(refs, pipelineRef{index: i, primary: true})
			for _, tag := range entry.Tags {
				remoteOps = append(remoteOps, storage.Op{Kind: storage.OpDelete, Key: c.tagKey(tag, op.Key)})
				refs = append(refs, pipelineRef{index: i})
			}

		default:
			results[i].Err = storage.NewStorageError(storage.ErrPipelineUnsupported, "unknown op kind: "+string(op.Kind))
		}
	}

	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()

	remoteResults, err := c.execRemote(rctx, remoteOps)
	if err != nil {
		c.recordRemoteError("pipeline", "", err)
		remoteResults = nil
	}

	for j, rr := range remoteResults {
		ref := refs[j]
		key := ops[ref.index].Key
		if rr.Err != nil {
			c.recordRemoteError("pipeline", key, rr.Err)
			continue
		}
		if !ref.primary {
			continue
		}

		switch ops[ref.index].Kind {
		case storage.OpGet:
			if !rr.Found {
				continue
			}
			res, err := c.acceptRemote(rctx, key, rr.Value, !superseded[ref.index])
			if err != nil {
				continue
			}
			results[ref.index].Found = true
			results[ref.index].Value = res.raw
			c.stats.hits.Add(1)
			c.emit(Event{Type: EventHit, Key: key, Source: SourceRemote})
		case storage.OpDelete:
			results[ref.index].Found = localDeleted[ref.index] || rr.Found
		}
	}

	for i, op := range ops {
		switch {
		case op.Kind == storage.OpGet && !results[i].Found:
			c.stats.misses.Add(1)
			c.emit(Event{Type: EventMiss, Key: op.Key})
		case op.Kind == storage.OpDelete && results[i].Found:
			c.stats.deletes.Add(1)
			c.emit(Event{Type: EventDelete, Key: op.Key})
		}
	}
	return results
}

// execRemote 执行一组远程操作，优先使用管道
func (c *TieredCache) execRemote(ctx context.Context, ops []storage.Op) ([]storage.OpResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if p, ok := c.store.(storage.Pipeliner); ok && len(ops) > 1 {
		results, err := p.Pipeline(ctx, ops)
		if err == nil {
			return results, nil
		}
		if !storage.IsPipelineUnsupported(err) {
			return nil, err
		}
	}
	return c.execSequential(ctx, ops), nil
}

func (c *TieredCache) execSequential(ctx context.Context, ops []storage.Op) []storage.OpResult {
	results := make([]storage.OpResult, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case storage.OpGet:
			value, err := c.store.Get(ctx, op.Key)
			switch {
			case err == nil:
				results[i] = storage.OpResult{Value: value, Found: true}
			case !storage.IsMiss(err):
				results[i].Err = err
			}
		case storage.OpSet:
			results[i].Err = c.store.Set(ctx, op.Key, op.Value, op.TTL)
		case storage.OpDelete:
			found, err := c.store.Delete(ctx, op.Key)
			results[i] = storage.OpResult{Found: found, Err: err}
		default:
			results[i].Err = storage.NewStorageError(storage.ErrPipelineUnsupported, "unknown op kind: "+string(op.Kind))
		}
	}
	return results
}

func firstOpError(results []storage.OpResult) error {
	for _, result := range results {
		if result.Err != nil {
			return result.Err
		}
	}
	return nil
}

// Sweep 删除本地层中所有过期条目，返回删除数量
func (c *TieredCache) Sweep() int {
	if !c.acquire() {
		return 0
	}
	defer c.release()

	now := c.now()
	expired := 0
	for key, entry := range c.local.Entries() {
		if !entry.IsValid(now) && c.local.Delete(key) {
			expired++
		}
	}
	if expired > 0 {
		c.logger.WithField("expired", expired).Debug("已清理过期的本地条目")
	}
	return expired
}

// RefreshMetrics 发出 metrics:updated 事件，状态异常时记录警告
func (c *TieredCache) RefreshMetrics() Stats {
	stats := c.Stats()
	c.emit(Event{Type: EventMetricsUpdated, Stats: &stats})

	if report := EvaluateHealth(stats, c.now()); report.Status != HealthHealthy {
		c.logger.WithFields(logrus.Fields{
			"status":        report.Status,
			"utilization":   report.Utilization,
			"hit_rate":      report.HitRate,
			"remote_errors": report.RemoteErrors,
		}).Warn("缓存健康状态异常")
	}
	return stats
}

// Clear 清空本地层和远程命名空间，并重置统计信息
func (c *TieredCache) Clear(ctx context.Context) {
	if !c.acquire() {
		return
	}
	defer c.release()

	c.local.Clear()

	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()
	deleted, err := c.store.DeleteByPrefix(rctx, c.opts.Namespace+":")
	if err != nil {
		c.logger.WithError(err).Warn("清空远程命名空间失败")
	}

	c.stats.reset()
	c.broadcaster.resetStats()
	c.logger.WithField("remote_deleted", len(deleted)).Info("缓存已清空")
}

// Stats 返回统计快照
func (c *TieredCache) Stats() Stats {
	stats := c.stats.snapshot()

	b := c.broadcaster.Stats()
	stats.InvalidationsQueued = b.Queued
	stats.InvalidationsPublished = b.Published
	stats.InvalidationsDropped = b.Dropped
	stats.InvalidationsReceived = b.Received
	stats.PublishFailures = b.PublishFailures
	stats.PendingInvalidations = b.Pending
	stats.RemoteErrors += b.PublishFailures

	stats.Entries = c.local.Len()
	stats.Size = c.local.Size()
	stats.Limit = c.local.Limit()
	return stats
}

// HealthCheck 根据当前统计判定健康状态
func (c *TieredCache) HealthCheck() HealthReport {
	return EvaluateHealth(c.Stats(), c.now())
}

// InstanceID 返回广播使用的实例ID
func (c *TieredCache) InstanceID() string {
	return c.broadcaster.InstanceID()
}

func (c *TieredCache) emit(event Event) {
	if len(c.observers) == 0 {
		return
	}
	if event.Time.IsZero() {
		event.Time = c.now()
	}
	for _, observer := range c.observers {
		observer.OnEvent(event)
	}
}

func (c *TieredCache) recordRemoteError(operation, key string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = WrapCacheError(ErrCacheTimeout, "remote "+operation+" timed out", err)
	}
	c.stats.remoteErrors.Add(1)
	c.logger.WithError(err).WithFields(logrus.Fields{
		"operation": operation,
		"key":       key,
	}).Warn("远程存储操作失败")
	c.emit(Event{Type: EventError, Operation: operation, Key: key, Err: err})
}

func (c *TieredCache) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.RemoteTimeout)
}

// 数据键 <ns>:d:<key>，标签索引键 <ns>:t:<tag>:<key>，两者互不重叠
func (c *TieredCache) dataKey(key string) string {
	return c.opts.Namespace + ":d:" + key
}

func (c *TieredCache) tagPrefix(tag string) string {
	return c.opts.Namespace + ":t:" + tagEscaper.Replace(tag) + ":"
}

func (c *TieredCache) tagKey(tag, key string) string {
	return c.tagPrefix(tag) + key
}
