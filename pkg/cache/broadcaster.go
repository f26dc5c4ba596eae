package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tiercache/pkg/message"
	"tiercache/pkg/storage"
)

// InvalidationRecord 等待广播的一次标签失效
type InvalidationRecord struct {
	Tag       string
	Keys      []string
	Timestamp time.Time
	Version   int64
}

// InvalidationHandler 处理来自其他实例的失效消息
type InvalidationHandler func(msg *message.InvalidationMessage)

// BroadcasterConfig 广播器配置
type BroadcasterConfig struct {
	Namespace string
	Channel   string
	MaxDepth  int // 队列最大长度，超出时丢弃最早的记录
	BatchSize int // 每次发送的最大记录数
}

// BroadcasterStats 广播器统计信息
type BroadcasterStats struct {
	Queued          int64 `json:"queued"`
	Published       int64 `json:"published"`
	Dropped         int64 `json:"dropped"`
	PublishFailures int64 `json:"publish_failures"`
	Received        int64 `json:"received"`
	Ignored         int64 `json:"ignored"`
	Rejected        int64 `json:"rejected"`
	Pending         int   `json:"pending"`
}

// Broadcaster 通过共享存储的发布订阅在实例之间传播标签失效。
// 投递是尽力而为的：队列满时丢弃最早的记录，发布失败只计数不重试。
type Broadcaster struct {
	store      storage.Store
	config     BroadcasterConfig
	instanceID string
	handler    InvalidationHandler
	logger     *logrus.Entry

	mu    sync.Mutex
	queue []InvalidationRecord
	sub   storage.Subscription

	queued          atomic.Int64
	published       atomic.Int64
	dropped         atomic.Int64
	publishFailures atomic.Int64
	received        atomic.Int64
	ignored         atomic.Int64
	rejected        atomic.Int64
}

// NewBroadcaster 创建广播器，每个实例拥有唯一的实例ID
func NewBroadcaster(store storage.Store, config BroadcasterConfig, handler InvalidationHandler, logger *logrus.Entry) *Broadcaster {
	if config.MaxDepth <= 0 {
		config.MaxDepth = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Broadcaster{
		store:      store,
		config:     config,
		instanceID: uuid.New().String(),
		handler:    handler,
		logger:     logger,
		queue:      make([]InvalidationRecord, 0, config.BatchSize),
	}
}

// InstanceID 返回本实例ID
func (b *Broadcaster) InstanceID() string {
	return b.instanceID
}

// Enqueue 追加一条记录，队列已满时丢弃最早的记录并返回 true
func (b *Broadcaster) Enqueue(record InvalidationRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if len(b.queue) >= b.config.MaxDepth {
		lost := b.queue[0]
		b.queue = b.queue[1:]
		b.dropped.Add(1)
		dropped = true
		b.logger.WithField("tag", lost.Tag).Warn("失效队列已满，丢弃最早的记录")
	}
	b.queue = append(b.queue, record)
	b.queued.Add(1)
	return dropped
}

// Pending 返回队列中待发送的记录
func (b *Broadcaster) Pending() []InvalidationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]InvalidationRecord(nil), b.queue...)
}

// Drain 取出最多 BatchSize 条记录逐条发布，返回发布成功的数量。
// 发布失败的记录不会重新入队。
func (b *Broadcaster) Drain(ctx context.Context) int {
	b.mu.Lock()
	n := min(len(b.queue), b.config.BatchSize)
	batch := make([]InvalidationRecord, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.mu.Unlock()

	published := 0
	for _, record := range batch {
		msg := message.NewInvalidationMessage(b.instanceID, b.config.Namespace, record.Tag, record.Keys, record.Version)
		data, err := msg.Marshal()
		if err == nil {
			err = b.store.Publish(ctx, b.config.Channel, data)
		}
		if err != nil {
			b.publishFailures.Add(1)
			b.logger.WithError(err).WithField("tag", record.Tag).Warn("发布失效消息失败")
			continue
		}
		b.published.Add(1)
		published++
	}
	return published
}

// Subscribe 订阅广播频道
func (b *Broadcaster) Subscribe(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, b.config.Channel, b.receive)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"channel":  b.config.Channel,
		"instance": b.instanceID,
	}).Info("已订阅失效广播")
	return nil
}

// receive 处理收到的原始消息
func (b *Broadcaster) receive(payload []byte) {
	msg, err := message.Unmarshal(payload)
	if err != nil {
		b.rejected.Add(1)
		b.logger.WithError(err).Warn("丢弃无效的失效消息")
		return
	}

	// 忽略自己发出的消息和其他命名空间的消息
	if msg.Header.Producer == b.instanceID || msg.Body.Namespace != b.config.Namespace {
		b.ignored.Add(1)
		return
	}

	b.received.Add(1)
	if b.handler != nil {
		b.handler(msg)
	}
}

// Stats 返回统计信息
func (b *Broadcaster) Stats() BroadcasterStats {
	b.mu.Lock()
	pending := len(b.queue)
	b.mu.Unlock()

	return BroadcasterStats{
		Queued:          b.queued.Load(),
		Published:       b.published.Load(),
		Dropped:         b.dropped.Load(),
		PublishFailures: b.publishFailures.Load(),
		Received:        b.received.Load(),
		Ignored:         b.ignored.Load(),
		Rejected:        b.rejected.Load(),
		Pending:         pending,
	}
}

// Close 取消订阅
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// resetStats 清零计数器，不影响队列
func (b *Broadcaster) resetStats() {
	for _, c := range []*atomic.Int64{
		&b.queued, &b.published, &b.dropped, &b.publishFailures, &b.received, &b.ignored, &b.rejected,
	} {
		c.Store(0)
	}
}
