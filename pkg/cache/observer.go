package cache

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventType 缓存事件类型
type EventType string

const (
	EventHit            EventType = "cache:hit"
	EventMiss           EventType = "cache:miss"
	EventSet            EventType = "cache:set"
	EventDelete         EventType = "cache:delete"
	EventTagInvalidated EventType = "tag:invalidated"
	EventError          EventType = "cache:error"
	EventMetricsUpdated EventType = "metrics:updated"
)

// Source 命中来源
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Event 缓存事件。不同类型只填充相关字段：
// hit 带 Key/Source，set 带 Key/Size，tag:invalidated 带 Tag/Count，
// cache:error 带 Operation/Key/Err，metrics:updated 带 Stats。
type Event struct {
	Type      EventType
	Time      time.Time
	Key       string
	Source    Source
	Size      int64
	Tag       string
	Count     int
	Operation string
	Err       error
	Stats     *Stats
}

// Observer 接收缓存事件。OnEvent 在触发事件的协程中同步调用，实现需要并发安全且尽快返回。
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc 函数适配器
type ObserverFunc func(event Event)

// OnEvent 实现 Observer
func (f ObserverFunc) OnEvent(event Event) {
	f(event)
}

// LogObserver 把事件写入 logrus 日志
type LogObserver struct {
	logger *logrus.Entry
}

// NewLogObserver 创建日志观察者
func NewLogObserver(logger *logrus.Entry) *LogObserver {
	return &LogObserver{logger: logger}
}

// OnEvent 实现 Observer
func (o *LogObserver) OnEvent(event Event) {
	fields := logrus.Fields{"event": string(event.Type)}
	if event.Key != "" {
		fields["key"] = event.Key
	}

	switch event.Type {
	case EventError:
		fields["operation"] = event.Operation
		o.logger.WithFields(fields).WithError(event.Err).Warn("缓存操作失败")
	case EventTagInvalidated:
		fields["tag"] = event.Tag
		fields["count"] = event.Count
		o.logger.WithFields(fields).Info("标签已失效")
	case EventMetricsUpdated:
		if event.Stats != nil {
			fields["hit_rate"] = event.Stats.HitRate
			fields["size"] = event.Stats.Size
			fields["entries"] = event.Stats.Entries
		}
		o.logger.WithFields(fields).Debug("缓存指标已更新")
	case EventHit:
		fields["source"] = string(event.Source)
		o.logger.WithFields(fields).Trace("缓存命中")
	case EventSet:
		fields["size"] = event.Size
		o.logger.WithFields(fields).Trace("缓存写入")
	default:
		o.logger.WithFields(fields).Trace("缓存事件")
	}
}
