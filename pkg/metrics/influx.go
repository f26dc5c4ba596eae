package metrics

import (
	"context"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"tiercache/pkg/cache"
	"tiercache/pkg/config"
)

const (
	measurement  = "cache_stats"
	writeTimeout = 5 * time.Second
)

// InfluxReporter 在每次 metrics:updated 事件时把统计快照写入 InfluxDB。
// 写入是同步的，失败只记录日志和计数。
type InfluxReporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	tags     map[string]string
	logger   *logrus.Entry

	writes   atomic.Int64
	failures atomic.Int64
}

// NewInfluxReporter 创建上报器，tags 会附加到每个数据点上
func NewInfluxReporter(cfg config.InfluxConfig, tags map[string]string, logger *logrus.Entry) *InfluxReporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxReporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		tags:     tags,
		logger:   logger,
	}
}

// OnEvent 实现 cache.Observer
func (r *InfluxReporter) OnEvent(event cache.Event) {
	if event.Type != cache.EventMetricsUpdated || event.Stats == nil {
		return
	}

	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	point := influxdb2.NewPoint(measurement, r.tags, statsFields(*event.Stats), ts)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.writeAPI.WritePoint(ctx, point); err != nil {
		r.failures.Add(1)
		r.logger.WithError(err).Warn("写入 InfluxDB 失败")
		return
	}
	r.writes.Add(1)
}

func statsFields(s cache.Stats) map[string]interface{} {
	return map[string]interface{}{
		"hits":                    s.Hits,
		"misses":                  s.Misses,
		"sets":                    s.Sets,
		"deletes":                 s.Deletes,
		"evictions":               s.Evictions,
		"tag_invalidations":       s.TagInvalidations,
		"remote_errors":           s.RemoteErrors,
		"corrupted":               s.Corrupted,
		"refreshes":               s.Refreshes,
		"promotions":              s.Promotions,
		"invalidations_published": s.InvalidationsPublished,
		"invalidations_dropped":   s.InvalidationsDropped,
		"invalidations_received":  s.InvalidationsReceived,
		"pending_invalidations":   int64(s.PendingInvalidations),
		"avg_get_ms":              s.AvgGetMs,
		"avg_set_ms":              s.AvgSetMs,
		"avg_compress_ms":         s.AvgCompressMs,
		"entries":                 int64(s.Entries),
		"size_bytes":              s.Size,
		"limit_bytes":             s.Limit,
		"hit_rate":                s.HitRate,
		"utilization":             s.Utilization(),
	}
}

// Ping 检查 InfluxDB 健康状态
func (r *InfluxReporter) Ping(ctx context.Context) error {
	_, err := r.client.Health(ctx)
	return err
}

// Writes 返回写入成功和失败的次数
func (r *InfluxReporter) Writes() (ok, failed int64) {
	return r.writes.Load(), r.failures.Load()
}

// Close 关闭客户端
func (r *InfluxReporter) Close() {
	r.client.Close()
}

var _ cache.Observer = (*InfluxReporter)(nil)
