package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tiercache/pkg/cache"
)

// PrometheusObserver 把缓存事件转换为 Prometheus 指标。
// 计数器随事件实时累加，仪表盘类指标在 metrics:updated 事件时整体刷新。
type PrometheusObserver struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	remoteErrors     *prometheus.CounterVec
	tagInvalidations prometheus.Counter
	invalidatedKeys  prometheus.Counter
	setBytes         prometheus.Counter

	entries     prometheus.Gauge
	sizeBytes   prometheus.Gauge
	limitBytes  prometheus.Gauge
	utilization prometheus.Gauge
	hitRate     prometheus.Gauge
	pending     prometheus.Gauge
	latency     *prometheus.GaugeVec
	broadcast   *prometheus.GaugeVec
}

// NewPrometheusObserver 在独立的 Registry 上注册全部指标，namespace 作为指标名前缀
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusObserver{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "按类型和来源统计的缓存事件数量。",
		}, []string{"event", "source"}),
		remoteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "按操作统计的远程存储错误数量。",
		}, []string{"operation"}),
		tagInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tag_invalidations_total",
			Help:      "标签失效次数。",
		}),
		invalidatedKeys: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidated_keys_total",
			Help:      "标签失效删除的键数量。",
		}),
		setBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "set_bytes_total",
			Help:      "写入本地层的字节数。",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "本地层条目数量。",
		}),
		sizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_bytes",
			Help:      "本地层已用字节数。",
		}),
		limitBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "limit_bytes",
			Help:      "本地层字节容量。",
		}),
		utilization: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "utilization_ratio",
			Help:      "本地层容量使用率。",
		}),
		hitRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hit_rate",
			Help:      "命中率，没有查询时为 1。",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_invalidations",
			Help:      "等待广播的失效记录数量。",
		}),
		latency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_avg_ms",
			Help:      "操作耗时的平滑平均值（毫秒）。",
		}, []string{"operation"}),
		broadcast: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invalidations",
			Help:      "失效广播的累计计数，按状态区分。",
		}, []string{"state"}),
	}
}

// OnEvent 实现 cache.Observer
func (p *PrometheusObserver) OnEvent(event cache.Event) {
	switch event.Type {
	case cache.EventMetricsUpdated:
		if event.Stats != nil {
			p.updateGauges(*event.Stats)
		}
		return
	case cache.EventError:
		p.remoteErrors.WithLabelValues(event.Operation).Inc()
	case cache.EventTagInvalidated:
		p.tagInvalidations.Inc()
		p.invalidatedKeys.Add(float64(event.Count))
	case cache.EventSet:
		p.setBytes.Add(float64(event.Size))
	}
	p.events.WithLabelValues(string(event.Type), string(event.Source)).Inc()
}

func (p *PrometheusObserver) updateGauges(stats cache.Stats) {
	p.entries.Set(float64(stats.Entries))
	p.sizeBytes.Set(float64(stats.Size))
	p.limitBytes.Set(float64(stats.Limit))
	p.utilization.Set(stats.Utilization())
	p.hitRate.Set(stats.HitRate)
	p.pending.Set(float64(stats.PendingInvalidations))

	p.latency.WithLabelValues("get").Set(stats.AvgGetMs)
	p.latency.WithLabelValues("set").Set(stats.AvgSetMs)
	p.latency.WithLabelValues("compress").Set(stats.AvgCompressMs)

	p.broadcast.WithLabelValues("queued").Set(float64(stats.InvalidationsQueued))
	p.broadcast.WithLabelValues("published").Set(float64(stats.InvalidationsPublished))
	p.broadcast.WithLabelValues("dropped").Set(float64(stats.InvalidationsDropped))
	p.broadcast.WithLabelValues("received").Set(float64(stats.InvalidationsReceived))
	p.broadcast.WithLabelValues("failed").Set(float64(stats.PublishFailures))
}

// Registry 返回指标注册表，可以继续注册其他收集器
func (p *PrometheusObserver) Registry() *prometheus.Registry {
	return p.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ cache.Observer = (*PrometheusObserver)(nil)
