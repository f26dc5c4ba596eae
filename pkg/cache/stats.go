package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// 健康判定阈值
const (
	unhealthyUtilization = 0.9
	unhealthyRemoteErrs  = 10
	degradedUtilization  = 0.7
	degradedHitRate      = 0.8
)

// Stats 缓存统计快照
type Stats struct {
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	Sets             int64 `json:"sets"`
	Deletes          int64 `json:"deletes"`
	Evictions        int64 `json:"evictions"`
	TagInvalidations int64 `json:"tag_invalidations"`
	RemoteErrors     int64 `json:"remote_errors"`
	Corrupted        int64 `json:"corrupted"`
	Refreshes        int64 `json:"refreshes"`
	Promotions       int64 `json:"promotions"`

	InvalidationsQueued    int64 `json:"invalidations_queued"`
	InvalidationsPublished int64 `json:"invalidations_published"`
	InvalidationsDropped   int64 `json:"invalidations_dropped"`
	InvalidationsReceived  int64 `json:"invalidations_received"`
	PublishFailures        int64 `json:"publish_failures"`
	PendingInvalidations   int   `json:"pending_invalidations"`

	AvgGetMs      float64 `json:"avg_get_ms"`
	AvgSetMs      float64 `json:"avg_set_ms"`
	AvgCompressMs float64 `json:"avg_compress_ms"`

	Entries int     `json:"entries"`
	Size    int64   `json:"size"`
	Limit   int64   `json:"limit"`
	HitRate float64 `json:"hit_rate"`
}

// Utilization 本地缓存的容量使用率
func (s Stats) Utilization() float64 {
	if s.Limit <= 0 {
		return 0
	}
	return float64(s.Size) / float64(s.Limit)
}

// HealthReport 健康检查结果
type HealthReport struct {
	Status       HealthStatus `json:"status"`
	Utilization  float64      `json:"utilization"`
	HitRate      float64      `json:"hit_rate"`
	RemoteErrors int64        `json:"remote_errors"`
	Checked      time.Time    `json:"checked"`
}

// EvaluateHealth 根据统计快照判定健康状态，不修改任何状态
func EvaluateHealth(stats Stats, now time.Time) HealthReport {
	report := HealthReport{
		Status:       HealthHealthy,
		Utilization:  stats.Utilization(),
		HitRate:      stats.HitRate,
		RemoteErrors: stats.RemoteErrors,
		Checked:      now,
	}

	switch {
	case report.Utilization > unhealthyUtilization || report.RemoteErrors > unhealthyRemoteErrs:
		report.Status = HealthUnhealthy
	case report.Utilization > degradedUtilization || report.HitRate < degradedHitRate:
		report.Status = HealthDegraded
	}
	return report
}

// movingAverage 指数平滑平均值：new = (old + sample) / 2
type movingAverage struct {
	mu    sync.Mutex
	value float64
}

func (m *movingAverage) observe(d time.Duration) {
	sample := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	m.value = (m.value + sample) / 2
	m.mu.Unlock()
}

func (m *movingAverage) load() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *movingAverage) reset() {
	m.mu.Lock()
	m.value = 0
	m.mu.Unlock()
}

// statsCollector 进程内计数器，不持久化
type statsCollector struct {
	hits             atomic.Int64
	misses           atomic.Int64
	sets             atomic.Int64
	deletes          atomic.Int64
	evictions        atomic.Int64
	tagInvalidations atomic.Int64
	remoteErrors     atomic.Int64
	corrupted        atomic.Int64
	refreshes        atomic.Int64
	promotions       atomic.Int64

	getLatency      movingAverage
	setLatency      movingAverage
	compressLatency movingAverage
}

func (s *statsCollector) snapshot() Stats {
	stats := Stats{
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		Sets:             s.sets.Load(),
		Deletes:          s.deletes.Load(),
		Evictions:        s.evictions.Load(),
		TagInvalidations: s.tagInvalidations.Load(),
		RemoteErrors:     s.remoteErrors.Load(),
		Corrupted:        s.corrupted.Load(),
		Refreshes:        s.refreshes.Load(),
		Promotions:       s.promotions.Load(),
		AvgGetMs:         s.getLatency.load(),
		AvgSetMs:         s.setLatency.load(),
		AvgCompressMs:    s.compressLatency.load(),
	}

	// 没有任何读取时视为命中率 100%
	stats.HitRate = 1
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (s *statsCollector) reset() {
	for _, c := range []*atomic.Int64{
		&s.hits, &s.misses, &s.sets, &s.deletes, &s.evictions, &s.tagInvalidations,
		&s.remoteErrors, &s.corrupted, &s.refreshes, &s.promotions,
	} {
		c.Store(0)
	}
	s.getLatency.reset()
	s.setLatency.reset()
	s.compressLatency.reset()
}
