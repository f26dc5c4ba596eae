package cache

import (
	"slices"
	"time"
)

// Priority 条目优先级，仅作为提示，不影响淘汰顺序。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid 判断优先级取值是否合法
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Entry 缓存中存储的单元。
// Value 保存序列化后的字节，Compressed 为 true 时需先解压。
// SizeBytes 始终等于 len(Value)，即实际存储的大小。
type Entry struct {
	Key              string        `json:"key"`
	Value            []byte        `json:"-"`
	CreatedAt        time.Time     `json:"created_at"`
	TTL              time.Duration `json:"ttl"`
	SizeBytes        int64         `json:"size_bytes"`
	Compressed       bool          `json:"compressed"`
	Tags             []string      `json:"tags,omitempty"`
	Priority         Priority      `json:"priority"`
	Version          int64         `json:"version"`
	RefreshThreshold float64       `json:"refresh_threshold,omitempty"`
	Hits             int64         `json:"hits"`
}

// Age 返回条目在 now 时刻的存活时长
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// IsValid 条目在 now 时刻是否仍然新鲜
func (e *Entry) IsValid(now time.Time) bool {
	return e.Age(now) < e.TTL
}

// NeedsRefresh 条目年龄超过 TTL*threshold 时成为预刷新候选。
// 条目自身的阈值优先，未设置时使用 defaultThreshold。
func (e *Entry) NeedsRefresh(now time.Time, defaultThreshold float64) bool {
	threshold := e.RefreshThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if threshold <= 0 || threshold >= 1 {
		return false
	}
	return float64(e.Age(now)) > float64(e.TTL)*threshold
}

// HasTag 判断条目是否带有指定标签
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}
