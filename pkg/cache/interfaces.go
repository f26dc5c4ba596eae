package cache

import (
	"context"
	"encoding/json"
)

// Cache 定义了两级缓存对外提供的行为，管理接口等调用方依赖此接口而不是具体实现。
type Cache interface {
	// Get 读取一个值并解码到 dest，未命中时返回 ErrCacheMissNotFound。
	Get(ctx context.Context, key string, dest interface{}) error
	// GetRaw 读取一个值的原始 JSON。
	GetRaw(ctx context.Context, key string) (json.RawMessage, error)
	// Set 写入一个值。
	Set(ctx context.Context, key string, value interface{}, opts ...SetOption) error
	// Delete 删除一个值，返回它是否存在。
	Delete(ctx context.Context, key string) bool
	// InvalidateByTag 按标签失效，返回删除的条目数。
	InvalidateByTag(ctx context.Context, tag string) int
	// Clear 清空所有缓存条目。
	Clear(ctx context.Context)
	// Stats 获取缓存的统计信息。
	Stats() Stats
	// HealthCheck 获取健康状态。
	HealthCheck() HealthReport
}

// BatchGetter 批量获取接口
type BatchGetter interface {
	// GetBatch 分窗口批量获取多个值
	GetBatch(ctx context.Context, keys []string) map[string]json.RawMessage
}

// BatchSetter 批量设置接口
type BatchSetter interface {
	// SetBatch 分窗口批量设置多个值
	SetBatch(ctx context.Context, items []BatchItem) int
}

var (
	_ Cache       = (*TieredCache)(nil)
	_ BatchGetter = (*TieredCache)(nil)
	_ BatchSetter = (*TieredCache)(nil)
)
