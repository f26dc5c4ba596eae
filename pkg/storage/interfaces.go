// Package storage 定义两级缓存所依赖的共享远程存储契约，并提供 Redis、内存和熔断器三种实现。
package storage

import (
	"context"
	"time"
)

// Store 是远程共享存储（L2）的最小契约。
// 未命中时 Get 返回 ErrStoreMissNotFound，其它错误均视为暂时性故障。
type Store interface {
	// Get 读取一个键的原始字节。
	Get(ctx context.Context, key string) ([]byte, error)
	// Set 写入一个键，ttl <= 0 表示不过期。
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 删除一个键，返回该键删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteByPrefix 删除所有以 prefix 开头的键，返回被删除的键。
	DeleteByPrefix(ctx context.Context, prefix string) ([]string, error)
	// Publish 向频道发布一条消息。
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe 订阅频道，每条消息调用一次 handler，直到返回的 Subscription 被关闭。
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)
	// Close 释放连接等资源。
	Close() error
}

// MessageHandler 处理一条订阅消息。
type MessageHandler func(payload []byte)

// Subscription 代表一个活动的订阅。
type Subscription interface {
	Close() error
}

// OpKind 管道操作类型
type OpKind string

const (
	OpGet    OpKind = "get"
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
)

// Op 是管道中的一条命令。
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte        // 仅 OpSet 使用
	TTL   time.Duration // 仅 OpSet 使用
}

// OpResult 是管道中一条命令的结果，与请求按下标一一对应。
type OpResult struct {
	Value []byte
	Found bool // OpGet 命中，或 OpDelete 删除了已存在的键
	Err   error
}

// Pipeliner 是可选能力：在一次往返中执行多条命令。
// 不支持时返回 ErrNoPipeline，调用方应退回逐条调用。
type Pipeliner interface {
	Pipeline(ctx context.Context, ops []Op) ([]OpResult, error)
}

// Pinger 是可选能力：探测存储是否可达。
type Pinger interface {
	Ping(ctx context.Context) error
}
