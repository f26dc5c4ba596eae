package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试基本的读写删除
func TestMemoryStore_BasicOperations(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	ctx := context.Background()

	_, err := ms.Get(ctx, "missing")
	assert.True(t, IsMiss(err))
	assert.ErrorIs(t, err, ErrStoreMissNotFound)

	require.NoError(t, ms.Set(ctx, "k1", []byte("v1"), 0))
	value, err := ms.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	found, err := ms.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)

	// 第二次删除是空操作
	found, err = ms.Delete(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

// 测试返回值与内部存储互不影响
func TestMemoryStore_CopiesValues(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	ctx := context.Background()

	input := []byte("abc")
	require.NoError(t, ms.Set(ctx, "k", input, 0))
	input[0] = 'x'

	value, err := ms.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), value)
}

// 测试TTL过期
func TestMemoryStore_TTL(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	ms.SetClock(func() time.Time { return now })

	require.NoError(t, ms.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
	_, err := ms.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(60 * time.Millisecond)
	_, err = ms.Get(ctx, "k")
	assert.True(t, IsMiss(err))
	assert.Equal(t, int64(1), ms.Stats().Expired)
}

// 测试后台清理协程
func TestMemoryStore_PeriodicCleanup(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{CleanupInterval: 10 * time.Millisecond})
	defer ms.Close()

	require.NoError(t, ms.Set(context.Background(), "k", []byte("v"), 5*time.Millisecond))

	assert.Eventually(t, func() bool {
		return ms.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

// 测试按前缀删除
func TestMemoryStore_DeleteByPrefix(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	ctx := context.Background()

	for _, key := range []string{"ns:tag:user:u1", "ns:tag:user:u2", "ns:tag:project:p1", "ns:u1"} {
		require.NoError(t, ms.Set(ctx, key, []byte{}, 0))
	}

	deleted, err := ms.DeleteByPrefix(ctx, "ns:tag:user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns:tag:user:u1", "ns:tag:user:u2"}, deleted)
	assert.Equal(t, []string{"ns:tag:project:p1", "ns:u1"}, ms.Keys())
}

// 测试发布订阅
func TestMemoryStore_PublishSubscribe(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	ctx := context.Background()

	var mu sync.Mutex
	received := make([]string, 0)

	sub, err := ms.Subscribe(ctx, "chan", func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(payload))
	})
	require.NoError(t, err)

	require.NoError(t, ms.Publish(ctx, "chan", []byte("m1")))
	require.NoError(t, ms.Publish(ctx, "other", []byte("ignored")))

	require.NoError(t, sub.Close())
	require.NoError(t, ms.Publish(ctx, "chan", []byte("m2")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1"}, received)
}

// 测试管道
func TestMemoryStore_Pipeline(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "a", []byte("1"), 0))

	results, err := ms.Pipeline(ctx, []Op{
		{Kind: OpGet, Key: "a"},
		{Kind: OpSet, Key: "b", Value: []byte("2")},
		{Kind: OpGet, Key: "b"},
		{Kind: OpDelete, Key: "a"},
		{Kind: OpGet, Key: "a"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.True(t, results[0].Found)
	assert.Equal(t, []byte("1"), results[0].Value)
	assert.True(t, results[2].Found)
	assert.Equal(t, []byte("2"), results[2].Value)
	assert.True(t, results[3].Found)
	assert.False(t, results[4].Found)
	assert.Equal(t, int64(1), ms.Stats().Pipelines)
}

// 测试故障注入和关闭
func TestMemoryStore_FailureAndClose(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	ctx := context.Background()

	ms.FailWith(errors.New("connection refused"))
	err := ms.Set(ctx, "k", []byte("v"), 0)
	require.Error(t, err)
	assert.False(t, IsMiss(err))
	assert.Error(t, ms.Ping(ctx))

	ms.FailWith(nil)
	assert.NoError(t, ms.Set(ctx, "k", []byte("v"), 0))

	require.NoError(t, ms.Close())
	require.NoError(t, ms.Close())

	_, err = ms.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = ms.Subscribe(ctx, "chan", func([]byte) {})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

// 测试通配符转义
func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "ns:tag:a\\*b\\?\\[c\\]:", escapeGlob("ns:tag:a*b?[c]:"))
	assert.Equal(t, "plain", escapeGlob("plain"))
}
