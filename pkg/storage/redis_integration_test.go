//go:build integration

package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/pkg/logger"
)

func newIntegrationStore(t *testing.T) (*RedisStore, string) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis 不可用: %v", err)
	}

	rs := NewRedisStore(client, DefaultRedisStoreConfig(), logger.Discard("redis_store"))
	t.Cleanup(func() { rs.Close() })

	// 每个测试使用独立前缀，避免相互干扰
	prefix := "tiercache-it:" + uuid.New().String() + ":"
	t.Cleanup(func() { rs.DeleteByPrefix(context.Background(), prefix) })
	return rs, prefix
}

func TestRedisStore_Integration_Basic(t *testing.T) {
	rs, prefix := newIntegrationStore(t)
	ctx := context.Background()

	_, err := rs.Get(ctx, prefix+"missing")
	assert.True(t, IsMiss(err))

	require.NoError(t, rs.Set(ctx, prefix+"k", []byte("v"), time.Minute))
	value, err := rs.Get(ctx, prefix+"k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	found, err := rs.Delete(ctx, prefix+"k")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = rs.Delete(ctx, prefix+"k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_Integration_TTL(t *testing.T) {
	rs, prefix := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Set(ctx, prefix+"k", []byte("v"), 50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	_, err := rs.Get(ctx, prefix+"k")
	assert.True(t, IsMiss(err))
}

func TestRedisStore_Integration_DeleteByPrefix(t *testing.T) {
	rs, prefix := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Set(ctx, prefix+"tag:user:u1", []byte{}, time.Minute))
	require.NoError(t, rs.Set(ctx, prefix+"tag:user:u2", []byte{}, time.Minute))
	require.NoError(t, rs.Set(ctx, prefix+"tag:project:p1", []byte{}, time.Minute))

	deleted, err := rs.DeleteByPrefix(ctx, prefix+"tag:user:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{prefix + "tag:user:u1", prefix + "tag:user:u2"}, deleted)

	_, err = rs.Get(ctx, prefix+"tag:project:p1")
	assert.NoError(t, err)
}

func TestRedisStore_Integration_Pipeline(t *testing.T) {
	rs, prefix := newIntegrationStore(t)
	ctx := context.Background()

	results, err := rs.Pipeline(ctx, []Op{
		{Kind: OpSet, Key: prefix + "a", Value: []byte("1"), TTL: time.Minute},
		{Kind: OpGet, Key: prefix + "a"},
		{Kind: OpGet, Key: prefix + "missing"},
		{Kind: OpDelete, Key: prefix + "a"},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.NoError(t, results[0].Err)
	assert.True(t, results[1].Found)
	assert.Equal(t, []byte("1"), results[1].Value)
	assert.False(t, results[2].Found)
	assert.True(t, results[3].Found)
}

func TestRedisStore_Integration_PubSub(t *testing.T) {
	rs, prefix := newIntegrationStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	received := make([]string, 0)
	sub, err := rs.Subscribe(ctx, prefix+"chan", func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(payload))
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, rs.Publish(ctx, prefix+"chan", []byte("hello")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "hello"
	}, 2*time.Second, 20*time.Millisecond)
}
