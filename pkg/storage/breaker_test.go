package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/pkg/logger"
)

func newTestBreaker(inner Store, trip uint32) *BreakerStore {
	return NewBreakerStore(inner, BreakerConfig{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: trip,
	}, logger.Discard("breaker_store"))
}

// 测试连续失败后熔断
func TestBreakerStore_TripsAfterFailures(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	bs := newTestBreaker(ms, 3)
	ctx := context.Background()

	ms.FailWith(errors.New("timeout"))
	for i := 0; i < 3; i++ {
		err := bs.Set(ctx, "k", []byte("v"), 0)
		require.Error(t, err)
		assert.False(t, IsUnavailable(err))
	}
	assert.Equal(t, "open", bs.State())

	// 即使远程恢复，熔断打开期间也直接拒绝
	ms.FailWith(nil)
	_, err := bs.Get(ctx, "k")
	assert.True(t, IsUnavailable(err))

	stats := bs.Stats()
	assert.Equal(t, int64(3), stats.Failures)
	assert.Equal(t, int64(1), stats.Rejected)
}

// 测试未命中不计为失败
func TestBreakerStore_MissIsNotFailure(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	bs := newTestBreaker(ms, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bs.Get(ctx, "missing")
		assert.True(t, IsMiss(err))
	}
	assert.Equal(t, "closed", bs.State())
	assert.Equal(t, int64(0), bs.Stats().Failures)
}

// 测试委托的读写和管道
func TestBreakerStore_Delegates(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	bs := newTestBreaker(ms, 5)
	ctx := context.Background()

	require.NoError(t, bs.Set(ctx, "ns:a", []byte("1"), 0))
	value, err := bs.Get(ctx, "ns:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	results, err := bs.Pipeline(ctx, []Op{{Kind: OpGet, Key: "ns:a"}})
	require.NoError(t, err)
	assert.True(t, results[0].Found)

	keys, err := bs.DeleteByPrefix(ctx, "ns:")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns:a"}, keys)

	assert.NoError(t, bs.Ping(ctx))
}

type plainStore struct{ Store }

// 测试底层不支持管道时返回 ErrNoPipeline
func TestBreakerStore_PipelineUnsupported(t *testing.T) {
	ms := NewMemoryStore(MemoryStoreConfig{})
	defer ms.Close()
	bs := newTestBreaker(plainStore{ms}, 1)

	_, err := bs.Pipeline(context.Background(), []Op{{Kind: OpGet, Key: "k"}})
	assert.True(t, IsPipelineUnsupported(err))
	assert.Equal(t, "closed", bs.State())
}
