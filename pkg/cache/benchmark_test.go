package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"tiercache/pkg/logger"
	"tiercache/pkg/storage"
)

func newBenchCache(b *testing.B) *TieredCache {
	b.Helper()
	opts := testOptions()
	opts.MaxBytes = 64 << 20
	store := storage.NewMemoryStore(storage.MemoryStoreConfig{})
	c, err := New(store, opts, WithLogger(logger.Discard("tiered_cache")))
	if err != nil {
		b.Fatalf("创建缓存失败: %v", err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

// BenchmarkLRU 基准测试本地层读写
func BenchmarkLRU(b *testing.B) {
	lru := NewLRU(1<<20, true)
	value := []byte(strings.Repeat("x", 128))
	for i := 0; i < 1000; i++ {
		lru.Set(fmt.Sprintf("k%d", i), Entry{Value: value, SizeBytes: int64(len(value))})
	}

	b.Run("Get", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			lru.Get(fmt.Sprintf("k%d", i%1000))
		}
	})

	b.Run("Set_WithEviction", func(b *testing.B) {
		small := NewLRU(64*128, true)
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			small.Set(fmt.Sprintf("k%d", i), Entry{Value: value, SizeBytes: int64(len(value))})
		}
	})
}

// BenchmarkTieredCache 基准测试两级缓存
func BenchmarkTieredCache(b *testing.B) {
	ctx := context.Background()

	b.Run("Get_LocalHit", func(b *testing.B) {
		c := newBenchCache(b)
		_ = c.Set(ctx, "hot", newSampleProfile())

		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := c.GetRaw(ctx, "hot"); err != nil {
				b.Fatalf("读取失败: %v", err)
			}
		}
	})

	b.Run("Set_Compressed", func(b *testing.B) {
		c := newBenchCache(b)
		profile := newSampleProfile()

		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if err := c.Set(ctx, fmt.Sprintf("k%d", i%1000), profile, WithTags("bench")); err != nil {
				b.Fatalf("写入失败: %v", err)
			}
		}
	})

	b.Run("Get_Parallel", func(b *testing.B) {
		c := newBenchCache(b)
		for i := 0; i < 100; i++ {
			_ = c.Set(ctx, fmt.Sprintf("k%d", i), i)
		}

		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				_, _ = c.GetRaw(ctx, fmt.Sprintf("k%d", i%100))
				i++
			}
		})
	})
}
