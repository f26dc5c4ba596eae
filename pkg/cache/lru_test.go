package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sizedEntry(n int) Entry {
	value := []byte(strings.Repeat("x", n))
	return Entry{Value: value, SizeBytes: int64(len(value)), TTL: time.Minute, CreatedAt: time.Now()}
}

func keysOf(l *LRU) []string {
	keys := make([]string, 0)
	for key := range l.Entries() {
		keys = append(keys, key)
	}
	return keys
}

// 测试容量 100 字节时写入两个 60 字节的条目会淘汰第一个
func TestLRU_EvictionScenario(t *testing.T) {
	lru := NewLRU(100, true)

	lru.Set("a", sizedEntry(60))
	evicted := lru.Set("b", sizedEntry(60))

	assert.Equal(t, 1, evicted)
	_, ok := lru.Get("a")
	assert.False(t, ok)
	_, ok = lru.Get("b")
	assert.True(t, ok)
	assert.Equal(t, int64(60), lru.Size())
}

// 测试淘汰顺序是最久未使用优先
func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewLRU(30, true)

	lru.Set("a", sizedEntry(10))
	lru.Set("b", sizedEntry(10))
	lru.Set("c", sizedEntry(10))

	// 访问 a 之后，b 成为最久未使用
	_, ok := lru.Get("a")
	require.True(t, ok)

	lru.Set("d", sizedEntry(10))
	assert.Equal(t, []string{"d", "a", "c"}, keysOf(lru))
}

// 测试关闭读取更新时，读取不改变顺序
func TestLRU_UpdateAgeOnReadDisabled(t *testing.T) {
	lru := NewLRU(30, false)

	lru.Set("a", sizedEntry(10))
	lru.Set("b", sizedEntry(10))
	lru.Set("c", sizedEntry(10))

	_, ok := lru.Get("a")
	require.True(t, ok)

	lru.Set("d", sizedEntry(10))
	assert.Equal(t, []string{"d", "c", "b"}, keysOf(lru))
}

// 测试总大小始终等于驻留条目大小之和且不超过容量
func TestLRU_SizeAccounting(t *testing.T) {
	lru := NewLRU(100, true)

	for i, n := range []int{30, 20, 50, 10, 40, 25, 5} {
		lru.Set(string(rune('a'+i)), sizedEntry(n))

		var sum int64
		for _, entry := range lru.Entries() {
			sum += entry.SizeBytes
		}
		assert.Equal(t, sum, lru.Size())
		assert.LessOrEqual(t, lru.Size(), lru.Limit())
	}

	// 替换已存在的键时调整大小
	lru.Set("g", sizedEntry(15))
	entry, ok := lru.Peek("g")
	require.True(t, ok)
	assert.Equal(t, int64(15), entry.SizeBytes)

	var sum int64
	for _, entry := range lru.Entries() {
		sum += entry.SizeBytes
	}
	assert.Equal(t, sum, lru.Size())
}

// 测试超过总容量的条目写入后立即被淘汰
func TestLRU_OversizedEntry(t *testing.T) {
	lru := NewLRU(100, true)
	lru.Set("small", sizedEntry(10))

	evictedKeys := make([]string, 0)
	lru.OnEvict(func(key string, entry Entry) {
		evictedKeys = append(evictedKeys, key)
	})

	lru.Set("huge", sizedEntry(200))

	_, ok := lru.Get("huge")
	assert.False(t, ok)
	assert.Equal(t, []string{"small", "huge"}, evictedKeys)
	assert.Equal(t, int64(0), lru.Size())
	assert.Equal(t, 0, lru.Len())
}

// 测试删除和清空
func TestLRU_DeleteAndClear(t *testing.T) {
	lru := NewLRU(100, true)
	lru.Set("a", sizedEntry(10))
	lru.Set("b", sizedEntry(10))

	assert.True(t, lru.Delete("a"))
	assert.False(t, lru.Delete("a"))
	assert.Equal(t, int64(10), lru.Size())

	lru.Clear()
	assert.Equal(t, 0, lru.Len())
	assert.Equal(t, int64(0), lru.Size())
	assert.Empty(t, keysOf(lru))
}

// 测试命中计数和 Peek
func TestLRU_HitsAndPeek(t *testing.T) {
	lru := NewLRU(100, true)
	lru.Set("a", sizedEntry(10))

	lru.Get("a")
	entry, _ := lru.Get("a")
	assert.Equal(t, int64(2), entry.Hits)

	entry, _ = lru.Peek("a")
	assert.Equal(t, int64(2), entry.Hits)
	assert.Equal(t, "a", entry.Key)
}

// 测试遍历中删除条目以及提前结束遍历
func TestLRU_EntriesDuringMutation(t *testing.T) {
	lru := NewLRU(100, true)
	lru.Set("a", sizedEntry(10))
	lru.Set("b", sizedEntry(10))
	lru.Set("c", sizedEntry(10))

	for key := range lru.Entries() {
		lru.Delete(key)
	}
	assert.Equal(t, 0, lru.Len())

	lru.Set("a", sizedEntry(10))
	lru.Set("b", sizedEntry(10))
	count := 0
	for range lru.Entries() {
		count++
		break
	}
	assert.Equal(t, 1, count)

	// 可以重复遍历
	assert.Equal(t, []string{"b", "a"}, keysOf(lru))
	assert.Equal(t, []string{"b", "a"}, keysOf(lru))
}

// 测试重新设置创建时间
func TestLRU_Restamp(t *testing.T) {
	lru := NewLRU(100, true)
	lru.Set("a", sizedEntry(10))

	stamp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, lru.Restamp("a", stamp))
	assert.False(t, lru.Restamp("missing", stamp))

	entry, _ := lru.Peek("a")
	assert.Equal(t, stamp, entry.CreatedAt)
}
