package cache

import (
	"container/list"
	"iter"
	"sync"
	"time"
)

// EvictFunc 条目因容量不足被淘汰时的回调
type EvictFunc func(key string, entry Entry)

// LRU 按字节容量限制的最近最少使用缓存。
// 链表头部是最近使用的条目，尾部是最久未使用的条目；写入后总大小超过容量时从尾部淘汰。
// 大于总容量的条目会被写入后立即淘汰。
type LRU struct {
	mu              sync.Mutex
	ll              *list.List
	items           map[string]*list.Element
	size            int64
	limit           int64
	updateAgeOnRead bool
	onEvict         EvictFunc
}

type lruItem struct {
	key   string
	entry Entry
}

// NewLRU 创建容量为 limit 字节的 LRU。updateAgeOnRead 为 true 时读取也会把条目移到头部。
func NewLRU(limit int64, updateAgeOnRead bool) *LRU {
	return &LRU{
		ll:              list.New(),
		items:           make(map[string]*list.Element),
		limit:           limit,
		updateAgeOnRead: updateAgeOnRead,
	}
}

// OnEvict 设置淘汰回调，回调在锁外执行
func (l *LRU) OnEvict(fn EvictFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvict = fn
}

// Get 读取条目并增加命中计数，返回的是副本
func (l *LRU) Get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return Entry{}, false
	}
	if l.updateAgeOnRead {
		l.ll.MoveToFront(elem)
	}
	item := elem.Value.(*lruItem)
	item.entry.Hits++
	return item.entry, true
}

// Peek 读取条目但不改变顺序和命中计数
func (l *LRU) Peek(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return Entry{}, false
	}
	return elem.Value.(*lruItem).entry, true
}

// Set 写入或替换条目并移到头部，返回本次淘汰的条目数
func (l *LRU) Set(key string, entry Entry) int {
	l.mu.Lock()

	entry.Key = key
	if elem, ok := l.items[key]; ok {
		item := elem.Value.(*lruItem)
		l.size += entry.SizeBytes - item.entry.SizeBytes
		item.entry = entry
		l.ll.MoveToFront(elem)
	} else {
		l.items[key] = l.ll.PushFront(&lruItem{key: key, entry: entry})
		l.size += entry.SizeBytes
	}

	evicted := make([]*lruItem, 0)
	for l.size > l.limit && l.ll.Len() > 0 {
		evicted = append(evicted, l.removeElement(l.ll.Back()))
	}
	onEvict := l.onEvict
	l.mu.Unlock()

	if onEvict != nil {
		for _, item := range evicted {
			onEvict(item.key, item.entry)
		}
	}
	return len(evicted)
}

// Delete 删除条目，返回条目是否存在
func (l *LRU) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return false
	}
	l.removeElement(elem)
	return true
}

// Restamp 把条目的创建时间改为 createdAt，不改变顺序
func (l *LRU) Restamp(key string, createdAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return false
	}
	elem.Value.(*lruItem).entry.CreatedAt = createdAt
	return true
}

// Clear 丢弃全部条目
func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ll = list.New()
	l.items = make(map[string]*list.Element)
	l.size = 0
}

// Entries 按从最近到最久的顺序遍历条目。
// 遍历的是调用时的快照，循环体中可以安全地调用 Delete 等方法；每次调用都会重新生成快照。
func (l *LRU) Entries() iter.Seq2[string, Entry] {
	return func(yield func(string, Entry) bool) {
		l.mu.Lock()
		snapshot := make([]lruItem, 0, l.ll.Len())
		for elem := l.ll.Front(); elem != nil; elem = elem.Next() {
			snapshot = append(snapshot, *elem.Value.(*lruItem))
		}
		l.mu.Unlock()

		for _, item := range snapshot {
			if !yield(item.key, item.entry) {
				return
			}
		}
	}
}

// Len 返回条目数
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

// Size 返回当前占用的字节数
func (l *LRU) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Limit 返回字节容量
func (l *LRU) Limit() int64 {
	return l.limit
}

func (l *LRU) removeElement(elem *list.Element) *lruItem {
	item := l.ll.Remove(elem).(*lruItem)
	delete(l.items, item.key)
	l.size -= item.entry.SizeBytes
	return item
}
