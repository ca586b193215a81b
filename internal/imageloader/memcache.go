package imageloader

import (
	"container/list"
	"math"
	"runtime/debug"
	"runtime/metrics"
	"strings"
	"sync"
)

const (
	// one 480x800 ARGB frame
	minMemoryBytes = 480 * 800 * 4
	maxMemoryBytes = 7 << 20
	heapShareDen   = 12
	// overflow trims back to this share of capacity
	trimNum, trimDen = 10, 16
)

// DefaultMemoryCapacity derives the memory cache budget from the runtime
// memory limit.
func DefaultMemoryCapacity() int64 {
	return min(max(debug.SetMemoryLimit(-1)/heapShareDen, minMemoryBytes), maxMemoryBytes)
}

// HeapPressure reports whether live heap exceeds 90% of the memory limit.
// Without a limit there is never pressure.
func HeapPressure() bool {
	limit := debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		return false
	}
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return false
	}
	return sample[0].Value.Uint64() > uint64(limit)/10*9
}

type memEntry struct {
	key  string
	data []byte
}

// MemoryCache keeps byte slices in most-recently-used order. Every hit moves
// the entry to the front.
type MemoryCache struct {
	mu       sync.Mutex
	order    *list.List
	items    map[string]*list.Element
	size     int64
	capacity int64
	pressure func() bool
}

func NewMemoryCache(capacity int64, pressure func() bool) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity()
	}
	if pressure == nil {
		pressure = HeapPressure
	}
	return &MemoryCache{
		order:    list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		pressure: pressure,
	}
}

func (m *MemoryCache) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memEntry).data, true
}

// Put stores data under key. Under memory pressure the older half of the
// cache is dropped; when over capacity, the oldest entries are dropped until
// the cache is back to 10/16 of capacity. Entries larger than the whole
// budget are not cached.
func (m *MemoryCache) Put(key string, data []byte) {
	size := int64(len(data))
	if size > m.capacity {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	m.items[key] = m.order.PushFront(&memEntry{key: key, data: data})
	m.size += size

	if m.pressure() {
		m.trimCount(m.order.Len() / 2)
	}
	if m.size > m.capacity {
		target := m.capacity * trimNum / trimDen
		for m.size > target && m.order.Len() > 0 {
			m.removeElement(m.order.Back())
		}
	}
}

func (m *MemoryCache) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if ok {
		m.removeElement(el)
	}
	return ok
}

// RemovePrefix drops every entry whose key starts with prefix.
func (m *MemoryCache) RemovePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, el := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.removeElement(el)
			removed++
		}
	}
	return removed
}

func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryCache) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *MemoryCache) Capacity() int64 { return m.capacity }

func (m *MemoryCache) trimCount(n int) {
	for ; n > 0 && m.order.Len() > 0; n-- {
		m.removeElement(m.order.Back())
	}
}

func (m *MemoryCache) removeElement(el *list.Element) {
	e := m.order.Remove(el).(*memEntry)
	delete(m.items, e.key)
	m.size -= int64(len(e.data))
}
