package blobcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryOptions configures a Memory store.
type MemoryOptions struct {
	// MaxEntries bounds the store; the least recently used entry is evicted
	// first. Zero means unbounded.
	MaxEntries int
	// CleanupInterval starts a janitor that drops expired entries. Zero disables it.
	CleanupInterval time.Duration
	// Clone copies values on the way in and out so callers cannot alias
	// stored data. Nil stores values as given.
	Clone func(any) any
}

type memEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

func (e *memEntry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process KVCache with TTL and LRU bounds.
type Memory[K comparable, V any] struct {
	mu      sync.Mutex
	opts    MemoryOptions
	order   *list.List
	entries map[K]*list.Element
	stats   Stats
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-memory store.
func NewMemory[K comparable, V any](opts MemoryOptions) *Memory[K, V] {
	m := &Memory[K, V]{
		opts:    opts,
		order:   list.New(),
		entries: make(map[K]*list.Element),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go m.janitor(opts.CleanupInterval)
	}
	return m
}

// NewMemoryBlobStore returns an LRU blob store that copies byte slices.
func NewMemoryBlobStore(maxEntries int) *Memory[string, []byte] {
	return NewMemory[string, []byte](MemoryOptions{
		MaxEntries: maxEntries,
		Clone: func(v any) any {
			b, _ := v.([]byte)
			return append([]byte(nil), b...)
		},
	})
}

// NewMemoryURLStore returns a URL store whose janitor drops expired links.
func NewMemoryURLStore(cleanupInterval time.Duration) *Memory[string, string] {
	return NewMemory[string, string](MemoryOptions{CleanupInterval: cleanupInterval})
}

func (m *Memory[K, V]) clone(v V) V {
	if m.opts.Clone == nil {
		return v
	}
	return m.opts.Clone(v).(V)
}

func (m *Memory[K, V]) Get(_ context.Context, key K) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	el, ok := m.entries[key]
	if !ok {
		m.stats.Misses++
		return zero, false, nil
	}
	e := el.Value.(*memEntry[K, V])
	if e.expired(m.now()) {
		m.removeElement(el)
		m.stats.Misses++
		return zero, false, nil
	}
	m.order.MoveToFront(el)
	m.stats.Hits++
	return m.clone(e.value), true, nil
}

func (m *Memory[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	m.stats.Sets++
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memEntry[K, V])
		e.value = m.clone(value)
		e.expiresAt = expiresAt
		m.order.MoveToFront(el)
		return nil
	}
	el := m.order.PushFront(&memEntry[K, V]{key: key, value: m.clone(value), expiresAt: expiresAt})
	m.entries[key] = el
	if m.opts.MaxEntries > 0 {
		for m.order.Len() > m.opts.MaxEntries {
			m.removeElement(m.order.Back())
			m.stats.Evictions++
		}
	}
	return nil
}

func (m *Memory[K, V]) Delete(_ context.Context, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
	return nil
}

func (m *Memory[K, V]) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order.Init()
	m.entries = make(map[K]*list.Element)
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Memory[K, V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Size = len(m.entries)
	return s
}

// Stop ends the janitor goroutine, if any.
func (m *Memory[K, V]) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory[K, V]) removeElement(el *list.Element) {
	e := m.order.Remove(el).(*memEntry[K, V])
	delete(m.entries, e.key)
}

func (m *Memory[K, V]) deleteExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for el := m.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memEntry[K, V]).expired(now) {
			m.removeElement(el)
			count++
		}
		el = prev
	}
	m.stats.Evictions += int64(count)
	return count
}

func (m *Memory[K, V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stop:
			return
		}
	}
}
