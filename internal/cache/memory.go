package cache

import (
	"container/list"
	"sync"

	"github.com/snapthumb/snapthumb/pkg/compress"
	"github.com/snapthumb/snapthumb/pkg/metrics"
)

type memoryEntry struct {
	key    string
	result *compress.Result
}

// Memory is an in-process LRU of results.
type Memory struct {
	lock       sync.Mutex
	maxEntries int
	order      *list.List
	entries    map[string]*list.Element
}

// NewMemory returns an LRU holding at most maxEntries results.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Memory{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the stored result and marks it recently used.
func (m *Memory) Get(key string) (*compress.Result, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	el, ok := m.entries[key]
	metrics.RecordCacheLookup("memory", ok)
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memoryEntry).result, true
}

// Set stores r under key, evicting the least recently used entry when full.
func (m *Memory) Set(key string, r *compress.Result) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if el, ok := m.entries[key]; ok {
		el.Value.(*memoryEntry).result = r
		m.order.MoveToFront(el)
		return
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, result: r})
	for m.order.Len() > m.maxEntries {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
}

// Len returns the number of stored results.
func (m *Memory) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.order.Len()
}

// Clear drops one entry.
func (m *Memory) Clear(key string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
}

// Flush drops every entry.
func (m *Memory) Flush() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.order.Init()
	m.entries = make(map[string]*list.Element)
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
