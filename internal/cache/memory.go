package cache

import (
	"context"
	"sync"
	"time"
)

// memoryEntry is one node of the LRU list.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	hits      int64
	prev      *memoryEntry
	next      *memoryEntry
}

// Memory is a bounded in-process cache with LRU eviction and per-entry TTLs.
// All operations are O(1) except Clear. It is the default backend; shared
// deployments may layer Redis behind the same interface.
type Memory struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	items      map[string]*memoryEntry
	head       *memoryEntry
	tail       *memoryEntry

	hits      int64
	misses    int64
	evictions int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// MemoryOptions configures the in-process backend.
type MemoryOptions struct {
	// MaxEntries bounds the cache; at capacity the least-recently-used entry
	// is evicted. Defaults to 10000.
	MaxEntries int

	// DefaultTTL applies when Set is called without a positive ttl.
	// Defaults to 5 minutes.
	DefaultTTL time.Duration

	// SweepInterval is how often expired entries are removed in the
	// background. Zero disables the sweeper; expired entries still never
	// surface from Get.
	SweepInterval time.Duration
}

// NewMemory creates the in-process backend.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}

	m := &Memory{
		capacity:   opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		items:      make(map[string]*memoryEntry),
		stopSweep:  make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go m.sweepLoop(opts.SweepInterval)
	}
	return m
}

// Get returns the value for key and bumps its recency.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.removeLocked(e)
		m.misses++
		return nil, false
	}

	e.hits++
	m.hits++
	m.moveToFront(e)
	return e.value, true
}

// Set stores value under key, evicting the least-recently-used entry when at
// capacity.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		m.moveToFront(e)
		return
	}

	if len(m.items) >= m.capacity {
		m.evictLRULocked()
	}

	e := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	m.items[key] = e
	m.pushFront(e)
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[key]; ok {
		m.removeLocked(e)
	}
}

// Exists reports whether key holds an unexpired entry without bumping
// recency.
func (m *Memory) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return false
	}
	if time.Now().After(e.expiresAt) {
		m.removeLocked(e)
		return false
	}
	return true
}

// Clear drops every entry. Counters survive so hit rates stay meaningful
// across operational flushes.
func (m *Memory) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*memoryEntry)
	m.head = nil
	m.tail = nil
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Size:      len(m.items),
		Evictions: m.evictions,
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}
	return s
}

// Close stops the background sweeper.
func (m *Memory) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Memory) sweepExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.items {
		if now.After(e.expiresAt) {
			m.removeLocked(e)
		}
	}
}

// pushFront links e as the most recently used entry.
func (m *Memory) pushFront(e *memoryEntry) {
	e.prev = nil
	e.next = m.head
	if m.head != nil {
		m.head.prev = e
	}
	m.head = e
	if m.tail == nil {
		m.tail = e
	}
}

func (m *Memory) moveToFront(e *memoryEntry) {
	if m.head == e {
		return
	}
	m.unlink(e)
	m.pushFront(e)
}

func (m *Memory) unlink(e *memoryEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if m.head == e {
		m.head = e.next
	}
	if m.tail == e {
		m.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (m *Memory) removeLocked(e *memoryEntry) {
	m.unlink(e)
	delete(m.items, e.key)
}

func (m *Memory) evictLRULocked() {
	if m.tail == nil {
		return
	}
	m.removeLocked(m.tail)
	m.evictions++
}
