package kvcache

import (
	"bytes"
	"container/list"
	"context"
	"sync"
	"time"
)

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
	element   *list.Element
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock overrides the time source (tests drive TTL expiry with it).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCleanupInterval starts a goroutine that drops expired entries every d.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = d
	}
}

// Memory is an in-process Backend with LRU eviction and TTL expiry.
//
// A single RWMutex guards the map and the recency list. Expiry is lazy on
// read, plus an optional periodic sweep.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*lruEntry
	lruList    *list.List
	maxEntries int
	now        func() time.Time

	cleanupInterval time.Duration
	evictions       int64
	closed          bool
	stopChan        chan struct{}
	wg              sync.WaitGroup
}

// NewMemory creates a Memory backend holding at most maxEntries keys.
// maxEntries <= 0 means unbounded.
func NewMemory(maxEntries int, opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:    make(map[string]*lruEntry),
		lruList:    list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cleanupInterval > 0 {
		m.wg.Add(1)
		go m.runCleanup()
	}
	return m
}

// Get returns a copy of the stored value and refreshes its recency.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(m.now()) {
		m.deleteUnsafe(key)
		return nil, false, nil
	}

	m.lruList.MoveToFront(entry.element)
	return cloneBytes(entry.value), true, nil
}

// Set stores value under key, evicting the least recently used entry at capacity.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.setUnsafe(key, value, ttl)
	return nil
}

// SetNX stores value only if key is absent or expired.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if entry, ok := m.entries[key]; ok && !entry.expired(m.now()) {
		return false, nil
	}
	m.setUnsafe(key, value, ttl)
	return true, nil
}

func (m *Memory) setUnsafe(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	if entry, ok := m.entries[key]; ok {
		entry.value = cloneBytes(value)
		entry.expiresAt = expiresAt
		m.lruList.MoveToFront(entry.element)
		return
	}

	if m.maxEntries > 0 && m.lruList.Len() >= m.maxEntries {
		m.evictLRUUnsafe()
	}

	entry := &lruEntry{
		key:       key,
		value:     cloneBytes(value),
		expiresAt: expiresAt,
	}
	entry.element = m.lruList.PushFront(entry)
	m.entries[key] = entry
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.deleteUnsafe(key)
	return nil
}

// CompareAndDelete removes key if it is live and holds value.
func (m *Memory) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) || !bytes.Equal(entry.value, value) {
		return false, nil
	}
	m.deleteUnsafe(key)
	return true, nil
}

// CompareAndExpire moves the expiry of key to now+ttl if it is live and
// holds value.
func (m *Memory) CompareAndExpire(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	entry, ok := m.entries[key]
	if !ok || entry.expired(m.now()) || !bytes.Equal(entry.value, value) {
		return false, nil
	}
	entry.expiresAt = time.Time{}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	return true, nil
}

// DeletePattern removes all keys matching a glob pattern.
func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	// Collect first so the map is not mutated while ranging over it.
	var toDelete []string
	for key := range m.entries {
		match, err := MatchPattern(pattern, key)
		if err != nil {
			return 0, err
		}
		if match {
			toDelete = append(toDelete, key)
		}
	}

	count := 0
	for _, key := range toDelete {
		if m.deleteUnsafe(key) {
			count++
		}
	}
	return count, nil
}

// CleanupExpired removes all expired entries and returns how many were dropped.
func (m *Memory) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for key, entry := range m.entries {
		if entry.expired(now) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		m.deleteUnsafe(key)
	}
	return len(expired)
}

// Size returns the number of stored entries, expired ones included until swept.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Evictions returns how many entries were dropped to respect maxEntries.
func (m *Memory) Evictions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evictions
}

// Close stops the cleanup goroutine. Further calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	return nil
}

func (m *Memory) deleteUnsafe(key string) bool {
	entry, ok := m.entries[key]
	if !ok {
		return false
	}
	m.lruList.Remove(entry.element)
	delete(m.entries, key)
	return true
}

// evictLRUUnsafe drops the least recently used entry. Caller holds the write lock.
func (m *Memory) evictLRUUnsafe() {
	oldest := m.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*lruEntry)
	m.lruList.Remove(oldest)
	delete(m.entries, entry.key)
	m.evictions++
}

func (m *Memory) runCleanup() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
