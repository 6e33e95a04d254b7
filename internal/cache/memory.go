package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	val     []byte
	expires time.Time // zero: never
}

// Memory is a process-local cache. Expired entries are removed lazily and by
// an occasional sweep on write.
type Memory struct {
	prefix string
	now    func() time.Time

	mu        sync.Mutex
	items     map[string]memEntry
	writes    int
	sweepEach int

	counters
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, now: time.Now, items: map[string]memEntry{}, sweepEach: 256}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[m.prefix+key]
	if ok && !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.items, m.prefix+key)
		ok = false
	}
	if !ok {
		m.observe(ErrMiss)
		return nil, ErrMiss
	}
	m.observe(nil)
	return append([]byte(nil), e.val...), nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, val, ttl)
	return nil
}

func (m *Memory) Add(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveLocked(key) {
		return false, nil
	}
	m.putLocked(key, val, ttl)
	return true, nil
}

func (m *Memory) putLocked(key string, val []byte, ttl time.Duration) {
	e := memEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.items[m.prefix+key] = e
	m.writes++
	if m.writes%m.sweepEach == 0 {
		m.sweepLocked()
	}
}

// liveLocked reports whether key holds an unexpired entry, dropping an
// expired one.
func (m *Memory) liveLocked(key string) bool {
	e, ok := m.items[m.prefix+key]
	if !ok {
		return false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.items, m.prefix+key)
		return false
	}
	return true
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for k, e := range m.items {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.items, k)
		}
	}
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, m.prefix+key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(key), nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Stats() Stats { return m.stats() }

func (m *Memory) Close() error { return nil }
