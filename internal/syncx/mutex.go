// Package syncx holds synchronization primitives not covered by sync.
package syncx

import (
	"context"
	"sync"

	"chatrelay/internal/ringbuf"
)

// Mutex is a context-aware lock that hands ownership to waiters in FIFO order.
//
// Unlike sync.Mutex, Unlock passes the lock directly to the oldest waiter, so a
// newcomer can never barge ahead of a goroutine that has been waiting.
// The zero value is an unlocked mutex.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters *ringbuf.Buffer[*waiter]
}

type waiter struct {
	ready    chan struct{}
	canceled bool
}

// Lock acquires the mutex or returns ctx.Err() if ctx ends first.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	if m.waiters == nil {
		m.waiters = ringbuf.MustNew[*waiter](16)
	}
	w := &waiter{ready: make(chan struct{})}
	_ = m.waiters.Push(w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w.ready:
			// Ownership arrived concurrently with cancellation; pass it on.
			m.mu.Unlock()
			m.Unlock()
		default:
			w.canceled = true
			m.waiters.RemoveMatching(func(x *waiter) bool { return x == w })
			m.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free and nobody is waiting.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, waking the oldest waiter if any.
// Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("syncx: unlock of unlocked mutex")
	}
	if m.waiters != nil {
		for {
			w, ok := m.waiters.Shift()
			if !ok {
				break
			}
			if w.canceled {
				continue
			}
			close(w.ready)
			return
		}
	}
	m.locked = false
}

// Waiting reports how many goroutines are queued for the lock.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiters == nil {
		return 0
	}
	return m.waiters.Len()
}
