package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "chatrelay/pkg/logx"
)

func TestMemoryTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	m := NewMemory("p:")
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "a", []byte("1"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "forever", []byte("2"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := m.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	now = now.Add(time.Second)
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get after expiry err = %v, want ErrMiss", err)
	}
	if ok, _ := m.Has(ctx, "forever"); !ok {
		t.Fatal("entry without ttl expired")
	}
	if st := m.Stats(); st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory("")
	buf := []byte("abc")
	_ = m.Set(ctx, "k", buf, 0)
	buf[0] = 'x'
	v, _ := m.Get(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
}

func TestMemorySweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(0, 0)
	m := NewMemory("")
	m.now = func() time.Time { return now }
	m.sweepEach = 4
	for i := 0; i < 3; i++ {
		_ = m.Set(ctx, string(rune('a'+i)), nil, time.Millisecond)
	}
	now = now.Add(time.Second)
	_ = m.Set(ctx, "fresh", nil, 0)
	if got := m.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1 after sweep", got)
	}
}

func TestCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(0, 0)
	m := NewMemory("")
	m.now = func() time.Time { return now }
	cd := NewCooldown(m, "raid")

	if !cd.Acquire(ctx, "42", time.Minute) {
		t.Fatal("first Acquire should win")
	}
	if cd.Acquire(ctx, "42", time.Minute) {
		t.Fatal("second Acquire within cooldown should lose")
	}
	now = now.Add(time.Minute)
	if cd.Has(ctx, "42") {
		t.Fatal("cooldown should have expired")
	}
	_ = cd.Set(ctx, "42", time.Minute)
	_ = cd.Set(ctx, "42", 0)
	if cd.Has(ctx, "42") {
		t.Fatal("zero ttl should clear the cooldown")
	}
}

func TestCooldownAcquireHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(0, 0)
	var nowMu sync.Mutex
	m := NewMemory("")
	m.now = func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	// Two views of one store, as two processes sharing a redis would have.
	a, b := NewCooldown(m, "raid"), NewCooldown(m, "raid")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 64 {
		cd := a
		if i%2 == 1 {
			cd = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cd.Acquire(ctx, "7", time.Minute) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}

	nowMu.Lock()
	now = now.Add(time.Minute)
	nowMu.Unlock()
	if !b.Acquire(ctx, "7", time.Minute) {
		t.Fatal("Acquire after expiry should win")
	}
}

func TestMemoryAdd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory("p:")
	if ok, err := m.Add(ctx, "k", []byte("a"), 0); !ok || err != nil {
		t.Fatalf("first Add = %v, %v", ok, err)
	}
	if ok, _ := m.Add(ctx, "k", []byte("b"), 0); ok {
		t.Fatal("Add over a live key should fail")
	}
	if v, _ := m.Get(ctx, "k"); string(v) != "a" {
		t.Fatalf("Get = %q, want a", v)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "memcached"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	c, err := Open(context.Background(), Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := c.(*Memory); !ok {
		t.Fatalf("default driver = %T, want *Memory", c)
	}
}
