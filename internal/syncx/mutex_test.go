package syncx

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestMutexFIFOHandoff(t *testing.T) {
	t.Parallel()
	var m Mutex
	ctx := context.Background()
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Lock(ctx); err != nil {
				t.Errorf("Lock(%d): %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
		}(i)
		// Make enqueue order deterministic.
		deadline := time.Now().Add(time.Second)
		for m.Waiting() != i+1 {
			if time.Now().After(deadline) {
				t.Fatalf("waiter %d never queued", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
	m.Unlock()
	wg.Wait()

	if !reflect.DeepEqual(order, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("lock order = %v", order)
	}
	if !m.TryLock() {
		t.Fatal("TryLock on free mutex failed")
	}
}

func TestMutexLockCanceled(t *testing.T) {
	t.Parallel()
	var m Mutex
	_ = m.Lock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock err = %v, want deadline exceeded", err)
	}
	if m.Waiting() != 0 {
		t.Fatalf("canceled waiter still queued")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatal("mutex not released after canceled waiter")
	}
}

func TestMutexUnlockUnlockedPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	var m Mutex
	m.Unlock()
}
