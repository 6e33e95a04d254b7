package asyncqueue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func waitIdle(t *testing.T, q interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got []int
	)
	q := New(func(_ context.Context, v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	}, WithCapacity(2))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("processed out of order: %v", got)
	}
	if q.Draining() {
		t.Fatal("queue still draining after Wait")
	}
}

func TestSingleDrainLoop(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	q := New(func(_ context.Context, _ int) error {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = q.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	waitIdle(t, q)

	if maxSeen != 1 {
		t.Fatalf("observed %d concurrent workers, want 1", maxSeen)
	}
	if q.Processed() != 80 {
		t.Fatalf("Processed = %d, want 80", q.Processed())
	}
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got []int
	)
	q := New(func(_ context.Context, v int) error {
		switch v {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(i)
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []int{0, 3, 4}) {
		t.Fatalf("processed = %v, want [0 3 4]", got)
	}
	if q.Failed() != 2 {
		t.Fatalf("Failed = %d, want 2", q.Failed())
	}
}

func TestRemoveMatchingCancelsQueued(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		got []string
	)
	q := New(func(_ context.Context, v string) error {
		if v == "block" {
			<-release
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	_ = q.Enqueue("block")
	for _, v := range []string{"a", "b", "a", "c"} {
		_ = q.Enqueue(v)
	}
	if n := q.RemoveMatching(func(v string) bool { return v == "a" }); n != 2 {
		t.Fatalf("RemoveMatching = %d, want 2", n)
	}
	close(release)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []string{"block", "b", "c"}) {
		t.Fatalf("processed = %v", got)
	}
}

func TestClearAndRestart(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		got []int
	)
	q := New(func(_ context.Context, v int) error {
		if v == 0 {
			close(started)
			<-release
		}
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	for i := 0; i < 4; i++ {
		_ = q.Enqueue(i)
	}
	<-started
	q.Clear()
	close(release)
	waitIdle(t, q)

	_ = q.Enqueue(9)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []int{0, 9}) {
		t.Fatalf("processed = %v, want [0 9]", got)
	}
}

func TestCloseRejects(t *testing.T) {
	t.Parallel()
	q := New(func(context.Context, int) error { return nil })
	q.Close()
	if err := q.Enqueue(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after Close err = %v", err)
	}
}
