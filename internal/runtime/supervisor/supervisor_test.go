package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "chatrelay/pkg/logx"
)

func TestGoRecordsFailureAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("broken", func(context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "broken: boom" {
		t.Fatalf("Wait = %v", err)
	}
	snap := s.Snapshot()
	if snap.Active != 0 || snap.Started != 2 || len(snap.Tasks) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Tasks[0].Name != "broken" || snap.Tasks[0].LastErr != "broken: boom" {
		t.Fatalf("tasks = %+v", snap.Tasks)
	}
	if snap.Tasks[1].LastErr != "" {
		t.Fatalf("canceled task should not record an error: %+v", snap.Tasks[1])
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("bad", func(context.Context) error { panic("nil map") })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("panic should surface as an error")
	}
	if st := s.Snapshot().Tasks[0]; st.Panics != 1 || st.LastPanic != "nil map" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartRestartsUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("loop", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	st := s.Snapshot().Tasks[0]
	if runs.Load() != 3 || st.Starts != 3 || st.Restarts != 2 {
		t.Fatalf("runs = %d, stats = %+v", runs.Load(), st)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("dial", func(context.Context) error {
		runs.Add(1)
		return errors.New("refused")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected final error")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want initial run plus 2 restarts", runs.Load())
	}
	if s.Context().Err() == nil {
		t.Fatal("giving up should cancel the supervisor")
	}
}

func TestStopEndsRestartLoop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{}, 1)
	s.GoRestart("serve", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return errors.New("closed")
	}, WithRestartOnCleanExit())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if st := s.Snapshot().Tasks[0]; st.Running || st.LastErr != "" {
		t.Fatalf("stats = %+v", st)
	}
}
