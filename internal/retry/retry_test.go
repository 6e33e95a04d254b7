package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), Options{MaxRetries: 3, BaseDelay: time.Millisecond}, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNoRetry(t *testing.T) {
	t.Parallel()
	base := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), Options{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context, int) error {
		calls++
		return NoRetry(base)
	})
	if !errors.Is(err, base) || IsNoRetry(err) {
		t.Fatalf("err = %v, want unwrapped base error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnClientError(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), Options{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context, int) error {
		calls++
		return &StatusError{Code: 400}
	})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 400 {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), Options{MaxRetries: 2, BaseDelay: -1}, func(context.Context, int) error {
		calls++
		return &StatusError{Code: 503}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Do(ctx, Options{MaxRetries: 10, BaseDelay: time.Hour}, func(context.Context, int) error {
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("Do ignored context cancellation")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), true},
		{"no-retry", NoRetry(errors.New("x")), false},
		{"404", &StatusError{Code: 404}, false},
		{"429", &StatusError{Code: 429}, true},
		{"500", &StatusError{Code: 500}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDelayBounds(t *testing.T) {
	t.Parallel()
	opt := Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}
	for attempt := 1; attempt <= 8; attempt++ {
		d := Delay(opt, attempt, nil)
		want := 100 * time.Millisecond << (attempt - 1)
		if want > time.Second {
			want = time.Second
		}
		lo := time.Duration(float64(want) * 0.8)
		if d < lo || d > time.Second {
			t.Fatalf("attempt %d: delay %v outside [%v, 1s]", attempt, d, lo)
		}
	}
	hinted := Delay(opt, 1, RetryAfter(errors.New("slow down"), 10*time.Second))
	if hinted != time.Second {
		t.Fatalf("hinted delay = %v, want capped 1s", hinted)
	}
}
