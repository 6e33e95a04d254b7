// Package retry runs operations with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logx "chatrelay/pkg/logx"
)

// Options configures Do.
//
// Defaults (when zero): MaxRetries 3, BaseDelay 500ms, MaxDelay 15s, Jitter 0.2.
// A negative BaseDelay retries immediately.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the +/- fraction applied to each delay (0..1).
	Jitter float64
	Label  string
	Log    logx.Logger
	// CanRetry overrides the default Retryable classification.
	CanRetry func(error) bool
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 15 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	if o.Jitter > 1 {
		o.Jitter = 1
	}
	if o.CanRetry == nil {
		o.CanRetry = Retryable
	}
	return o
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts, or ctx ends. attempt starts at 1.
func Do(ctx context.Context, opt Options, fn func(ctx context.Context, attempt int) error) error {
	opt = opt.withDefaults()
	maxAttempts := 1 + opt.MaxRetries

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if cause, ok := permanentCause(err); ok {
			return cause
		}
		if !opt.CanRetry(err) || attempt == maxAttempts {
			return err
		}

		delay := Delay(opt, attempt, err)
		if !opt.Log.IsZero() {
			opt.Log.Debug("retry scheduled",
				logx.String("op", opt.Label),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(err),
			)
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

// Delay returns the wait before attempt+1: base*2^(attempt-1), jittered and capped.
// A RetryAfter hint on err replaces the exponential term.
func Delay(opt Options, attempt int, err error) time.Duration {
	opt = opt.withDefaults()
	if opt.BaseDelay < 0 {
		return 0
	}

	var d time.Duration
	if after, ok := After(err); ok {
		d = min(after, opt.MaxDelay)
	} else {
		d = opt.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > opt.MaxDelay {
				d = opt.MaxDelay
				break
			}
		}
	}
	if d > 0 {
		r := (randFloat()*2 - 1) * opt.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.MaxDelay)
}
