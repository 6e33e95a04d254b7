// Package ratelimit implements a sliding-window admission limiter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/internal/ringbuf"
	"chatrelay/internal/syncx"
	logx "chatrelay/pkg/logx"
)

var ErrLimitExceeded = errors.New("ratelimit: limit exceeded")

type Option func(*SlidingWindow)

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option { return func(l *SlidingWindow) { l.now = now } }

func WithLogger(log logx.Logger) Option { return func(l *SlidingWindow) { l.log = log } }

// WithName labels debug logs.
func WithName(name string) Option { return func(l *SlidingWindow) { l.name = name } }

// SlidingWindow admits at most max operations in any trailing window.
//
// Admission timestamps live in a fixed ring buffer ordered oldest first;
// pruning only ever removes from the front.
type SlidingWindow struct {
	window time.Duration
	max    int

	mu  sync.Mutex
	buf *ringbuf.Buffer[time.Time]

	// waitMu serializes Wait callers so they are admitted in arrival order.
	waitMu syncx.Mutex

	now  func() time.Time
	log  logx.Logger
	name string
}

func New(window time.Duration, max int, opts ...Option) (*SlidingWindow, error) {
	if window <= time.Millisecond {
		return nil, fmt.Errorf("ratelimit: window must be > 1ms, got %s", window)
	}
	if max < 1 {
		return nil, fmt.Errorf("ratelimit: max must be >= 1, got %d", max)
	}
	buf, err := ringbuf.New[time.Time](max, ringbuf.Fixed())
	if err != nil {
		return nil, err
	}
	l := &SlidingWindow{
		window: window,
		max:    max,
		buf:    buf,
		now:    time.Now,
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// MustNew is New for constant parameters.
func MustNew(window time.Duration, max int, opts ...Option) *SlidingWindow {
	l, err := New(window, max, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *SlidingWindow) Window() time.Duration { return l.window }
func (l *SlidingWindow) Max() int              { return l.max }

// pruneLocked drops timestamps that fell out of the window ending at now.
func (l *SlidingWindow) pruneLocked(now time.Time) {
	expiry := now.Add(-l.window)
	if n := l.buf.PruneFront(func(ts time.Time) bool { return ts.Before(expiry) }); n > 0 && l.log.Enabled(logx.LevelTrace) {
		l.log.Trace("pruned expired timestamps", logx.String("limiter", l.name), logx.Int("count", n))
	}
}

// Wait blocks until an admission slot is free, then records it.
func (l *SlidingWindow) Wait(ctx context.Context) error {
	if err := l.waitMu.Lock(ctx); err != nil {
		return err
	}
	defer l.waitMu.Unlock()

	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if l.buf.Len() < l.max {
			// Capacity was just checked, so this never overwrites.
			l.buf.ForcePush(now)
			l.mu.Unlock()
			return nil
		}
		head, _ := l.buf.PeekHead()
		l.mu.Unlock()

		delay := head.Add(l.window).Sub(now)
		if delay <= 0 {
			delay = time.Millisecond
		}
		if l.log.Enabled(logx.LevelDebug) {
			l.log.Debug("rate limited; sleeping", logx.String("limiter", l.name), logx.Duration("delay", delay))
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Add records an admission performed elsewhere; it fails when the window is full.
func (l *SlidingWindow) Add() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if l.buf.Len() >= l.max {
		return fmt.Errorf("%w: %d in %s", ErrLimitExceeded, l.max, l.window)
	}
	l.buf.ForcePush(now)
	return nil
}

// ForceAdd records an admission even when full, evicting the oldest entry.
func (l *SlidingWindow) ForceAdd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.buf.ForcePush(now)
}

// CanProceed reports whether an admission would succeed right now.
func (l *SlidingWindow) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return l.buf.Len() < l.max
}

// NextAvailable returns how long until a slot frees up (0 if one is free).
func (l *SlidingWindow) NextAvailable() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if l.buf.Len() < l.max {
		return 0
	}
	head, _ := l.buf.PeekHead()
	return max(head.Add(l.window).Sub(now), 0)
}

// Len returns the number of admissions inside the current window.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return l.buf.Len()
}
